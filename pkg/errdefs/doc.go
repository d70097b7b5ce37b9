/*
Package errdefs defines Weft's error taxonomy.

Four groups:

  - Draft violations: DraftViolationError, one DraftRule per validation rule,
    each with a stable numeric code for the API boundary.
  - File pipeline: ConflictedHashError, ConflictedIDError,
    ErrMultipartNotFound, ErrUnmatchedHash, ErrLockRetryExhausted, ErrCacheIO,
    and FlashUploadError (a success-equivalent control-flow sentinel).
  - Scheduling: ErrNoQueueAvailable, ErrAgentUnreachable.
  - Storage: ErrNotFound, ErrOptimisticLock, ErrLeaseExpired.

Low-level I/O failures are retried where a retry budget is defined; terminal
failures surface as a status-bus publish on the closest id (task, then node,
then flow). The user-visible failure is always the flow or node status plus
its message field.
*/
package errdefs
