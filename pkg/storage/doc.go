/*
Package storage provides Weft's persistent entity store.

The Store interface exposes CRUD per aggregate (drafts, workflow instances,
node instances, tasks, queues, file metas, snapshots, net-disk entries) plus
the projections the schedulers need: node instances of a flow, batch children
of a parent, tasks of a node ordered by sequence, file meta by content hash,
net-disk entry by (parent, name, owner).

BoltStore implements it on BoltDB: one bucket per aggregate, JSON-encoded
values, ids as keys. Two write disciplines exist on top:

  - Deferred batch: Batch() accumulates writes issued inside a request and
    commits them in a single bolt transaction on SaveChanged. Submission uses
    this to persist an instance, its node instances and batch children
    atomically.
  - Optimistic lock: UpdateInstanceWithLock / UpdateNodeInstanceWithLock
    update conditional on LastModifiedTime (epoch millis) matching the stored
    row, bumping it on success. Conflicts surface as
    errdefs.ErrOptimisticLock; callers retry with their own budget.

Missing rows surface as errdefs.ErrNotFound.
*/
package storage
