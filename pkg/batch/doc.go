/*
Package batch expands batch-annotated node drafts into sub-drafts.

Three strategies exist per input slot: OriginalBatch splits an existing input
list one element per sub-node, MatchRegex duplicates a single text input and
substitutes a filler value per copy (AutoNumber arithmetic series or
Enumeration random pick), FromBatchOutputs mirrors the expansion count of an
upstream batched output and leaves the element to arrive at run time.

Expansion happens once, at submit time; the resulting sub-drafts are
persisted as node instances so schedulers never observe a half-expanded
batch.
*/
package batch
