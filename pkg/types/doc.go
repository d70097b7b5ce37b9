/*
Package types defines the core data model shared by all Weft components.

The model splits into four groups:

Workflow aggregates:
  - WorkflowDraft: an immutable user-authored DAG spec
  - WorkflowInstance: a running copy of a draft with a frozen spec
  - NodeInstance: one materialised DAG vertex or batch sub-expansion
  - Task: one unit of work dispatched to an agent on one queue

Queue aggregates:
  - Queue: a compute cluster with a named topic and resource ceilings
  - QueueCacheInfo: the process-memory runtime counter per queue

File aggregates:
  - FileMeta: content identity keyed by (hash, algorithm)
  - MoveRegistration, Multipart, Snapshot: lease-stored upload state
  - NetDiskEntry: one vertex of the per-user virtual directory tree

Agent wire types (payload.go):
  - TaskPayload: the JSON tagged union agents consume
  - TaskResult: what agents post back on state change
  - SnapshotRequest: mid-run file capture request

Status enums (FlowStatus, NodeStatus, TaskStatus) are string-typed with
IsTerminal helpers; state machines over them live in pkg/flow, pkg/node and
pkg/task. Statuses are persisted as lowercase strings; tagged-union tags
(node kinds, payload kinds, destinations, collect rules) keep their
source-form names for wire compatibility.

# Lifecycle Summary

Drafts are immutable once submitted. Instances progress monotonically except
for Paused/Resuming. NodeInstance status changes are canonical; the
WorkflowInstance status is derived from them. Tasks are created when a node
schedules and logically destroyed on terminal transition, with log and meter
retained on the node. MoveRegistrations, Multiparts and Snapshots live on a
lease; expiry signals an abandoned upload session.
*/
package types
