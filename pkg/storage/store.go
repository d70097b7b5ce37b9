package storage

import (
	"github.com/weftworks/weft/pkg/types"
)

// Store is the transactional entity store over the workflow, queue and file
// aggregates. Missing rows surface as errdefs.ErrNotFound; conditional
// updates losing the race surface as errdefs.ErrOptimisticLock.
type Store interface {
	// Drafts (immutable once submitted)
	CreateDraft(draft *types.WorkflowDraft) error
	GetDraft(id string) (*types.WorkflowDraft, error)

	// Workflow instances
	CreateInstance(inst *types.WorkflowInstance) error
	GetInstance(id string) (*types.WorkflowInstance, error)
	UpdateInstance(inst *types.WorkflowInstance) error
	// UpdateInstanceWithLock updates conditional on LastModifiedTime
	// matching the stored row, bumping it on success.
	UpdateInstanceWithLock(inst *types.WorkflowInstance) error
	ListInstances() ([]*types.WorkflowInstance, error)

	// Node instances
	CreateNodeInstance(node *types.NodeInstance) error
	GetNodeInstance(id string) (*types.NodeInstance, error)
	UpdateNodeInstance(node *types.NodeInstance) error
	UpdateNodeInstanceWithLock(node *types.NodeInstance) error
	ListNodeInstancesByFlow(flowID string) ([]*types.NodeInstance, error)
	ListNodeInstancesByBatchParent(parentID string) ([]*types.NodeInstance, error)

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error
	// ListTasksByNodeInstance returns the node's tasks ordered by Seq.
	ListTasksByNodeInstance(nodeInstanceID string) ([]*types.Task, error)
	ListTasksByQueue(queueID string) ([]*types.Task, error)

	// Queues
	CreateQueue(queue *types.Queue) error
	GetQueue(id string) (*types.Queue, error)
	UpdateQueue(queue *types.Queue) error
	ListQueues() ([]*types.Queue, error)
	DeleteQueue(id string) error

	// File metas, keyed by id; (hash, algorithm) identifies content
	CreateFileMeta(meta *types.FileMeta) error
	GetFileMeta(id string) (*types.FileMeta, error)
	GetFileMetaByHash(hash string, alg types.HashAlgorithm) (*types.FileMeta, error)

	// Snapshots
	CreateSnapshot(snap *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	DeleteSnapshot(id string) error
	ListSnapshotsByMeta(metaID string) ([]*types.Snapshot, error)
	ListSnapshotsByNode(nodeID string) ([]*types.Snapshot, error)

	// Net-disk entries; (parent_id, name, owner_id) is unique
	CreateNetDiskEntry(entry *types.NetDiskEntry) error
	GetNetDiskEntry(id string) (*types.NetDiskEntry, error)
	FindNetDiskEntry(parentID, name, ownerID string) (*types.NetDiskEntry, error)
	ListNetDiskEntriesByParent(parentID string) ([]*types.NetDiskEntry, error)
	DeleteNetDiskEntry(id string) error

	// Batch opens a deferred write set committed atomically on SaveChanged.
	Batch() Batch

	Close() error
}

// Batch accumulates writes issued inside one request and commits them in a
// single transaction on SaveChanged.
type Batch interface {
	CreateInstance(inst *types.WorkflowInstance)
	UpdateInstance(inst *types.WorkflowInstance)
	CreateNodeInstance(node *types.NodeInstance)
	UpdateNodeInstance(node *types.NodeInstance)
	CreateTask(task *types.Task)
	UpdateTask(task *types.Task)
	DeleteTask(id string)
	CreateFileMeta(meta *types.FileMeta)
	CreateSnapshot(snap *types.Snapshot)
	CreateNetDiskEntry(entry *types.NetDiskEntry)

	SaveChanged() error
}
