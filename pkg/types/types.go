package types

import (
	"time"
)

// HashAlgorithm identifies a content-hash algorithm. Blake3 is the only
// algorithm the pipeline currently registers.
type HashAlgorithm string

const (
	HashAlgorithmBlake3 HashAlgorithm = "blake3"
)

// FlowStatus represents the lifecycle state of a workflow instance
type FlowStatus string

const (
	FlowStatusCreated     FlowStatus = "created"
	FlowStatusPending     FlowStatus = "pending"
	FlowStatusRunning     FlowStatus = "running"
	FlowStatusPaused      FlowStatus = "paused"
	FlowStatusPausing     FlowStatus = "pausing"
	FlowStatusResuming    FlowStatus = "resuming"
	FlowStatusTerminating FlowStatus = "terminating"
	FlowStatusTerminated  FlowStatus = "terminated"
	FlowStatusFailed      FlowStatus = "failed"
	FlowStatusCompleted   FlowStatus = "completed"
)

// IsTerminal reports whether the flow can make no further progress.
func (s FlowStatus) IsTerminal() bool {
	return s == FlowStatusTerminated || s == FlowStatusFailed || s == FlowStatusCompleted
}

// NodeStatus represents the lifecycle state of a node instance
type NodeStatus string

const (
	NodeStatusCreated     NodeStatus = "created"
	NodeStatusPending     NodeStatus = "pending"
	NodeStatusRunning     NodeStatus = "running"
	NodeStatusPaused      NodeStatus = "paused"
	NodeStatusPausing     NodeStatus = "pausing"
	NodeStatusResuming    NodeStatus = "resuming"
	NodeStatusStandby     NodeStatus = "standby"
	NodeStatusTerminating NodeStatus = "terminating"
	NodeStatusTerminated  NodeStatus = "terminated"
	NodeStatusFailed      NodeStatus = "failed"
	NodeStatusCompleted   NodeStatus = "completed"
)

// IsTerminal reports whether the node can make no further progress.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusTerminated || s == NodeStatusFailed || s == NodeStatusCompleted
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueuing    TaskStatus = "queuing"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelling TaskStatus = "cancelling"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusPausing    TaskStatus = "pausing"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusResuming   TaskStatus = "resuming"
)

// IsTerminal reports whether the task reached a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// NodeKind defines what a DAG vertex does when it schedules
type NodeKind string

const (
	NodeKindSoftwareUsecaseComputing NodeKind = "SoftwareUsecaseComputing"
	NodeKindNoAction                 NodeKind = "NoAction"
	NodeKindScript                   NodeKind = "Script"
	NodeKindMilestone                NodeKind = "Milestone"
)

// TaskKind defines the unit of work dispatched to an agent
type TaskKind string

const (
	TaskKindDeploy        TaskKind = "Deploy"
	TaskKindDownloadFile  TaskKind = "DownloadFile"
	TaskKindExecute       TaskKind = "Execute"
	TaskKindCollect       TaskKind = "Collect"
	TaskKindUploadFile    TaskKind = "UploadFile"
	TaskKindExecuteScript TaskKind = "ExecuteScript"
)

// TaskKindOrder returns the scheduling rank of a task kind within its node.
// Within a node instance Deploy precedes DownloadFile precedes Execute
// precedes Collect precedes UploadFile.
func TaskKindOrder(k TaskKind) int {
	switch k {
	case TaskKindDeploy:
		return 0
	case TaskKindDownloadFile:
		return 1
	case TaskKindExecute, TaskKindExecuteScript:
		return 2
	case TaskKindCollect:
		return 3
	case TaskKindUploadFile:
		return 4
	default:
		return 5
	}
}

// SlotKind distinguishes text-valued slots from file-valued slots
type SlotKind string

const (
	SlotKindText SlotKind = "Text"
	SlotKindFile SlotKind = "File"
)

// SchedulingKind selects how a queue is chosen for a node's tasks
type SchedulingKind string

const (
	SchedulingAuto   SchedulingKind = "Auto"
	SchedulingManual SchedulingKind = "Manual"
	SchedulingPrefer SchedulingKind = "Prefer"
)

// SchedulingStrategy names the queues a node may run on.
// Manual uses exactly Queues in order; Prefer tries Queues first and then
// every other enabled queue in random order; Auto tries all enabled queues
// in random order.
type SchedulingStrategy struct {
	Kind   SchedulingKind `json:"kind"`
	Queues []string       `json:"queues,omitempty"`
}

// BatchKind selects a slot's batch expansion strategy
type BatchKind string

const (
	BatchOriginal         BatchKind = "OriginalBatch"
	BatchMatchRegex       BatchKind = "MatchRegex"
	BatchFromBatchOutputs BatchKind = "FromBatchOutputs"
)

// FillerKind selects how MatchRegex copies are filled
type FillerKind string

const (
	FillerAutoNumber  FillerKind = "AutoNumber"
	FillerEnumeration FillerKind = "Enumeration"
)

// Filler produces the n-th fill value for a MatchRegex expansion
type Filler struct {
	Kind  FillerKind `json:"kind"`
	Start int64      `json:"start,omitempty"`
	Step  int64      `json:"step,omitempty"`
	Items []string   `json:"items,omitempty"`
}

// BatchStrategy annotates a slot for batch expansion
type BatchStrategy struct {
	Kind BatchKind `json:"kind"`

	// MatchRegex fields
	RegexToMatch string  `json:"regex_to_match,omitempty"`
	FillCount    int     `json:"fill_count,omitempty"`
	Filler       *Filler `json:"filler,omitempty"`

	// FromBatchOutputs fields
	UpstreamNodeID string `json:"upstream_node_id,omitempty"`
	UpstreamSlot   string `json:"upstream_slot,omitempty"`
}

// Slot is one typed input or output of a node draft
type Slot struct {
	Descriptor   string         `json:"descriptor"`
	Kind         SlotKind       `json:"kind"`
	Optional     bool           `json:"optional,omitempty"`
	FromUpstream bool           `json:"from_upstream,omitempty"`
	Contents     []string       `json:"contents,omitempty"`
	Batch        *BatchStrategy `json:"batch,omitempty"`

	// Collector is set on output slots bound to a result collector.
	Collector *CollectRule `json:"collector,omitempty"`
}

const (
	FacilitySpack       = "Spack"
	FacilitySingularity = "Singularity"
)

// FacilityKind describes how software is provisioned on a queue
type FacilityKind struct {
	Kind         string   `json:"kind"` // Spack or Singularity
	Name         string   `json:"name,omitempty"`
	ArgumentList []string `json:"argument_list,omitempty"`
	Image        string   `json:"image,omitempty"`
	Tag          string   `json:"tag,omitempty"`
}

// UsecaseSpec resolves a software/usecase package pair for a computing node
type UsecaseSpec struct {
	UsecaseID   string        `json:"usecase_id"`
	SoftwareID  string        `json:"software_id"`
	Version     string        `json:"version,omitempty"`
	Facility    *FacilityKind `json:"facility,omitempty"`
	CommandLine string        `json:"command_line,omitempty"`
}

// ScriptSpec is the payload of a Script node
type ScriptSpec struct {
	Interpreter string   `json:"interpreter,omitempty"`
	Source      string   `json:"source"`
	Arguments   []string `json:"arguments,omitempty"`
}

// NodeDraft is one user-authored DAG vertex
type NodeDraft struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Kind        NodeKind             `json:"kind"`
	Usecase     *UsecaseSpec         `json:"usecase,omitempty"`
	Script      *ScriptSpec          `json:"script,omitempty"`
	WebhookURL  string               `json:"webhook_url,omitempty"` // Milestone nodes
	InputSlots  []*Slot              `json:"input_slots,omitempty"`
	OutputSlots []*Slot              `json:"output_slots,omitempty"`
	Scheduling  SchedulingStrategy   `json:"scheduling"`
	Requirement ResourceRequirements `json:"requirement"`
}

// InputSlot returns the input slot with the given descriptor, or nil.
func (d *NodeDraft) InputSlot(descriptor string) *Slot {
	for _, s := range d.InputSlots {
		if s.Descriptor == descriptor {
			return s
		}
	}
	return nil
}

// OutputSlot returns the output slot with the given descriptor, or nil.
func (d *NodeDraft) OutputSlot(descriptor string) *Slot {
	for _, s := range d.OutputSlots {
		if s.Descriptor == descriptor {
			return s
		}
	}
	return nil
}

// NodeRelation is one DAG edge, optionally pairing an output slot of the
// from-node with an input slot of the to-node
type NodeRelation struct {
	FromID   string `json:"from_id"`
	ToID     string `json:"to_id"`
	FromSlot string `json:"from_slot,omitempty"`
	ToSlot   string `json:"to_slot,omitempty"`
}

// WorkflowSpec is the DAG: an ordered sequence of node drafts plus relations
type WorkflowSpec struct {
	NodeDrafts    []*NodeDraft    `json:"node_drafts"`
	NodeRelations []*NodeRelation `json:"node_relations,omitempty"`
}

// NodeDraft returns the draft with the given id, or nil.
func (s *WorkflowSpec) NodeDraft(id string) *NodeDraft {
	for _, d := range s.NodeDrafts {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// PredecessorsOf returns the ids of nodes with an edge into the given node.
func (s *WorkflowSpec) PredecessorsOf(id string) []string {
	var from []string
	seen := make(map[string]bool)
	for _, r := range s.NodeRelations {
		if r.ToID == id && !seen[r.FromID] {
			seen[r.FromID] = true
			from = append(from, r.FromID)
		}
	}
	return from
}

// SuccessorsOf returns the ids of nodes the given node has an edge into.
func (s *WorkflowSpec) SuccessorsOf(id string) []string {
	var to []string
	seen := make(map[string]bool)
	for _, r := range s.NodeRelations {
		if r.FromID == id && !seen[r.ToID] {
			seen[r.ToID] = true
			to = append(to, r.ToID)
		}
	}
	return to
}

// EntryNodes returns the ids of drafts with no incoming edge.
func (s *WorkflowSpec) EntryNodes() []string {
	hasIncoming := make(map[string]bool)
	for _, r := range s.NodeRelations {
		hasIncoming[r.ToID] = true
	}
	var entries []string
	for _, d := range s.NodeDrafts {
		if !hasIncoming[d.ID] {
			entries = append(entries, d.ID)
		}
	}
	return entries
}

// WorkflowDraft is an immutable user-authored DAG spec
type WorkflowDraft struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Name      string        `json:"name"`
	Spec      *WorkflowSpec `json:"spec"`
	CreatedAt time.Time     `json:"created_at"`
}

// WorkflowInstance is a running copy of a draft. Spec is frozen byte-exact at
// submit time. LastModifiedTime is epoch millis and doubles as the
// optimistic-lock version.
type WorkflowInstance struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	DraftID          string        `json:"draft_id"`
	Name             string        `json:"name"`
	Spec             *WorkflowSpec `json:"spec"`
	Status           FlowStatus    `json:"status"`
	Message          string        `json:"message,omitempty"`
	LastModifiedTime int64         `json:"last_modified_time"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ResourceRequirements is what one task asks a queue for
type ResourceRequirements struct {
	Memory          int64 `json:"memory"`
	CoreNumber      int   `json:"core_number"`
	StorageCapacity int64 `json:"storage_capacity"`
	NodeCount       int   `json:"node_count"`
}

// ResourceUsage meters what a node's tasks actually consumed
type ResourceUsage struct {
	Memory          int64 `json:"memory"`
	CoreNumber      int   `json:"core_number"`
	StorageCapacity int64 `json:"storage_capacity"`
	NodeCount       int   `json:"node_count"`
	WallSeconds     int64 `json:"wall_seconds"`
}

// Add accumulates another usage sample into the meter.
func (u *ResourceUsage) Add(other *ResourceUsage) {
	if other == nil {
		return
	}
	u.Memory += other.Memory
	u.CoreNumber += other.CoreNumber
	u.StorageCapacity += other.StorageCapacity
	u.NodeCount += other.NodeCount
	u.WallSeconds += other.WallSeconds
}

// NodeInstance is one materialised DAG vertex, or one batch sub-expansion of
// one. A parent carries IsParent=true and never runs itself; its children
// carry BatchParentID and contiguous BatchIndex values. Sub-instances pick
// their queues independently of the parent.
type NodeInstance struct {
	ID               string        `json:"id"`
	FlowInstanceID   string        `json:"flow_instance_id"`
	DraftNodeID      string        `json:"draft_node_id"`
	Name             string        `json:"name"`
	Kind             NodeKind      `json:"kind"`
	IsParent         bool          `json:"is_parent,omitempty"`
	BatchParentID    string        `json:"batch_parent_id,omitempty"`
	BatchIndex       int           `json:"batch_index,omitempty"`
	QueueID          string        `json:"queue_id,omitempty"`
	Status           NodeStatus    `json:"status"`
	Spec             *NodeDraft    `json:"spec"`
	Log              string        `json:"log,omitempty"`
	ResourceMeter    ResourceUsage `json:"resource_meter"`
	ResumeCheckpoint bool          `json:"resume_checkpoint,omitempty"`
	LastModifiedTime int64         `json:"last_modified_time"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Task is one unit of work dispatched to an agent on one queue. Seq orders
// tasks within their node instance.
type Task struct {
	ID             string               `json:"id"`
	NodeInstanceID string               `json:"node_instance_id"`
	FlowInstanceID string               `json:"flow_instance_id"`
	QueueID        string               `json:"queue_id,omitempty"`
	Kind           TaskKind             `json:"kind"`
	Seq            int                  `json:"seq"`
	Body           []byte               `json:"body,omitempty"`
	Status         TaskStatus           `json:"status"`
	Message        string               `json:"message,omitempty"`
	Requirement    ResourceRequirements `json:"requirement"`
	LastHeartbeat  time.Time            `json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// QueueResources is a vector of cluster capacity dimensions
type QueueResources struct {
	Memory          int64 `json:"memory"`
	CoreNumber      int   `json:"core_number"`
	StorageCapacity int64 `json:"storage_capacity"`
	NodeCount       int   `json:"node_count"`
}

// QueueCacheInfo is the runtime, process-memory-only counter of one queue
type QueueCacheInfo struct {
	Used             QueueResources `json:"used"`
	QueuingTaskCount int            `json:"queuing_task_count"`
	RunningTaskCount int            `json:"running_task_count"`
}

// Queue is a compute cluster with a named topic and resource ceilings.
// AlertThresholds are soft caps strictly below the hard Capacity limits;
// admission tests against the soft caps. Zero-valued caps mean "infinite".
type Queue struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	TopicName           string         `json:"topic_name"`
	Endpoint            string         `json:"endpoint,omitempty"` // agent callback address
	Enabled             bool           `json:"enabled"`
	Capacity            QueueResources `json:"capacity"`
	AlertThresholds     QueueResources `json:"alert_thresholds"`
	MaxQueuingTaskCount int            `json:"max_queuing_task_count,omitempty"`
	MaxRunningTaskCount int            `json:"max_running_task_count,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// FileMeta identifies content by (hash, algorithm). A meta is created when a
// hash is first observed and reused on match.
type FileMeta struct {
	ID            string        `json:"id"`
	Hash          string        `json:"hash"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
	Size          int64         `json:"size"`
	CreatedAt     time.Time     `json:"created_at"`
}

// MoveDestinationKind tags a move destination
type MoveDestinationKind string

const (
	MoveToStorageServer MoveDestinationKind = "StorageServer"
	MoveToSnapshot      MoveDestinationKind = "Snapshot"
)

// MoveDestination is where cached bytes go once complete
type MoveDestination struct {
	Kind MoveDestinationKind `json:"kind"`

	// StorageServer fields
	RecordNetDisk bool `json:"record_net_disk,omitempty"`

	// Snapshot fields
	NodeID    string `json:"node_id,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// MoveRegistration is a lease-stored intent to deliver cached bytes to a
// destination. TaskID is set when the upload runs on behalf of a task so
// failures can surface as Task-Failed.
type MoveRegistration struct {
	ID             string          `json:"id"` // move id
	MetaID         string          `json:"meta_id"`
	UserID         string          `json:"user_id,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	FileName       string          `json:"file_name"`
	Hash           string          `json:"hash"`
	HashAlgorithm  HashAlgorithm   `json:"hash_algorithm"`
	Size           int64           `json:"size"`
	Destination    MoveDestination `json:"destination"`
	IsUploadFailed bool            `json:"is_upload_failed,omitempty"`
	FailedReason   string          `json:"failed_reason,omitempty"`
}

// Multipart is the lease-stored record of an in-flight chunked upload.
// Shards holds the unfinished part indices; LastUpdateTimestamp is monotonic
// and used as the CAS token for the optimistic-concurrency loop.
type Multipart struct {
	MetaID              string        `json:"meta_id"`
	Hash                string        `json:"hash"`
	HashAlgorithm       HashAlgorithm `json:"hash_algorithm"`
	PartCount           int           `json:"part_count"`
	Shards              []int         `json:"shards"`
	LastUpdateTimestamp int64         `json:"last_update_timestamp"`
}

// Part is one uploaded chunk of a multipart session
type Part struct {
	MetaID  string `json:"meta_id"`
	Nth     int    `json:"nth"`
	Content []byte `json:"content"`
}

// Snapshot is a captured, content-addressed copy of a file produced during
// node execution
type Snapshot struct {
	ID            string        `json:"id"`
	MetaID        string        `json:"meta_id"`
	NodeID        string        `json:"node_id"`
	FileID        string        `json:"file_id"`
	Timestamp     int64         `json:"timestamp"`
	FileName      string        `json:"file_name"`
	Size          int64         `json:"size"`
	Hash          string        `json:"hash"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NetDiskEntry is one vertex of the per-user virtual directory tree.
// (ParentID, Name, OwnerID) is unique.
type NetDiskEntry struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	IsDir     bool      `json:"is_dir,omitempty"`
	MetaID    string    `json:"meta_id,omitempty"`
	FileType  string    `json:"file_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CollectRuleKind tags a collect rule
type CollectRuleKind string

const (
	CollectRegex       CollectRuleKind = "Regex"
	CollectBottomLines CollectRuleKind = "BottomLines"
	CollectTopLines    CollectRuleKind = "TopLines"
)

// CollectFromKind tags the source a collector reads
type CollectFromKind string

const (
	CollectFromFileOut CollectFromKind = "FileOut"
	CollectFromStdout  CollectFromKind = "Stdout"
	CollectFromStderr  CollectFromKind = "Stderr"
)

// CollectToKind tags where collected output lands
type CollectToKind string

const (
	CollectToFile CollectToKind = "File"
	CollectToText CollectToKind = "Text"
)

// CollectFrom names the source a collector reads
type CollectFrom struct {
	Kind CollectFromKind `json:"kind"`
	Path string          `json:"path,omitempty"`
}

// CollectTo names the sink collected output is written to
type CollectTo struct {
	Kind CollectToKind `json:"kind"`
	ID   string        `json:"id,omitempty"`
	Path string        `json:"path,omitempty"`
}

// CollectRule describes how an agent extracts a result from a task's output
type CollectRule struct {
	Kind    CollectRuleKind `json:"kind"`
	Pattern string          `json:"pattern,omitempty"`
	Count   int             `json:"count,omitempty"`
	From    CollectFrom     `json:"from"`
	To      CollectTo       `json:"to"`
}
