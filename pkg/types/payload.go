package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind tags the agent wire-level task payload union
type PayloadKind string

const (
	PayloadSoftwareDeployment PayloadKind = "SoftwareDeployment"
	PayloadUsecaseExecution   PayloadKind = "UsecaseExecution"
	PayloadCollectedOut       PayloadKind = "CollectedOut"
	PayloadExecuteScript      PayloadKind = "ExecuteScript"
	PayloadFileUpload         PayloadKind = "FileUpload"
	PayloadFileDownload       PayloadKind = "FileDownload"
)

// SoftwareDeployment asks the agent to install software on its cluster
type SoftwareDeployment struct {
	SoftwareID string        `json:"software_id"`
	Version    string        `json:"version,omitempty"`
	Facility   *FacilityKind `json:"facility"`
}

// UsecaseExecution asks the agent to run the resolved invocation
type UsecaseExecution struct {
	UsecaseID   string            `json:"usecase_id"`
	SoftwareID  string            `json:"software_id"`
	CommandLine string            `json:"command_line"`
	Environment map[string]string `json:"environment,omitempty"`
	Resume      bool              `json:"resume,omitempty"`
}

// CollectedOut asks the agent to extract a result per a collect rule
type CollectedOut struct {
	Rule CollectRule `json:"rule"`
}

// ExecuteScript asks the agent to run an inline script
type ExecuteScript struct {
	Script *ScriptSpec `json:"script"`
	Resume bool        `json:"resume,omitempty"`
}

// FileUploadCmd asks the agent to push a produced file into the staging
// pipeline
type FileUploadCmd struct {
	FileID   string `json:"file_id"`
	Path     string `json:"path"`
	MoveID   string `json:"move_id,omitempty"`
	MetaID   string `json:"meta_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// FileDownloadCmd asks the agent to fetch an input file before execution
type FileDownloadCmd struct {
	FileID string `json:"file_id"`
	MetaID string `json:"meta_id"`
	Path   string `json:"path"`
	Hash   string `json:"hash,omitempty"`
}

// TaskPayload is the JSON tagged union the agent consumes. Exactly one of the
// kind-specific fields is populated, matching Kind.
type TaskPayload struct {
	Kind PayloadKind `json:"kind"`

	TaskID         string `json:"task_id"`
	NodeInstanceID string `json:"node_instance_id"`
	QueueID        string `json:"queue_id,omitempty"`

	SoftwareDeployment *SoftwareDeployment `json:"software_deployment,omitempty"`
	UsecaseExecution   *UsecaseExecution   `json:"usecase_execution,omitempty"`
	CollectedOut       *CollectedOut       `json:"collected_out,omitempty"`
	ExecuteScript      *ExecuteScript      `json:"execute_script,omitempty"`
	FileUpload         *FileUploadCmd      `json:"file_upload,omitempty"`
	FileDownload       *FileDownloadCmd    `json:"file_download,omitempty"`
}

// Validate checks that exactly the field named by Kind is set.
func (p *TaskPayload) Validate() error {
	var set PayloadKind
	count := 0
	if p.SoftwareDeployment != nil {
		set, count = PayloadSoftwareDeployment, count+1
	}
	if p.UsecaseExecution != nil {
		set, count = PayloadUsecaseExecution, count+1
	}
	if p.CollectedOut != nil {
		set, count = PayloadCollectedOut, count+1
	}
	if p.ExecuteScript != nil {
		set, count = PayloadExecuteScript, count+1
	}
	if p.FileUpload != nil {
		set, count = PayloadFileUpload, count+1
	}
	if p.FileDownload != nil {
		set, count = PayloadFileDownload, count+1
	}
	if count != 1 {
		return fmt.Errorf("task payload must carry exactly one body, got %d", count)
	}
	if set != p.Kind {
		return fmt.Errorf("task payload kind %q does not match body %q", p.Kind, set)
	}
	return nil
}

// Encode serialises the payload for the wire.
func (p *TaskPayload) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeTaskPayload parses and validates a wire payload.
func DecodeTaskPayload(data []byte) (*TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// TaskResult is what an agent posts back when a task changes state
type TaskResult struct {
	TaskID         string         `json:"task_id"`
	NodeInstanceID string         `json:"node_instance_id,omitempty"`
	QueueID        string         `json:"queue_id,omitempty"`
	Status         TaskStatus     `json:"status"`
	Message        string         `json:"message,omitempty"`
	ExitCode       int            `json:"exit_code,omitempty"`
	UsedResources  *ResourceUsage `json:"used_resources,omitempty"`
	ReportedAt     time.Time      `json:"reported_at,omitempty"`
}

// SnapshotRequest is published on a queue topic to ask the agent for a
// mid-run copy of a file a node is producing
type SnapshotRequest struct {
	NodeID    string `json:"node_id"`
	FileID    string `json:"file_id"`
	Timestamp int64  `json:"timestamp"`
}
