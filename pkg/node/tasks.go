package node

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/types"
)

// BuildTasks materialises a node instance into its ordered task sequence.
// Deploy precedes the per-input downloads, which precede the execution, the
// collectors and the per-output uploads. NoAction and Milestone nodes
// produce no tasks. resume marks execution payloads to continue from the
// agent-side checkpoint instead of starting over.
func BuildTasks(node *types.NodeInstance, resume bool) ([]*types.Task, error) {
	if node.Spec == nil {
		return nil, fmt.Errorf("node %s has no frozen spec", node.ID)
	}

	switch node.Kind {
	case types.NodeKindNoAction, types.NodeKindMilestone:
		return nil, nil

	case types.NodeKindScript:
		if node.Spec.Script == nil {
			return nil, fmt.Errorf("script node %s has no script", node.ID)
		}
		payload := &types.TaskPayload{
			Kind:           types.PayloadExecuteScript,
			NodeInstanceID: node.ID,
			ExecuteScript:  &types.ExecuteScript{Script: node.Spec.Script, Resume: resume},
		}
		task, err := newTask(node, types.TaskKindExecuteScript, 0, payload)
		if err != nil {
			return nil, err
		}
		return []*types.Task{task}, nil

	case types.NodeKindSoftwareUsecaseComputing:
		return buildComputingTasks(node, resume)

	default:
		return nil, fmt.Errorf("unknown node kind %q", node.Kind)
	}
}

func buildComputingTasks(node *types.NodeInstance, resume bool) ([]*types.Task, error) {
	usecase := node.Spec.Usecase
	if usecase == nil {
		return nil, fmt.Errorf("computing node %s has no usecase", node.ID)
	}

	var tasks []*types.Task
	add := func(kind types.TaskKind, payload *types.TaskPayload) error {
		task, err := newTask(node, kind, len(tasks), payload)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
		return nil
	}

	err := add(types.TaskKindDeploy, &types.TaskPayload{
		Kind:           types.PayloadSoftwareDeployment,
		NodeInstanceID: node.ID,
		SoftwareDeployment: &types.SoftwareDeployment{
			SoftwareID: usecase.SoftwareID,
			Version:    usecase.Version,
			Facility:   usecase.Facility,
		},
	})
	if err != nil {
		return nil, err
	}

	for _, slot := range node.Spec.InputSlots {
		if slot.Kind != types.SlotKindFile {
			continue
		}
		for i, metaID := range slot.Contents {
			err := add(types.TaskKindDownloadFile, &types.TaskPayload{
				Kind:           types.PayloadFileDownload,
				NodeInstanceID: node.ID,
				FileDownload: &types.FileDownloadCmd{
					FileID: fmt.Sprintf("%s/%d", slot.Descriptor, i),
					MetaID: metaID,
					Path:   fmt.Sprintf("inputs/%s/%d", slot.Descriptor, i),
				},
			})
			if err != nil {
				return nil, err
			}
		}
	}

	err = add(types.TaskKindExecute, &types.TaskPayload{
		Kind:           types.PayloadUsecaseExecution,
		NodeInstanceID: node.ID,
		UsecaseExecution: &types.UsecaseExecution{
			UsecaseID:   usecase.UsecaseID,
			SoftwareID:  usecase.SoftwareID,
			CommandLine: usecase.CommandLine,
			Resume:      resume,
		},
	})
	if err != nil {
		return nil, err
	}

	for _, slot := range node.Spec.OutputSlots {
		if slot.Collector == nil {
			continue
		}
		err := add(types.TaskKindCollect, &types.TaskPayload{
			Kind:           types.PayloadCollectedOut,
			NodeInstanceID: node.ID,
			CollectedOut:   &types.CollectedOut{Rule: *slot.Collector},
		})
		if err != nil {
			return nil, err
		}
	}

	for _, slot := range node.Spec.OutputSlots {
		if slot.Kind != types.SlotKindFile {
			continue
		}
		err := add(types.TaskKindUploadFile, &types.TaskPayload{
			Kind:           types.PayloadFileUpload,
			NodeInstanceID: node.ID,
			FileUpload: &types.FileUploadCmd{
				FileID: slot.Descriptor,
				Path:   fmt.Sprintf("outputs/%s", slot.Descriptor),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return tasks, nil
}

func newTask(node *types.NodeInstance, kind types.TaskKind, seq int, payload *types.TaskPayload) (*types.Task, error) {
	id := uuid.New().String()
	payload.TaskID = id
	body, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &types.Task{
		ID:             id,
		NodeInstanceID: node.ID,
		FlowInstanceID: node.FlowInstanceID,
		Kind:           kind,
		Seq:            seq,
		Body:           body,
		Status:         types.TaskStatusQueuing,
		Requirement:    node.Spec.Requirement,
		CreatedAt:      time.Now(),
	}, nil
}
