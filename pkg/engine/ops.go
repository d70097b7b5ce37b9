package engine

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/types"
)

// StartWorkflow kicks a submitted workflow off. The flow scheduler takes it
// from there; repeated starts on a flow already underway are ignored there.
func (e *Engine) StartWorkflow(ctx context.Context, flowID string) error {
	return e.publishFlow(ctx, flowID, types.FlowStatusPending)
}

// PauseWorkflow requests a pause; running nodes wind down through task
// cancellation before the flow settles to Paused.
func (e *Engine) PauseWorkflow(ctx context.Context, flowID string) error {
	return e.publishFlow(ctx, flowID, types.FlowStatusPausing)
}

// ContinueWorkflow resumes a paused workflow from its checkpoints.
func (e *Engine) ContinueWorkflow(ctx context.Context, flowID string) error {
	return e.publishFlow(ctx, flowID, types.FlowStatusResuming)
}

// TerminateWorkflow requests a terminal stop.
func (e *Engine) TerminateWorkflow(ctx context.Context, flowID string) error {
	return e.publishFlow(ctx, flowID, types.FlowStatusTerminating)
}

func (e *Engine) publishFlow(ctx context.Context, flowID string, status types.FlowStatus) error {
	if _, err := e.entities.GetInstance(flowID); err != nil {
		return err
	}
	return e.broker.PublishFlowChange(ctx, &bus.FlowChange{FlowID: flowID, Status: status})
}

// ReceiveTaskStatus ingests an agent's task report onto the status bus.
func (e *Engine) ReceiveTaskStatus(ctx context.Context, result *types.TaskResult) error {
	if result.TaskID == "" {
		return fmt.Errorf("task result has no task id")
	}

	message := result.Message
	if message == "" && result.Status == types.TaskStatusFailed && result.ExitCode != 0 {
		message = fmt.Sprintf("exit status %d", result.ExitCode)
	}
	return e.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID:        result.TaskID,
		Status:        result.Status,
		Message:       message,
		UsedResources: result.UsedResources,
	})
}

// RegisterQueue creates a queue and points the agent gateway at its endpoint.
func (e *Engine) RegisterQueue(queue *types.Queue) error {
	if err := e.queues.Register(queue); err != nil {
		return err
	}
	e.gateway.WatchQueue(queue)
	return nil
}

// UpdateQueueResource ingests an agent's counter report for its queue.
func (e *Engine) UpdateQueueResource(queueID string, info *types.QueueCacheInfo) {
	e.queues.UpdateQueueResource(queueID, info)
	logger := log.WithQueueID(queueID)
	logger.Debug().
		Int("queuing", info.QueuingTaskCount).Int("running", info.RunningTaskCount).
		Msg("Queue counters refreshed")
}
