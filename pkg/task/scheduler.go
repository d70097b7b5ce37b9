package task

import (
	"context"
	"fmt"
	"time"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/metrics"
	"github.com/weftworks/weft/pkg/queue"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/types"
)

// Dispatcher sends a task payload towards the agent listening on a queue
// topic. The agent gateway is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, queueTopicName string, payload *types.TaskPayload) error
}

// Scheduler drives tasks from admission through dispatch to their terminal
// state. Queue counters are owned here: admission on Queuing, the
// queuing-to-running move on Running, release on every terminal.
type Scheduler struct {
	entities   storage.Store
	broker     *bus.Broker
	queues     *queue.Manager
	dispatcher Dispatcher
	now        func() time.Time
}

// NewScheduler creates a task scheduler; call Register to attach it.
func NewScheduler(entities storage.Store, broker *bus.Broker, queues *queue.Manager, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		entities:   entities,
		broker:     broker,
		queues:     queues,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// Register subscribes the scheduler to the task status topic.
func (s *Scheduler) Register() {
	s.broker.Subscribe(bus.TopicTaskStatus, s.handleTaskChange)
}

func (s *Scheduler) handleTaskChange(ctx context.Context, msg *bus.Message) {
	change, err := bus.DecodeChange(msg.Body)
	if err != nil || change.Task == nil {
		return
	}
	taskID := change.Task.TaskID
	logger := log.WithTaskID(taskID)

	task, err := s.entities.GetTask(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("Task change for unknown task")
		return
	}

	// Any word from the agent counts as a heartbeat.
	task.LastHeartbeat = s.now()

	switch change.Task.Status {
	case types.TaskStatusQueuing:
		if task.Status == types.TaskStatusQueuing && task.QueueID == "" {
			s.admit(ctx, task)
		}

	case types.TaskStatusRunning:
		if task.Status == types.TaskStatusQueuing {
			s.started(ctx, task, change.Task)
		} else {
			// Heartbeat only; a pending cancel is not un-asked.
			s.persist(task, task.Status, "")
		}

	case types.TaskStatusCompleted:
		// A completion racing a cancel wins; cancellation is best-effort.
		if !task.Status.IsTerminal() {
			s.finish(ctx, task, change.Task, types.TaskStatusCompleted)
		}

	case types.TaskStatusFailed:
		if !task.Status.IsTerminal() {
			s.finish(ctx, task, change.Task, types.TaskStatusFailed)
		}

	case types.TaskStatusCancelled:
		if !task.Status.IsTerminal() {
			s.finish(ctx, task, change.Task, types.TaskStatusCancelled)
		}

	case types.TaskStatusCancelling:
		switch task.Status {
		case types.TaskStatusQueuing, types.TaskStatusRunning:
			s.persist(task, types.TaskStatusCancelling, "")
		case types.TaskStatusPaused:
			// Nothing is executing; settle without an agent round-trip.
			s.finish(ctx, task, change.Task, types.TaskStatusCancelled)
		}

	case types.TaskStatusPaused:
		if task.Status == types.TaskStatusRunning || task.Status == types.TaskStatusPausing {
			s.persist(task, types.TaskStatusPaused, "")
			if task.QueueID != "" {
				s.queues.ReleaseResource(task.QueueID, &task.Requirement)
			}
		}

	case types.TaskStatusPausing:
		if task.Status == types.TaskStatusRunning {
			s.persist(task, types.TaskStatusPausing, "")
		}
	}
}

// admit picks a queue, reserves the requirement and dispatches the payload.
func (s *Scheduler) admit(ctx context.Context, task *types.Task) {
	logger := log.WithTaskID(task.ID)
	timer := metrics.NewTimer()

	node, err := s.entities.GetNodeInstance(task.NodeInstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("Task references unknown node")
		return
	}
	var strategy *types.SchedulingStrategy
	if node.Spec != nil {
		strategy = &node.Spec.Scheduling
	}

	picked, err := s.queues.PickQueue(ctx, task, strategy)
	if err != nil {
		// PickQueue already published the failure.
		return
	}
	if err := s.queues.CacheResource(picked.ID, &task.Requirement); err != nil {
		logger.Warn().Err(err).Str("queue_id", picked.ID).Msg("Admission lost the race")
		if err := s.broker.PublishTaskChange(ctx, &bus.TaskChange{
			TaskID:  task.ID,
			Status:  types.TaskStatusFailed,
			Message: "no queue available",
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to publish task failure")
		}
		return
	}

	task.QueueID = picked.ID
	s.persist(task, types.TaskStatusQueuing, "")

	// The node's queue is wherever its tasks landed; snapshots target it.
	if node.QueueID != picked.ID {
		node.QueueID = picked.ID
		if err := s.entities.UpdateNodeInstance(node); err != nil {
			logger.Warn().Err(err).Msg("Failed to record node queue")
		}
	}

	payload, err := types.DecodeTaskPayload(task.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Task body is not a payload")
		s.failAdmitted(ctx, task, "task body is not a payload")
		return
	}
	payload.QueueID = picked.ID
	if err := s.dispatcher.Dispatch(ctx, picked.TopicName, payload); err != nil {
		logger.Error().Err(err).Msg("Dispatch failed")
		s.failAdmitted(ctx, task, fmt.Sprintf("dispatch failed: %v", err))
		return
	}

	metrics.TasksScheduled.Inc()
	timer.ObserveDuration(metrics.SchedulingLatency)
	logger.Info().Str("queue_id", picked.ID).Str("kind", string(task.Kind)).Msg("Task dispatched")
}

// failAdmitted fails a task whose reservation is already cached; the Failed
// transition goes through finish, which releases the reservation.
func (s *Scheduler) failAdmitted(ctx context.Context, task *types.Task, reason string) {
	if err := s.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID:  task.ID,
		Status:  types.TaskStatusFailed,
		Message: reason,
	}); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Error().Err(err).Msg("Failed to publish task failure")
	}
}

func (s *Scheduler) started(ctx context.Context, task *types.Task, change *bus.TaskChange) {
	logger := log.WithTaskID(task.ID)

	if task.QueueID != "" {
		if err := s.queues.TaskStarted(task.QueueID); err != nil {
			logger.Warn().Err(err).Msg("Running cap exceeded")
		}
	}
	s.persist(task, types.TaskStatusRunning, "")

	if err := s.broker.PublishNodeChange(ctx, &bus.NodeChange{
		NodeID:        task.NodeInstanceID,
		Status:        types.NodeStatusRunning,
		UsedResources: change.UsedResources,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to publish node running")
	}
}

// finish settles a terminal status: release the queue reservation, then
// either queue the node's next task or report the node-level outcome.
func (s *Scheduler) finish(ctx context.Context, task *types.Task, change *bus.TaskChange, status types.TaskStatus) {
	logger := log.WithTaskID(task.ID)

	wasCancelRequested := task.Status == types.TaskStatusCancelling
	s.persist(task, status, change.Message)
	if task.QueueID != "" {
		s.queues.ReleaseResource(task.QueueID, &task.Requirement)
	}
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()

	switch status {
	case types.TaskStatusCompleted:
		if next := s.nextTask(task); next != nil {
			if err := s.broker.PublishTaskChange(ctx, &bus.TaskChange{
				TaskID: next.ID,
				Status: types.TaskStatusQueuing,
			}); err != nil {
				logger.Error().Err(err).Str("next_task_id", next.ID).Msg("Failed to queue next task")
			}
			return
		}
		nodeStatus := types.NodeStatusCompleted
		if wasCancelRequested {
			// Finished before the cancel landed; the node still winds down.
			nodeStatus = types.NodeStatusTerminated
		}
		s.publishNode(ctx, task, nodeStatus, change)

	case types.TaskStatusFailed:
		metrics.TasksFailed.Inc()
		s.publishNode(ctx, task, types.NodeStatusFailed, change)

	case types.TaskStatusCancelled:
		s.publishNode(ctx, task, types.NodeStatusTerminated, change)
	}
}

// nextTask returns the node's next pending task in sequence order, nil when
// this was the last.
func (s *Scheduler) nextTask(task *types.Task) *types.Task {
	tasks, err := s.entities.ListTasksByNodeInstance(task.NodeInstanceID)
	if err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Error().Err(err).Msg("Failed to list node tasks")
		return nil
	}
	for _, t := range tasks {
		if t.Seq > task.Seq && !t.Status.IsTerminal() {
			return t
		}
	}
	return nil
}

func (s *Scheduler) publishNode(ctx context.Context, task *types.Task, status types.NodeStatus, change *bus.TaskChange) {
	if err := s.broker.PublishNodeChange(ctx, &bus.NodeChange{
		NodeID:        task.NodeInstanceID,
		Status:        status,
		Message:       change.Message,
		UsedResources: change.UsedResources,
	}); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Error().Err(err).Msg("Failed to publish node change")
	}
}

func (s *Scheduler) persist(task *types.Task, status types.TaskStatus, message string) {
	task.Status = status
	if message != "" {
		task.Message = message
	}
	if err := s.entities.UpdateTask(task); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Error().Err(err).Msg("Failed to persist task")
	}
}
