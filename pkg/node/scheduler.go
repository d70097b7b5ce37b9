package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/metrics"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/types"
)

const (
	lockRetries = 5
	lockBackoff = 200 * time.Millisecond

	webhookTimeout = 10 * time.Second
)

// Webhook notifies an external listener that a milestone node completed.
type Webhook func(ctx context.Context, url string, node *types.NodeInstance) error

// Scheduler drives single node instances through their state machine. Node
// status is the canonical progress record; every terminal transition asks the
// flow scheduler to re-aggregate.
type Scheduler struct {
	entities storage.Store
	broker   *bus.Broker
	webhook  Webhook
}

// NewScheduler creates a node scheduler; call Register to attach it.
func NewScheduler(entities storage.Store, broker *bus.Broker) *Scheduler {
	return &Scheduler{
		entities: entities,
		broker:   broker,
		webhook:  postWebhook,
	}
}

// Register subscribes the scheduler to the node status topic.
func (s *Scheduler) Register() {
	s.broker.Subscribe(bus.TopicNodeStatus, s.handleNodeChange)
}

func (s *Scheduler) handleNodeChange(ctx context.Context, msg *bus.Message) {
	change, err := bus.DecodeChange(msg.Body)
	if err != nil || change.Node == nil {
		return
	}
	nodeID := change.Node.NodeID
	logger := log.WithNodeID(nodeID)

	node, err := s.entities.GetNodeInstance(nodeID)
	if err != nil {
		logger.Error().Err(err).Msg("Node change for unknown instance")
		return
	}

	// Usage samples ride along on status messages; meter them regardless of
	// whether the status moves the machine.
	if change.Node.UsedResources != nil {
		s.meterUsage(nodeID, change.Node.UsedResources)
	}

	switch change.Node.Status {
	case types.NodeStatusStandby:
		if node.Status == types.NodeStatusCreated {
			s.persist(nodeID, types.NodeStatusStandby, "")
		}

	case types.NodeStatusPending:
		if node.Status == types.NodeStatusCreated || node.Status == types.NodeStatusStandby {
			s.schedule(ctx, node, false)
		}

	case types.NodeStatusRunning:
		if node.Status == types.NodeStatusPending || node.Status == types.NodeStatusResuming {
			s.persist(nodeID, types.NodeStatusRunning, "")
			s.evaluateFlow(ctx, node.FlowInstanceID)
		}

	case types.NodeStatusCompleted:
		if node.Status == types.NodeStatusRunning || node.Status == types.NodeStatusPending {
			s.complete(ctx, node)
		}

	case types.NodeStatusFailed:
		if !node.Status.IsTerminal() {
			s.persist(nodeID, types.NodeStatusFailed, change.Node.Message)
			s.evaluateFlow(ctx, node.FlowInstanceID)
		}

	case types.NodeStatusTerminating:
		switch node.Status {
		case types.NodeStatusPending, types.NodeStatusRunning, types.NodeStatusPaused:
			s.cancelActive(ctx, node, types.NodeStatusTerminating, types.NodeStatusTerminated)
		}

	case types.NodeStatusTerminated:
		switch node.Status {
		case types.NodeStatusPausing:
			// The in-flight task was cancelled on the way to a pause.
			s.persist(nodeID, types.NodeStatusPaused, "")
			s.evaluateFlow(ctx, node.FlowInstanceID)
		case types.NodeStatusTerminating, types.NodeStatusPending, types.NodeStatusRunning:
			s.persist(nodeID, types.NodeStatusTerminated, change.Node.Message)
			s.evaluateFlow(ctx, node.FlowInstanceID)
		}

	case types.NodeStatusPausing:
		switch node.Status {
		case types.NodeStatusPending, types.NodeStatusRunning:
			s.cancelActive(ctx, node, types.NodeStatusPausing, types.NodeStatusPaused)
		}

	case types.NodeStatusPaused:
		if node.Status == types.NodeStatusPausing {
			s.persist(nodeID, types.NodeStatusPaused, "")
			s.evaluateFlow(ctx, node.FlowInstanceID)
		}

	case types.NodeStatusResuming:
		if node.Status == types.NodeStatusPaused {
			s.schedule(ctx, node, true)
		}
	}
}

// schedule moves a node into Pending (or Resuming) and materialises its
// tasks. Nodes without tasks complete on the spot.
func (s *Scheduler) schedule(ctx context.Context, node *types.NodeInstance, resume bool) {
	logger := log.WithNodeID(node.ID)

	if node.Kind == types.NodeKindMilestone {
		if node.Spec != nil && node.Spec.WebhookURL != "" {
			if err := s.webhook(ctx, node.Spec.WebhookURL, node); err != nil {
				logger.Warn().Err(err).Str("url", node.Spec.WebhookURL).Msg("Milestone webhook failed")
			}
		}
		s.complete(ctx, node)
		return
	}

	tasks, err := BuildTasks(node, resume)
	if err != nil {
		logger.Error().Err(err).Msg("Task materialisation failed")
		s.persist(node.ID, types.NodeStatusFailed, err.Error())
		s.evaluateFlow(ctx, node.FlowInstanceID)
		return
	}
	if len(tasks) == 0 {
		s.complete(ctx, node)
		return
	}

	status := types.NodeStatusPending
	if resume {
		status = types.NodeStatusResuming
	}

	batch := s.entities.Batch()
	if resume {
		// Recreate from scratch; the cancelled tasks' logs live on the node.
		old, err := s.entities.ListTasksByNodeInstance(node.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to list stale tasks")
			return
		}
		for _, t := range old {
			batch.DeleteTask(t.ID)
		}
		node.ResumeCheckpoint = true
	}
	node.Status = status
	batch.UpdateNodeInstance(node)
	for _, t := range tasks {
		batch.CreateTask(t)
	}
	if err := batch.SaveChanged(); err != nil {
		logger.Error().Err(err).Msg("Failed to persist node tasks")
		return
	}
	metrics.NodesTotal.WithLabelValues(string(status)).Inc()

	logger.Info().Int("tasks", len(tasks)).Bool("resume", resume).Msg("Node scheduled")
	if err := s.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: tasks[0].ID,
		Status: types.TaskStatusQueuing,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to publish first task queuing")
	}
}

// complete marks the node Completed, re-aggregates the flow and wakes any
// successor whose dependencies are now satisfied.
func (s *Scheduler) complete(ctx context.Context, node *types.NodeInstance) {
	s.persist(node.ID, types.NodeStatusCompleted, "")
	s.evaluateFlow(ctx, node.FlowInstanceID)
	s.wakeSuccessors(ctx, node)
}

// cancelActive parks the node in an intermediate state and cancels its
// in-flight task. Without one the node settles immediately.
func (s *Scheduler) cancelActive(ctx context.Context, node *types.NodeInstance, via, settled types.NodeStatus) {
	logger := log.WithNodeID(node.ID)

	tasks, err := s.entities.ListTasksByNodeInstance(node.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list node tasks")
		return
	}
	var active *types.Task
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			active = t
			break
		}
	}

	if active == nil {
		s.persist(node.ID, settled, "")
		s.evaluateFlow(ctx, node.FlowInstanceID)
		return
	}

	s.persist(node.ID, via, "")
	if err := s.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: active.ID,
		Status: types.TaskStatusCancelling,
	}); err != nil {
		logger.Error().Err(err).Str("task_id", active.ID).Msg("Failed to publish task cancelling")
	}
}

// wakeSuccessors publishes Node-Pending for every successor of the completed
// node whose predecessors have all completed and whose batch fan-out matches
// the upstream's.
func (s *Scheduler) wakeSuccessors(ctx context.Context, node *types.NodeInstance) {
	logger := log.WithNodeID(node.ID)

	inst, err := s.entities.GetInstance(node.FlowInstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load flow instance")
		return
	}
	all, err := s.entities.ListNodeInstancesByFlow(node.FlowInstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list node instances")
		return
	}

	byDraft := make(map[string][]*types.NodeInstance)
	for _, n := range all {
		if n.IsParent {
			continue
		}
		byDraft[n.DraftNodeID] = append(byDraft[n.DraftNodeID], n)
	}

	for _, succID := range inst.Spec.SuccessorsOf(node.DraftNodeID) {
		if !predecessorsDone(inst.Spec, succID, byDraft) {
			continue
		}
		draft := inst.Spec.NodeDraft(succID)
		if draft != nil && !batchCountsMatch(draft, succID, byDraft) {
			continue
		}
		for _, succ := range byDraft[succID] {
			if succ.Status != types.NodeStatusStandby && succ.Status != types.NodeStatusCreated {
				continue
			}
			if err := s.broker.PublishNodeChange(ctx, &bus.NodeChange{
				NodeID: succ.ID,
				Status: types.NodeStatusPending,
			}); err != nil {
				logger := log.WithNodeID(succ.ID)
				logger.Error().Err(err).Msg("Failed to wake successor")
			}
		}
	}
}

func predecessorsDone(spec *types.WorkflowSpec, draftID string, byDraft map[string][]*types.NodeInstance) bool {
	for _, pred := range spec.PredecessorsOf(draftID) {
		instances := byDraft[pred]
		if len(instances) == 0 {
			return false
		}
		for _, n := range instances {
			if n.Status != types.NodeStatusCompleted {
				return false
			}
		}
	}
	return true
}

// batchCountsMatch checks that for every FromBatchOutputs slot the upstream
// produced exactly as many sub-instances as this node expects.
func batchCountsMatch(draft *types.NodeDraft, draftID string, byDraft map[string][]*types.NodeInstance) bool {
	for _, slot := range draft.InputSlots {
		if slot.Batch == nil || slot.Batch.Kind != types.BatchFromBatchOutputs {
			continue
		}
		upstream := len(byDraft[slot.Batch.UpstreamNodeID])
		expected := len(byDraft[draftID])
		if upstream != expected {
			return false
		}
	}
	return true
}

func (s *Scheduler) evaluateFlow(ctx context.Context, flowID string) {
	if err := s.broker.PublishFlowEvaluate(ctx, flowID); err != nil {
		logger := log.WithFlowID(flowID)
		logger.Error().Err(err).Msg("Failed to publish flow evaluate")
	}
}

// persist writes a node status under the optimistic lock. A non-empty
// message is appended to the node log.
func (s *Scheduler) persist(nodeID string, status types.NodeStatus, message string) {
	var prev types.NodeStatus
	err := s.updateNode(nodeID, func(node *types.NodeInstance) {
		prev = node.Status
		node.Status = status
		if message != "" {
			if node.Log != "" {
				node.Log += "\n"
			}
			node.Log += message
		}
	})
	if err != nil {
		logger := log.WithNodeID(nodeID)
		logger.Error().Err(err).Str("status", string(status)).Msg("Failed to persist node status")
		return
	}
	metrics.NodesTotal.WithLabelValues(string(status)).Inc()
	if prev != "" {
		metrics.NodesTotal.WithLabelValues(string(prev)).Dec()
	}
}

func (s *Scheduler) meterUsage(nodeID string, usage *types.ResourceUsage) {
	err := s.updateNode(nodeID, func(node *types.NodeInstance) {
		node.ResourceMeter.Add(usage)
	})
	if err != nil {
		logger := log.WithNodeID(nodeID)
		logger.Warn().Err(err).Msg("Failed to meter node usage")
	}
}

func (s *Scheduler) updateNode(nodeID string, mutate func(*types.NodeInstance)) error {
	var err error
	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(lockBackoff)
		}
		var node *types.NodeInstance
		node, err = s.entities.GetNodeInstance(nodeID)
		if err != nil {
			return err
		}
		mutate(node)
		err = s.entities.UpdateNodeInstanceWithLock(node)
		if err == nil || !errors.Is(err, errdefs.ErrOptimisticLock) {
			return err
		}
	}
	return err
}

// postWebhook is the default milestone notifier.
func postWebhook(ctx context.Context, url string, node *types.NodeInstance) error {
	body, err := json.Marshal(map[string]string{
		"node_instance_id": node.ID,
		"flow_instance_id": node.FlowInstanceID,
		"name":             node.Name,
		"status":           string(types.NodeStatusCompleted),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
