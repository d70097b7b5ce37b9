package flow

import (
	"context"
	"errors"
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
)

// Scheduler drives workflow instances. It consumes FlowChange messages for
// the transitions a caller may request (Pending, Pausing, Terminating,
// Resuming) and re-aggregates node statuses into a flow status on every
// flow-evaluate message. Other flow statuses arriving on the status topic are
// downstream effects and are ignored.
type Scheduler struct {
	entities storage.Store
	broker   *bus.Broker
}

// NewScheduler creates a flow scheduler; call Register to attach it.
func NewScheduler(entities storage.Store, broker *bus.Broker) *Scheduler {
	return &Scheduler{entities: entities, broker: broker}
}

// Register subscribes the scheduler to its topics.
func (s *Scheduler) Register() {
	s.broker.Subscribe(bus.TopicFlowStatus, s.handleFlowChange)
	s.broker.Subscribe(bus.TopicFlowEvaluate, s.handleEvaluate)
}

func (s *Scheduler) handleFlowChange(ctx context.Context, msg *bus.Message) {
	change, err := bus.DecodeChange(msg.Body)
	if err != nil || change.Flow == nil {
		return
	}
	flowID := change.Flow.FlowID
	logger := log.WithFlowID(flowID)

	inst, err := s.entities.GetInstance(flowID)
	if err != nil {
		logger.Error().Err(err).Msg("Flow change for unknown instance")
		return
	}
	if inst.Status.IsTerminal() {
		return
	}

	switch change.Flow.Status {
	case types.FlowStatusPending:
		s.startFlow(ctx, inst)

	case types.FlowStatusPausing:
		s.fanOut(ctx, inst, types.FlowStatusPausing, types.NodeStatusPausing,
			types.NodeStatusPending, types.NodeStatusRunning)

	case types.FlowStatusTerminating:
		s.fanOut(ctx, inst, types.FlowStatusTerminating, types.NodeStatusTerminating,
			types.NodeStatusPending, types.NodeStatusRunning, types.NodeStatusPaused)

	case types.FlowStatusResuming:
		s.fanOut(ctx, inst, types.FlowStatusResuming, types.NodeStatusResuming,
			types.NodeStatusPaused)

	default:
		// Running and the terminals are derived states; nothing to drive.
	}
}

// startFlow moves a created flow to Pending: entry nodes (and their batch
// children) wake up, everything else goes to Standby.
func (s *Scheduler) startFlow(ctx context.Context, inst *types.WorkflowInstance) {
	logger := log.WithFlowID(inst.ID)
	if inst.Status != types.FlowStatusCreated && inst.Status != types.FlowStatusPending {
		return
	}

	if err := s.persistStatus(inst.ID, types.FlowStatusPending); err != nil {
		logger.Error().Err(err).Msg("Failed to persist flow status")
		return
	}

	entries := make(map[string]bool)
	for _, id := range inst.Spec.EntryNodes() {
		entries[id] = true
	}

	nodes, err := s.entities.ListNodeInstancesByFlow(inst.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list node instances")
		return
	}

	for _, node := range nodes {
		if node.IsParent {
			// Parents never run; their children carry the work.
			continue
		}
		status := types.NodeStatusStandby
		if entries[node.DraftNodeID] {
			status = types.NodeStatusPending
		}
		s.publishNode(ctx, node.ID, status)
	}
	logger.Info().Int("nodes", len(nodes)).Msg("Flow started")
}

// fanOut persists the flow status and publishes target to every node whose
// current status is in from.
func (s *Scheduler) fanOut(ctx context.Context, inst *types.WorkflowInstance, flowStatus types.FlowStatus, target types.NodeStatus, from ...types.NodeStatus) {
	logger := log.WithFlowID(inst.ID)

	if err := s.persistStatus(inst.ID, flowStatus); err != nil {
		logger.Error().Err(err).Msg("Failed to persist flow status")
		return
	}

	nodes, err := s.entities.ListNodeInstancesByFlow(inst.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list node instances")
		return
	}

	matched := 0
	for _, node := range nodes {
		if node.IsParent {
			continue
		}
		for _, f := range from {
			if node.Status == f {
				s.publishNode(ctx, node.ID, target)
				matched++
				break
			}
		}
	}
	logger.Info().
		Str("flow_status", string(flowStatus)).Str("node_target", string(target)).
		Int("matched", matched).Msg("Flow transition fanned out")
}

// handleEvaluate re-derives the flow status from its nodes' persisted
// statuses. Published after every node terminal transition.
func (s *Scheduler) handleEvaluate(ctx context.Context, msg *bus.Message) {
	change, err := bus.DecodeChange(msg.Body)
	if err != nil || change.Flow == nil {
		return
	}
	flowID := change.Flow.FlowID
	logger := log.WithFlowID(flowID)

	inst, err := s.entities.GetInstance(flowID)
	if err != nil {
		logger.Error().Err(err).Msg("Flow evaluate for unknown instance")
		return
	}
	if inst.Status.IsTerminal() {
		return
	}

	nodes, err := s.entities.ListNodeInstancesByFlow(flowID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list node instances")
		return
	}

	next, decided := aggregate(inst.Status, nodes)
	if !decided || next == inst.Status {
		return
	}

	if err := s.persistStatus(flowID, next); err != nil {
		logger.Error().Err(err).Msg("Failed to persist aggregated flow status")
		return
	}
	metrics.FlowsTotal.WithLabelValues(string(next)).Inc()
	metrics.FlowsTotal.WithLabelValues(string(inst.Status)).Dec()
	logger.Info().Str("status", string(next)).Msg("Flow status aggregated")

	if err := s.broker.PublishFlowChange(ctx, &bus.FlowChange{FlowID: flowID, Status: next}); err != nil {
		logger.Error().Err(err).Msg("Failed to publish flow change")
	}
}

// aggregate applies the derivation rules. Batch parents are bookkeeping rows
// and do not participate; nodes still in Created/Standby only participate in
// the whole-flow rules, not in the Terminating/Pausing settlements.
func aggregate(current types.FlowStatus, nodes []*types.NodeInstance) (types.FlowStatus, bool) {
	var active []*types.NodeInstance
	for _, n := range nodes {
		if n.IsParent {
			continue
		}
		active = append(active, n)
	}
	if len(active) == 0 {
		return "", false
	}

	switch current {
	case types.FlowStatusTerminating:
		for _, n := range active {
			if n.Status == types.NodeStatusCreated || n.Status == types.NodeStatusStandby {
				continue
			}
			switch n.Status {
			case types.NodeStatusTerminated, types.NodeStatusCompleted, types.NodeStatusFailed:
			default:
				return "", false
			}
		}
		return types.FlowStatusTerminated, true

	case types.FlowStatusPausing:
		for _, n := range active {
			if n.Status == types.NodeStatusCreated || n.Status == types.NodeStatusStandby {
				continue
			}
			switch n.Status {
			case types.NodeStatusPaused, types.NodeStatusCompleted:
			default:
				return "", false
			}
		}
		return types.FlowStatusPaused, true
	}

	completed := 0
	running := false
	for _, n := range active {
		switch n.Status {
		case types.NodeStatusFailed:
			return types.FlowStatusFailed, true
		case types.NodeStatusCompleted:
			completed++
		case types.NodeStatusRunning:
			running = true
		}
	}
	if completed == len(active) {
		return types.FlowStatusCompleted, true
	}
	if running && (current == types.FlowStatusPending || current == types.FlowStatusResuming) {
		return types.FlowStatusRunning, true
	}
	return "", false
}

// persistStatus writes the status under the optimistic lock, re-reading on
// conflict.
func (s *Scheduler) persistStatus(flowID string, status types.FlowStatus) error {
	var err error
	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(lockBackoff)
		}
		var inst *types.WorkflowInstance
		inst, err = s.entities.GetInstance(flowID)
		if err != nil {
			return err
		}
		inst.Status = status
		err = s.entities.UpdateInstanceWithLock(inst)
		if err == nil || !errors.Is(err, errdefs.ErrOptimisticLock) {
			return err
		}
	}
	return err
}

func (s *Scheduler) publishNode(ctx context.Context, nodeID string, status types.NodeStatus) {
	if err := s.broker.PublishNodeChange(ctx, &bus.NodeChange{NodeID: nodeID, Status: status}); err != nil {
		logger := log.WithNodeID(nodeID)
		logger.Error().Err(err).Msg("Failed to publish node change")
	}
}
