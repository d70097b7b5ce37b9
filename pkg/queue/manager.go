package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/metrics"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/types"
)

// Manager tracks per-queue resource counters in process memory and decides
// task admission. Counters are approximations refreshed by agent reports
// through UpdateQueueResource; queue definitions live in the entity store.
type Manager struct {
	store  storage.Store
	broker *bus.Broker

	mu    sync.Mutex
	cache map[string]*types.QueueCacheInfo
}

// NewManager builds a manager over the given stores.
func NewManager(store storage.Store, broker *bus.Broker) *Manager {
	return &Manager{
		store:  store,
		broker: broker,
		cache:  make(map[string]*types.QueueCacheInfo),
	}
}

// Register creates the queue entity and its counter slot.
func (m *Manager) Register(queue *types.Queue) error {
	if err := m.store.CreateQueue(queue); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[queue.ID] = &types.QueueCacheInfo{}
	m.mu.Unlock()

	logger := log.WithQueueID(queue.ID)
	logger.Info().Str("topic", queue.TopicName).Msg("Queue registered")
	return nil
}

// PickQueue selects the first candidate queue that is not full, in the order
// the scheduling strategy dictates. Exhaustion publishes a Task-Failed change
// and returns errdefs.ErrNoQueueAvailable.
func (m *Manager) PickQueue(ctx context.Context, task *types.Task, strategy *types.SchedulingStrategy) (*types.Queue, error) {
	candidates, err := m.candidates(strategy)
	if err != nil {
		return nil, err
	}

	for _, queue := range candidates {
		m.mu.Lock()
		full := m.isResourceFull(queue, m.info(queue.ID))
		m.mu.Unlock()
		if !full {
			return queue, nil
		}
	}

	metrics.QueueExhausted.Inc()
	logger := log.WithTaskID(task.ID)
	logger.Warn().Int("candidates", len(candidates)).Msg("No queue available")

	if err := m.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID:  task.ID,
		Status:  types.TaskStatusFailed,
		Message: "no queue available",
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to publish task failure")
	}
	return nil, errdefs.ErrNoQueueAvailable
}

// candidates orders enabled queues per the strategy. Manual returns exactly
// the listed queues in order (even disabled ones are skipped); Prefer lists
// the named queues first and shuffles the remaining enabled ones behind them;
// Auto shuffles all enabled queues.
func (m *Manager) candidates(strategy *types.SchedulingStrategy) ([]*types.Queue, error) {
	all, err := m.store.ListQueues()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	byID := make(map[string]*types.Queue, len(all))
	var enabled []*types.Queue
	for _, q := range all {
		byID[q.ID] = q
		if q.Enabled {
			enabled = append(enabled, q)
		}
	}

	kind := types.SchedulingAuto
	if strategy != nil {
		kind = strategy.Kind
	}

	switch kind {
	case types.SchedulingManual:
		var out []*types.Queue
		for _, id := range strategy.Queues {
			if q, ok := byID[id]; ok && q.Enabled {
				out = append(out, q)
			}
		}
		return out, nil

	case types.SchedulingPrefer:
		preferred := make(map[string]bool, len(strategy.Queues))
		var out []*types.Queue
		for _, id := range strategy.Queues {
			if q, ok := byID[id]; ok && q.Enabled {
				preferred[id] = true
				out = append(out, q)
			}
		}
		var rest []*types.Queue
		for _, q := range enabled {
			if !preferred[q.ID] {
				rest = append(rest, q)
			}
		}
		rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		return append(out, rest...), nil

	default:
		rand.Shuffle(len(enabled), func(i, j int) { enabled[i], enabled[j] = enabled[j], enabled[i] })
		return enabled, nil
	}
}

// CacheResource admits a task's requirement into a queue's counters. The
// addition is rolled back when any soft threshold or the queuing cap would be
// crossed.
func (m *Manager) CacheResource(queueID string, req *types.ResourceRequirements) error {
	queue, err := m.store.GetQueue(queueID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.info(queueID)
	apply(info, req, 1)
	info.QueuingTaskCount++
	if overflows(queue, info) {
		apply(info, req, -1)
		info.QueuingTaskCount--
		return fmt.Errorf("queue %s is full: %w", queueID, errdefs.ErrNoQueueAvailable)
	}

	metrics.QueueQueuingTasks.WithLabelValues(queue.Name).Set(float64(info.QueuingTaskCount))
	return nil
}

// TaskStarted moves one admitted task from queuing to running. It fails when
// the running cap is already met.
func (m *Manager) TaskStarted(queueID string) error {
	queue, err := m.store.GetQueue(queueID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.info(queueID)
	if queue.MaxRunningTaskCount > 0 && info.RunningTaskCount >= queue.MaxRunningTaskCount {
		return fmt.Errorf("queue %s running cap reached: %w", queueID, errdefs.ErrNoQueueAvailable)
	}
	if info.QueuingTaskCount > 0 {
		info.QueuingTaskCount--
	}
	info.RunningTaskCount++

	metrics.QueueQueuingTasks.WithLabelValues(queue.Name).Set(float64(info.QueuingTaskCount))
	metrics.QueueRunningTasks.WithLabelValues(queue.Name).Set(float64(info.RunningTaskCount))
	return nil
}

// ReleaseResource returns a finished task's requirement to the pool.
func (m *Manager) ReleaseResource(queueID string, req *types.ResourceRequirements) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.info(queueID)
	apply(info, req, -1)
	clampUsed(info)
	if info.RunningTaskCount > 0 {
		info.RunningTaskCount--
	}
}

// UpdateQueueResource overwrites a queue's counters with agent-observed
// truth. The agent's view wins over the local approximation.
func (m *Manager) UpdateQueueResource(queueID string, info *types.QueueCacheInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *info
	m.cache[queueID] = &copied
}

// CacheInfo returns a copy of a queue's current counters.
func (m *Manager) CacheInfo(queueID string) types.QueueCacheInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.info(queueID)
}

// info returns the live counter slot; callers hold m.mu.
func (m *Manager) info(queueID string) *types.QueueCacheInfo {
	if got, ok := m.cache[queueID]; ok {
		return got
	}
	fresh := &types.QueueCacheInfo{}
	m.cache[queueID] = fresh
	return fresh
}

// isResourceFull reports whether a queue cannot take one more task: the queue
// is not full iff every non-zero soft alert threshold strictly exceeds the
// current use and both non-zero task-count caps still have room. Callers hold
// m.mu.
func (m *Manager) isResourceFull(queue *types.Queue, info *types.QueueCacheInfo) bool {
	t := queue.AlertThresholds
	u := info.Used
	if t.Memory > 0 && u.Memory >= t.Memory {
		return true
	}
	if t.CoreNumber > 0 && u.CoreNumber >= t.CoreNumber {
		return true
	}
	if t.StorageCapacity > 0 && u.StorageCapacity >= t.StorageCapacity {
		return true
	}
	if t.NodeCount > 0 && u.NodeCount >= t.NodeCount {
		return true
	}
	if queue.MaxQueuingTaskCount > 0 && info.QueuingTaskCount >= queue.MaxQueuingTaskCount {
		return true
	}
	if queue.MaxRunningTaskCount > 0 && info.RunningTaskCount >= queue.MaxRunningTaskCount {
		return true
	}
	return false
}

// overflows reports whether an admission just applied pushed the counters
// past a non-zero threshold or cap. Unlike isResourceFull, landing exactly on
// a cap is allowed; the queue is then full for the next task, not this one.
func overflows(queue *types.Queue, info *types.QueueCacheInfo) bool {
	t := queue.AlertThresholds
	u := info.Used
	if t.Memory > 0 && u.Memory > t.Memory {
		return true
	}
	if t.CoreNumber > 0 && u.CoreNumber > t.CoreNumber {
		return true
	}
	if t.StorageCapacity > 0 && u.StorageCapacity > t.StorageCapacity {
		return true
	}
	if t.NodeCount > 0 && u.NodeCount > t.NodeCount {
		return true
	}
	if queue.MaxQueuingTaskCount > 0 && info.QueuingTaskCount > queue.MaxQueuingTaskCount {
		return true
	}
	if queue.MaxRunningTaskCount > 0 && info.RunningTaskCount > queue.MaxRunningTaskCount {
		return true
	}
	return false
}

func apply(info *types.QueueCacheInfo, req *types.ResourceRequirements, sign int64) {
	if req == nil {
		return
	}
	info.Used.Memory += sign * req.Memory
	info.Used.CoreNumber += int(sign) * req.CoreNumber
	info.Used.StorageCapacity += sign * req.StorageCapacity
	info.Used.NodeCount += int(sign) * req.NodeCount
}

func clampUsed(info *types.QueueCacheInfo) {
	if info.Used.Memory < 0 {
		info.Used.Memory = 0
	}
	if info.Used.CoreNumber < 0 {
		info.Used.CoreNumber = 0
	}
	if info.Used.StorageCapacity < 0 {
		info.Used.StorageCapacity = 0
	}
	if info.Used.NodeCount < 0 {
		info.Used.NodeCount = 0
	}
}
