package task

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/queue"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

type recordingDispatcher struct {
	mu       sync.Mutex
	err      error
	topics   []string
	payloads []*types.TaskPayload
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, topic string, payload *types.TaskPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.topics = append(d.topics, topic)
	d.payloads = append(d.payloads, payload)
	return nil
}

func (d *recordingDispatcher) failWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *recordingDispatcher) dispatched() []*types.TaskPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.TaskPayload(nil), d.payloads...)
}

func (d *recordingDispatcher) topicsSeen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.topics...)
}

type fixture struct {
	sched      *Scheduler
	entities   storage.Store
	broker     *bus.Broker
	queues     *queue.Manager
	dispatcher *recordingDispatcher

	mu          sync.Mutex
	nodeChanges []*bus.NodeChange
	taskChanges []*bus.TaskChange
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	entities, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { entities.Close() })

	broker := bus.NewBroker(2)
	t.Cleanup(broker.Stop)

	f := &fixture{
		entities:   entities,
		broker:     broker,
		queues:     queue.NewManager(entities, broker),
		dispatcher: &recordingDispatcher{},
	}
	f.sched = NewScheduler(entities, broker, f.queues, f.dispatcher)
	f.sched.Register()

	broker.Subscribe(bus.TopicNodeStatus, func(ctx context.Context, msg *bus.Message) {
		change, err := bus.DecodeChange(msg.Body)
		if err != nil || change.Node == nil {
			return
		}
		f.mu.Lock()
		f.nodeChanges = append(f.nodeChanges, change.Node)
		f.mu.Unlock()
	})
	broker.Subscribe(bus.TopicTaskStatus, func(ctx context.Context, msg *bus.Message) {
		change, err := bus.DecodeChange(msg.Body)
		if err != nil || change.Task == nil {
			return
		}
		f.mu.Lock()
		f.taskChanges = append(f.taskChanges, change.Task)
		f.mu.Unlock()
	})

	require.NoError(t, f.queues.Register(&types.Queue{
		ID: "queue-1", Name: "hpc", TopicName: "hpc-main", Enabled: true,
	}))
	require.NoError(t, f.entities.CreateInstance(&types.WorkflowInstance{
		ID: "flow-1", Status: types.FlowStatusRunning,
	}))
	require.NoError(t, f.entities.CreateNodeInstance(&types.NodeInstance{
		ID: "node-1", FlowInstanceID: "flow-1", Kind: types.NodeKindScript,
		Status: types.NodeStatusPending,
	}))
	return f
}

func (f *fixture) nodeChangeWith(status types.NodeStatus) *bus.NodeChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.nodeChanges {
		if c.Status == status {
			return c
		}
	}
	return nil
}

func (f *fixture) taskChangeWith(taskID string, status types.TaskStatus) *bus.TaskChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.taskChanges {
		if c.TaskID == taskID && c.Status == status {
			return c
		}
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func waitForTaskStatus(t *testing.T, f *fixture, taskID string, want types.TaskStatus) {
	t.Helper()
	waitFor(t, func() bool {
		task, err := f.entities.GetTask(taskID)
		return err == nil && task.Status == want
	})
}

func seedTask(t *testing.T, f *fixture, id string, seq int, status types.TaskStatus, queueID string) *types.Task {
	t.Helper()
	payload := &types.TaskPayload{
		Kind:           types.PayloadExecuteScript,
		TaskID:         id,
		NodeInstanceID: "node-1",
		ExecuteScript:  &types.ExecuteScript{Script: &types.ScriptSpec{Source: "run.sh"}},
	}
	body, err := payload.Encode()
	require.NoError(t, err)

	task := &types.Task{
		ID: id, NodeInstanceID: "node-1", FlowInstanceID: "flow-1",
		Kind: types.TaskKindExecuteScript, Seq: seq, Body: body,
		Status: status, QueueID: queueID,
		Requirement: types.ResourceRequirements{Memory: 512, CoreNumber: 4},
	}
	require.NoError(t, f.entities.CreateTask(task))
	return task
}

func TestQueuingAdmitsAndDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusQueuing, "")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusQueuing,
	}))

	waitFor(t, func() bool { return len(f.dispatcher.dispatched()) == 1 })

	payload := f.dispatcher.dispatched()[0]
	assert.Equal(t, "task-1", payload.TaskID)
	assert.Equal(t, "queue-1", payload.QueueID)
	assert.Equal(t, []string{"hpc-main"}, f.dispatcher.topicsSeen())

	task, err := f.entities.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "queue-1", task.QueueID)
	assert.Equal(t, types.TaskStatusQueuing, task.Status)

	// The node records where its tasks landed.
	node, err := f.entities.GetNodeInstance("node-1")
	require.NoError(t, err)
	assert.Equal(t, "queue-1", node.QueueID)

	info := f.queues.CacheInfo("queue-1")
	assert.Equal(t, 1, info.QueuingTaskCount)
	assert.Equal(t, int64(512), info.Used.Memory)
}

func TestExhaustedQueueFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Fill the only queue past its soft memory cap.
	f.queues.UpdateQueueResource("queue-1", &types.QueueCacheInfo{
		Used: types.QueueResources{Memory: 4096},
	})
	q, err := f.entities.GetQueue("queue-1")
	require.NoError(t, err)
	q.AlertThresholds.Memory = 2048
	require.NoError(t, f.entities.UpdateQueue(q))

	seedTask(t, f, "task-1", 0, types.TaskStatusQueuing, "")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusQueuing,
	}))

	waitForTaskStatus(t, f, "task-1", types.TaskStatusFailed)
	task, err := f.entities.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "no queue available", task.Message)

	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusFailed) != nil })
	assert.Empty(t, f.dispatcher.dispatched())
}

// A dispatch error after admission must not strand the task in Queuing with
// its reservation held; the task fails and the counters roll back.
func TestDispatchFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.failWith(errors.New("agent topic unavailable"))
	seedTask(t, f, "task-1", 0, types.TaskStatusQueuing, "")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusQueuing,
	}))

	waitForTaskStatus(t, f, "task-1", types.TaskStatusFailed)
	task, err := f.entities.GetTask("task-1")
	require.NoError(t, err)
	assert.Contains(t, task.Message, "dispatch failed")

	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusFailed) != nil })

	info := f.queues.CacheInfo("queue-1")
	assert.Equal(t, 0, info.QueuingTaskCount)
	assert.Equal(t, int64(0), info.Used.Memory)
	assert.Empty(t, f.dispatcher.dispatched())
}

func TestRunningMovesQueueCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusQueuing, "")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusQueuing,
	}))
	waitFor(t, func() bool { return len(f.dispatcher.dispatched()) == 1 })

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusRunning,
		UsedResources: &types.ResourceUsage{Memory: 256},
	}))
	waitForTaskStatus(t, f, "task-1", types.TaskStatusRunning)

	info := f.queues.CacheInfo("queue-1")
	assert.Equal(t, 0, info.QueuingTaskCount)
	assert.Equal(t, 1, info.RunningTaskCount)

	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusRunning) != nil })
	change := f.nodeChangeWith(types.NodeStatusRunning)
	assert.Equal(t, "node-1", change.NodeID)
	require.NotNil(t, change.UsedResources)
	assert.Equal(t, int64(256), change.UsedResources.Memory)
}

func TestCompletedQueuesNextTaskInSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusRunning, "queue-1")
	seedTask(t, f, "task-2", 1, types.TaskStatusQueuing, "")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusCompleted,
	}))

	waitForTaskStatus(t, f, "task-1", types.TaskStatusCompleted)
	waitFor(t, func() bool { return f.taskChangeWith("task-2", types.TaskStatusQueuing) != nil })

	// The follow-up admission dispatches the second task.
	waitFor(t, func() bool { return len(f.dispatcher.dispatched()) == 1 })
	assert.Equal(t, "task-2", f.dispatcher.dispatched()[0].TaskID)
	assert.Nil(t, f.nodeChangeWith(types.NodeStatusCompleted), "node is not done yet")
}

func TestLastTaskCompletedCompletesNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusRunning, "queue-1")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusCompleted,
		UsedResources: &types.ResourceUsage{WallSeconds: 90},
	}))

	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusCompleted) != nil })
	change := f.nodeChangeWith(types.NodeStatusCompleted)
	assert.Equal(t, "node-1", change.NodeID)
	require.NotNil(t, change.UsedResources)
	assert.Equal(t, int64(90), change.UsedResources.WallSeconds)
}

func TestFailedReportsNodeFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusRunning, "queue-1")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusFailed, Message: "exit status 137",
	}))

	waitForTaskStatus(t, f, "task-1", types.TaskStatusFailed)
	task, err := f.entities.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "exit status 137", task.Message)

	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusFailed) != nil })
	assert.Equal(t, "exit status 137", f.nodeChangeWith(types.NodeStatusFailed).Message)
}

func TestCancelledReportsNodeTerminated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusCancelling, "queue-1")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusCancelled,
	}))

	waitForTaskStatus(t, f, "task-1", types.TaskStatusCancelled)
	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusTerminated) != nil })
}

func TestCompletionRacingCancelWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusCancelling, "queue-1")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusCompleted,
	}))

	// The result stands, but the node still winds down as terminated.
	waitForTaskStatus(t, f, "task-1", types.TaskStatusCompleted)
	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusTerminated) != nil })
	assert.Nil(t, f.nodeChangeWith(types.NodeStatusCompleted))
}

func TestCancellingPausedTaskSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusPaused, "queue-1")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusCancelling,
	}))

	// Nothing was executing, so no agent round-trip is needed.
	waitForTaskStatus(t, f, "task-1", types.TaskStatusCancelled)
	waitFor(t, func() bool { return f.nodeChangeWith(types.NodeStatusTerminated) != nil })
}

func TestPausedReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedTask(t, f, "task-1", 0, types.TaskStatusQueuing, "")

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusQueuing,
	}))
	waitFor(t, func() bool { return len(f.dispatcher.dispatched()) == 1 })
	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusRunning,
	}))
	waitForTaskStatus(t, f, "task-1", types.TaskStatusRunning)

	require.NoError(t, f.broker.PublishTaskChange(ctx, &bus.TaskChange{
		TaskID: "task-1", Status: types.TaskStatusPaused,
	}))
	waitForTaskStatus(t, f, "task-1", types.TaskStatusPaused)

	info := f.queues.CacheInfo("queue-1")
	assert.Equal(t, 0, info.RunningTaskCount)
	assert.Equal(t, int64(0), info.Used.Memory)
}

func TestWatchdogFailsSilentTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := seedTask(t, f, "task-1", 0, types.TaskStatusRunning, "queue-1")
	task.LastHeartbeat = time.Now().Add(-10 * time.Minute)
	require.NoError(t, f.entities.UpdateTask(task))

	// Fresh heartbeats survive the sweep.
	fresh := seedTask(t, f, "task-2", 1, types.TaskStatusRunning, "queue-1")
	fresh.LastHeartbeat = time.Now()
	require.NoError(t, f.entities.UpdateTask(fresh))

	watchdog := NewWatchdog(f.entities, f.broker, 5*time.Minute, time.Hour)
	watchdog.Sweep(ctx)

	waitForTaskStatus(t, f, "task-1", types.TaskStatusFailed)
	got, err := f.entities.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "keep-alive expired", got.Message)

	still, err := f.entities.GetTask("task-2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, still.Status)
}
