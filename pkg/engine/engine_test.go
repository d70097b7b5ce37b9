package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/cache"
	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/lease"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

// fakeAgent plays the cluster side: it accepts dispatched payloads over HTTP
// and reports task status back through the engine ingest, the way a real
// agent would.
type fakeAgent struct {
	eng *Engine
	srv *httptest.Server

	mu       sync.Mutex
	complete bool
	received []*types.TaskPayload
}

func (a *fakeAgent) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	payload, err := types.DecodeTaskPayload(body)
	if err != nil {
		// Snapshot requests and other fire-and-forget bodies.
		w.WriteHeader(http.StatusOK)
		return
	}

	a.mu.Lock()
	a.received = append(a.received, payload)
	complete := a.complete
	a.mu.Unlock()

	go func() {
		ctx := context.Background()
		a.eng.ReceiveTaskStatus(ctx, &types.TaskResult{
			TaskID: payload.TaskID, Status: types.TaskStatusRunning,
		})
		if complete {
			a.eng.ReceiveTaskStatus(ctx, &types.TaskResult{
				TaskID: payload.TaskID, Status: types.TaskStatusCompleted,
				UsedResources: &types.ResourceUsage{Memory: 64, WallSeconds: 5},
			})
		}
	}()
	w.WriteHeader(http.StatusOK)
}

type fixture struct {
	eng      *Engine
	entities storage.Store
	agent    *fakeAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	entities, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { entities.Close() })

	mr := miniredis.RunT(t)
	leases := lease.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { leases.Close() })

	blobs, err := cache.New(t.TempDir())
	require.NoError(t, err)

	broker := bus.NewBroker(4)
	eng := New(Options{Entities: entities, Leases: leases, Blobs: blobs, Broker: broker})
	t.Cleanup(func() { eng.Shutdown() })

	agent := &fakeAgent{eng: eng, complete: true}
	agent.srv = httptest.NewServer(http.HandlerFunc(agent.handle))
	t.Cleanup(agent.srv.Close)

	require.NoError(t, eng.RegisterQueue(&types.Queue{
		ID: "queue-1", Name: "hpc", TopicName: "hpc-main",
		Endpoint: agent.srv.URL, Enabled: true,
	}))
	return &fixture{eng: eng, entities: entities, agent: agent}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func (f *fixture) waitForFlowStatus(t *testing.T, flowID string, want types.FlowStatus) {
	t.Helper()
	waitFor(t, func() bool {
		inst, err := f.entities.GetInstance(flowID)
		return err == nil && inst.Status == want
	})
}

func scriptDraft(id, source string) *types.NodeDraft {
	return &types.NodeDraft{
		ID:          id,
		Name:        id,
		Kind:        types.NodeKindScript,
		Script:      &types.ScriptSpec{Interpreter: "bash", Source: source},
		Requirement: types.ResourceRequirements{Memory: 64, CoreNumber: 1},
	}
}

func (f *fixture) createDraft(t *testing.T, spec *types.WorkflowSpec) string {
	t.Helper()
	require.NoError(t, f.entities.CreateDraft(&types.WorkflowDraft{
		ID: "draft-1", UserID: "user-1", Name: "md-run", Spec: spec,
	}))
	return "draft-1"
}

func TestSubmitExpandsMatchRegexBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen := scriptDraft("gen", "run.sh")
	gen.InputSlots = []*types.Slot{{
		Descriptor: "temperature",
		Kind:       types.SlotKindText,
		Contents:   []string{"T=NUM"},
		Batch: &types.BatchStrategy{
			Kind:         types.BatchMatchRegex,
			RegexToMatch: "NUM",
			FillCount:    3,
			Filler:       &types.Filler{Kind: types.FillerAutoNumber, Start: 0, Step: 10},
		},
	}}
	draftID := f.createDraft(t, &types.WorkflowSpec{NodeDrafts: []*types.NodeDraft{gen}})

	inst, err := f.eng.SubmitWorkflow(ctx, draftID)
	require.NoError(t, err)
	assert.Equal(t, types.FlowStatusCreated, inst.Status)
	assert.Equal(t, "user-1", inst.UserID)

	nodes, err := f.entities.ListNodeInstancesByFlow(inst.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 4, "one parent plus three children")

	var parent *types.NodeInstance
	contents := make(map[int]string)
	for _, n := range nodes {
		if n.IsParent {
			parent = n
			continue
		}
		require.Len(t, n.Spec.InputSlots, 1)
		assert.Nil(t, n.Spec.InputSlots[0].Batch, "children carry no batch annotation")
		contents[n.BatchIndex] = n.Spec.InputSlots[0].Contents[0]
	}
	require.NotNil(t, parent)
	assert.Equal(t, map[int]string{0: "T=0", 1: "T=10", 2: "T=20"}, contents)

	children, err := f.entities.ListNodeInstancesByBatchParent(parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestSubmitRejectsInvalidDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draftID := f.createDraft(t, &types.WorkflowSpec{})

	_, err := f.eng.SubmitWorkflow(ctx, draftID)
	var violation *errdefs.DraftViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, errdefs.RuleNonEmptyDrafts, violation.Rule)

	instances, err := f.entities.ListInstances()
	require.NoError(t, err)
	assert.Empty(t, instances, "a rejected draft writes nothing")
}

func TestSubmitFreezesSpec(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := &types.WorkflowSpec{NodeDrafts: []*types.NodeDraft{scriptDraft("a", "v1.sh")}}
	draftID := f.createDraft(t, spec)

	inst, err := f.eng.SubmitWorkflow(ctx, draftID)
	require.NoError(t, err)

	// Editing the draft after submission must not reach the instance.
	spec.NodeDrafts[0].Script.Source = "v2.sh"

	stored, err := f.entities.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1.sh", stored.Spec.NodeDrafts[0].Script.Source)
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draftID := f.createDraft(t, &types.WorkflowSpec{
		NodeDrafts: []*types.NodeDraft{scriptDraft("a", "step.sh")},
	})

	inst, err := f.eng.SubmitWorkflow(ctx, draftID)
	require.NoError(t, err)
	require.NoError(t, f.eng.StartWorkflow(ctx, inst.ID))

	f.waitForFlowStatus(t, inst.ID, types.FlowStatusCompleted)

	nodes, err := f.entities.ListNodeInstancesByFlow(inst.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeStatusCompleted, nodes[0].Status)
	assert.Equal(t, "queue-1", nodes[0].QueueID)
	assert.Equal(t, int64(5), nodes[0].ResourceMeter.WallSeconds)

	tasks, err := f.entities.ListTasksByNodeInstance(nodes[0].ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskStatusCompleted, tasks[0].Status)

	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()
	require.Len(t, f.agent.received, 1)
	assert.Equal(t, tasks[0].ID, f.agent.received[0].TaskID)
	assert.Equal(t, "queue-1", f.agent.received[0].QueueID)
}

func TestTerminateWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The agent reports Running and then holds.
	f.agent.mu.Lock()
	f.agent.complete = false
	f.agent.mu.Unlock()

	draftID := f.createDraft(t, &types.WorkflowSpec{
		NodeDrafts:    []*types.NodeDraft{scriptDraft("a", "long.sh"), scriptDraft("b", "after.sh")},
		NodeRelations: []*types.NodeRelation{{FromID: "a", ToID: "b"}},
	})
	inst, err := f.eng.SubmitWorkflow(ctx, draftID)
	require.NoError(t, err)
	require.NoError(t, f.eng.StartWorkflow(ctx, inst.ID))

	var running *types.Task
	waitFor(t, func() bool {
		nodes, err := f.entities.ListNodeInstancesByFlow(inst.ID)
		if err != nil {
			return false
		}
		for _, n := range nodes {
			tasks, err := f.entities.ListTasksByNodeInstance(n.ID)
			if err != nil {
				continue
			}
			for _, task := range tasks {
				if task.Status == types.TaskStatusRunning {
					running = task
					return true
				}
			}
		}
		return false
	})

	require.NoError(t, f.eng.TerminateWorkflow(ctx, inst.ID))
	waitFor(t, func() bool {
		task, err := f.entities.GetTask(running.ID)
		return err == nil && task.Status == types.TaskStatusCancelling
	})

	// The agent acknowledges the cancel.
	require.NoError(t, f.eng.ReceiveTaskStatus(ctx, &types.TaskResult{
		TaskID: running.ID, Status: types.TaskStatusCancelled,
	}))

	f.waitForFlowStatus(t, inst.ID, types.FlowStatusTerminated)

	nodes, err := f.entities.ListNodeInstancesByFlow(inst.ID)
	require.NoError(t, err)
	for _, n := range nodes {
		switch n.DraftNodeID {
		case "a":
			assert.Equal(t, types.NodeStatusTerminated, n.Status)
		case "b":
			assert.Equal(t, types.NodeStatusStandby, n.Status, "the successor never starts")
		}
	}
}

func TestQueueExhaustionFailsFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Shrink the only queue below the node's requirement.
	q, err := f.entities.GetQueue("queue-1")
	require.NoError(t, err)
	q.AlertThresholds.Memory = 10
	require.NoError(t, f.entities.UpdateQueue(q))

	big := scriptDraft("a", "big.sh")
	big.Requirement.Memory = 1024
	draftID := f.createDraft(t, &types.WorkflowSpec{NodeDrafts: []*types.NodeDraft{big}})

	inst, err := f.eng.SubmitWorkflow(ctx, draftID)
	require.NoError(t, err)
	require.NoError(t, f.eng.StartWorkflow(ctx, inst.ID))

	f.waitForFlowStatus(t, inst.ID, types.FlowStatusFailed)

	nodes, err := f.entities.ListNodeInstancesByFlow(inst.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	tasks, err := f.entities.ListTasksByNodeInstance(nodes[0].ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskStatusFailed, tasks[0].Status)
	assert.Equal(t, "no queue available", tasks[0].Message)

	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()
	assert.Empty(t, f.agent.received, "nothing reaches the agent")
}

func TestPauseAndContinue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.agent.mu.Lock()
	f.agent.complete = false
	f.agent.mu.Unlock()

	draftID := f.createDraft(t, &types.WorkflowSpec{
		NodeDrafts: []*types.NodeDraft{scriptDraft("a", "long.sh")},
	})
	inst, err := f.eng.SubmitWorkflow(ctx, draftID)
	require.NoError(t, err)
	require.NoError(t, f.eng.StartWorkflow(ctx, inst.ID))
	f.waitForFlowStatus(t, inst.ID, types.FlowStatusRunning)

	nodes, err := f.entities.ListNodeInstancesByFlow(inst.ID)
	require.NoError(t, err)
	tasks, err := f.entities.ListTasksByNodeInstance(nodes[0].ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, f.eng.PauseWorkflow(ctx, inst.ID))
	waitFor(t, func() bool {
		task, err := f.entities.GetTask(tasks[0].ID)
		return err == nil && task.Status == types.TaskStatusCancelling
	})
	require.NoError(t, f.eng.ReceiveTaskStatus(ctx, &types.TaskResult{
		TaskID: tasks[0].ID, Status: types.TaskStatusCancelled,
	}))
	f.waitForFlowStatus(t, inst.ID, types.FlowStatusPaused)

	// Resume replaces the stale task and runs again from the checkpoint.
	f.agent.mu.Lock()
	f.agent.complete = true
	f.agent.mu.Unlock()

	require.NoError(t, f.eng.ContinueWorkflow(ctx, inst.ID))
	f.waitForFlowStatus(t, inst.ID, types.FlowStatusCompleted)

	node, err := f.entities.GetNodeInstance(nodes[0].ID)
	require.NoError(t, err)
	assert.True(t, node.ResumeCheckpoint)
}
