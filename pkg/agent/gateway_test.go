package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

func newTestGateway(broker *bus.Broker) *Gateway {
	g := NewGateway(broker)
	g.client.RetryWaitMin = time.Millisecond
	g.client.RetryWaitMax = 5 * time.Millisecond
	return g
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

func execPayload(taskID string) *types.TaskPayload {
	return &types.TaskPayload{
		Kind:           types.PayloadUsecaseExecution,
		TaskID:         taskID,
		NodeInstanceID: "node-1",
		UsecaseExecution: &types.UsecaseExecution{
			UsecaseID:   "uc-1",
			SoftwareID:  "sw-1",
			CommandLine: "gmx mdrun -deffnm em",
		},
	}
}

func TestDispatchReachesAgent(t *testing.T) {
	broker := bus.NewBroker(2)
	defer broker.Stop()

	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	g := newTestGateway(broker)
	g.WatchQueue(&types.Queue{ID: "q1", TopicName: "hpc-a", Endpoint: server.URL})

	require.NoError(t, g.Dispatch(context.Background(), "hpc-a", execPayload("task-1")))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	payload, err := types.DecodeTaskPayload(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "task-1", payload.TaskID)
	assert.Equal(t, types.PayloadUsecaseExecution, payload.Kind)
}

func TestExhaustedRetriesPublishTaskFailed(t *testing.T) {
	broker := bus.NewBroker(2)
	defer broker.Stop()

	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var (
		chMu    sync.Mutex
		changes []*bus.TaskChange
	)
	broker.Subscribe(bus.TopicTaskStatus, func(ctx context.Context, msg *bus.Message) {
		change, err := bus.DecodeChange(msg.Body)
		if err != nil || change.Task == nil {
			return
		}
		chMu.Lock()
		changes = append(changes, change.Task)
		chMu.Unlock()
	})

	g := newTestGateway(broker)
	g.WatchQueue(&types.Queue{ID: "q1", TopicName: "hpc-a", Endpoint: server.URL})

	require.NoError(t, g.Dispatch(context.Background(), "hpc-a", execPayload("task-1")))

	waitFor(t, func() bool {
		chMu.Lock()
		defer chMu.Unlock()
		return len(changes) == 1
	})

	chMu.Lock()
	assert.Equal(t, "task-1", changes[0].TaskID)
	assert.Equal(t, types.TaskStatusFailed, changes[0].Status)
	assert.Contains(t, changes[0].Message, "agent unreachable")
	chMu.Unlock()

	mu.Lock()
	assert.Equal(t, 1+DefaultRetryMax, calls, "initial call plus the retry budget")
	mu.Unlock()
}

func TestRewatchUpdatesEndpointWithoutDoubleDelivery(t *testing.T) {
	broker := bus.NewBroker(2)
	defer broker.Stop()

	var (
		mu    sync.Mutex
		calls []string
	)
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			io.Copy(io.Discard, r.Body)
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}
	first := httptest.NewServer(handler("first"))
	defer first.Close()
	second := httptest.NewServer(handler("second"))
	defer second.Close()

	g := newTestGateway(broker)
	g.WatchQueue(&types.Queue{ID: "q1", TopicName: "hpc-a", Endpoint: first.URL})
	g.WatchQueue(&types.Queue{ID: "q1", TopicName: "hpc-a", Endpoint: second.URL})

	require.NoError(t, g.Dispatch(context.Background(), "hpc-a", execPayload("task-1")))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, calls)
}

func TestSnapshotRequestDelivered(t *testing.T) {
	broker := bus.NewBroker(2)
	defer broker.Stop()

	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer server.Close()

	g := newTestGateway(broker)
	g.WatchQueue(&types.Queue{ID: "q1", TopicName: "hpc-a", Endpoint: server.URL})

	// Snapshot requests share the queue topic but are not task payloads.
	require.NoError(t, broker.Publish(context.Background(), bus.QueueTopic("hpc-a"), "node-1",
		[]byte(`{"node_id":"node-1","file_id":"f1","timestamp":42}`)))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	})
}
