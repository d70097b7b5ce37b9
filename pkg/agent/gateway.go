package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/metrics"
	"github.com/weftworks/weft/pkg/types"
)

const (
	// DefaultRetryMax bounds redelivery attempts after the first call
	DefaultRetryMax = 3

	// DefaultRetryWaitMin is the jittered back-off floor
	DefaultRetryWaitMin = 50 * time.Millisecond

	// DefaultRetryWaitMax is the jittered back-off ceiling
	DefaultRetryWaitMax = 30 * time.Second

	// DefaultCallTimeout caps each individual HTTP call
	DefaultCallTimeout = 30 * time.Second
)

// Gateway bridges queue topics to agent HTTP endpoints. One subscription per
// registered queue; every message published on the queue's topic is POSTed to
// the agent as-is. A delivery that exhausts its retry budget surfaces
// Task-Failed for task payloads.
type Gateway struct {
	broker *bus.Broker
	client *retryablehttp.Client

	mu      sync.Mutex
	watched map[string]string // queue id -> endpoint
}

// NewGateway creates a gateway with the default retry budget.
func NewGateway(broker *bus.Broker) *Gateway {
	client := retryablehttp.NewClient()
	client.RetryMax = DefaultRetryMax
	client.RetryWaitMin = DefaultRetryWaitMin
	client.RetryWaitMax = DefaultRetryWaitMax
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.HTTPClient = &http.Client{Timeout: DefaultCallTimeout}
	client.Logger = &retryLogger{logger: log.WithComponent("agent")}

	return &Gateway{
		broker:  broker,
		client:  client,
		watched: make(map[string]string),
	}
}

// WatchQueue subscribes the gateway to a queue's topic. Idempotent per queue
// id; re-watching updates the endpoint without adding a second subscription.
func (g *Gateway) WatchQueue(queue *types.Queue) {
	g.mu.Lock()
	_, seen := g.watched[queue.ID]
	g.watched[queue.ID] = queue.Endpoint
	g.mu.Unlock()
	if seen {
		return
	}

	queueID := queue.ID
	queueName := queue.TopicName
	// Deliveries run on the topic worker on purpose: messages sharing a
	// mailbox key stay ordered all the way to the agent.
	g.broker.Subscribe(bus.QueueTopic(queueName), func(ctx context.Context, msg *bus.Message) {
		g.deliver(ctx, queueID, queueName, msg)
	})

	logger := log.WithQueueID(queueID)
	logger.Info().
		Str("topic", bus.QueueTopic(queueName)).Str("endpoint", queue.Endpoint).
		Msg("Watching queue topic")
}

func (g *Gateway) deliver(ctx context.Context, queueID, queueName string, msg *bus.Message) {
	g.mu.Lock()
	endpoint := g.watched[queueID]
	g.mu.Unlock()

	timer := metrics.NewTimer()
	err := g.post(ctx, endpoint, msg.Body)
	timer.ObserveDurationVec(metrics.AgentPushDuration, queueName)
	if err == nil {
		return
	}

	metrics.AgentUnreachable.WithLabelValues(queueName).Inc()
	logger := log.WithQueueID(queueID)
	logger.Error().Err(err).
		Str("endpoint", endpoint).Str("msg_id", msg.ID).
		Msg("Agent push failed after retries")

	// Only task payloads have a failure to report; snapshot requests are
	// fire-and-forget.
	payload, decodeErr := types.DecodeTaskPayload(msg.Body)
	if decodeErr != nil {
		return
	}
	change := &bus.TaskChange{
		TaskID:  payload.TaskID,
		Status:  types.TaskStatusFailed,
		Message: fmt.Sprintf("%v: %v", errdefs.ErrAgentUnreachable, err),
	}
	if err := g.broker.PublishTaskChange(ctx, change); err != nil {
		taskLogger := log.WithTaskID(payload.TaskID)
		taskLogger.Error().Err(err).Msg("Failed to publish task failure")
	}
}

// post sends one body to the agent; the retry budget lives in the client.
func (g *Gateway) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: agent returned %d: %s", errdefs.ErrAgentUnreachable, resp.StatusCode, b)
	}
	// Drain so the connection is reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Dispatch publishes a task payload on its queue topic, keyed by node so
// deliveries of one node arrive in order.
func (g *Gateway) Dispatch(ctx context.Context, queueTopicName string, payload *types.TaskPayload) error {
	body, err := payload.Encode()
	if err != nil {
		return err
	}
	return g.broker.Publish(ctx, bus.QueueTopic(queueTopicName), payload.NodeInstanceID, body)
}

// retryLogger adapts zerolog to retryablehttp's LeveledLogger.
type retryLogger struct {
	logger zerolog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Per-attempt chatter stays at debug.
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

var _ retryablehttp.LeveledLogger = (*retryLogger)(nil)
