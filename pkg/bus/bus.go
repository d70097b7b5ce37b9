package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/log"
)

// Well-known topics. Queue topics are derived per queue via QueueTopic.
const (
	TopicFlowStatus   = "flow.status"
	TopicFlowEvaluate = "flow.evaluate"
	TopicNodeStatus   = "node.status"
	TopicTaskStatus   = "task.status"
	TopicFileUpload   = "file.upload"
)

// QueueTopic returns the bus topic an agent queue listens on.
func QueueTopic(topicName string) string {
	return "queue." + topicName
}

const (
	// DefaultWorkersPerTopic bounds the worker pool each topic gets
	DefaultWorkersPerTopic = 8

	// DefaultPublishTimeout caps how long a publish may block on a full
	// worker queue
	DefaultPublishTimeout = 30 * time.Second

	workerQueueDepth = 256
)

// Message is one delivery on a topic. Key selects the per-id mailbox: all
// messages sharing a key are handled serially and in FIFO order; messages
// with different keys run in parallel.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Body      []byte
	Timestamp time.Time
}

// Handler processes one message. Handlers must be reentrant: delivery is
// at-least-once and a handler may see the same message twice. Handlers that
// take time must not hold the worker; they fan out via further publishes or
// run on their own goroutine.
type Handler func(ctx context.Context, msg *Message)

type topicState struct {
	mu       sync.RWMutex
	handlers []Handler
	workers  []chan *Message
}

// Broker is the in-process, topic-addressed, at-least-once status bus.
type Broker struct {
	mu             sync.RWMutex
	topics         map[string]*topicState
	workersPer     int
	publishTimeout time.Duration
	wg             sync.WaitGroup
	stopCh         chan struct{}
	stopped        bool
}

// NewBroker creates a broker with the given per-topic worker pool size.
// Zero or negative sizes fall back to DefaultWorkersPerTopic.
func NewBroker(workersPerTopic int) *Broker {
	if workersPerTopic <= 0 {
		workersPerTopic = DefaultWorkersPerTopic
	}
	return &Broker{
		topics:         make(map[string]*topicState),
		workersPer:     workersPerTopic,
		publishTimeout: DefaultPublishTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Subscribe registers a handler for a topic. Every handler registered on a
// topic receives every message published to it.
func (b *Broker) Subscribe(topic string, h Handler) {
	ts := b.topic(topic)
	ts.mu.Lock()
	ts.handlers = append(ts.handlers, h)
	ts.mu.Unlock()
}

// Publish delivers body to every subscriber of topic. Key selects the
// mailbox; use the entity id the message is about. Publish blocks until the
// mailbox accepts the message, the context is done, or the publish timeout
// elapses.
func (b *Broker) Publish(ctx context.Context, topic, key string, body []byte) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return fmt.Errorf("publish on %s: broker stopped", topic)
	}

	msg := &Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Key:       key,
		Body:      body,
		Timestamp: time.Now(),
	}

	ts := b.topic(topic)
	worker := ts.workers[b.mailbox(key)]

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()

	select {
	case worker <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish on %s: %w", topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("publish on %s: send timed out after %s", topic, b.publishTimeout)
	case <-b.stopCh:
		return fmt.Errorf("publish on %s: broker stopped", topic)
	}
}

// Stop drains nothing: in-flight messages already queued are delivered, new
// publishes fail, and the call returns once every worker exits.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.stopCh)
	for _, ts := range b.topics {
		for _, w := range ts.workers {
			close(w)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// TopicCount returns the number of topics with at least one mailbox.
func (b *Broker) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

func (b *Broker) mailbox(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % b.workersPer
}

func (b *Broker) topic(name string) *topicState {
	b.mu.RLock()
	ts, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.topics[name]; ok {
		return ts
	}
	ts = &topicState{workers: make([]chan *Message, b.workersPer)}
	for i := range ts.workers {
		ch := make(chan *Message, workerQueueDepth)
		ts.workers[i] = ch
		b.wg.Add(1)
		go b.runWorker(name, ts, ch)
	}
	b.topics[name] = ts
	return ts
}

func (b *Broker) runWorker(topic string, ts *topicState, ch chan *Message) {
	defer b.wg.Done()
	logger := log.WithComponent("bus")
	for msg := range ch {
		ts.mu.RLock()
		handlers := make([]Handler, len(ts.handlers))
		copy(handlers, ts.handlers)
		ts.mu.RUnlock()

		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().
							Str("topic", topic).
							Str("msg_id", msg.ID).
							Interface("panic", r).
							Msg("handler panicked")
					}
				}()
				h(context.Background(), msg)
			}()
		}
	}
}
