package task

import (
	"context"
	"time"

	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/types"
)

const (
	// DefaultKeepAlive is how long a running task may go silent before the
	// watchdog declares it lost
	DefaultKeepAlive = 5 * time.Minute

	// DefaultWatchInterval is the sweep period
	DefaultWatchInterval = 30 * time.Second
)

// Watchdog sweeps running tasks and forces those whose agent went silent to
// Failed. Agents heartbeat implicitly: every status report refreshes
// LastHeartbeat.
type Watchdog struct {
	entities  taskLister
	broker    *bus.Broker
	keepAlive time.Duration
	interval  time.Duration
	now       func() time.Time
	stop      chan struct{}
	done      chan struct{}
}

type taskLister interface {
	ListQueues() ([]*types.Queue, error)
	ListTasksByQueue(queueID string) ([]*types.Task, error)
}

// NewWatchdog builds a watchdog; non-positive durations fall back to the
// defaults.
func NewWatchdog(entities taskLister, broker *bus.Broker, keepAlive, interval time.Duration) *Watchdog {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watchdog{
		entities:  entities,
		broker:    broker,
		keepAlive: keepAlive,
		interval:  interval,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (w *Watchdog) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Sweep(context.Background())
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

// Sweep fails every running task whose last heartbeat is older than the
// keep-alive window.
func (w *Watchdog) Sweep(ctx context.Context) {
	queues, err := w.entities.ListQueues()
	if err != nil {
		logger := log.WithComponent("watchdog")
		logger.Error().Err(err).Msg("Failed to list queues")
		return
	}

	cutoff := w.now().Add(-w.keepAlive)
	for _, queue := range queues {
		tasks, err := w.entities.ListTasksByQueue(queue.ID)
		if err != nil {
			logger := log.WithQueueID(queue.ID)
			logger.Error().Err(err).Msg("Failed to list queue tasks")
			continue
		}
		for _, task := range tasks {
			if task.Status != types.TaskStatusRunning {
				continue
			}
			if task.LastHeartbeat.IsZero() || !task.LastHeartbeat.Before(cutoff) {
				continue
			}
			taskLogger := log.WithTaskID(task.ID)
			taskLogger.Warn().
				Time("last_heartbeat", task.LastHeartbeat).
				Msg("Task keep-alive expired")
			if err := w.broker.PublishTaskChange(ctx, &bus.TaskChange{
				TaskID:  task.ID,
				Status:  types.TaskStatusFailed,
				Message: "keep-alive expired",
			}); err != nil {
				taskLogger.Error().Err(err).Msg("Failed to publish keep-alive failure")
			}
		}
	}
}
