package engine

import (
	"time"

	"github.com/weftworks/weft/pkg/agent"
	"github.com/weftworks/weft/pkg/bus"
	"github.com/weftworks/weft/pkg/cache"
	"github.com/weftworks/weft/pkg/config"
	"github.com/weftworks/weft/pkg/flow"
	"github.com/weftworks/weft/pkg/lease"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/netdisk"
	"github.com/weftworks/weft/pkg/node"
	"github.com/weftworks/weft/pkg/queue"
	"github.com/weftworks/weft/pkg/staging"
	"github.com/weftworks/weft/pkg/storage"
	"github.com/weftworks/weft/pkg/task"
)

// Engine wires the stores, the bus and the three schedulers into one
// orchestrator process and exposes the workflow and queue operations.
type Engine struct {
	entities  storage.Store
	leases    lease.Store
	blobs     *cache.Store
	broker    *bus.Broker
	projector *netdisk.Projector
	staging   *staging.Service
	queues    *queue.Manager
	gateway   *agent.Gateway
	flows     *flow.Scheduler
	nodes     *node.Scheduler
	tasks     *task.Scheduler
	watchdog  *task.Watchdog

	ownsStores bool
	started    bool
}

// Options carries pre-built stores, for embedding and for tests that swap in
// their own redis or temp directories.
type Options struct {
	Entities storage.Store
	Leases   lease.Store
	Blobs    *cache.Store
	Broker   *bus.Broker

	// KeepAlive and WatchInterval tune the task watchdog; zero values use
	// the watchdog defaults.
	KeepAlive     time.Duration
	WatchInterval time.Duration
}

// New wires an engine over the given stores and registers every bus handler.
// The engine is live for publishes immediately; Start only adds the watchdog.
func New(opts Options) *Engine {
	e := &Engine{
		entities: opts.Entities,
		leases:   opts.Leases,
		blobs:    opts.Blobs,
		broker:   opts.Broker,
	}

	e.projector = netdisk.NewProjector(e.entities)
	e.staging = staging.NewService(e.entities, e.leases, e.blobs, e.broker, e.projector)
	e.queues = queue.NewManager(e.entities, e.broker)
	e.gateway = agent.NewGateway(e.broker)

	e.flows = flow.NewScheduler(e.entities, e.broker)
	e.nodes = node.NewScheduler(e.entities, e.broker)
	e.tasks = task.NewScheduler(e.entities, e.broker, e.queues, e.gateway)
	e.watchdog = task.NewWatchdog(e.entities, e.broker, opts.KeepAlive, opts.WatchInterval)

	e.flows.Register()
	e.nodes.Register()
	e.tasks.Register()
	e.broker.Subscribe(bus.TopicFileUpload, e.staging.HandleFileUpload)

	return e
}

// Open builds every store from the configuration and wires an engine that
// owns them; Shutdown closes them again.
func Open(cfg *config.Config) (*Engine, error) {
	entities, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	leases, err := lease.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		entities.Close()
		return nil, err
	}
	blobs, err := cache.New(cfg.Cache.Dir)
	if err != nil {
		leases.Close()
		entities.Close()
		return nil, err
	}

	e := New(Options{
		Entities:      entities,
		Leases:        leases,
		Blobs:         blobs,
		Broker:        bus.NewBroker(cfg.Bus.WorkersPerTopic),
		WatchInterval: cfg.Scheduler.KeepAliveInterval.Std(),
	})
	e.ownsStores = true
	return e, nil
}

// Start launches the task watchdog.
func (e *Engine) Start() {
	e.watchdog.Start()
	e.started = true
	logger := log.WithComponent("engine")
	logger.Info().Msg("Engine started")
}

// Shutdown drains the bus, stops the watchdog and closes owned stores.
// In-flight handlers finish before the stores go away.
func (e *Engine) Shutdown() error {
	if e.started {
		e.watchdog.Stop()
	}
	e.broker.Stop()

	var err error
	if e.ownsStores {
		if cerr := e.leases.Close(); cerr != nil {
			err = cerr
		}
		if cerr := e.entities.Close(); cerr != nil {
			err = cerr
		}
	}
	logger := log.WithComponent("engine")
	logger.Info().Msg("Engine stopped")
	return err
}

// Store exposes the entity store for the serving layer.
func (e *Engine) Store() storage.Store { return e.entities }

// Staging exposes the file staging pipeline.
func (e *Engine) Staging() *staging.Service { return e.staging }

// Queues exposes the queue manager.
func (e *Engine) Queues() *queue.Manager { return e.queues }

// Broker exposes the status bus.
func (e *Engine) Broker() *bus.Broker { return e.broker }
