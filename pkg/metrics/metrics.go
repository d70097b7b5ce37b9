package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestration metrics
	FlowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weft_flows_total",
			Help: "Total number of workflow instances by status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weft_nodes_total",
			Help: "Total number of node instances by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weft_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_tasks_scheduled_total",
			Help: "Total number of tasks admitted to a queue",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_tasks_failed_total",
			Help: "Total number of failed tasks",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weft_scheduling_latency_seconds",
			Help:    "Time taken to pick a queue and admit a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	QueueRunningTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weft_queue_running_tasks",
			Help: "Running task count cached per compute queue",
		},
		[]string{"queue"},
	)

	QueueQueuingTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weft_queue_queuing_tasks",
			Help: "Queuing task count cached per compute queue",
		},
		[]string{"queue"},
	)

	QueueExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_queue_exhausted_total",
			Help: "Total number of scheduling attempts that found no queue available",
		},
	)

	// Bus metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_bus_messages_published_total",
			Help: "Total number of messages published by topic",
		},
		[]string{"topic"},
	)

	// Staging metrics
	PartsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_multipart_parts_completed_total",
			Help: "Total number of multipart shards accepted",
		},
	)

	FlashUploads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_flash_uploads_total",
			Help: "Total number of uploads short-circuited by content hash",
		},
	)

	HashMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_multipart_hash_mismatches_total",
			Help: "Total number of assembled files whose hash did not match",
		},
	)

	// Agent gateway metrics
	AgentPushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weft_agent_push_duration_seconds",
			Help:    "Payload push duration per queue in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	AgentUnreachable = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_agent_unreachable_total",
			Help: "Total number of payload pushes that exhausted their retries",
		},
		[]string{"queue"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(FlowsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(QueueRunningTasks)
	prometheus.MustRegister(QueueQueuingTasks)
	prometheus.MustRegister(QueueExhausted)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(PartsCompleted)
	prometheus.MustRegister(FlashUploads)
	prometheus.MustRegister(HashMismatches)
	prometheus.MustRegister(AgentPushDuration)
	prometheus.MustRegister(AgentUnreachable)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
