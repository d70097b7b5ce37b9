/*
Package metrics provides Prometheus metrics collection and exposition for Weft.

All metrics are registered against the default registry at package init and
exposed through Handler() for scraping. Categories:

  - Orchestration: flow, node and task counts by status, scheduling latency,
    scheduled and failed task counters.
  - Queues: cached queuing/running task counts per queue and the counter of
    scheduling attempts that exhausted every candidate.
  - Bus: messages published per topic.
  - Staging: multipart shards accepted, flash uploads, hash mismatches.
  - Agent gateway: push duration and retry exhaustion per queue.

Timer is the convenience wrapper for timing an operation into a histogram:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.SchedulingLatency)

Labels stay cardinality-bounded: statuses, topics and queue names only, never
entity ids.
*/
package metrics
