/*
Package bus provides Weft's in-process, topic-addressed status bus.

All state-change messages between the flow, node and task schedulers travel
through a single Broker. Topics are strings; bodies are opaque byte
sequences, producer-serialised. Delivery is at-least-once and concurrent:
each topic owns a bounded worker pool, and a message's Key (the entity id it
is about) hashes to one worker, so messages about the same entity are handled
serially and in FIFO order while different entities proceed in parallel.
Ordering is not guaranteed across topics.

# Message Flow

	StartWorkflow ──▶ flow.status ──▶ flow scheduler
	                                   │ Node-Pending / Node-Standby
	                                   ▼
	                  node.status ──▶ node scheduler
	                                   │ Task-Queuing
	                                   ▼
	                  task.status ──▶ task scheduler ──▶ queue.{topic} ──▶ agent

Task results from agents traverse the same topics upward: task.status, then
node.status, then flow.evaluate for aggregation.

ChangeMsg is the tagged union the status topics carry: exactly one of
TaskChange, NodeChange, FlowChange. The file.upload topic carries storage
commands, and queue.{topic_name} topics carry agent payloads and snapshot
requests.

Handlers must be reentrant (delivery is at-least-once; state-machine
transitions from equal to equal are no-ops) and must not block a worker for
long: long work fans out via further publishes or its own goroutine. Publish
blocks when a mailbox is full and gives up after 30 seconds.
*/
package bus
