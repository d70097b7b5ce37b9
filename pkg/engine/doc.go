// Package engine assembles the orchestrator: stores, bus, staging pipeline,
// queue manager, agent gateway and the flow/node/task schedulers, wired
// leaves first. It exposes the workflow lifecycle operations (submit, start,
// pause, continue, terminate), the agent ingest operations (task status,
// queue counters) and queue registration.
package engine
