// Package agent is the outbound gateway to compute queue agents. It
// subscribes to queue topics and POSTs each message to the agent's HTTP
// endpoint with a bounded, jittered retry budget. Results come back through
// the engine's ingest operations, not through this package.
package agent
