// Package flow is the workflow-level scheduler. It fans caller-requested
// transitions out to node instances and derives the flow status back from
// node terminals: any failure fails the flow, full completion completes it,
// and Terminating/Pausing settle once every transitioning node has come to
// rest. Node status is the canonical source; the flow status is a projection.
package flow
