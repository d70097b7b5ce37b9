// Package task owns the per-task lifecycle: admitting queued tasks into a
// compute queue, dispatching payloads through the agent gateway, folding agent
// status reports into the store, and translating task terminals into node
// level outcomes. A watchdog fails tasks whose agent stopped reporting.
package task
