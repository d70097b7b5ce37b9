/*
Package log provides structured logging for Weft built on zerolog.

A single global logger is initialised once at startup via Init; components
derive child loggers carrying their identity:

	logger := log.WithComponent("flow-scheduler")
	logger.Info().Str("flow_instance_id", id).Msg("flow pending")

Field helpers exist for the ids that matter when tracing an execution:
WithFlowID, WithNodeID, WithTaskID, WithQueueID. Console output is the
default; JSON output is selected by config for production deployments.
*/
package log
