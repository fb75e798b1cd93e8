/*
Package log provides structured logging for startd using zerolog.

A single global logger is configured once at process start via Init and
handed out as child loggers scoped to a component, package, container or
host. Console output is human readable; JSON output is intended for log
shippers.

# Usage

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("supervisor")
	logger.Info().Str("package_id", "hello").Msg("Service started")
*/
package log
