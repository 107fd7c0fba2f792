/*
Package log provides structured logging for Homeroute using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup, then use the global helpers or derive child
loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("session")
	logger.Info().Str("registry", addr).Msg("Connecting to registry")

Child loggers carry their fields into every entry, which keeps the agent's
per-application and per-domain log lines correlatable on the registry side.
*/
package log
