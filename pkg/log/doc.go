/*
Package log provides structured logging for cdcflow using zerolog.

It wraps zerolog to give every component — sources, the durable queue, the
task manager, the worker pool, the sync coordinator — a consistent JSON or
console logger with a shared set of context fields (component, source_id,
queue_name, task_id, message_id).

Initialize once at process start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

then derive component loggers:

	srcLog := log.WithComponent("source.logical")
	srcLog.Info().Str("source_id", id).Msg("capture started")
*/
package log
