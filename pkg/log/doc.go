/*
Package log is a thin zerolog wrapper for the scheduler.

Setup configures the process-wide root logger once (level, JSON vs
console, output writer); Component derives per-component child loggers
from it. ForWorker, ForTask, and ForPipeline stamp the identity fields
that recur on nearly every log line, so call sites stay short and field
names stay consistent across components.
*/
package log
