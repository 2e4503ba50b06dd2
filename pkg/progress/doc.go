// Package progress rolls per-task progress up to a single pipeline
// percentage, weighted by each task's configured weight. The aggregate is
// advisory: it can regress when a task retries, and it never drives
// scheduling decisions.
package progress
