// Package scheduler registers schedules and turns them into engine tasks.
//
// It owns:
//   - one-shot jobs keyed by name (upsert, cancel, fire exactly once)
//   - cron and interval schedules for maintenance sweeps
//
// Execution happens in the task engine; the scheduler only enqueues.
package scheduler
