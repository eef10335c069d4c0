// Package scheduler is the schedule poller. On every tick it asks each job's
// schedule whether it is due and enqueues a fresh copy of the job.
//
// The poller owns the schedule table; nothing else advances it. Execution is
// delegated to internal/task/engine.
package scheduler
