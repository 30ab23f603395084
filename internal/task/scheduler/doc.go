// Package scheduler triggers named jobs on cron or interval schedules.
//
// Jobs run on robfig/cron goroutines with skip-if-still-running semantics: a
// trigger that fires while the previous run of the same job is still busy is
// dropped, never queued.
package scheduler
