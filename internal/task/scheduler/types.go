package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // normalized cron spec
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

// Run records one finished job run.
type Run struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Err      string
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
	History   []Run
}
