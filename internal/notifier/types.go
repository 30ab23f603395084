package notifier

import "time"

// Config controls the notice pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Owners receive every NotifyAdmins notice.
	Owners []int64
}

// Priority levels prefix the text with a marker.
const (
	PriorityInfo     = 5
	PriorityWarn     = 7
	PriorityCritical = 9
)

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	Channel string `json:"channel"`
	ChatID  int64  `json:"chat_id"`
	Error   string `json:"error,omitempty"`
}
