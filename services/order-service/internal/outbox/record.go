package outbox

import (
	"time"
	"unicode/utf8"
)

// Record is one row of outbox_events. Only Processed, Attempts, LastError and
// the two lifecycle timestamps ever change after insert.
type Record struct {
	ID             int64
	Topic          string
	Payload        []byte
	CreatedAt      time.Time
	Processed      bool
	Attempts       int
	LastError      string
	ProcessedAt    *time.Time
	DeadLetteredAt *time.Time
	Traceparent    string
	Tracestate     string
}

// Pending reports whether the poller should still try to publish the record.
func (r Record) Pending() bool {
	return !r.Processed && r.DeadLetteredAt == nil
}

const maxErrorLen = 1024

// truncateError cuts on a rune boundary; last_error is a TEXT column.
func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	n := maxErrorLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
