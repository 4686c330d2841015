package history

import "time"

// Entry is one recorded request.
type Entry struct {
	ID        string
	Method    string
	URL       string
	Status    int
	Size      int64
	Duration  time.Duration
	Redirects int
	Error     string
	Timestamp time.Time
}
