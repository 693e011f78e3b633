package model

import "time"

// AttemptRecord is the journal entry for one transport attempt.
type AttemptRecord struct {
	Transport TransportKind `json:"transport"`
	Target    string        `json:"target"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}
