package models

import "time"

// SystemConfig represents a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// CallRecord is the archived history of one ended call session.
type CallRecord struct {
	ID          int64
	CallID      string
	CallerName  string
	CallerID    string
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
	EndReason   string
	DurationSec int
	CreatedAt   time.Time
}
