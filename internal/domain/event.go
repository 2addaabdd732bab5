package domain

import "time"

// Severity of an event log entry.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is an append-only log entry, optionally linked to other entities.
type Event struct {
	ID        int64      `json:"id" db:"id"`
	Timestamp time.Time  `json:"timestamp" db:"timestamp"`
	Severity  Severity   `json:"severity" db:"severity"`
	Entry     JSONObject `json:"entry" db:"entry"`
	NodeID    *int64     `json:"node_id,omitempty" db:"node_id"`
	PolicyID  *int64     `json:"policy_id,omitempty" db:"policy_id"`
	HookID    *int64     `json:"hook_id,omitempty" db:"hook_id"`
	CommandID *int64     `json:"command_id,omitempty" db:"command_id"`
	Repo      string     `json:"repo,omitempty" db:"repo"`
	Broker    string     `json:"broker,omitempty" db:"broker"`
}

// EventFilter narrows ListEvents. Zero fields are ignored.
type EventFilter struct {
	NodeID    *int64
	PolicyID  *int64
	HookID    *int64
	CommandID *int64
	Limit     int
}
