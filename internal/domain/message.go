package domain

import "time"

// QueuedMessage is a durable queue row. Payload is an encoded envelope.
type QueuedMessage struct {
	ID         string     `json:"id" db:"id"`
	Payload    []byte     `json:"payload" db:"payload"`
	RunAt      time.Time  `json:"run_at" db:"run_at"`
	LeaseUntil *time.Time `json:"lease_until,omitempty" db:"lease_until"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// DeadMessage is a message abandoned after exhausting retries or on
// structural invalidity.
type DeadMessage struct {
	ID      string    `json:"id" db:"id"`
	Payload []byte    `json:"payload" db:"payload"`
	Reason  string    `json:"reason" db:"reason"`
	DeadAt  time.Time `json:"dead_at" db:"dead_at"`
}
