package domain

import (
	"database/sql/driver"
	"time"
)

// CommandStatus is the externally visible state of a unit of work.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
	CommandFinished  CommandStatus = "finished"
)

// Terminal reports whether no further transitions are allowed.
func (s CommandStatus) Terminal() bool {
	return s == CommandFailed || s == CommandCancelled || s == CommandFinished
}

// CommandError records the first exception seen during one delivery attempt.
type CommandError struct {
	Attempt     int       `json:"attempt"`
	Exception   string    `json:"exception"`
	Message     string    `json:"message"`
	Backtrace   []string  `json:"backtrace,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// CommandErrors is the ordered error history persisted as JSON.
type CommandErrors []CommandError

// Value implements driver.Valuer.
func (e CommandErrors) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	return marshalString(e)
}

// Scan implements sql.Scanner.
func (e *CommandErrors) Scan(src any) error {
	out := CommandErrors{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*e = out
	return nil
}

// HasAttempt reports whether an error was already recorded for the attempt.
func (e CommandErrors) HasAttempt(attempt int) bool {
	for _, ce := range e {
		if ce.Attempt == attempt {
			return true
		}
	}
	return false
}

// Command is the ledger entry for an accepted external request.
type Command struct {
	ID          int64         `json:"id" db:"id"`
	Command     string        `json:"command" db:"command"`
	Params      JSONObject    `json:"params" db:"params"`
	Status      CommandStatus `json:"status" db:"status"`
	Errors      CommandErrors `json:"errors" db:"errors"`
	SubmittedAt time.Time     `json:"submitted_at" db:"submitted_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
}

// Clone returns a copy that shares no slices or maps with c.
func (c *Command) Clone() *Command {
	out := *c
	out.Params = c.Params.Clone()
	out.Errors = append(CommandErrors(nil), c.Errors...)
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
