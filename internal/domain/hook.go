package domain

import "time"

// Lifecycle events hooks can subscribe to.
const (
	EventNodeRegistered = "node_registered"
	EventNodeBound      = "node_bound"
	EventNodeReinstall  = "node_reinstall"
	EventNodeDeleted    = "node_deleted"
)

// LifecycleEvents lists every event in a stable order.
var LifecycleEvents = []string{
	EventNodeRegistered,
	EventNodeBound,
	EventNodeReinstall,
	EventNodeDeleted,
}

// Hook is a user-defined instance of a hook type.
type Hook struct {
	ID            int64      `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	HookType      string     `json:"hook_type" db:"hook_type"`
	Configuration JSONObject `json:"configuration" db:"configuration"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	// RunningUntil is set while a script of this hook runs.
	RunningUntil *time.Time `json:"running_until,omitempty" db:"running_until"`
}

// Clone returns a deep copy of the hook.
func (h *Hook) Clone() *Hook {
	c := *h
	c.Configuration = h.Configuration.Clone()
	if h.RunningUntil != nil {
		t := *h.RunningUntil
		c.RunningUntil = &t
	}
	return &c
}

// Running reports whether a run lease is held at now.
func (h *Hook) Running(now time.Time) bool {
	return h.RunningUntil != nil && h.RunningUntil.After(now)
}
