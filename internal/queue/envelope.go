package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Exception is one failed attempt in an envelope's history.
type Exception struct {
	Exception   string    `json:"exception"`
	Message     string    `json:"message"`
	Backtrace   []string  `json:"backtrace"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Key is a primary-key reference inside an envelope.
type Key struct {
	ID int64 `json:"id"`
}

// Envelope is the durable payload of a queued message: one operation on one
// entity, with its arguments and retry history.
type Envelope struct {
	Class      string            `json:"class"`
	Instance   Key               `json:"instance"`
	Message    string            `json:"message"`
	Arguments  []json.RawMessage `json:"arguments"`
	Retries    int               `json:"retries"`
	Exceptions []Exception       `json:"exceptions"`
	Command    *Key              `json:"command,omitempty"`
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Arguments == nil {
		e.Arguments = []json.RawMessage{}
	}
	if e.Exceptions == nil {
		e.Exceptions = []Exception{}
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses a payload. Every error it returns describes a
// structural problem that retrying cannot fix.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var raw struct {
		Class      string          `json:"class"`
		Instance   json.RawMessage `json:"instance"`
		Message    string          `json:"message"`
		Arguments  json.RawMessage `json:"arguments"`
		Retries    int             `json:"retries"`
		Exceptions []Exception     `json:"exceptions"`
		Command    json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if raw.Class == "" || raw.Message == "" {
		return nil, fmt.Errorf("malformed envelope: class and message are required")
	}
	if raw.Retries < 0 {
		return nil, fmt.Errorf("malformed envelope: negative retry count")
	}

	instance, err := decodeKey(raw.Instance)
	if err != nil || instance == nil {
		return nil, fmt.Errorf("malformed envelope: instance must be a map with an id")
	}

	env := &Envelope{
		Class:      raw.Class,
		Instance:   *instance,
		Message:    raw.Message,
		Retries:    raw.Retries,
		Exceptions: raw.Exceptions,
	}

	if len(bytes.TrimSpace(raw.Arguments)) == 0 {
		env.Arguments = []json.RawMessage{}
	} else if err := json.Unmarshal(raw.Arguments, &env.Arguments); err != nil {
		return nil, fmt.Errorf("malformed envelope: arguments must be a list")
	}

	if env.Command, err = decodeKey(raw.Command); err != nil {
		return nil, fmt.Errorf("malformed envelope: command must be a map with an id")
	}
	return env, nil
}

// decodeKey returns nil for an absent or null key.
func decodeKey(raw json.RawMessage) (*Key, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	idRaw, ok := m["id"]
	if !ok {
		return nil, fmt.Errorf("missing id")
	}
	var k Key
	if err := json.Unmarshal(idRaw, &k.ID); err != nil {
		return nil, err
	}
	return &k, nil
}
