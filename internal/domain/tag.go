package domain

import "time"

// Tag is a named boolean rule over a node's facts.
type Tag struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Rule      RawJSON   `json:"rule" db:"rule"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Clone returns a copy of the tag with its own rule buffer.
func (t *Tag) Clone() *Tag {
	c := *t
	c.Rule = append(RawJSON(nil), t.Rule...)
	return &c
}
