package domain

import (
	"strconv"
	"strings"
	"time"
)

// MatchMode describes how a policy's tags are compared with a node's tags.
type MatchMode string

// Binding treats every mode as all_of; the mode is stored as given.
const (
	MatchAllOf  MatchMode = "all_of"
	MatchAnyOf  MatchMode = "any_of"
	MatchNoneOf MatchMode = "none_of"
)

// Valid reports whether m is a known mode.
func (m MatchMode) Valid() bool {
	switch m {
	case MatchAllOf, MatchAnyOf, MatchNoneOf:
		return true
	}
	return false
}

// Policy is an ordered, capacity-bounded provisioning template.
type Policy struct {
	ID              int64     `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Repo            string    `json:"repo" db:"repo"`
	Task            string    `json:"task" db:"task"`
	Broker          string    `json:"broker" db:"broker"`
	HostnamePattern string    `json:"hostname" db:"hostname_pattern"`
	RootPassword    string    `json:"root_password" db:"root_password"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	MaxCount        *int      `json:"max_count,omitempty" db:"max_count"`
	RuleNumber      int       `json:"-" db:"rule_number"`
	MatchTags       MatchMode `json:"match_tags" db:"match_tags"`
	Tags            []string  `json:"tags" db:"-"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// HostnameFor expands the hostname pattern for a node.
func (p *Policy) HostnameFor(n *Node) string {
	return strings.ReplaceAll(p.HostnamePattern, "${id}", strconv.FormatInt(n.ID, 10))
}

// HasCapacity reports whether another node may be bound given the current count.
func (p *Policy) HasCapacity(bound int) bool {
	return p.MaxCount == nil || bound < *p.MaxCount
}

// Clone returns a copy that shares no slices or pointers with p.
func (p *Policy) Clone() *Policy {
	c := *p
	c.Tags = append([]string(nil), p.Tags...)
	if p.MaxCount != nil {
		m := *p.MaxCount
		c.MaxCount = &m
	}
	return &c
}

// Repo is a named installation source referenced by policies.
type Repo struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url,omitempty" db:"url"`
	ISOURL    string    `json:"iso_url,omitempty" db:"iso_url"`
	Task      string    `json:"task" db:"task"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Broker is a named configuration-management hand-off referenced by policies.
type Broker struct {
	ID            int64      `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	BrokerType    string     `json:"broker_type" db:"broker_type"`
	Configuration JSONObject `json:"configuration" db:"configuration"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}
