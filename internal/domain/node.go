package domain

import (
	"fmt"
	"time"
)

// Power states a node can be asked to reach or be observed in.
const (
	PowerOn  = "on"
	PowerOff = "off"
)

// Node is a discovered machine, keyed by its hardware id.
type Node struct {
	ID                  int64      `json:"id" db:"id"`
	HWID                string     `json:"hw_id" db:"hw_id"`
	DHCPMAC             string     `json:"dhcp_mac,omitempty" db:"dhcp_mac"`
	Facts               StringMap  `json:"facts" db:"facts"`
	Metadata            StringMap  `json:"metadata" db:"metadata"`
	PolicyID            *int64     `json:"policy_id,omitempty" db:"policy_id"`
	Bound               bool       `json:"bound" db:"bound"`
	Installed           string     `json:"installed,omitempty" db:"installed"`
	InstalledAt         *time.Time `json:"installed_at,omitempty" db:"installed_at"`
	BootCount           int        `json:"boot_count" db:"boot_count"`
	Hostname            string     `json:"hostname,omitempty" db:"hostname"`
	RootPassword        string     `json:"root_password,omitempty" db:"root_password"`
	IPMIHostname        string     `json:"ipmi_hostname,omitempty" db:"ipmi_hostname"`
	IPMIUsername        string     `json:"ipmi_username,omitempty" db:"ipmi_username"`
	IPMIPassword        string     `json:"-" db:"ipmi_password"`
	DesiredPowerState   string     `json:"desired_power_state,omitempty" db:"desired_power_state"`
	LastKnownPowerState string     `json:"last_known_power_state,omitempty" db:"last_known_power_state"`
	LastCheckin         *time.Time `json:"last_checkin,omitempty" db:"last_checkin"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// Name is the stable external name of the node.
func (n *Node) Name() string {
	return fmt.Sprintf("node%d", n.ID)
}

// Unbind clears the policy assignment and everything derived from it.
func (n *Node) Unbind() {
	n.PolicyID = nil
	n.Bound = false
	n.Hostname = ""
	n.RootPassword = ""
	n.Installed = ""
	n.InstalledAt = nil
	n.BootCount = 0
}

// Clone returns a copy that shares no maps or pointers with n.
func (n *Node) Clone() *Node {
	c := *n
	c.Facts = n.Facts.Clone()
	c.Metadata = n.Metadata.Clone()
	if n.PolicyID != nil {
		id := *n.PolicyID
		c.PolicyID = &id
	}
	if n.InstalledAt != nil {
		t := *n.InstalledAt
		c.InstalledAt = &t
	}
	if n.LastCheckin != nil {
		t := *n.LastCheckin
		c.LastCheckin = &t
	}
	return &c
}

// CheckinRequest is the body a node posts when it reports its facts.
type CheckinRequest struct {
	HWID    string            `json:"hw_id" validate:"required"`
	DHCPMAC string            `json:"dhcp_mac,omitempty"`
	Facts   map[string]string `json:"facts"`
}

// CheckinResponse tells the node what to do next.
type CheckinResponse struct {
	Node      string `json:"node"`
	Action    string `json:"action"`
	CommandID int64  `json:"command_id,omitempty"`
}
