// Package events is the in-process pub/sub bus for policy activity.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	EventPolicy  EventType = "policy.executed"
	EventRefresh EventType = "ubiquiti.refreshed"
	EventHealth  EventType = "backend.health"
)

// Event is the message passed through the hub.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// PolicyData is the payload for EventPolicy.
type PolicyData struct {
	Domain string `json:"domain"`
	Target string `json:"target"`
	Kind   string `json:"kind,omitempty"`
	Action string `json:"action"`
	Status string `json:"status"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// RefreshData is the payload for EventRefresh.
type RefreshData struct {
	Rules int    `json:"rules"`
	Error string `json:"error,omitempty"`
}

// HealthData is the payload for EventHealth.
type HealthData struct {
	Backend  string `json:"backend"`
	Instance string `json:"instance"`
	Up       bool   `json:"up"`
	Error    string `json:"error,omitempty"`
}
