// Package api provides the HTTP control surface.
package api

import (
	"time"

	"github.com/Extra-Chill/overlord/internal/journal"
)

// PolicyResponse is the response of every target control route.
type PolicyResponse struct {
	Target string `json:"target"`
	Kind   string `json:"kind"`
	State  string `json:"state"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AliveResponse is the response for GET /.
type AliveResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
}

// RefreshResponse is the response for GET /ubiquiti/refresh.
type RefreshResponse struct {
	Status string   `json:"status"`
	Rules  int      `json:"rules"`
	Names  []string `json:"names"`
}

// TargetInfo describes one registered target.
type TargetInfo struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	List       string   `json:"list,omitempty"`
	BackendIDs []string `json:"backend_ids"`
	Patterns   []string `json:"patterns,omitempty"`
}

// TargetListResponse is the response for GET /targets.
type TargetListResponse struct {
	Targets []TargetInfo `json:"targets"`
	Total   int          `json:"total"`
}

// JournalListResponse is the response for GET /journal.
type JournalListResponse struct {
	Entries []journal.Entry `json:"entries"`
	Total   int             `json:"total"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}
