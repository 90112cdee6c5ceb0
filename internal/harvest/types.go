// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a harvesting task.
type Status string

// Task status values persisted in the task store. All states other than
// pending and running are terminal and absorbing.
const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
	StatusInsufficientCredits Status = "insufficient_credits"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInsufficientCredits:
		return true
	default:
		return false
	}
}

// Mode selects how discovery queries are built.
type Mode string

// Supported discovery modes.
const (
	ModeUnitOnly     Mode = "unit_only"
	ModeUnitLocation Mode = "unit_plus_location"
)

// Policy selects the credit authorization strategy for a task.
type Policy string

// Supported credit policies.
const (
	PolicyFreeze     Policy = "freeze"
	PolicyPayAsYouGo Policy = "payg"
)

// Phase identifies which half of the pipeline an external call belongs to.
type Phase string

// Pipeline phases.
const (
	PhaseDiscovery  Phase = "discovery"
	PhaseEnrichment Phase = "enrichment"
)

// Unit is one discovery query submitted as part of a task.
type Unit struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Index    int    `json:"index"`
}

// TaskSpec captures everything a caller provides at submission.
type TaskSpec struct {
	OwnerID string  `json:"owner_id"`
	Units   []Unit  `json:"units"`
	Mode    Mode    `json:"mode"`
	Policy  Policy  `json:"policy"`
	Filters Filters `json:"filters"`
}

// RequestCounts tracks external call stats per task.
type RequestCounts struct {
	Discovery  int `json:"discovery"`
	Enrichment int `json:"enrichment"`
	CacheHits  int `json:"cache_hits"`
}

// LogEntry is one line of the task's append-only log.
type LogEntry struct {
	TS      time.Time `json:"ts"`
	Message string    `json:"message"`
}

// Task is the persisted snapshot for each submitted harvest request.
// CompletedUnits and Progress only ever ratchet upward.
type Task struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Mode           Mode            `json:"mode"`
	Policy         Policy          `json:"policy"`
	Status         Status          `json:"status"`
	Filters        Filters         `json:"filters"`
	TotalUnits     int             `json:"total_units"`
	CompletedUnits int             `json:"completed_units"`
	TotalResults   int             `json:"total_results"`
	Requests       RequestCounts   `json:"request_counts"`
	CreditsUsed    decimal.Decimal `json:"credits_used"`
	Progress       int             `json:"progress"`
	Logs           []LogEntry      `json:"logs"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Candidate is a raw discovery-stage record, pre-enrichment. Fingerprint is
// derived from the detail reference and deduplicates candidates before the
// enrichment phase.
type Candidate struct {
	Fingerprint string            `json:"fingerprint"`
	Name        string            `json:"name"`
	DetailRef   string            `json:"detail_ref"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// DetailRecord is the enriched record merged from a Candidate and its
// detail page. Records are never mutated after insertion.
type DetailRecord struct {
	Fingerprint string            `json:"fingerprint"`
	Name        string            `json:"name"`
	Age         int               `json:"age,omitempty"`
	Category    string            `json:"category,omitempty"`
	Location    string            `json:"location,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	FromCache   bool              `json:"from_cache"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// FetchRequest captures everything needed for one external call through the
// scraping proxy.
type FetchRequest struct {
	URL    string
	Render bool
	Geo    string
}

// FetchResponse is the result of a successful external call.
type FetchResponse struct {
	Body       []byte
	StatusCode int
	Duration   time.Duration
}

// ProgressEvent is a state delta pushed to live channels. It is derived
// from the Task snapshot and never persisted.
type ProgressEvent struct {
	TaskID         string          `json:"task_id,omitempty"`
	OwnerID        string          `json:"owner_id"`
	Status         Status          `json:"status,omitempty"`
	Progress       int             `json:"progress"`
	CompletedUnits int             `json:"completed_units"`
	TotalUnits     int             `json:"total_units"`
	TotalResults   int             `json:"total_results"`
	CreditsUsed    decimal.Decimal `json:"credits_used"`
	Message        string          `json:"message,omitempty"`
	Ping           bool            `json:"ping,omitempty"`
	TS             time.Time       `json:"ts"`
}
