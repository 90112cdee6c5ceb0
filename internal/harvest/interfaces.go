package harvest

import (
	"context"
	"time"
)

// Parser adapts one external target to the pipeline. Implementations live
// outside the core; the orchestrator is never duplicated per target.
type Parser interface {
	BuildListingURL(unit Unit, page int) (string, error)
	BuildDetailURL(c Candidate) (string, error)
	// ParseListing extracts candidates from a listing page. An empty slice
	// ends the unit's pagination.
	ParseListing(content []byte) ([]Candidate, error)
	// ParseDetail extracts detail fields for c. A nil record with a nil
	// error means the page held nothing usable; the record is skipped.
	ParseDetail(content []byte, c Candidate) (*DetailRecord, error)
}

// Fetcher performs one governed external call.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// TaskStore persists task snapshots and the cooperative cancel flag.
type TaskStore interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, t Task) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	// SweepStale marks tasks still running (e.g. after a crash) as failed
	// and returns how many were swept.
	SweepStale(ctx context.Context, reason string) (int, error)
}

// ResultStore persists enriched records, deduplicated by fingerprint within
// one task's scope. Pages are 1-based.
type ResultStore interface {
	// Put inserts rec and reports whether a new row was stored; a
	// duplicate fingerprint within the task is ignored and reported false.
	Put(ctx context.Context, taskID string, rec DetailRecord) (bool, error)
	GetPage(ctx context.Context, taskID string, page, size int) ([]DetailRecord, int, error)
}

// DetailCache stores previously fetched detail records. GetMany returns
// only entries still inside the freshness window.
type DetailCache interface {
	GetMany(ctx context.Context, fingerprints []string) (map[string]DetailRecord, error)
	PutMany(ctx context.Context, recs []DetailRecord) error
}

// Notifier pushes progress deltas to an owner's live channels.
// Delivery is fire-and-forget; failures never affect orchestration.
type Notifier interface {
	SendToUser(ownerID string, evt ProgressEvent)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
