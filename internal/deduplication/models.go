package deduplication

import "time"

// KeyKind distinguishes the two independent dedup key spaces.
type KeyKind string

const (
	KeyKindContent  KeyKind = "content"
	KeyKindBusiness KeyKind = "business"
)

// Check is one idempotency question: has this message been accepted
// within the window already?
type Check struct {
	MessageID   string
	TenantID    string
	MessageType string
	ContentHash string
	BusinessKey string
	Window      time.Duration
}

// Result is the guard's verdict.
type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
)

// Outcome reports the verdict plus the sighting history behind it.
type Outcome struct {
	Result          Result
	MatchedKind     KeyKind
	OccurrenceCount int64
	FirstSeenAt     time.Time
}

func (o Outcome) Duplicate() bool {
	return o.Result == ResultDuplicate
}

// RecordKey identifies one dedup record.
type RecordKey struct {
	TenantID    string
	MessageType string
	Kind        KeyKind
	Key         string
}

// Sighting is the stored state after recording an occurrence.
type Sighting struct {
	OccurrenceCount int64
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	ExpiresAt       time.Time
}

// StatEntry summarizes dedup activity per (tenant, message type).
type StatEntry struct {
	TenantID         string `json:"tenantId"`
	MessageType      string `json:"messageType"`
	Records          int64  `json:"records"`
	TotalOccurrences int64  `json:"totalOccurrences"`
}
