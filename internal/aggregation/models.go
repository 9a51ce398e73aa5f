package aggregation

import "time"

// DefStrategy selects how collected members are merged.
type DefStrategy string

const (
	StrategyCollectAll    DefStrategy = "COLLECT_ALL"
	StrategyBatch         DefStrategy = "BATCH"
	StrategyTimeWindow    DefStrategy = "TIME_WINDOW"
	StrategySlidingWindow DefStrategy = "SLIDING_WINDOW"
)

func ValidStrategy(s DefStrategy) bool {
	switch s {
	case StrategyCollectAll, StrategyBatch, StrategyTimeWindow, StrategySlidingWindow:
		return true
	}
	return false
}

// CompletionMode selects how an instance is considered complete.
type CompletionMode string

const (
	CompletionSize      CompletionMode = "SIZE"
	CompletionCondition CompletionMode = "CONDITION"
)

// Definition configures one aggregation key. Definitions live in
// MongoDB and are mutated only by the management service.
type Definition struct {
	ID                   string         `bson:"_id,omitempty" json:"id"`
	Key                  string         `bson:"key" json:"key"`
	Description          string         `bson:"description,omitempty" json:"description,omitempty"`
	Strategy             DefStrategy    `bson:"strategy" json:"strategy"`
	CompletionMode       CompletionMode `bson:"completion_mode" json:"completionMode"`
	ExpectedCount        int            `bson:"expected_count,omitempty" json:"expectedCount,omitempty"`
	CompletionCondition  string         `bson:"completion_condition,omitempty" json:"completionCondition,omitempty"`
	TimeoutSeconds       int            `bson:"timeout_seconds" json:"timeoutSeconds"`
	AllowDuplicates      bool           `bson:"allow_duplicates" json:"allowDuplicates"`
	PreserveOrder        bool           `bson:"preserve_order" json:"preserveOrder"`
	EmitPartialOnTimeout bool           `bson:"emit_partial_on_timeout" json:"emitPartialOnTimeout"`
	BatchSize            int            `bson:"batch_size,omitempty" json:"batchSize,omitempty"`
	WindowSeconds        int            `bson:"window_seconds,omitempty" json:"windowSeconds,omitempty"`
	SlideSeconds         int            `bson:"slide_seconds,omitempty" json:"slideSeconds,omitempty"`
	Enabled              bool           `bson:"enabled" json:"enabled"`
	CreatedAt            time.Time      `bson:"created_at" json:"createdAt"`
	UpdatedAt            time.Time      `bson:"updated_at" json:"updatedAt"`
}

// InstanceStatus is the aggregation instance state machine. All states
// except COLLECTING are terminal.
type InstanceStatus string

const (
	InstanceCollecting InstanceStatus = "COLLECTING"
	InstanceComplete   InstanceStatus = "COMPLETE"
	InstanceTimeout    InstanceStatus = "TIMEOUT"
	InstanceCancelled  InstanceStatus = "CANCELLED"
	InstanceFailed     InstanceStatus = "FAILED"
)

func (s InstanceStatus) Terminal() bool {
	return s != InstanceCollecting
}

// Instance is one open or closed collection for a (correlation id,
// aggregation key) pair.
type Instance struct {
	ID            int64                  `json:"id"`
	CorrelationID string                 `json:"correlationId"`
	Key           string                 `json:"key"`
	Status        InstanceStatus         `json:"status"`
	ExpectedCount int                    `json:"expectedCount,omitempty"`
	CurrentCount  int                    `json:"currentCount"`
	StartedAt     time.Time              `json:"startedAt"`
	TimeoutAt     time.Time              `json:"timeoutAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	Merged        map[string]interface{} `json:"merged,omitempty"`
	Version       int64                  `json:"version"`
}

// Member is one collected envelope, ordered by a per-instance sequence
// number. Included is cleared for members recorded after the instance
// closed.
type Member struct {
	ID         int64                  `json:"id"`
	InstanceID int64                  `json:"instanceId"`
	EnvelopeID string                 `json:"envelopeId"`
	Seq        int64                  `json:"seq"`
	Payload    map[string]interface{} `json:"payload"`
	Included   bool                   `json:"included"`
	AddedAt    time.Time              `json:"addedAt"`
}

// AddResult reports what happened to one arriving member.
type AddResult struct {
	Instance  *Instance
	Member    *Member
	Completed bool
	// Closed is set when the member arrived for a terminal instance
	// and was recorded with Included cleared.
	Closed bool
}
