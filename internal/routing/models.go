package routing

import "time"

// Strategy selects how a rule resolves destinations.
type Strategy string

const (
	StrategyDirect        Strategy = "DIRECT"
	StrategyContentBased  Strategy = "CONTENT_BASED"
	StrategyMulticast     Strategy = "MULTICAST"
	StrategyRecipientList Strategy = "RECIPIENT_LIST"
	StrategyDynamic       Strategy = "DYNAMIC"
)

func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyDirect, StrategyContentBased, StrategyMulticast, StrategyRecipientList, StrategyDynamic:
		return true
	}
	return false
}

// Rule is a versioned, prioritized routing rule. The engine reads
// rules; only the management service mutates them.
type Rule struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Pattern             string     `json:"pattern"`
	Strategy            Strategy   `json:"strategy"`
	Destinations        []string   `json:"destinations"`
	RouteExpression     string     `json:"routeExpression,omitempty"`
	TransformExpression string     `json:"transformExpression,omitempty"`
	Priority            int        `json:"priority"`
	Active              bool       `json:"active"`
	EffectiveFrom       *time.Time `json:"effectiveFrom,omitempty"`
	EffectiveTo         *time.Time `json:"effectiveTo,omitempty"`
	Version             int        `json:"version"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// EffectiveAt reports whether the rule's effective window includes t.
func (r *Rule) EffectiveAt(t time.Time) bool {
	if r.EffectiveFrom != nil && t.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !t.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// Decision is the router's answer for one envelope.
type Decision struct {
	Matched      bool
	RuleID       string
	RuleVersion  int
	Pattern      string
	Strategy     Strategy
	Destinations []string
	// Payload is the outbound payload, rewritten when the matched rule
	// carries a transformation expression.
	Payload map[string]interface{}
}

// RouteDecision is the best-effort audit record of one evaluation.
type RouteDecision struct {
	EnvelopeID   string
	RuleID       string
	RuleVersion  int
	Pattern      string
	Strategy     string
	Destinations []string
	Matched      bool
	Duration     time.Duration
	DecidedAt    time.Time
}

// UnmatchedMessage is a sink entry for a message no rule matched.
type UnmatchedMessage struct {
	ID          int64                  `json:"id"`
	EnvelopeID  string                 `json:"envelopeId"`
	MessageType string                 `json:"messageType"`
	TenantID    string                 `json:"tenantId"`
	Payload     map[string]interface{} `json:"payload"`
	ReceivedAt  time.Time              `json:"receivedAt"`
	Reviewed    bool                   `json:"reviewed"`
}
