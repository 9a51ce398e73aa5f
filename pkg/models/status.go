package models

type EnvelopeStatus string

const (
	StatusCreated     EnvelopeStatus = "CREATED"
	StatusQueued      EnvelopeStatus = "QUEUED"
	StatusRouting     EnvelopeStatus = "ROUTING"
	StatusProcessing  EnvelopeStatus = "PROCESSING"
	StatusAggregating EnvelopeStatus = "AGGREGATING"
	StatusCompleted   EnvelopeStatus = "COMPLETED"
	StatusFailed      EnvelopeStatus = "FAILED"
	StatusDeadLetter  EnvelopeStatus = "DEAD_LETTER"
)

func (s EnvelopeStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no automatic transition leaves s.
// FAILED is not terminal: the retry sweep re-queues it. DEAD_LETTER
// only leaves via a manual requeue.
func (s EnvelopeStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// ValidTransition reports whether from -> to is a legal envelope
// status change. DEAD_LETTER -> FAILED is the manual requeue path: it
// puts the envelope back in the pool the retry sweep claims from, and
// is never taken by the sweeps themselves.
func ValidTransition(from, to EnvelopeStatus) bool {
	switch from {
	case StatusCreated:
		return to == StatusQueued || to == StatusFailed
	case StatusQueued:
		return to == StatusRouting || to == StatusCompleted || to == StatusFailed || to == StatusDeadLetter
	case StatusRouting:
		return to == StatusProcessing || to == StatusAggregating || to == StatusFailed || to == StatusDeadLetter
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusDeadLetter
	case StatusAggregating:
		return to == StatusCompleted || to == StatusFailed || to == StatusDeadLetter
	case StatusFailed:
		return to == StatusQueued || to == StatusDeadLetter
	case StatusDeadLetter:
		return to == StatusFailed
	case StatusCompleted:
		return false
	}
	return false
}
