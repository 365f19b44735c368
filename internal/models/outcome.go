package models

// Outcome is the per-item result the handler reports back to the transport
type Outcome int

const (
	// OutcomeSuccess acknowledges the item.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry asks the transport to deliver the item again.
	OutcomeRetry
	// OutcomePoison marks an item that can never succeed.
	OutcomePoison
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomePoison:
		return "poison"
	default:
		return "unknown"
	}
}
