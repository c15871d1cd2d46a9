package session

import "papergw/pkg/protocol"

// Adoption selects how a successful data response moves the minute cursor.
type Adoption int

const (
	// AdoptCurrentOrAdvance takes the upstream current_minute when it is
	// present and non-zero, otherwise advances the cursor by one.
	AdoptCurrentOrAdvance Adoption = iota

	// AdoptReported takes the upstream minute, then current_minute, and
	// otherwise leaves the cursor where it is. It never advances on its own.
	AdoptReported
)

func (a Adoption) String() string {
	switch a {
	case AdoptCurrentOrAdvance:
		return "current-or-advance"
	case AdoptReported:
		return "reported"
	default:
		return "unknown"
	}
}

// Quirks holds the per-kind behaviour that differs between workers.
type Quirks struct {
	Kind     protocol.Kind
	Adoption Adoption

	// LotFields are the upstream set-lot response fields relayed to clients.
	LotFields []string
}

// DefaultQuirks returns the behaviour each known worker kind expects.
func DefaultQuirks(kind protocol.Kind) Quirks {
	q := Quirks{Kind: kind, Adoption: AdoptCurrentOrAdvance}
	switch kind {
	case protocol.Worker1:
		q.LotFields = []string{"similar_lots", "y_current"}
	case protocol.Worker2:
		q.LotFields = []string{"max_minutes", "base_time"}
	case protocol.Worker6:
		q.Adoption = AdoptReported
	}
	return q
}
