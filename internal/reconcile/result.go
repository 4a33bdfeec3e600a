package reconcile

import "time"

// Per-item apply outcomes.
const (
	OutcomeAdded           = "added"
	OutcomeRemoved         = "removed"
	OutcomeSkippedConflict = "skipped_conflict"
	OutcomeFailed          = "failed"
)

// ItemResult records what happened to a single IP during an apply pass.
// Failure handling is carried in the return value rather than buried in
// logging.
type ItemResult struct {
	IP      string `json:"ip"`
	Outcome string `json:"outcome"`
	Owner   string `json:"owner,omitempty"` // owning vendor on a conflict skip
	Error   string `json:"error,omitempty"`
}

// Summary aggregates one reconcile pass.
type Summary struct {
	VendorID   string       `json:"vendor_id"`
	Candidates int          `json:"candidates"`
	Added      int          `json:"added"`
	Removed    int          `json:"removed"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Items      []ItemResult `json:"items,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

func (s *Summary) record(r ItemResult) {
	s.Items = append(s.Items, r)
	switch r.Outcome {
	case OutcomeAdded:
		s.Added++
	case OutcomeRemoved:
		s.Removed++
	case OutcomeSkippedConflict:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}
