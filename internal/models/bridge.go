package models

import "time"

// Bridge step statuses
const (
	StepStatusPending   = "PENDING"
	StepStatusSubmitted = "SUBMITTED"
	StepStatusConfirmed = "CONFIRMED"
	StepStatusFailed    = "FAILED"
)

// Bridge session statuses
const (
	SessionStatusActive    = "ACTIVE"
	SessionStatusFailed    = "FAILED"
	SessionStatusCompleted = "COMPLETED"
)

// BridgeStep is one hop of a bridge route. Polls and NextPollAt carry the
// poll backoff of a submitted step across worker sweeps.
type BridgeStep struct {
	Index       int        `json:"index"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	ExternalRef *string    `json:"external_ref,omitempty"`
	Attempts    int        `json:"attempts"`
	Polls       int        `json:"polls,omitempty"`
	NextPollAt  *time.Time `json:"next_poll_at,omitempty"`
}

type BridgeSession struct {
	SessionID string       `json:"session_id"`
	RouteID   string       `json:"route_id"`
	Status    string       `json:"status"`
	Steps     []BridgeStep `json:"steps"`
}

func (s *BridgeSession) Clone() *BridgeSession {
	c := *s
	c.Steps = make([]BridgeStep, len(s.Steps))
	for i, st := range s.Steps {
		c.Steps[i] = st
		if st.ExternalRef != nil {
			ref := *st.ExternalRef
			c.Steps[i].ExternalRef = &ref
		}
		if st.NextPollAt != nil {
			at := *st.NextPollAt
			c.Steps[i].NextPollAt = &at
		}
	}
	return &c
}

// CurrentStep returns the first step that is not confirmed, or nil when the
// whole route is confirmed.
func (s *BridgeSession) CurrentStep() *BridgeStep {
	for i := range s.Steps {
		if s.Steps[i].Status != StepStatusConfirmed {
			return &s.Steps[i]
		}
	}
	return nil
}

func (s *BridgeSession) AllConfirmed() bool {
	return s.CurrentStep() == nil
}
