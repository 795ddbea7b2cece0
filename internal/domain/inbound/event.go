// Package inbound consumes CRM webhook events: it validates them, performs
// the idempotent mirror upsert synchronously, and hands clinic-side
// propagation to a dispatcher so the webhook can be acknowledged fast.
package inbound

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types the CRM delivers.
const (
	TypeContactCreate     = "ContactCreate"
	TypeContactUpdate     = "ContactUpdate"
	TypeAppointmentCreate = "AppointmentCreate"
	TypeAppointmentUpdate = "AppointmentUpdate"
)

// State tracks an event through its lifecycle.
type State string

const (
	StateReceived     State = "received"
	StateValidated    State = "validated"
	StateUpserted     State = "upserted"
	StatePropagated   State = "propagated"
	StateAcknowledged State = "acknowledged"
	StateRejected     State = "rejected"
)

// RejectReason explains a rejected event.
type RejectReason string

const (
	ReasonMalformed       RejectReason = "malformed"
	ReasonUnknownType     RejectReason = "unknown_type"
	ReasonUnlinkedContact RejectReason = "unlinked_contact"
)

// Result is the terminal outcome reported back to the webhook sender.
type Result struct {
	State    State        `json:"state"`
	Reason   RejectReason `json:"reason,omitempty"`
	RecordID string       `json:"record_id,omitempty"`
	Queued   bool         `json:"propagation_queued,omitempty"`
}

// Rejected reports whether the event ended in the rejected state.
func (r Result) Rejected() bool { return r.State == StateRejected }

// envelope is the raw webhook body. Contact fields arrive at the top level;
// appointment events nest their payload under "appointment".
type envelope struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`

	Appointment *appointmentPayload `json:"appointment"`
}

type appointmentPayload struct {
	ID        string `json:"id"`
	ContactID string `json:"contactId"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Status    string `json:"appointmentStatus"`
}

func parseEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("missing event type")
	}
	return &env, nil
}

func (p *appointmentPayload) times() (start, end time.Time, err error) {
	if p.StartTime == "" || p.EndTime == "" {
		return start, end, fmt.Errorf("missing start/end time")
	}
	start, err = time.Parse(time.RFC3339, p.StartTime)
	if err != nil {
		return start, end, fmt.Errorf("invalid start time %q", p.StartTime)
	}
	end, err = time.Parse(time.RFC3339, p.EndTime)
	if err != nil {
		return start, end, fmt.Errorf("invalid end time %q", p.EndTime)
	}
	return start, end, nil
}
