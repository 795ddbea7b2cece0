// Package mirror holds the reconciliation tables that map clinic and CRM
// identifiers onto each other. The mirror is the single source of truth for
// "have we seen this external id before"; both sync directions read and
// write it and its unique indexes are the cross-process concurrency guard.
package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin identifies the system whose change created a mirror record. It is
// set exactly once at creation and never overwritten; the outbound engine
// uses it to suppress reverse propagation.
type Origin string

const (
	OriginClinic Origin = "clinic"
	OriginCRM    Origin = "crm"
)

// Status classifies a record's sync health.
type Status string

const (
	// StatusActive records participate in sync cycles.
	StatusActive Status = "active"
	// StatusDeadLetter records failed validation too many times in a row
	// and are excluded from pushes until an operator intervenes.
	StatusDeadLetter Status = "dead_letter"
)

// Contact is a mirror row linking a clinic patient to a CRM contact. At
// least one of the two external ids is set from creation on; a row missing
// one side is pending propagation in that direction.
type Contact struct {
	ID              uuid.UUID
	ClinicPatientID string
	CRMContactID    string
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	Street          string
	Zip             string
	City            string
	BirthDate       string
	Origin          Origin
	PayloadHash     string
	SyncAttempts    int
	SyncStatus      Status
	LastSyncedAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Hash returns the change-detection hash over the contact's mutable fields.
func (c *Contact) Hash() string {
	return Hash(c.FirstName, c.LastName, c.Email, c.Phone, c.Street, c.Zip, c.City, c.BirthDate)
}

// Appointment is a mirror row linking a clinic calendar event to a CRM
// booking. ContactID references the owning mirror contact once resolved.
type Appointment struct {
	ID                  uuid.UUID
	ClinicAppointmentID string
	CRMAppointmentID    string
	ContactID           *uuid.UUID
	ClinicPatientID     string
	CRMContactID        string
	StartsAt            time.Time
	EndsAt              time.Time
	Status              string
	InvoiceID           int64
	Origin              Origin
	PayloadHash         string
	SyncAttempts        int
	SyncStatus          Status
	LastSyncedAt        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Hash returns the change-detection hash over the appointment's mutable
// fields.
func (a *Appointment) Hash() string {
	return Hash(
		a.ClinicPatientID,
		a.StartsAt.UTC().Format(time.RFC3339),
		a.EndsAt.UTC().Format(time.RFC3339),
		a.Status,
	)
}

// Hash computes the normalized change-detection hash over a field tuple:
// fields are trimmed, lowercased and joined with a separator that cannot
// appear in the data, then hashed with SHA-256.
func Hash(fields ...string) string {
	norm := make([]string, len(fields))
	for i, f := range fields {
		norm[i] = strings.ToLower(strings.TrimSpace(f))
	}
	sum := sha256.Sum256([]byte(strings.Join(norm, "\x1f")))
	return hex.EncodeToString(sum[:])
}
