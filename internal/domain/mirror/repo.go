package mirror

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ContactRepository defines the persistence interface for mirror contacts.
// Lookups return (nil, nil) when no row matches. SetContactClinicID keeps the
// first link: a row whose clinic side is already set is left untouched.
type ContactRepository interface {
	CreateContact(ctx context.Context, c *Contact) error
	UpdateContact(ctx context.Context, c *Contact) error
	GetContactByCRMID(ctx context.Context, crmID string) (*Contact, error)
	GetContactByClinicID(ctx context.Context, clinicID string) (*Contact, error)
	SetContactCRMID(ctx context.Context, id uuid.UUID, crmID string, syncedAt time.Time) error
	SetContactClinicID(ctx context.Context, id uuid.UUID, clinicID string, syncedAt time.Time) error
	ListContactsPendingCRM(ctx context.Context) ([]*Contact, error)
	BulkInsertContacts(ctx context.Context, contacts []*Contact) error
	BulkUpdateContacts(ctx context.Context, contacts []*Contact) error
	IncContactAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkContactDeadLetter(ctx context.Context, id uuid.UUID) error
}

// AppointmentRepository defines the persistence interface for mirror
// appointments.
type AppointmentRepository interface {
	CreateAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	GetAppointmentByCRMID(ctx context.Context, crmID string) (*Appointment, error)
	GetAppointmentByClinicID(ctx context.Context, clinicID string) (*Appointment, error)
	SetAppointmentCRMID(ctx context.Context, id uuid.UUID, crmID string, syncedAt time.Time) error
	SetAppointmentClinicSide(ctx context.Context, id uuid.UUID, clinicID string, invoiceID int64, syncedAt time.Time) error
	ListAppointmentsPendingCRM(ctx context.Context) ([]*Appointment, error)
	BulkInsertAppointments(ctx context.Context, appts []*Appointment) error
	BulkUpdateAppointments(ctx context.Context, appts []*Appointment) error
	IncAppointmentAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkAppointmentDeadLetter(ctx context.Context, id uuid.UUID) error
}

// Repository bundles both mirror tables; the pg implementation backs both
// interfaces with one pool.
type Repository interface {
	ContactRepository
	AppointmentRepository
}
