package inbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/syncd/internal/clinic"
	"github.com/clinicsync/syncd/internal/domain/mirror"
)

// ClinicAPI is the clinic surface inbound propagation needs. Implemented by
// clinic.Client.
type ClinicAPI interface {
	FindPatientByPhone(ctx context.Context, phone string) (*clinic.Patient, error)
	CreatePatient(ctx context.Context, p clinic.Patient) (string, error)
	UpdatePatient(ctx context.Context, id string, p clinic.Patient) error
	CreateAppointment(ctx context.Context, a clinic.Appointment) (string, error)
}

// InvoiceResolver finds or creates the invoice an appointment needs.
// Implemented by invoice.Resolver.
type InvoiceResolver interface {
	Resolve(ctx context.Context, patientID string, date time.Time) (int64, error)
}

// keyedMutex serializes work per key. Two propagation tasks for the same
// record must not interleave their check-then-create sequences.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Service processes webhook events. Validation and the mirror upsert run
// synchronously in the request; clinic propagation is dispatched.
type Service struct {
	contacts mirror.ContactRepository
	appts    mirror.AppointmentRepository
	clinic   ClinicAPI
	invoices InvoiceResolver
	runner   TaskRunner
	locks    keyedMutex
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires the inbound event service.
func NewService(
	contacts mirror.ContactRepository,
	appts mirror.AppointmentRepository,
	clinicAPI ClinicAPI,
	invoices InvoiceResolver,
	runner TaskRunner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		contacts: contacts,
		appts:    appts,
		clinic:   clinicAPI,
		invoices: invoices,
		runner:   runner,
		log:      logger.With().Str("component", "inbound").Logger(),
		now:      time.Now,
	}
}

// HandleEvent runs one webhook event through the state machine. The error
// return is reserved for infrastructure failures (storage down); rejections
// are reported through the Result.
func (s *Service) HandleEvent(ctx context.Context, raw []byte) (Result, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("webhook rejected as malformed")
		return Result{State: StateRejected, Reason: ReasonMalformed}, nil
	}

	switch env.Type {
	case TypeContactCreate, TypeContactUpdate:
		return s.handleContact(ctx, env)
	case TypeAppointmentCreate, TypeAppointmentUpdate:
		return s.handleAppointment(ctx, env)
	default:
		s.log.Warn().Str("type", env.Type).Msg("webhook rejected, unknown event type")
		return Result{State: StateRejected, Reason: ReasonUnknownType}, nil
	}
}

// handleContact upserts the mirror contact by CRM id and queues clinic
// propagation when the clinic side is still missing. Replayed deliveries hit
// the same row and never create a second clinic patient.
func (s *Service) handleContact(ctx context.Context, env *envelope) (Result, error) {
	if env.ID == "" {
		return Result{State: StateRejected, Reason: ReasonMalformed}, nil
	}

	contact, err := s.contacts.GetContactByCRMID(ctx, env.ID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup contact %s: %w", env.ID, err)
	}

	if contact == nil {
		contact = &mirror.Contact{
			CRMContactID: env.ID,
			FirstName:    env.FirstName,
			LastName:     env.LastName,
			Email:        env.Email,
			Phone:        env.Phone,
			Origin:       mirror.OriginCRM,
		}
		contact.PayloadHash = contact.Hash()
		if err := s.contacts.CreateContact(ctx, contact); err != nil {
			return Result{}, fmt.Errorf("create mirror contact %s: %w", env.ID, err)
		}
		s.log.Info().Str("crm_contact_id", env.ID).Msg("mirror contact created from webhook")
	} else {
		prevHash := contact.PayloadHash
		// Mutable fields only; origin is set once at creation.
		contact.FirstName = env.FirstName
		contact.LastName = env.LastName
		contact.Email = env.Email
		contact.Phone = env.Phone
		contact.PayloadHash = contact.Hash()
		if err := s.contacts.UpdateContact(ctx, contact); err != nil {
			return Result{}, fmt.Errorf("update mirror contact %s: %w", env.ID, err)
		}
		// An edited contact that is already linked is forwarded to the
		// clinic record it maps to.
		if contact.ClinicPatientID != "" && contact.PayloadHash != prevHash {
			snapshot := *contact
			s.runner.Dispatch(ctx, "contact-update/"+env.ID, func(ctx context.Context) error {
				return s.propagateContactUpdate(ctx, snapshot)
			})
			return Result{State: StateAcknowledged, RecordID: contact.ID.String(), Queued: true}, nil
		}
	}

	if contact.ClinicPatientID != "" {
		return Result{State: StateAcknowledged, RecordID: contact.ID.String()}, nil
	}

	id := contact.ID
	snapshot := *contact
	s.runner.Dispatch(ctx, "contact-propagation/"+env.ID, func(ctx context.Context) error {
		return s.propagateContact(ctx, id, snapshot)
	})
	return Result{State: StateUpserted, RecordID: contact.ID.String(), Queued: true}, nil
}

// propagateContact links the mirror contact to a clinic patient, reusing an
// existing patient matched by phone before creating one. Tasks for the same
// CRM contact are serialized so duplicate deliveries running on different
// workers cannot both pass the linked check.
func (s *Service) propagateContact(ctx context.Context, id uuid.UUID, snapshot mirror.Contact) error {
	unlock := s.locks.lock("contact/" + snapshot.CRMContactID)
	defer unlock()

	// Another delivery may have linked the row while this task waited.
	current, err := s.contacts.GetContactByCRMID(ctx, snapshot.CRMContactID)
	if err != nil {
		return fmt.Errorf("reload contact %s: %w", snapshot.CRMContactID, err)
	}
	if current == nil || current.ClinicPatientID != "" {
		return nil
	}

	if snapshot.Phone != "" {
		existing, err := s.clinic.FindPatientByPhone(ctx, snapshot.Phone)
		if err != nil {
			return fmt.Errorf("phone lookup for contact %s: %w", snapshot.CRMContactID, err)
		}
		if existing != nil {
			s.log.Info().
				Str("crm_contact_id", snapshot.CRMContactID).
				Str("clinic_patient_id", existing.ID).
				Msg("linked contact to existing clinic patient by phone")
			return s.contacts.SetContactClinicID(ctx, id, existing.ID, s.now())
		}
	}

	patientID, err := s.clinic.CreatePatient(ctx, clinic.Patient{
		Ref:       snapshot.CRMContactID,
		FirstName: snapshot.FirstName,
		LastName:  snapshot.LastName,
		Email:     snapshot.Email,
		Phone:     snapshot.Phone,
		Street:    snapshot.Street,
		Zip:       snapshot.Zip,
		City:      snapshot.City,
		BirthDate: snapshot.BirthDate,
	})
	if err != nil {
		return fmt.Errorf("create clinic patient for contact %s: %w", snapshot.CRMContactID, err)
	}
	s.log.Info().
		Str("crm_contact_id", snapshot.CRMContactID).
		Str("clinic_patient_id", patientID).
		Msg("clinic patient created from webhook contact")
	return s.contacts.SetContactClinicID(ctx, id, patientID, s.now())
}

// propagateContactUpdate forwards a CRM contact edit to the clinic patient it
// is linked to.
func (s *Service) propagateContactUpdate(ctx context.Context, snapshot mirror.Contact) error {
	unlock := s.locks.lock("contact/" + snapshot.CRMContactID)
	defer unlock()

	err := s.clinic.UpdatePatient(ctx, snapshot.ClinicPatientID, clinic.Patient{
		Ref:       snapshot.CRMContactID,
		FirstName: snapshot.FirstName,
		LastName:  snapshot.LastName,
		Email:     snapshot.Email,
		Phone:     snapshot.Phone,
		Street:    snapshot.Street,
		Zip:       snapshot.Zip,
		City:      snapshot.City,
		BirthDate: snapshot.BirthDate,
	})
	if err != nil {
		return fmt.Errorf("update clinic patient %s for contact %s: %w",
			snapshot.ClinicPatientID, snapshot.CRMContactID, err)
	}
	s.log.Info().
		Str("crm_contact_id", snapshot.CRMContactID).
		Str("clinic_patient_id", snapshot.ClinicPatientID).
		Msg("clinic patient updated from webhook contact")
	return nil
}

// handleAppointment creates the mirror appointment for a CRM booking and
// queues its clinic propagation. The owning contact must already be mirrored
// and linked; otherwise the event is rejected without blocking.
func (s *Service) handleAppointment(ctx context.Context, env *envelope) (Result, error) {
	p := env.Appointment
	if p == nil || p.ID == "" || p.ContactID == "" {
		return Result{State: StateRejected, Reason: ReasonMalformed}, nil
	}
	start, end, err := p.times()
	if err != nil {
		s.log.Warn().Err(err).Str("crm_appointment_id", p.ID).Msg("appointment webhook rejected")
		return Result{State: StateRejected, Reason: ReasonMalformed}, nil
	}

	contact, err := s.contacts.GetContactByCRMID(ctx, p.ContactID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup contact %s: %w", p.ContactID, err)
	}
	if contact == nil || contact.ClinicPatientID == "" {
		s.log.Warn().
			Str("crm_appointment_id", p.ID).
			Str("crm_contact_id", p.ContactID).
			Msg("appointment rejected, owning contact not linked yet")
		return Result{State: StateRejected, Reason: ReasonUnlinkedContact}, nil
	}

	existing, err := s.appts.GetAppointmentByCRMID(ctx, p.ID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup appointment %s: %w", p.ID, err)
	}
	if existing != nil {
		// Duplicate delivery; the first one owns propagation.
		return Result{State: StateAcknowledged, RecordID: existing.ID.String()}, nil
	}

	appt := &mirror.Appointment{
		CRMAppointmentID: p.ID,
		ContactID:        &contact.ID,
		ClinicPatientID:  contact.ClinicPatientID,
		CRMContactID:     p.ContactID,
		StartsAt:         start.UTC(),
		EndsAt:           end.UTC(),
		Status:           p.Status,
		Origin:           mirror.OriginCRM,
	}
	appt.PayloadHash = appt.Hash()
	if err := s.appts.CreateAppointment(ctx, appt); err != nil {
		return Result{}, fmt.Errorf("create mirror appointment %s: %w", p.ID, err)
	}

	id := appt.ID
	snapshot := *appt
	s.runner.Dispatch(ctx, "appointment-propagation/"+p.ID, func(ctx context.Context) error {
		return s.propagateAppointment(ctx, id, snapshot)
	})
	return Result{State: StateUpserted, RecordID: appt.ID.String(), Queued: true}, nil
}

// propagateAppointment books the clinic event: invoice resolution first,
// then the calendar create, then the id write-back. An invoice failure
// leaves the mirror row pending with no clinic id.
func (s *Service) propagateAppointment(ctx context.Context, id uuid.UUID, snapshot mirror.Appointment) error {
	unlock := s.locks.lock("appointment/" + snapshot.CRMAppointmentID)
	defer unlock()

	current, err := s.appts.GetAppointmentByCRMID(ctx, snapshot.CRMAppointmentID)
	if err != nil {
		return fmt.Errorf("reload appointment %s: %w", snapshot.CRMAppointmentID, err)
	}
	if current == nil || current.ClinicAppointmentID != "" {
		return nil
	}

	invoiceID, err := s.invoices.Resolve(ctx, snapshot.ClinicPatientID, snapshot.StartsAt)
	if err != nil {
		return fmt.Errorf("appointment %s: %w", snapshot.CRMAppointmentID, err)
	}

	clinicID, err := s.clinic.CreateAppointment(ctx, clinic.Appointment{
		PatientID: snapshot.ClinicPatientID,
		Start:     snapshot.StartsAt,
		End:       snapshot.EndsAt,
		InvoiceID: invoiceID,
	})
	if err != nil {
		return fmt.Errorf("create clinic appointment for %s: %w", snapshot.CRMAppointmentID, err)
	}
	s.log.Info().
		Str("crm_appointment_id", snapshot.CRMAppointmentID).
		Str("clinic_appointment_id", clinicID).
		Int64("invoice_id", invoiceID).
		Msg("clinic appointment created from webhook")
	return s.appts.SetAppointmentClinicSide(ctx, id, clinicID, invoiceID, s.now())
}
