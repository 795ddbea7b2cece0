// Package outbound drives the clinic-to-CRM direction: it pulls the clinic's
// patients and calendar into the mirror, detects changes by payload hash, and
// pushes rows missing their CRM side. Cycles are periodic and idempotent; a
// crashed cycle is simply rerun.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/clinicsync/syncd/internal/clinic"
	"github.com/clinicsync/syncd/internal/crm"
	"github.com/clinicsync/syncd/internal/domain/mirror"
	"github.com/clinicsync/syncd/internal/remote"
)

// ErrCycleRunning is returned when a sync cycle is requested while another
// one holds the run lock.
var ErrCycleRunning = errors.New("sync cycle already running")

// ClinicSource is the clinic surface the engine pulls from. Implemented by
// clinic.Client.
type ClinicSource interface {
	ListPatients(ctx context.Context) *remote.Pages[clinic.Patient]
	ListAppointments(ctx context.Context, from, to time.Time) ([]clinic.Appointment, error)
}

// CRMSink is the CRM surface the engine pushes to. Implemented by crm.Client.
type CRMSink interface {
	CreateContact(ctx context.Context, ct crm.Contact) (string, error)
	UpdateContact(ctx context.Context, id string, ct crm.Contact) error
	CreateAppointment(ctx context.Context, a crm.Appointment) (string, error)
}

// Config carries the engine's tunables.
type Config struct {
	// Window bounds the appointment pull to [now-Window, now+Window].
	Window time.Duration
	// ReconcileInterval suppresses echoes: a CRM-origin row synced within
	// this interval is not pushed back as a clinic change.
	ReconcileInterval time.Duration
	// DeadLetterThreshold is the consecutive validation-failure count after
	// which a row is parked.
	DeadLetterThreshold int
	// Concurrency bounds the parallel CRM pushes per phase.
	Concurrency int
	// CRMRequestsPerSecond caps the outbound CRM call rate across workers.
	CRMRequestsPerSecond float64
	CRMBurst             int
	// InTx makes one page's mirror writes atomic. The daemon binds it to a
	// database transaction; when unset, writes run directly.
	InTx func(ctx context.Context, fn func(context.Context) error) error
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 30 * 24 * time.Hour
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 2 * time.Minute
	}
	if c.DeadLetterThreshold <= 0 {
		c.DeadLetterThreshold = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CRMRequestsPerSecond <= 0 {
		c.CRMRequestsPerSecond = 10
	}
	if c.CRMBurst <= 0 {
		c.CRMBurst = 10
	}
	if c.InTx == nil {
		c.InTx = func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		}
	}
}

// Counters aggregates one entity type's outcome within a cycle.
type Counters struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Pushed  int `json:"pushed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Summary is the outcome of one sync cycle.
type Summary struct {
	Contacts     Counters      `json:"contacts"`
	Appointments Counters      `json:"appointments"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Engine runs outbound sync cycles.
type Engine struct {
	repo    mirror.Repository
	clinic  ClinicSource
	crm     CRMSink
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewEngine wires an outbound sync engine.
func NewEngine(repo mirror.Repository, clinicAPI ClinicSource, crmAPI CRMSink, cfg Config, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		repo:    repo,
		clinic:  clinicAPI,
		crm:     crmAPI,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.CRMRequestsPerSecond), cfg.CRMBurst),
		log:     logger.With().Str("component", "outbound").Logger(),
		now:     time.Now,
	}
}

// RunCycle executes one full outbound cycle: contacts first, then the
// appointments that depend on them. Only one cycle runs at a time.
func (e *Engine) RunCycle(ctx context.Context) (Summary, error) {
	if !e.mu.TryLock() {
		return Summary{}, ErrCycleRunning
	}
	defer e.mu.Unlock()

	started := e.now()
	summary := Summary{StartedAt: started}

	contacts, err := e.syncContacts(ctx)
	summary.Contacts = contacts
	if err != nil {
		summary.Duration = e.now().Sub(started)
		return summary, fmt.Errorf("contact phase: %w", err)
	}

	appts, err := e.syncAppointments(ctx)
	summary.Appointments = appts
	summary.Duration = e.now().Sub(started)
	if err != nil {
		return summary, fmt.Errorf("appointment phase: %w", err)
	}

	e.log.Info().
		Int("contacts_created", contacts.Created).
		Int("contacts_pushed", contacts.Pushed).
		Int("appointments_created", appts.Created).
		Int("appointments_pushed", appts.Pushed).
		Dur("duration", summary.Duration).
		Msg("sync cycle completed")
	return summary, nil
}

// syncContacts pulls every active clinic patient into the mirror, forwards
// edits to contacts the CRM already knows, and pushes rows that still lack a
// CRM contact.
func (e *Engine) syncContacts(ctx context.Context) (Counters, error) {
	var counters Counters
	var dirty []*mirror.Contact

	pages := e.clinic.ListPatients(ctx)
	for {
		patients, done, err := pages.Next(ctx)
		if err != nil {
			return counters, fmt.Errorf("pull patients: %w", err)
		}
		if done {
			break
		}
		changed, err := e.mergePatients(ctx, patients, &counters)
		if err != nil {
			return counters, err
		}
		dirty = append(dirty, changed...)
	}

	if err := e.pushContactUpdates(ctx, dirty, &counters); err != nil {
		return counters, err
	}
	if err := e.pushContacts(ctx, &counters); err != nil {
		return counters, err
	}
	return counters, nil
}

// mergePatients reconciles one page into the mirror and returns the changed
// rows that are already linked to a CRM contact, so their edits can be
// forwarded.
func (e *Engine) mergePatients(ctx context.Context, patients []clinic.Patient, counters *Counters) ([]*mirror.Contact, error) {
	var inserts, updates, dirty []*mirror.Contact
	now := e.now()

	for _, p := range patients {
		row, err := e.repo.GetContactByClinicID(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("lookup patient %s: %w", p.ID, err)
		}
		if row == nil {
			fresh := contactFromPatient(p)
			fresh.PayloadHash = fresh.Hash()
			inserts = append(inserts, fresh)
			counters.Created++
			continue
		}

		candidate := contactFromPatient(p)
		candidate.ID = row.ID
		if candidate.Hash() == row.PayloadHash {
			continue
		}
		// A CRM-origin row freshly written by the inbound path is the echo
		// of our own propagation, not a clinic edit.
		if row.Origin == mirror.OriginCRM && row.LastSyncedAt != nil &&
			now.Sub(*row.LastSyncedAt) < e.cfg.ReconcileInterval {
			counters.Skipped++
			continue
		}
		row.FirstName = candidate.FirstName
		row.LastName = candidate.LastName
		row.Email = candidate.Email
		row.Phone = candidate.Phone
		row.Street = candidate.Street
		row.Zip = candidate.Zip
		row.City = candidate.City
		row.BirthDate = candidate.BirthDate
		row.PayloadHash = candidate.Hash()
		updates = append(updates, row)
		counters.Updated++
		// Parked rows keep mirroring clinic edits but are not pushed.
		if row.CRMContactID != "" && row.SyncStatus != mirror.StatusDeadLetter {
			dirty = append(dirty, row)
		}
	}

	if len(inserts) == 0 && len(updates) == 0 {
		return dirty, nil
	}
	err := e.cfg.InTx(ctx, func(ctx context.Context) error {
		if err := e.repo.BulkInsertContacts(ctx, inserts); err != nil {
			return fmt.Errorf("insert contacts: %w", err)
		}
		if err := e.repo.BulkUpdateContacts(ctx, updates); err != nil {
			return fmt.Errorf("update contacts: %w", err)
		}
		return nil
	})
	return dirty, err
}

// pushContactUpdates forwards clinic edits to contacts the CRM already has,
// under the same rate ceiling and failure bookkeeping as creates.
func (e *Engine) pushContactUpdates(ctx context.Context, rows []*mirror.Contact, counters *Counters) error {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, row := range rows {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := e.crm.UpdateContact(ctx, row.CRMContactID, crmContactFromMirror(row)); err != nil {
				mu.Lock()
				counters.Failed++
				mu.Unlock()
				return e.recordContactFailure(ctx, row, err)
			}
			synced := e.now()
			row.LastSyncedAt = &synced
			if err := e.repo.UpdateContact(ctx, row); err != nil {
				return fmt.Errorf("mark contact %s synced: %w", row.ID, err)
			}
			mu.Lock()
			counters.Pushed++
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) pushContacts(ctx context.Context, counters *Counters) error {
	pending, err := e.repo.ListContactsPendingCRM(ctx)
	if err != nil {
		return fmt.Errorf("list pending contacts: %w", err)
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, row := range pending {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			crmID, err := e.crm.CreateContact(ctx, crmContactFromMirror(row))
			if err != nil {
				mu.Lock()
				counters.Failed++
				mu.Unlock()
				return e.recordContactFailure(ctx, row, err)
			}
			if err := e.repo.SetContactCRMID(ctx, row.ID, crmID, e.now()); err != nil {
				return fmt.Errorf("link contact %s: %w", row.ID, err)
			}
			mu.Lock()
			counters.Pushed++
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// recordContactFailure books a push failure. Validation rejections count
// toward the dead-letter threshold; transient failures are retried next
// cycle with no penalty.
func (e *Engine) recordContactFailure(ctx context.Context, row *mirror.Contact, pushErr error) error {
	if !remote.IsKind(pushErr, remote.Validation) {
		e.log.Warn().Err(pushErr).
			Str("clinic_patient_id", row.ClinicPatientID).
			Msg("contact push failed, will retry next cycle")
		return nil
	}
	attempts, err := e.repo.IncContactAttempts(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("count failure for contact %s: %w", row.ID, err)
	}
	e.log.Warn().Err(pushErr).
		Str("clinic_patient_id", row.ClinicPatientID).
		Int("attempts", attempts).
		Msg("contact rejected by crm")
	if attempts >= e.cfg.DeadLetterThreshold {
		e.log.Error().
			Str("clinic_patient_id", row.ClinicPatientID).
			Msg("contact parked as dead letter")
		return e.repo.MarkContactDeadLetter(ctx, row.ID)
	}
	return nil
}

// syncAppointments pulls the clinic calendar inside the sync window and
// pushes mirror rows whose owning contact is already linked.
func (e *Engine) syncAppointments(ctx context.Context) (Counters, error) {
	var counters Counters
	now := e.now()

	events, err := e.clinic.ListAppointments(ctx, now.Add(-e.cfg.Window), now.Add(e.cfg.Window))
	if err != nil {
		return counters, fmt.Errorf("pull appointments: %w", err)
	}
	if err := e.mergeAppointments(ctx, events, &counters); err != nil {
		return counters, err
	}
	if err := e.pushAppointments(ctx, &counters); err != nil {
		return counters, err
	}
	return counters, nil
}

func (e *Engine) mergeAppointments(ctx context.Context, events []clinic.Appointment, counters *Counters) error {
	var inserts, updates []*mirror.Appointment
	now := e.now()

	for _, ev := range events {
		row, err := e.repo.GetAppointmentByClinicID(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("lookup appointment %s: %w", ev.ID, err)
		}
		if row == nil {
			fresh := e.appointmentFromEvent(ctx, ev)
			fresh.PayloadHash = fresh.Hash()
			inserts = append(inserts, fresh)
			counters.Created++
			continue
		}

		changed := false
		candidate := e.appointmentFromEvent(ctx, ev)
		candidate.ID = row.ID
		if candidate.Hash() != row.PayloadHash {
			if row.Origin == mirror.OriginCRM && row.LastSyncedAt != nil &&
				now.Sub(*row.LastSyncedAt) < e.cfg.ReconcileInterval {
				counters.Skipped++
				continue
			}
			row.StartsAt = candidate.StartsAt
			row.EndsAt = candidate.EndsAt
			row.Status = candidate.Status
			row.PayloadHash = candidate.Hash()
			changed = true
		}
		// A row created before its contact was linked picks up the link here.
		if row.CRMContactID == "" && candidate.CRMContactID != "" {
			row.CRMContactID = candidate.CRMContactID
			row.ContactID = candidate.ContactID
			changed = true
		}
		if changed {
			updates = append(updates, row)
			counters.Updated++
		}
	}

	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}
	return e.cfg.InTx(ctx, func(ctx context.Context) error {
		if err := e.repo.BulkInsertAppointments(ctx, inserts); err != nil {
			return fmt.Errorf("insert appointments: %w", err)
		}
		if err := e.repo.BulkUpdateAppointments(ctx, updates); err != nil {
			return fmt.Errorf("update appointments: %w", err)
		}
		return nil
	})
}

func (e *Engine) pushAppointments(ctx context.Context, counters *Counters) error {
	pending, err := e.repo.ListAppointmentsPendingCRM(ctx)
	if err != nil {
		return fmt.Errorf("list pending appointments: %w", err)
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, row := range pending {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			status, _ := strconv.Atoi(row.Status)
			crmID, err := e.crm.CreateAppointment(ctx, crm.Appointment{
				ContactID:  row.CRMContactID,
				ClinicRef:  row.ClinicAppointmentID,
				PatientRef: row.ClinicPatientID,
				Start:      row.StartsAt,
				End:        row.EndsAt,
				Status:     status,
			})
			if err != nil {
				mu.Lock()
				counters.Failed++
				mu.Unlock()
				return e.recordAppointmentFailure(ctx, row, err)
			}
			if err := e.repo.SetAppointmentCRMID(ctx, row.ID, crmID, e.now()); err != nil {
				return fmt.Errorf("link appointment %s: %w", row.ID, err)
			}
			mu.Lock()
			counters.Pushed++
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) recordAppointmentFailure(ctx context.Context, row *mirror.Appointment, pushErr error) error {
	if !remote.IsKind(pushErr, remote.Validation) {
		e.log.Warn().Err(pushErr).
			Str("clinic_appointment_id", row.ClinicAppointmentID).
			Msg("appointment push failed, will retry next cycle")
		return nil
	}
	attempts, err := e.repo.IncAppointmentAttempts(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("count failure for appointment %s: %w", row.ID, err)
	}
	e.log.Warn().Err(pushErr).
		Str("clinic_appointment_id", row.ClinicAppointmentID).
		Int("attempts", attempts).
		Msg("appointment rejected by crm")
	if attempts >= e.cfg.DeadLetterThreshold {
		e.log.Error().
			Str("clinic_appointment_id", row.ClinicAppointmentID).
			Msg("appointment parked as dead letter")
		return e.repo.MarkAppointmentDeadLetter(ctx, row.ID)
	}
	return nil
}

// appointmentFromEvent builds the mirror row for a clinic calendar event,
// resolving the owning contact link when the patient is already mirrored.
func (e *Engine) appointmentFromEvent(ctx context.Context, ev clinic.Appointment) *mirror.Appointment {
	row := &mirror.Appointment{
		ClinicAppointmentID: ev.ID,
		ClinicPatientID:     ev.PatientID,
		StartsAt:            ev.Start.UTC(),
		EndsAt:              ev.End.UTC(),
		Status:              strconv.Itoa(ev.Status),
		InvoiceID:           ev.InvoiceID,
		Origin:              mirror.OriginClinic,
	}
	contact, err := e.repo.GetContactByClinicID(ctx, ev.PatientID)
	if err != nil {
		e.log.Warn().Err(err).Str("clinic_patient_id", ev.PatientID).Msg("contact lookup failed during appointment merge")
		return row
	}
	if contact != nil && contact.CRMContactID != "" {
		row.ContactID = &contact.ID
		row.CRMContactID = contact.CRMContactID
	}
	return row
}

func contactFromPatient(p clinic.Patient) *mirror.Contact {
	return &mirror.Contact{
		ClinicPatientID: p.ID,
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		Email:           p.Email,
		Phone:           p.Phone,
		Street:          p.Street,
		Zip:             p.Zip,
		City:            p.City,
		BirthDate:       p.BirthDate,
		Origin:          mirror.OriginClinic,
	}
}

func crmContactFromMirror(c *mirror.Contact) crm.Contact {
	return crm.Contact{
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Email:       c.Email,
		Phone:       c.Phone,
		Address1:    c.Street,
		City:        c.City,
		PostalCode:  c.Zip,
		DateOfBirth: c.BirthDate,
	}
}
