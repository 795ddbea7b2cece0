package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicsync/syncd/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG returns the pgx-backed mirror repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// Empty external ids are stored as NULL so the partial unique indexes only
// bind real identifiers.
const contactCols = `id, COALESCE(clinic_patient_id, ''), COALESCE(crm_contact_id, ''),
	first_name, last_name, email, phone, street, zip, city, birth_date,
	origin_system, payload_hash, sync_attempts, sync_status,
	last_synced_at, created_at, updated_at`

const contactInsert = `
	INSERT INTO contact_mirror (
		id, clinic_patient_id, crm_contact_id,
		first_name, last_name, email, phone, street, zip, city, birth_date,
		origin_system, payload_hash, sync_attempts, sync_status, last_synced_at
	) VALUES (
		$1, NULLIF($2, ''), NULLIF($3, ''),
		$4, $5, $6, $7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16
	)`

const contactUpdate = `
	UPDATE contact_mirror SET
		first_name = $2, last_name = $3, email = $4, phone = $5,
		street = $6, zip = $7, city = $8, birth_date = $9,
		payload_hash = $10, last_synced_at = $11, updated_at = NOW()
	WHERE id = $1`

func contactInsertArgs(c *Contact) []any {
	return []any{
		c.ID, c.ClinicPatientID, c.CRMContactID,
		c.FirstName, c.LastName, c.Email, c.Phone, c.Street, c.Zip, c.City, c.BirthDate,
		c.Origin, c.PayloadHash, c.SyncAttempts, c.SyncStatus, c.LastSyncedAt,
	}
}

func contactUpdateArgs(c *Contact) []any {
	return []any{
		c.ID,
		c.FirstName, c.LastName, c.Email, c.Phone,
		c.Street, c.Zip, c.City, c.BirthDate,
		c.PayloadHash, c.LastSyncedAt,
	}
}

func (r *repoPG) scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID, &c.ClinicPatientID, &c.CRMContactID,
		&c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Street, &c.Zip, &c.City, &c.BirthDate,
		&c.Origin, &c.PayloadHash, &c.SyncAttempts, &c.SyncStatus,
		&c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = StatusActive
	}
	if c.PayloadHash == "" {
		c.PayloadHash = c.Hash()
	}
	_, err := r.conn(ctx).Exec(ctx, contactInsert, contactInsertArgs(c)...)
	return err
}

func (r *repoPG) UpdateContact(ctx context.Context, c *Contact) error {
	if c.PayloadHash == "" {
		c.PayloadHash = c.Hash()
	}
	_, err := r.conn(ctx).Exec(ctx, contactUpdate, contactUpdateArgs(c)...)
	return err
}

func (r *repoPG) GetContactByCRMID(ctx context.Context, crmID string) (*Contact, error) {
	return r.scanContact(r.conn(ctx).QueryRow(ctx,
		`SELECT `+contactCols+` FROM contact_mirror WHERE crm_contact_id = $1`, crmID))
}

func (r *repoPG) GetContactByClinicID(ctx context.Context, clinicID string) (*Contact, error) {
	return r.scanContact(r.conn(ctx).QueryRow(ctx,
		`SELECT `+contactCols+` FROM contact_mirror WHERE clinic_patient_id = $1`, clinicID))
}

func (r *repoPG) SetContactCRMID(ctx context.Context, id uuid.UUID, crmID string, syncedAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE contact_mirror SET
			crm_contact_id = $2, last_synced_at = $3,
			sync_attempts = 0, sync_status = $4, updated_at = NOW()
		WHERE id = $1`, id, crmID, syncedAt, StatusActive)
	return err
}

// SetContactClinicID links the clinic side. The guard keeps the first link:
// a concurrent process that already wrote one turns this into a no-op instead
// of a relink.
func (r *repoPG) SetContactClinicID(ctx context.Context, id uuid.UUID, clinicID string, syncedAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE contact_mirror SET
			clinic_patient_id = $2, last_synced_at = $3,
			sync_attempts = 0, sync_status = $4, updated_at = NOW()
		WHERE id = $1 AND clinic_patient_id IS NULL`, id, clinicID, syncedAt, StatusActive)
	return err
}

func (r *repoPG) ListContactsPendingCRM(ctx context.Context) ([]*Contact, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+contactCols+` FROM contact_mirror
		WHERE clinic_patient_id IS NOT NULL
		  AND crm_contact_id IS NULL
		  AND sync_status = $1
		ORDER BY created_at`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContacts(rows)
}

func collectContacts(rows pgx.Rows) ([]*Contact, error) {
	var out []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(
			&c.ID, &c.ClinicPatientID, &c.CRMContactID,
			&c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Street, &c.Zip, &c.City, &c.BirthDate,
			&c.Origin, &c.PayloadHash, &c.SyncAttempts, &c.SyncStatus,
			&c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// BulkInsertContacts writes one batch of inserts in a single round trip.
// Conflicting rows (already created by a concurrent cycle) are skipped.
func (r *repoPG) BulkInsertContacts(ctx context.Context, contacts []*Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range contacts {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.SyncStatus == "" {
			c.SyncStatus = StatusActive
		}
		if c.PayloadHash == "" {
			c.PayloadHash = c.Hash()
		}
		batch.Queue(contactInsert+` ON CONFLICT DO NOTHING`, contactInsertArgs(c)...)
	}
	return r.sendBatch(ctx, batch, "insert contacts")
}

// BulkUpdateContacts writes one batch of field updates in a single round
// trip.
func (r *repoPG) BulkUpdateContacts(ctx context.Context, contacts []*Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range contacts {
		if c.PayloadHash == "" {
			c.PayloadHash = c.Hash()
		}
		batch.Queue(contactUpdate, contactUpdateArgs(c)...)
	}
	return r.sendBatch(ctx, batch, "update contacts")
}

func (r *repoPG) IncContactAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE contact_mirror SET sync_attempts = sync_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING sync_attempts`, id).Scan(&attempts)
	return attempts, err
}

func (r *repoPG) MarkContactDeadLetter(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE contact_mirror SET sync_status = $2, updated_at = NOW()
		WHERE id = $1`, id, StatusDeadLetter)
	return err
}

const apptCols = `id, COALESCE(clinic_appointment_id, ''), COALESCE(crm_appointment_id, ''),
	contact_id, COALESCE(clinic_patient_id, ''), COALESCE(crm_contact_id, ''),
	starts_at, ends_at, status, COALESCE(invoice_id, 0),
	origin_system, payload_hash, sync_attempts, sync_status,
	last_synced_at, created_at, updated_at`

const apptInsert = `
	INSERT INTO appointment_mirror (
		id, clinic_appointment_id, crm_appointment_id,
		contact_id, clinic_patient_id, crm_contact_id,
		starts_at, ends_at, status, invoice_id,
		origin_system, payload_hash, sync_attempts, sync_status, last_synced_at
	) VALUES (
		$1, NULLIF($2, ''), NULLIF($3, ''),
		$4, NULLIF($5, ''), NULLIF($6, ''),
		$7, $8, $9, NULLIF($10, 0),
		$11, $12, $13, $14, $15
	)`

const apptUpdate = `
	UPDATE appointment_mirror SET
		contact_id = $2, crm_contact_id = NULLIF($3, ''),
		starts_at = $4, ends_at = $5, status = $6,
		payload_hash = $7, last_synced_at = $8, updated_at = NOW()
	WHERE id = $1`

func apptInsertArgs(a *Appointment) []any {
	return []any{
		a.ID, a.ClinicAppointmentID, a.CRMAppointmentID,
		a.ContactID, a.ClinicPatientID, a.CRMContactID,
		a.StartsAt, a.EndsAt, a.Status, a.InvoiceID,
		a.Origin, a.PayloadHash, a.SyncAttempts, a.SyncStatus, a.LastSyncedAt,
	}
}

func apptUpdateArgs(a *Appointment) []any {
	return []any{
		a.ID, a.ContactID, a.CRMContactID,
		a.StartsAt, a.EndsAt, a.Status,
		a.PayloadHash, a.LastSyncedAt,
	}
}

func (r *repoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.ClinicAppointmentID, &a.CRMAppointmentID,
		&a.ContactID, &a.ClinicPatientID, &a.CRMContactID,
		&a.StartsAt, &a.EndsAt, &a.Status, &a.InvoiceID,
		&a.Origin, &a.PayloadHash, &a.SyncAttempts, &a.SyncStatus,
		&a.LastSyncedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.SyncStatus == "" {
		a.SyncStatus = StatusActive
	}
	if a.PayloadHash == "" {
		a.PayloadHash = a.Hash()
	}
	_, err := r.conn(ctx).Exec(ctx, apptInsert, apptInsertArgs(a)...)
	return err
}

func (r *repoPG) UpdateAppointment(ctx context.Context, a *Appointment) error {
	if a.PayloadHash == "" {
		a.PayloadHash = a.Hash()
	}
	_, err := r.conn(ctx).Exec(ctx, apptUpdate, apptUpdateArgs(a)...)
	return err
}

func (r *repoPG) GetAppointmentByCRMID(ctx context.Context, crmID string) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment_mirror WHERE crm_appointment_id = $1`, crmID))
}

func (r *repoPG) GetAppointmentByClinicID(ctx context.Context, clinicID string) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment_mirror WHERE clinic_appointment_id = $1`, clinicID))
}

func (r *repoPG) SetAppointmentCRMID(ctx context.Context, id uuid.UUID, crmID string, syncedAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_mirror SET
			crm_appointment_id = $2, last_synced_at = $3,
			sync_attempts = 0, sync_status = $4, updated_at = NOW()
		WHERE id = $1`, id, crmID, syncedAt, StatusActive)
	return err
}

// SetAppointmentClinicSide links the clinic side. Like SetContactClinicID,
// an already linked row is left untouched.
func (r *repoPG) SetAppointmentClinicSide(ctx context.Context, id uuid.UUID, clinicID string, invoiceID int64, syncedAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_mirror SET
			clinic_appointment_id = $2, invoice_id = NULLIF($3, 0),
			last_synced_at = $4, sync_attempts = 0, sync_status = $5, updated_at = NOW()
		WHERE id = $1 AND clinic_appointment_id IS NULL`, id, clinicID, invoiceID, syncedAt, StatusActive)
	return err
}

// ListAppointmentsPendingCRM returns appointments awaiting a CRM push. Rows
// whose owning contact has no CRM id yet are excluded; they are picked up on
// a later cycle once the contact is linked.
func (r *repoPG) ListAppointmentsPendingCRM(ctx context.Context) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointment_mirror
		WHERE clinic_appointment_id IS NOT NULL
		  AND crm_appointment_id IS NULL
		  AND crm_contact_id IS NOT NULL
		  AND sync_status = $1
		ORDER BY starts_at`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(
			&a.ID, &a.ClinicAppointmentID, &a.CRMAppointmentID,
			&a.ContactID, &a.ClinicPatientID, &a.CRMContactID,
			&a.StartsAt, &a.EndsAt, &a.Status, &a.InvoiceID,
			&a.Origin, &a.PayloadHash, &a.SyncAttempts, &a.SyncStatus,
			&a.LastSyncedAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *repoPG) BulkInsertAppointments(ctx context.Context, appts []*Appointment) error {
	if len(appts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range appts {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if a.SyncStatus == "" {
			a.SyncStatus = StatusActive
		}
		if a.PayloadHash == "" {
			a.PayloadHash = a.Hash()
		}
		batch.Queue(apptInsert+` ON CONFLICT DO NOTHING`, apptInsertArgs(a)...)
	}
	return r.sendBatch(ctx, batch, "insert appointments")
}

func (r *repoPG) BulkUpdateAppointments(ctx context.Context, appts []*Appointment) error {
	if len(appts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range appts {
		if a.PayloadHash == "" {
			a.PayloadHash = a.Hash()
		}
		batch.Queue(apptUpdate, apptUpdateArgs(a)...)
	}
	return r.sendBatch(ctx, batch, "update appointments")
}

func (r *repoPG) IncAppointmentAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment_mirror SET sync_attempts = sync_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING sync_attempts`, id).Scan(&attempts)
	return attempts, err
}

func (r *repoPG) MarkAppointmentDeadLetter(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_mirror SET sync_status = $2, updated_at = NOW()
		WHERE id = $1`, id, StatusDeadLetter)
	return err
}

func (r *repoPG) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	results := r.conn(ctx).SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("bulk %s (statement %d): %w", op, i, err)
		}
	}
	return nil
}
