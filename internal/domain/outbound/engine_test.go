package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/syncd/internal/clinic"
	"github.com/clinicsync/syncd/internal/crm"
	"github.com/clinicsync/syncd/internal/domain/mirror"
	"github.com/clinicsync/syncd/internal/remote"
)

// memRepo is an in-memory mirror.Repository for engine tests.
type memRepo struct {
	mu       sync.Mutex
	contacts map[uuid.UUID]*mirror.Contact
	appts    map[uuid.UUID]*mirror.Appointment
}

func newMemRepo() *memRepo {
	return &memRepo{
		contacts: make(map[uuid.UUID]*mirror.Contact),
		appts:    make(map[uuid.UUID]*mirror.Appointment),
	}
}

func (m *memRepo) CreateContact(ctx context.Context, c *mirror.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = mirror.StatusActive
	}
	cp := *c
	m.contacts[c.ID] = &cp
	return nil
}

func (m *memRepo) UpdateContact(ctx context.Context, c *mirror.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.contacts[c.ID]
	if !ok {
		return fmt.Errorf("contact %s not found", c.ID)
	}
	row.FirstName, row.LastName = c.FirstName, c.LastName
	row.Email, row.Phone = c.Email, c.Phone
	row.Street, row.Zip, row.City, row.BirthDate = c.Street, c.Zip, c.City, c.BirthDate
	row.PayloadHash = c.PayloadHash
	row.LastSyncedAt = c.LastSyncedAt
	return nil
}

func (m *memRepo) GetContactByCRMID(ctx context.Context, crmID string) (*mirror.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.contacts {
		if row.CRMContactID == crmID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) GetContactByClinicID(ctx context.Context, clinicID string) (*mirror.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.contacts {
		if row.ClinicPatientID == clinicID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) SetContactCRMID(ctx context.Context, id uuid.UUID, crmID string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.contacts[id]
	row.CRMContactID = crmID
	row.LastSyncedAt = &syncedAt
	row.SyncAttempts = 0
	row.SyncStatus = mirror.StatusActive
	return nil
}

func (m *memRepo) SetContactClinicID(ctx context.Context, id uuid.UUID, clinicID string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.contacts[id]
	if row.ClinicPatientID != "" {
		return nil
	}
	row.ClinicPatientID = clinicID
	row.LastSyncedAt = &syncedAt
	return nil
}

func (m *memRepo) ListContactsPendingCRM(ctx context.Context) ([]*mirror.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mirror.Contact
	for _, row := range m.contacts {
		if row.ClinicPatientID != "" && row.CRMContactID == "" && row.SyncStatus == mirror.StatusActive {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) BulkInsertContacts(ctx context.Context, contacts []*mirror.Contact) error {
	for _, c := range contacts {
		if err := m.CreateContact(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRepo) BulkUpdateContacts(ctx context.Context, contacts []*mirror.Contact) error {
	for _, c := range contacts {
		if err := m.UpdateContact(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRepo) IncContactAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.contacts[id]
	row.SyncAttempts++
	return row.SyncAttempts, nil
}

func (m *memRepo) MarkContactDeadLetter(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id].SyncStatus = mirror.StatusDeadLetter
	return nil
}

func (m *memRepo) CreateAppointment(ctx context.Context, a *mirror.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.SyncStatus == "" {
		a.SyncStatus = mirror.StatusActive
	}
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *memRepo) UpdateAppointment(ctx context.Context, a *mirror.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.appts[a.ID]
	if !ok {
		return fmt.Errorf("appointment %s not found", a.ID)
	}
	row.StartsAt, row.EndsAt, row.Status = a.StartsAt, a.EndsAt, a.Status
	row.ContactID, row.CRMContactID = a.ContactID, a.CRMContactID
	row.PayloadHash = a.PayloadHash
	row.LastSyncedAt = a.LastSyncedAt
	return nil
}

func (m *memRepo) GetAppointmentByCRMID(ctx context.Context, crmID string) (*mirror.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.appts {
		if row.CRMAppointmentID == crmID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) GetAppointmentByClinicID(ctx context.Context, clinicID string) (*mirror.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.appts {
		if row.ClinicAppointmentID == clinicID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) SetAppointmentCRMID(ctx context.Context, id uuid.UUID, crmID string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.appts[id]
	row.CRMAppointmentID = crmID
	row.LastSyncedAt = &syncedAt
	row.SyncAttempts = 0
	row.SyncStatus = mirror.StatusActive
	return nil
}

func (m *memRepo) SetAppointmentClinicSide(ctx context.Context, id uuid.UUID, clinicID string, invoiceID int64, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.appts[id]
	if row.ClinicAppointmentID != "" {
		return nil
	}
	row.ClinicAppointmentID = clinicID
	row.InvoiceID = invoiceID
	row.LastSyncedAt = &syncedAt
	return nil
}

func (m *memRepo) ListAppointmentsPendingCRM(ctx context.Context) ([]*mirror.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mirror.Appointment
	for _, row := range m.appts {
		if row.ClinicAppointmentID != "" && row.CRMAppointmentID == "" &&
			row.CRMContactID != "" && row.SyncStatus == mirror.StatusActive {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) BulkInsertAppointments(ctx context.Context, appts []*mirror.Appointment) error {
	for _, a := range appts {
		if err := m.CreateAppointment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRepo) BulkUpdateAppointments(ctx context.Context, appts []*mirror.Appointment) error {
	for _, a := range appts {
		if err := m.UpdateAppointment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRepo) IncAppointmentAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.appts[id]
	row.SyncAttempts++
	return row.SyncAttempts, nil
}

func (m *memRepo) MarkAppointmentDeadLetter(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appts[id].SyncStatus = mirror.StatusDeadLetter
	return nil
}

// fakeClinic serves fixed patient and appointment sets.
type fakeClinic struct {
	patients []clinic.Patient
	events   []clinic.Appointment
	pageSize int
}

func (f *fakeClinic) ListPatients(ctx context.Context) *remote.Pages[clinic.Patient] {
	size := f.pageSize
	if size <= 0 {
		size = 2
	}
	return remote.NewPages(func(ctx context.Context, page int) ([]clinic.Patient, error) {
		lo := (page - 1) * size
		if lo >= len(f.patients) {
			return nil, nil
		}
		hi := lo + size
		if hi > len(f.patients) {
			hi = len(f.patients)
		}
		return f.patients[lo:hi], nil
	})
}

func (f *fakeClinic) ListAppointments(ctx context.Context, from, to time.Time) ([]clinic.Appointment, error) {
	return f.events, nil
}

// fakeCRM records pushes and can be told to fail.
type fakeCRM struct {
	mu             sync.Mutex
	contactCalls   int
	updateCalls    int
	apptCalls      int
	contacts       []crm.Contact
	updates        map[string]crm.Contact
	appts          []crm.Appointment
	contactErr     error
	updateErr      error
	appointmentErr error
	nextContactID  int
	nextApptID     int
}

func (f *fakeCRM) CreateContact(ctx context.Context, ct crm.Contact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactCalls++
	if f.contactErr != nil {
		return "", f.contactErr
	}
	f.contacts = append(f.contacts, ct)
	f.nextContactID++
	return fmt.Sprintf("crm-c-%d", f.nextContactID), nil
}

func (f *fakeCRM) UpdateContact(ctx context.Context, id string, ct crm.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.updates == nil {
		f.updates = make(map[string]crm.Contact)
	}
	f.updates[id] = ct
	return nil
}

func (f *fakeCRM) CreateAppointment(ctx context.Context, a crm.Appointment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apptCalls++
	if f.appointmentErr != nil {
		return "", f.appointmentErr
	}
	f.appts = append(f.appts, a)
	f.nextApptID++
	return fmt.Sprintf("crm-a-%d", f.nextApptID), nil
}

func newTestEngine(repo *memRepo, cl *fakeClinic, cr *fakeCRM) *Engine {
	return NewEngine(repo, cl, cr, Config{
		Window:               30 * 24 * time.Hour,
		ReconcileInterval:    2 * time.Minute,
		DeadLetterThreshold:  3,
		Concurrency:          2,
		CRMRequestsPerSecond: 10000,
		CRMBurst:             100,
	}, zerolog.Nop())
}

func somePatient(id, first, phone string) clinic.Patient {
	return clinic.Patient{ID: id, FirstName: first, LastName: "Muster", Phone: phone, Active: true}
}

func TestRunCycle_NewPatientReachesCRM(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{patients: []clinic.Patient{
		somePatient("1", "Anna", "0791111111"),
		somePatient("2", "Beat", "0792222222"),
		somePatient("3", "Cora", "0793333333"),
	}}
	cr := &fakeCRM{}
	e := newTestEngine(repo, cl, cr)

	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Contacts.Created != 3 || summary.Contacts.Pushed != 3 {
		t.Errorf("expected 3 created and pushed, got %+v", summary.Contacts)
	}

	row, _ := repo.GetContactByClinicID(context.Background(), "1")
	if row.CRMContactID == "" {
		t.Error("expected crm id linked after push")
	}
	if row.Origin != mirror.OriginClinic {
		t.Errorf("expected clinic origin, got %s", row.Origin)
	}
	if row.LastSyncedAt == nil {
		t.Error("expected last synced timestamp set")
	}
}

func TestRunCycle_UnchangedPatientsAreNoops(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{patients: []clinic.Patient{somePatient("1", "Anna", "0791111111")}}
	cr := &fakeCRM{}
	e := newTestEngine(repo, cl, cr)

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if summary.Contacts.Created != 0 || summary.Contacts.Updated != 0 || summary.Contacts.Pushed != 0 {
		t.Errorf("second cycle must be a no-op, got %+v", summary.Contacts)
	}
	if cr.contactCalls != 1 {
		t.Errorf("expected a single crm create across both cycles, got %d", cr.contactCalls)
	}
}

func TestRunCycle_ClinicEditUpdatesMirror(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{patients: []clinic.Patient{somePatient("1", "Anna", "0791111111")}}
	cr := &fakeCRM{}
	e := newTestEngine(repo, cl, cr)

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	cl.patients[0].FirstName = "Anne"
	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if summary.Contacts.Updated != 1 {
		t.Errorf("expected one update, got %+v", summary.Contacts)
	}
	row, _ := repo.GetContactByClinicID(context.Background(), "1")
	if row.FirstName != "Anne" {
		t.Errorf("expected mirror updated, got %q", row.FirstName)
	}
}

func TestRunCycle_EchoOfOwnPropagationIsSkipped(t *testing.T) {
	repo := newMemRepo()
	// A contact the inbound path created and propagated moments ago. The
	// clinic now reports it with the default fields the adapter filled in.
	recent := time.Now().Add(-10 * time.Second)
	repo.CreateContact(context.Background(), &mirror.Contact{
		ClinicPatientID: "42",
		CRMContactID:    "C1",
		FirstName:       "Jane",
		LastName:        "Doe",
		Origin:          mirror.OriginCRM,
		PayloadHash:     mirror.Hash("Jane", "Doe", "", "", "", "", "", ""),
		LastSyncedAt:    &recent,
	})
	cl := &fakeClinic{patients: []clinic.Patient{{
		ID: "42", FirstName: "Jane", LastName: "Doe", Zip: "0000", City: "Unknown", BirthDate: "1990-01-01",
	}}}
	cr := &fakeCRM{}
	e := newTestEngine(repo, cl, cr)

	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Contacts.Skipped != 1 || summary.Contacts.Updated != 0 {
		t.Errorf("expected the echo skipped, got %+v", summary.Contacts)
	}
	if cr.contactCalls != 0 {
		t.Error("echo must not be pushed back to the crm")
	}
}

func TestRunCycle_StaleCRMOriginRowIsUpdated(t *testing.T) {
	repo := newMemRepo()
	old := time.Now().Add(-time.Hour)
	repo.CreateContact(context.Background(), &mirror.Contact{
		ClinicPatientID: "42",
		CRMContactID:    "C1",
		FirstName:       "Jane",
		LastName:        "Doe",
		Origin:          mirror.OriginCRM,
		PayloadHash:     mirror.Hash("Jane", "Doe", "", "", "", "", "", ""),
		LastSyncedAt:    &old,
	})
	cl := &fakeClinic{patients: []clinic.Patient{{ID: "42", FirstName: "Janet", LastName: "Doe"}}}
	e := newTestEngine(repo, cl, &fakeCRM{})

	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Contacts.Updated != 1 || summary.Contacts.Skipped != 0 {
		t.Errorf("stale crm-origin row should accept the clinic edit, got %+v", summary.Contacts)
	}
	row, _ := repo.GetContactByClinicID(context.Background(), "42")
	if row.FirstName != "Janet" {
		t.Errorf("expected clinic edit applied, got %q", row.FirstName)
	}
}

func TestRunCycle_AppointmentWaitsForLinkedContact(t *testing.T) {
	repo := newMemRepo()
	start := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	cl := &fakeClinic{
		events: []clinic.Appointment{{ID: "E1", PatientID: "1", Start: start, End: start.Add(30 * time.Minute), Status: 2}},
	}
	cr := &fakeCRM{contactErr: &remote.Error{Kind: remote.Transient, Msg: "down"}}
	cl.patients = []clinic.Patient{somePatient("1", "Anna", "0791111111")}
	e := newTestEngine(repo, cl, cr)

	// Cycle 1: the contact push fails, so the appointment has no crm contact
	// to attach to and must stay pending.
	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if summary.Appointments.Created != 1 || summary.Appointments.Pushed != 0 {
		t.Errorf("expected appointment mirrored but unpushed, got %+v", summary.Appointments)
	}
	if cr.apptCalls != 0 {
		t.Error("appointment must not be pushed before its contact")
	}

	// Cycle 2: the crm recovers, the contact links and the appointment follows.
	cr.mu.Lock()
	cr.contactErr = nil
	cr.mu.Unlock()
	summary, err = e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if summary.Contacts.Pushed != 1 {
		t.Fatalf("expected the contact pushed, got %+v", summary.Contacts)
	}
	if summary.Appointments.Updated != 1 || summary.Appointments.Pushed != 1 {
		t.Errorf("expected appointment linked and pushed, got %+v", summary.Appointments)
	}

	if len(cr.appts) != 1 {
		t.Fatalf("expected one crm appointment, got %d", len(cr.appts))
	}
	pushed := cr.appts[0]
	if pushed.ClinicRef != "E1" || pushed.ContactID == "" {
		t.Errorf("unexpected crm appointment payload: %+v", pushed)
	}
}

func TestRunCycle_ValidationFailuresDeadLetterAfterThreshold(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{patients: []clinic.Patient{somePatient("1", "Anna", "not-a-phone")}}
	cr := &fakeCRM{contactErr: &remote.Error{Kind: remote.Validation, Status: 422, Msg: "phone invalid"}}
	e := newTestEngine(repo, cl, cr)

	for i := 0; i < 3; i++ {
		if _, err := e.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}

	row, _ := repo.GetContactByClinicID(context.Background(), "1")
	if row.SyncStatus != mirror.StatusDeadLetter {
		t.Fatalf("expected dead letter after 3 rejections, got %s with %d attempts", row.SyncStatus, row.SyncAttempts)
	}

	// Parked rows are excluded from further pushes.
	calls := cr.contactCalls
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("post-park cycle: %v", err)
	}
	if cr.contactCalls != calls {
		t.Error("dead-letter row must not be pushed again")
	}
}

func TestRunCycle_TransientFailuresCarryNoPenalty(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{patients: []clinic.Patient{somePatient("1", "Anna", "0791111111")}}
	cr := &fakeCRM{contactErr: &remote.Error{Kind: remote.Transient, Status: 503, Msg: "down"}}
	e := newTestEngine(repo, cl, cr)

	for i := 0; i < 5; i++ {
		summary, err := e.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
		if summary.Contacts.Failed != 1 {
			t.Fatalf("cycle %d: expected one failure, got %+v", i+1, summary.Contacts)
		}
	}

	row, _ := repo.GetContactByClinicID(context.Background(), "1")
	if row.SyncStatus != mirror.StatusActive || row.SyncAttempts != 0 {
		t.Errorf("transient failures must not count toward dead letter, got %s/%d", row.SyncStatus, row.SyncAttempts)
	}
}

func TestRunCycle_ClinicEditOnLinkedContactReachesCRM(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{patients: []clinic.Patient{somePatient("1", "Anna", "0791111111")}}
	cr := &fakeCRM{}
	e := newTestEngine(repo, cl, cr)

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	row, _ := repo.GetContactByClinicID(context.Background(), "1")
	if row.CRMContactID == "" {
		t.Fatal("expected the contact linked after the first cycle")
	}

	cl.patients[0].FirstName = "Anne"
	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if summary.Contacts.Updated != 1 || summary.Contacts.Pushed != 1 {
		t.Errorf("expected the edit pushed to the crm, got %+v", summary.Contacts)
	}
	if cr.updateCalls != 1 {
		t.Fatalf("expected one crm contact update, got %d", cr.updateCalls)
	}
	pushed, ok := cr.updates[row.CRMContactID]
	if !ok {
		t.Fatalf("expected the update addressed to %s, got %v", row.CRMContactID, cr.updates)
	}
	if pushed.FirstName != "Anne" {
		t.Errorf("expected the edited name forwarded, got %q", pushed.FirstName)
	}
	row, _ = repo.GetContactByClinicID(context.Background(), "1")
	if row.LastSyncedAt == nil {
		t.Error("expected the sync timestamp refreshed after the update push")
	}
}

func TestRunCycle_RejectedUpdatesCountTowardDeadLetter(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{patients: []clinic.Patient{somePatient("1", "Anna", "0791111111")}}
	cr := &fakeCRM{}
	e := newTestEngine(repo, cl, cr)

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	cr.mu.Lock()
	cr.updateErr = &remote.Error{Kind: remote.Validation, Status: 422, Msg: "email invalid"}
	cr.mu.Unlock()
	for i := 0; i < 3; i++ {
		cl.patients[0].Email = fmt.Sprintf("broken-%d", i)
		if _, err := e.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i+2, err)
		}
	}

	row, _ := repo.GetContactByClinicID(context.Background(), "1")
	if row.SyncStatus != mirror.StatusDeadLetter {
		t.Errorf("expected dead letter after repeated update rejections, got %s/%d", row.SyncStatus, row.SyncAttempts)
	}
}

func TestRunCycle_HonorsConfiguredReconcileInterval(t *testing.T) {
	repo := newMemRepo()
	// The inbound path wrote this row a few minutes ago. With the daemon's
	// hourly sync interval wired in, the clinic pull must still treat the
	// row as our own echo, not as a clinic edit.
	synced := time.Now().Add(-10 * time.Minute)
	repo.CreateContact(context.Background(), &mirror.Contact{
		ClinicPatientID: "42",
		CRMContactID:    "C1",
		FirstName:       "Jane",
		LastName:        "Doe",
		Origin:          mirror.OriginCRM,
		PayloadHash:     mirror.Hash("Jane", "Doe", "", "", "", "", "", ""),
		LastSyncedAt:    &synced,
	})
	cl := &fakeClinic{patients: []clinic.Patient{{
		ID: "42", FirstName: "Unknown", LastName: "Doe", Zip: "0000", City: "Unknown",
	}}}
	e := NewEngine(repo, cl, &fakeCRM{}, Config{
		Window:               30 * 24 * time.Hour,
		ReconcileInterval:    time.Hour,
		DeadLetterThreshold:  3,
		Concurrency:          2,
		CRMRequestsPerSecond: 10000,
		CRMBurst:             100,
	}, zerolog.Nop())

	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Contacts.Skipped != 1 || summary.Contacts.Updated != 0 {
		t.Errorf("expected the recent crm write preserved, got %+v", summary.Contacts)
	}
	row, _ := repo.GetContactByClinicID(context.Background(), "42")
	if row.FirstName != "Jane" {
		t.Errorf("expected the crm edit kept, got %q", row.FirstName)
	}
}

func TestRunCycle_MergeWritesRunInTransactions(t *testing.T) {
	repo := newMemRepo()
	cl := &fakeClinic{
		patients: []clinic.Patient{
			somePatient("1", "Anna", "0791111111"),
			somePatient("2", "Beat", "0792222222"),
			somePatient("3", "Cora", "0793333333"),
		},
		pageSize: 2,
	}
	var txCalls int
	e := NewEngine(repo, cl, &fakeCRM{}, Config{
		Window:               30 * 24 * time.Hour,
		ReconcileInterval:    2 * time.Minute,
		DeadLetterThreshold:  3,
		Concurrency:          2,
		CRMRequestsPerSecond: 10000,
		CRMBurst:             100,
		InTx: func(ctx context.Context, fn func(context.Context) error) error {
			txCalls++
			return fn(ctx)
		},
	}, zerolog.Nop())

	summary, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Contacts.Created != 3 {
		t.Fatalf("expected 3 contacts created, got %+v", summary.Contacts)
	}
	// One transaction per page carrying writes (two contact pages, no
	// appointment changes).
	if txCalls != 2 {
		t.Errorf("expected 2 transactional merges, got %d", txCalls)
	}
}

func TestRunCycle_SecondCycleWhileRunningIsRefused(t *testing.T) {
	e := newTestEngine(newMemRepo(), &fakeClinic{}, &fakeCRM{})
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.RunCycle(context.Background())
	if !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("expected ErrCycleRunning, got %v", err)
	}
}
