package clinic

import (
	"strings"
	"time"
)

// Patient is the normalized clinic patient exchanged with the adapter.
// Create calls may carry Ref, an opaque external reference echoed to the
// clinic API, so sync-created patients stay traceable.
type Patient struct {
	ID        string
	Ref       string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Street    string
	Zip       string
	City      string
	BirthDate string // YYYY-MM-DD
	Sex       string // "m" or "f"
	Active    bool
}

// Appointment is a clinic calendar event.
type Appointment struct {
	ID        string
	PatientID string
	Start     time.Time
	End       time.Time
	Status    int
	InvoiceID int64
}

// Invoice is the billing document the clinic system requires before an
// appointment can be created.
type Invoice struct {
	ID           int64
	Status       int
	StatusDetail int
}

// Open reports whether the invoice is still open for new positions.
// Status 0 means open; StatusDetail 0 means nothing was sent yet.
func (i Invoice) Open() bool {
	return i.Status == 0
}

// FullyOpen reports an invoice that is open and untouched.
func (i Invoice) FullyOpen() bool {
	return i.Status == 0 && i.StatusDetail == 0
}

// NormalizePhone canonicalizes a phone number for matching: strips spaces
// and dashes and rewrites the +41 country prefix to the local 0 form.
func NormalizePhone(phone string) string {
	if phone == "" {
		return ""
	}
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.ReplaceAll(phone, "-", "")
	if strings.HasPrefix(phone, "+41") {
		phone = "0" + phone[3:]
	}
	return phone
}
