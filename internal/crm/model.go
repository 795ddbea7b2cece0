package crm

import (
	"strings"
	"time"
)

// Contact is the normalized CRM contact exchanged with the adapter.
type Contact struct {
	ID          string
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	Address1    string
	City        string
	PostalCode  string
	DateOfBirth string // YYYY-MM-DD
}

// Appointment is a CRM calendar booking. ClinicRef and PatientRef carry the
// clinic-side identifiers so the booking stays traceable from the CRM UI.
type Appointment struct {
	ID         string
	ContactID  string
	ClinicRef  string
	PatientRef string
	Start      time.Time
	End        time.Time
	Status     int
}

// statusLabel maps the clinic's numeric event status onto the CRM's
// appointment status vocabulary. Unknown codes default to confirmed, the
// status the practice books externally created events under.
func statusLabel(status int) string {
	switch status {
	case 1:
		return "scheduled"
	case 2:
		return "confirmed"
	case 3:
		return "in_progress"
	case 4:
		return "completed"
	default:
		return "confirmed"
	}
}

// CleanPhone normalizes a phone number to the E.164-ish form the CRM
// accepts. Returns "" when the number cannot be shaped into a valid form, in
// which case the field is omitted from payloads.
func CleanPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	for _, ch := range []string{" ", "-", "(", ")"} {
		phone = strings.ReplaceAll(phone, ch, "")
	}
	if phone == "" {
		return ""
	}
	if strings.HasPrefix(phone, "+") {
		if len(phone) > 1 && isDigits(phone[1:]) {
			return phone
		}
		return ""
	}
	if strings.HasPrefix(phone, "00") {
		return "+" + phone[2:]
	}
	if strings.HasPrefix(phone, "41") && len(phone) >= 10 {
		return "+" + phone
	}
	if strings.HasPrefix(phone, "0") && len(phone) >= 10 {
		return "+41" + phone[1:]
	}
	if isDigits(phone) && len(phone) >= 10 {
		return phone
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
