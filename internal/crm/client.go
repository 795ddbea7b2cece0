// Package crm wraps the CRM's REST API. Every call is authenticated with an
// OAuth bearer token obtained from the credential manager; the adapter itself
// never refreshes or persists tokens.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicsync/syncd/internal/remote"
)

// apiVersion is the date-pinned API revision the CRM requires on every call.
const apiVersion = "2021-07-28"

// TokenSource supplies the current access token and location id. Implemented
// by the credential manager.
type TokenSource interface {
	Token(ctx context.Context) (accessToken, locationID string, err error)
}

// Config carries the CRM adapter settings.
type Config struct {
	BaseURL        string
	CalendarID     string
	AssignedUserID string
	PageSize       int
	Timeout        time.Duration
}

// Client is the CRM API adapter.
type Client struct {
	cfg    Config
	tokens TokenSource
	httpc  *http.Client
	log    zerolog.Logger
}

// NewClient builds a CRM adapter on top of a token source.
func NewClient(cfg Config, tokens TokenSource, logger zerolog.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		log:    logger.With().Str("component", "crm").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	token, _, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s %s payload: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", apiVersion)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return remote.WrapTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return remote.Classify(resp, errorMessage(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls the "message" field out of an error body when the CRM
// returns structured JSON, falling back to the raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(raw)
}

type contactWire struct {
	ID          string `json:"id"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Address1    string `json:"address1"`
	City        string `json:"city"`
	PostalCode  string `json:"postalCode"`
	DateOfBirth string `json:"dateOfBirth"`
}

func (w contactWire) toDomain() Contact {
	return Contact{
		ID:          w.ID,
		FirstName:   w.FirstName,
		LastName:    w.LastName,
		Email:       w.Email,
		Phone:       w.Phone,
		Address1:    w.Address1,
		City:        w.City,
		PostalCode:  w.PostalCode,
		DateOfBirth: w.DateOfBirth,
	}
}

// contactEnvelope tolerates both response shapes the CRM uses: the contact
// nested under "contact" or inlined at the top level.
type contactEnvelope struct {
	Contact *contactWire `json:"contact"`
	contactWire
}

func (e contactEnvelope) unwrap() contactWire {
	if e.Contact != nil {
		return *e.Contact
	}
	return e.contactWire
}

func contactPayload(ct Contact) map[string]any {
	name := ct.FirstName
	if ct.LastName != "" {
		if name != "" {
			name += " "
		}
		name += ct.LastName
	}
	if name == "" {
		name = "Unknown"
	}

	payload := map[string]any{
		"firstName": ct.FirstName,
		"lastName":  ct.LastName,
		"name":      name,
	}
	if ct.Email != "" {
		payload["email"] = ct.Email
	}
	if phone := CleanPhone(ct.Phone); phone != "" {
		payload["phone"] = phone
	}
	if ct.Address1 != "" {
		payload["address1"] = ct.Address1
	}
	if ct.City != "" {
		payload["city"] = ct.City
	}
	if ct.PostalCode != "" {
		payload["postalCode"] = ct.PostalCode
	}
	if ct.DateOfBirth != "" {
		payload["dateOfBirth"] = ct.DateOfBirth
	}
	return payload
}

// CreateContact creates a contact in the CRM and returns its id. The
// location id is injected from the credential record.
func (c *Client) CreateContact(ctx context.Context, ct Contact) (string, error) {
	_, locationID, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("obtain location id: %w", err)
	}
	payload := contactPayload(ct)
	payload["locationId"] = locationID

	var env contactEnvelope
	if err := c.do(ctx, http.MethodPost, "/contacts/", nil, payload, &env); err != nil {
		return "", fmt.Errorf("create contact: %w", err)
	}
	created := env.unwrap()
	if created.ID == "" {
		return "", &remote.Error{Kind: remote.Transient, Msg: "create contact response missing id"}
	}
	return created.ID, nil
}

// UpdateContact overwrites the mutable fields of a contact. The location id
// is not sent on updates.
func (c *Client) UpdateContact(ctx context.Context, id string, ct Contact) error {
	if err := c.do(ctx, http.MethodPut, "/contacts/"+id, nil, contactPayload(ct), nil); err != nil {
		return fmt.Errorf("update contact %s: %w", id, err)
	}
	return nil
}

// GetContact fetches a contact by id. A nil contact means it does not exist.
func (c *Client) GetContact(ctx context.Context, id string) (*Contact, error) {
	var env contactEnvelope
	err := c.do(ctx, http.MethodGet, "/contacts/"+id, nil, nil, &env)
	if remote.IsKind(err, remote.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	ct := env.unwrap().toDomain()
	return &ct, nil
}

// ListContacts returns a pager over the location's contacts, using the CRM's
// startAfterId cursor.
func (c *Client) ListContacts(ctx context.Context) *remote.Pages[Contact] {
	var cursor string
	return remote.NewPages(func(ctx context.Context, page int) ([]Contact, error) {
		if page == 1 {
			cursor = ""
		}
		_, locationID, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain location id: %w", err)
		}
		q := url.Values{}
		q.Set("locationId", locationID)
		q.Set("limit", strconv.Itoa(c.cfg.PageSize))
		if cursor != "" {
			q.Set("startAfterId", cursor)
		}

		var body struct {
			Contacts []contactWire `json:"contacts"`
		}
		if err := c.do(ctx, http.MethodGet, "/contacts/", q, nil, &body); err != nil {
			return nil, err
		}
		if len(body.Contacts) == 0 {
			return nil, nil
		}
		cursor = body.Contacts[len(body.Contacts)-1].ID

		out := make([]Contact, 0, len(body.Contacts))
		for _, w := range body.Contacts {
			out = append(out, w.toDomain())
		}
		return out, nil
	})
}

// CreateAppointment books a calendar appointment for a contact and returns
// the CRM appointment id.
func (c *Client) CreateAppointment(ctx context.Context, a Appointment) (string, error) {
	if a.ContactID == "" {
		return "", &remote.Error{Kind: remote.Validation, Msg: "appointment missing contact id"}
	}
	_, locationID, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("obtain location id: %w", err)
	}

	title := "Physio Appointment"
	if a.ClinicRef != "" {
		title = fmt.Sprintf("Physio Appointment #%s", a.ClinicRef)
	}

	payload := map[string]any{
		"title":                    title,
		"meetingLocationType":      "custom",
		"meetingLocationId":        "custom_0",
		"overrideLocationConfig":   true,
		"appointmentStatus":        statusLabel(a.Status),
		"assignedUserId":           c.cfg.AssignedUserID,
		"description":              fmt.Sprintf("Physiotherapy appointment for patient %s", a.PatientRef),
		"address":                  "Zoom",
		"ignoreDateRange":          false,
		"toNotify":                 false,
		"ignoreFreeSlotValidation": true,
		"calendarId":               c.cfg.CalendarID,
		"locationId":               locationID,
		"contactId":                a.ContactID,
		"startTime":                a.Start.UTC().Format(time.RFC3339),
		"endTime":                  a.End.UTC().Format(time.RFC3339),
	}

	var env struct {
		Appointment *struct {
			ID string `json:"id"`
		} `json:"appointment"`
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/calendars/events/appointments", nil, payload, &env); err != nil {
		return "", fmt.Errorf("create appointment: %w", err)
	}
	if env.Appointment != nil && env.Appointment.ID != "" {
		return env.Appointment.ID, nil
	}
	if env.ID == "" {
		return "", &remote.Error{Kind: remote.Transient, Msg: "create appointment response missing id"}
	}
	return env.ID, nil
}
