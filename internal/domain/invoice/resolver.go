// Package invoice finds or creates the clinic billing document an
// appointment needs before it can be booked in the clinic calendar.
package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicsync/syncd/internal/clinic"
)

// ResolveError marks an invoice resolution failure. It is fatal for the one
// appointment being propagated: the appointment stays pending and nothing is
// retried by the resolver itself.
type ResolveError struct {
	PatientID string
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve invoice for patient %s: %v", e.PatientID, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Finder is the clinic invoice surface the resolver needs. Implemented by
// clinic.Client.
type Finder interface {
	FindOpenInvoices(ctx context.Context, patientID string, date time.Time) ([]clinic.Invoice, error)
	CreateInvoice(ctx context.Context, patientID string, date time.Time) (int64, error)
}

// Resolver implements find-or-create invoice resolution.
type Resolver struct {
	clinic Finder
	log    zerolog.Logger
}

// NewResolver builds a resolver over the clinic adapter.
func NewResolver(finder Finder, logger zerolog.Logger) *Resolver {
	return &Resolver{clinic: finder, log: logger.With().Str("component", "invoice").Logger()}
}

// Resolve returns the id of an open invoice for the patient, reusing an
// existing one when possible and creating one otherwise. Search order: open
// invoices around the appointment date, preferring a fully open one; then
// open invoices regardless of date; then creation. An already-open invoice
// is never duplicated.
func (r *Resolver) Resolve(ctx context.Context, patientID string, date time.Time) (int64, error) {
	invoices, err := r.clinic.FindOpenInvoices(ctx, patientID, date)
	if err != nil {
		r.log.Warn().Err(err).Str("patient_id", patientID).Msg("dated invoice lookup failed, trying without date")
	} else if id, ok := pickOpen(invoices); ok {
		r.log.Debug().Int64("invoice_id", id).Str("patient_id", patientID).Msg("reusing open invoice")
		return id, nil
	}

	// The dated query misses invoices booked under a different day; the
	// date-less query catches those.
	invoices, err = r.clinic.FindOpenInvoices(ctx, patientID, time.Time{})
	if err != nil {
		r.log.Warn().Err(err).Str("patient_id", patientID).Msg("open invoice lookup failed, attempting create")
	} else if id, ok := pickOpen(invoices); ok {
		r.log.Debug().Int64("invoice_id", id).Str("patient_id", patientID).Msg("reusing open invoice found without date filter")
		return id, nil
	}

	id, err := r.clinic.CreateInvoice(ctx, patientID, date)
	if err != nil {
		return 0, &ResolveError{PatientID: patientID, Err: err}
	}
	r.log.Info().Int64("invoice_id", id).Str("patient_id", patientID).Msg("invoice created")
	return id, nil
}

// pickOpen selects the invoice to reuse: a fully open one when available,
// any open one otherwise.
func pickOpen(invoices []clinic.Invoice) (int64, bool) {
	var fallback int64
	for _, inv := range invoices {
		if inv.FullyOpen() {
			return inv.ID, true
		}
		if fallback == 0 && inv.Open() {
			fallback = inv.ID
		}
	}
	if fallback != 0 {
		return fallback, true
	}
	return 0, false
}
