// Package remote holds the error taxonomy and pagination helpers shared by
// the clinic and CRM API adapters.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a remote API failure. The sync engine and the inbound
// dispatcher branch on it to decide between retrying, dead-lettering and
// escalating.
type Kind int

const (
	// Transient covers network failures, timeouts and 5xx responses. Safe
	// to retry on a later cycle with no record mutation.
	Transient Kind = iota
	// RateLimited means the remote asked us to back off. Retryable, with an
	// optional Retry-After hint.
	RateLimited
	// Unauthorized means the credentials were rejected. Escalates to the
	// token lifecycle manager.
	Unauthorized
	// Validation means the remote rejected the record as shaped. Permanent
	// for this payload; retrying without changing it cannot succeed.
	Validation
	// NotFound means the resource does not exist on the remote side.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Unauthorized:
		return "unauthorized"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is the typed failure returned by both adapters.
type Error struct {
	Kind       Kind
	Status     int
	Msg        string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Msg)
}

// IsKind reports whether err is a remote Error of the given kind.
func IsKind(err error, k Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == k
}

// Retryable reports whether err is worth retrying on a later attempt.
// Transient and rate-limit failures qualify; validation and auth failures
// do not.
func Retryable(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		// Unclassified errors are treated as transient so nothing gets
		// silently dropped.
		return true
	}
	return re.Kind == Transient || re.Kind == RateLimited
}

// Classify maps an HTTP response status to a typed Error. The Retry-After
// header, when present on a 429, is carried as a backoff hint.
func Classify(resp *http.Response, msg string) *Error {
	e := &Error{Status: resp.StatusCode, Msg: msg}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		e.Kind = Unauthorized
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = NotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = RateLimited
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		e.Kind = Validation
	default:
		e.Kind = Transient
	}
	return e
}

// WrapTransport converts a transport-level error (connection refused,
// timeout, cancelled context) into a Transient remote Error.
func WrapTransport(err error) *Error {
	return &Error{Kind: Transient, Msg: err.Error()}
}

// PageFunc fetches one page of results. Returning an empty slice signals
// exhaustion.
type PageFunc[T any] func(ctx context.Context, page int) ([]T, error)

// Pages is a lazy, restartable pager over a remote list endpoint. Consumers
// call Next until done is true; Reset rewinds to the first page.
type Pages[T any] struct {
	fetch PageFunc[T]
	page  int
	done  bool
}

// NewPages builds a pager around fetch. The fetch function is called with
// ascending page numbers starting at 1.
func NewPages[T any](fetch PageFunc[T]) *Pages[T] {
	return &Pages[T]{fetch: fetch, page: 1}
}

// Next returns the next page of items. done is true once the sequence is
// exhausted; the accompanying slice is then empty.
func (p *Pages[T]) Next(ctx context.Context) ([]T, bool, error) {
	if p.done {
		return nil, true, nil
	}
	items, err := p.fetch(ctx, p.page)
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		p.done = true
		return nil, true, nil
	}
	p.page++
	return items, false, nil
}

// Reset rewinds the pager to the first page.
func (p *Pages[T]) Reset() {
	p.page = 1
	p.done = false
}

// All drains the pager and returns every remaining item.
func All[T any](ctx context.Context, p *Pages[T]) ([]T, error) {
	var out []T
	for {
		items, done, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return out, nil
		}
		out = append(out, items...)
	}
}
