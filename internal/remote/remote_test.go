package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func respWithStatus(status int) *http.Response {
	return &http.Response{StatusCode: status, Header: http.Header{}}
}

func TestClassify_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, Unauthorized},
		{http.StatusNotFound, NotFound},
		{http.StatusTooManyRequests, RateLimited},
		{http.StatusBadRequest, Validation},
		{http.StatusUnprocessableEntity, Validation},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusServiceUnavailable, Transient},
	}

	for _, tc := range cases {
		e := Classify(respWithStatus(tc.status), "boom")
		if e.Kind != tc.kind {
			t.Errorf("status %d: expected kind %s, got %s", tc.status, tc.kind, e.Kind)
		}
		if e.Status != tc.status {
			t.Errorf("status %d: expected Status carried, got %d", tc.status, e.Status)
		}
	}
}

func TestClassify_RetryAfterHint(t *testing.T) {
	resp := respWithStatus(http.StatusTooManyRequests)
	resp.Header.Set("Retry-After", "30")

	e := Classify(resp, "slow down")
	if e.Kind != RateLimited {
		t.Fatalf("expected RateLimited, got %s", e.Kind)
	}
	if e.RetryAfter != 30*time.Second {
		t.Errorf("expected 30s retry hint, got %s", e.RetryAfter)
	}
}

func TestClassify_MalformedRetryAfterIgnored(t *testing.T) {
	resp := respWithStatus(http.StatusTooManyRequests)
	resp.Header.Set("Retry-After", "not-a-number")

	e := Classify(resp, "slow down")
	if e.RetryAfter != 0 {
		t.Errorf("expected zero retry hint, got %s", e.RetryAfter)
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("push contact: %w", &Error{Kind: Validation, Msg: "duplicate email"})
	if !IsKind(err, Validation) {
		t.Error("expected wrapped validation error to match")
	}
	if IsKind(err, Transient) {
		t.Error("validation error must not match Transient")
	}
	if IsKind(errors.New("plain"), Validation) {
		t.Error("plain error must not match any kind")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(&Error{Kind: Transient}) {
		t.Error("transient errors are retryable")
	}
	if !Retryable(&Error{Kind: RateLimited}) {
		t.Error("rate-limited errors are retryable")
	}
	if Retryable(&Error{Kind: Validation}) {
		t.Error("validation errors are not retryable")
	}
	if Retryable(&Error{Kind: Unauthorized}) {
		t.Error("auth errors are not retryable")
	}
	if !Retryable(errors.New("connection reset")) {
		t.Error("unclassified errors default to retryable")
	}
}

func TestPages_DrainsUntilEmpty(t *testing.T) {
	pages := map[int][]string{
		1: {"a", "b"},
		2: {"c"},
	}
	var calls []int
	p := NewPages(func(ctx context.Context, page int) ([]string, error) {
		calls = append(calls, page)
		return pages[page], nil
	})

	all, err := All(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 items, got %d", len(all))
	}
	// Pages 1, 2 and the empty page 3 that signals exhaustion.
	if len(calls) != 3 || calls[0] != 1 || calls[1] != 2 || calls[2] != 3 {
		t.Errorf("unexpected page sequence: %v", calls)
	}

	// Exhausted pager keeps reporting done without refetching.
	_, done, err := p.Next(context.Background())
	if err != nil || !done {
		t.Errorf("expected done after exhaustion, got done=%v err=%v", done, err)
	}
	if len(calls) != 3 {
		t.Errorf("exhausted pager must not refetch, calls: %v", calls)
	}
}

func TestPages_Reset(t *testing.T) {
	p := NewPages(func(ctx context.Context, page int) ([]int, error) {
		if page == 1 {
			return []int{page}, nil
		}
		return nil, nil
	})

	first, _ := All(context.Background(), p)
	p.Reset()
	second, _ := All(context.Background(), p)

	if len(first) != 1 || len(second) != 1 {
		t.Errorf("expected pager to be restartable, got %v then %v", first, second)
	}
}

func TestPages_ErrorStopsWithoutAdvancing(t *testing.T) {
	fail := true
	p := NewPages(func(ctx context.Context, page int) ([]string, error) {
		if fail {
			return nil, &Error{Kind: Transient, Msg: "timeout"}
		}
		if page == 1 {
			return []string{"x"}, nil
		}
		return nil, nil
	})

	_, done, err := p.Next(context.Background())
	if err == nil || done {
		t.Fatal("expected error from failing fetch")
	}

	// Retrying after the fault resumes from the same page.
	fail = false
	items, done, err := p.Next(context.Background())
	if err != nil || done {
		t.Fatalf("expected page 1 on retry, got done=%v err=%v", done, err)
	}
	if len(items) != 1 || items[0] != "x" {
		t.Errorf("expected page 1 contents, got %v", items)
	}
}
