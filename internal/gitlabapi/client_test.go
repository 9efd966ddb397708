package gitlabapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type fakeDoer struct {
	responses []*http.Response
	errors    []error
	requests  []*http.Request
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	idx := len(d.requests)
	d.requests = append(d.requests, req)

	var resp *http.Response
	if idx < len(d.responses) {
		resp = d.responses[idx]
	}
	var err error
	if idx < len(d.errors) {
		err = d.errors[idx]
	}
	return resp, err
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestRequest(t *testing.T) *http.Request {
	t.Helper()

	req, err := http.NewRequestWithContext(
		context.Background(),
		http.MethodGet,
		"https://gitlab.test/api/v4/projects",
		nil,
	)
	if err != nil {
		t.Fatalf("NewRequestWithContext() unexpected error: %v", err)
	}
	return req
}

func TestClientDo(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		doer         *fakeDoer
		retry        RetryConfig
		wantAttempts int
		wantStatus   int
		wantErr      error
		wantAnyErr   bool
	}{
		{
			name: "succeeds_first_attempt",
			doer: &fakeDoer{
				responses: []*http.Response{newResponse(http.StatusOK, "[]")},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 1,
			wantStatus:   http.StatusOK,
		},
		{
			name: "retries_transient_5xx_and_succeeds",
			doer: &fakeDoer{
				responses: []*http.Response{
					newResponse(http.StatusInternalServerError, "boom"),
					newResponse(http.StatusOK, "[]"),
				},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 2,
			wantStatus:   http.StatusOK,
		},
		{
			name: "retries_transport_error_and_succeeds",
			doer: &fakeDoer{
				responses: []*http.Response{nil, newResponse(http.StatusOK, "[]")},
				errors:    []error{errors.New("connection reset"), nil},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 2,
			wantStatus:   http.StatusOK,
		},
		{
			name: "unauthorized_is_terminal",
			doer: &fakeDoer{
				responses: []*http.Response{newResponse(http.StatusUnauthorized, "denied")},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 1,
			wantErr:      ErrAuth,
		},
		{
			name: "forbidden_is_terminal",
			doer: &fakeDoer{
				responses: []*http.Response{newResponse(http.StatusForbidden, "denied")},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 1,
			wantErr:      ErrForbidden,
		},
		{
			name: "not_found_is_terminal",
			doer: &fakeDoer{
				responses: []*http.Response{newResponse(http.StatusNotFound, "missing")},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 1,
			wantErr:      ErrNotFound,
		},
		{
			name: "rate_limited_retries_then_fails",
			doer: &fakeDoer{
				responses: []*http.Response{
					newResponse(http.StatusTooManyRequests, ""),
					newResponse(http.StatusTooManyRequests, ""),
					newResponse(http.StatusTooManyRequests, ""),
				},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 3,
			wantErr:      ErrRateLimited,
		},
		{
			name: "persistent_transport_error_fails",
			doer: &fakeDoer{
				errors: []error{
					errors.New("connection reset"),
					errors.New("connection reset"),
					errors.New("connection reset"),
				},
			},
			retry:        RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second},
			wantAttempts: 3,
			wantAnyErr:   true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := NewClient(tc.doer, "token", tc.retry, 0)
			client.Sleep = func(time.Duration) {}

			resp, metadata, err := client.Do(newTestRequest(t))
			if resp != nil {
				_ = resp.Body.Close()
			}

			if metadata.Attempts != tc.wantAttempts {
				t.Fatalf("Do() attempts = %d, want %d", metadata.Attempts, tc.wantAttempts)
			}
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Do() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if tc.wantAnyErr {
				if err == nil {
					t.Fatalf("Do() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Do() unexpected error: %v", err)
			}
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("Do() status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestClientDoSetsPrivateToken(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{responses: []*http.Response{newResponse(http.StatusOK, "[]")}}
	client := NewClient(doer, "glpat-secret", RetryConfig{MaxAttempts: 1}, 0)
	client.Sleep = func(time.Duration) {}

	resp, _, err := client.Do(newTestRequest(t))
	if err != nil {
		t.Fatalf("Do() unexpected error: %v", err)
	}
	_ = resp.Body.Close()

	if len(doer.requests) != 1 {
		t.Fatalf("request count = %d, want 1", len(doer.requests))
	}
	if got := doer.requests[0].Header.Get("PRIVATE-TOKEN"); got != "glpat-secret" {
		t.Fatalf("PRIVATE-TOKEN header = %q, want %q", got, "glpat-secret")
	}
}

func TestClientDoBackoffSchedule(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{
		responses: []*http.Response{
			newResponse(http.StatusTooManyRequests, ""),
			newResponse(http.StatusTooManyRequests, ""),
			newResponse(http.StatusTooManyRequests, ""),
		},
	}
	client := NewClient(doer, "token", RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}, 100*time.Millisecond)

	var sleeps []time.Duration
	client.Sleep = func(d time.Duration) {
		sleeps = append(sleeps, d)
	}

	_, _, err := client.Do(newTestRequest(t))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Do() error = %v, want %v", err, ErrRateLimited)
	}

	// One courtesy pause per attempt, one doubling backoff per 429, the
	// exhausted final attempt included.
	want := []time.Duration{
		100 * time.Millisecond,
		time.Second,
		100 * time.Millisecond,
		2 * time.Second,
		100 * time.Millisecond,
		4 * time.Second,
	}
	if len(sleeps) != len(want) {
		t.Fatalf("Sleep calls = %d, want %d (%v)", len(sleeps), len(want), sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("Sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}

	var totalBackoff time.Duration
	for _, d := range sleeps {
		if d >= time.Second {
			totalBackoff += d
		}
	}
	if totalBackoff < 7*time.Second {
		t.Fatalf("total backoff sleep = %v, want >= 7s", totalBackoff)
	}
}

func TestClientDoHTTPErrorExcerpt(t *testing.T) {
	t.Parallel()

	longBody := strings.Repeat("x", 500)
	doer := &fakeDoer{
		responses: []*http.Response{newResponse(http.StatusBadGateway, longBody)},
	}
	client := NewClient(doer, "token", RetryConfig{MaxAttempts: 1}, 0)
	client.Sleep = func(time.Duration) {}

	_, _, err := client.Do(newTestRequest(t))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Do() error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("StatusCode = %d, want %d", httpErr.StatusCode, http.StatusBadGateway)
	}
	if len(httpErr.BodyExcerpt) != 200 {
		t.Fatalf("BodyExcerpt length = %d, want 200", len(httpErr.BodyExcerpt))
	}
}

func TestBackoffForAttempt(t *testing.T) {
	t.Parallel()

	client := NewClient(&fakeDoer{}, "token", RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
	}, 0)

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 3 * time.Second},
		{attempt: 4, want: 3 * time.Second},
	}
	for _, tc := range testCases {
		if got := client.backoffForAttempt(tc.attempt); got != tc.want {
			t.Fatalf("backoffForAttempt(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
