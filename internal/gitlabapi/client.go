package gitlabapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swecha/gitlab-activity/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	privateTokenHeader    = "PRIVATE-TOKEN"
	defaultCourtesyDelay  = 100 * time.Millisecond
	defaultInitialBackoff = time.Second
	bodyExcerptLimit      = 200
)

// RetryConfig configures GitLab client retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for one client call.
type CallMetadata struct {
	Attempts   int
	LastStatus int
}

// Client wraps GitLab HTTP requests with token auth, a fixed courtesy delay,
// retry with exponential backoff on transient failures, and classification of
// terminal statuses into the package error taxonomy.
type Client struct {
	doer          HTTPDoer
	token         string
	retry         RetryConfig
	courtesyDelay time.Duration
	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
}

// NewClient creates a GitLab API client wrapper.
func NewClient(doer HTTPDoer, token string, retry RetryConfig, courtesyDelay time.Duration) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = defaultInitialBackoff
	}
	if courtesyDelay < 0 {
		courtesyDelay = 0
	}
	return &Client{
		doer:          doer,
		token:         token,
		retry:         retry,
		courtesyDelay: courtesyDelay,
		Sleep:         time.Sleep,
	}
}

// DefaultCourtesyDelay is the fixed inter-request pause applied before every
// call, independent of retry backoff.
func DefaultCourtesyDelay() time.Duration {
	return defaultCourtesyDelay
}

// Do executes one GET with retry. On success the response body is still open
// and the caller owns closing it. Terminal statuses (401/403/404) return the
// matching sentinel immediately; 429 and 5xx retry with doubling backoff until
// attempts exhaust.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("gitlab-activity/internal/gitlabapi").Start(
			ctx,
			"gitlabapi.client.do",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("gitlab.max_attempts", c.retry.MaxAttempts),
			),
		)
		defer span.End()
	}

	metadata := CallMetadata{}
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		metadata.Attempts = attempt

		if c.courtesyDelay > 0 {
			c.Sleep(c.courtesyDelay)
		}

		nextReq := req.Clone(ctx)
		if c.token != "" {
			nextReq.Header.Set(privateTokenHeader, c.token)
		}

		resp, err := c.doer.Do(nextReq)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("gitlab.attempt", attempt),
				))
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				if span != nil {
					span.SetStatus(codes.Error, ctxErr.Error())
				}
				return nil, metadata, ctxErr
			}
			// Connection errors and timeouts are transient.
			if attempt == c.retry.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, err.Error())
				}
				return nil, metadata, fmt.Errorf("request failed after %d attempts: %w", attempt, err)
			}
			c.Sleep(c.backoffForAttempt(attempt))
			continue
		}

		metadata.LastStatus = resp.StatusCode
		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("gitlab.attempt", attempt),
				attribute.Int("http.status_code", resp.StatusCode),
			))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if span != nil {
				span.SetStatus(codes.Ok, "request completed")
			}
			return resp, metadata, nil

		case resp.StatusCode == http.StatusUnauthorized:
			drainAndClose(resp)
			if span != nil {
				span.SetStatus(codes.Error, "authentication failed")
			}
			return nil, metadata, ErrAuth

		case resp.StatusCode == http.StatusForbidden:
			drainAndClose(resp)
			if span != nil {
				span.SetStatus(codes.Error, "access forbidden")
			}
			return nil, metadata, ErrForbidden

		case resp.StatusCode == http.StatusNotFound:
			drainAndClose(resp)
			if span != nil {
				span.SetStatus(codes.Error, "resource not found")
			}
			return nil, metadata, ErrNotFound

		case resp.StatusCode == http.StatusTooManyRequests:
			drainAndClose(resp)
			// Every 429 pays the backoff, the final one included.
			c.Sleep(c.backoffForAttempt(attempt))
			if attempt == c.retry.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, "rate limited")
				}
				return nil, metadata, fmt.Errorf("%w after %d attempts", ErrRateLimited, attempt)
			}

		default:
			excerpt := readBodyExcerpt(resp)
			if attempt == c.retry.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
				}
				return nil, metadata, &HTTPError{
					StatusCode:  resp.StatusCode,
					BodyExcerpt: excerpt,
				}
			}
			c.Sleep(c.backoffForAttempt(attempt))
		}
	}

	if span != nil {
		span.SetStatus(codes.Error, "request attempts exhausted")
	}
	return nil, metadata, errors.New("request attempts exhausted")
}

// backoffForAttempt doubles the initial backoff per attempt: initial, 2x, 4x.
func (c *Client) backoffForAttempt(attempt int) time.Duration {
	backoff := c.retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if c.retry.MaxBackoff > 0 && backoff > c.retry.MaxBackoff {
			return c.retry.MaxBackoff
		}
	}
	if c.retry.MaxBackoff > 0 && backoff > c.retry.MaxBackoff {
		return c.retry.MaxBackoff
	}
	return backoff
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, bodyExcerptLimit))
	_ = resp.Body.Close()
}

func readBodyExcerpt(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	excerpt, err := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit))
	if err != nil {
		return ""
	}
	return string(excerpt)
}
