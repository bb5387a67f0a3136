// Package scheduling wraps the remote scheduling engine's booking and
// availability API behind a uniform client with retry, backoff, and
// idempotency bookkeeping. The engine is an untrusted, sometimes-failing
// mirror; the local store stays authoritative.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 60 * time.Second
	defaultAttemptTimeout = 10 * time.Second
)

// RefLookup resolves an already-assigned remote reference for a local
// appointment id, so a retried create short-circuits to update semantics
// instead of producing a duplicate remote booking.
type RefLookup interface {
	ExternalRef(ctx context.Context, localID string) (string, bool, error)
}

type Config struct {
	BaseURL        string
	APIKey         string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	HTTPClient     *http.Client
}

type Client struct {
	baseURL        string
	apiKey         string
	httpc          *http.Client
	logger         *slog.Logger
	refs           RefLookup
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration

	// sleep is swappable so retry timing is testable without wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, refs RefLookup, logger *slog.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		httpc:          httpc,
		logger:         logger,
		refs:           refs,
		maxAttempts:    cfg.MaxAttempts,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		attemptTimeout: cfg.AttemptTimeout,
		sleep:          sleepCtx,
	}
}

type bookingRequest struct {
	Start        string            `json:"start"`
	End          string            `json:"end"`
	CustomerName string            `json:"customer_name"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type bookingResponse struct {
	UID string `json:"uid"`
}

// CreateBooking mirrors a local appointment into the engine and returns the
// remote reference. If the local id already carries a reference the call
// degrades to an update, keeping retried creates idempotent.
func (c *Client) CreateBooking(ctx context.Context, localID, customerName string, start, end time.Time) (string, error) {
	if c.refs != nil {
		ref, ok, err := c.refs.ExternalRef(ctx, localID)
		if err != nil {
			// Falling through to a fresh create here could duplicate the
			// remote booking, so the lookup failure is surfaced instead.
			return "", &Error{Op: "create_booking", Retryable: true, Err: fmt.Errorf("resolve external ref: %w", err)}
		}
		if ok && ref != "" {
			if err := c.UpdateBooking(ctx, ref, start, end); err != nil {
				return "", err
			}
			return ref, nil
		}
	}

	req := bookingRequest{
		Start:        start.UTC().Format(time.RFC3339),
		End:          end.UTC().Format(time.RFC3339),
		CustomerName: customerName,
		Metadata:     map[string]string{"appointment_id": localID},
	}
	var resp bookingResponse
	if err := c.do(ctx, "create_booking", http.MethodPost, "/bookings", req, &resp); err != nil {
		return "", err
	}
	if resp.UID == "" {
		return "", &Error{Op: "create_booking", Err: fmt.Errorf("engine returned empty booking uid")}
	}
	return resp.UID, nil
}

func (c *Client) UpdateBooking(ctx context.Context, ref string, start, end time.Time) error {
	req := bookingRequest{
		Start: start.UTC().Format(time.RFC3339),
		End:   end.UTC().Format(time.RFC3339),
	}
	return c.do(ctx, "update_booking", http.MethodPatch, "/bookings/"+ref, req, nil)
}

func (c *Client) DeleteBooking(ctx context.Context, ref string) error {
	return c.do(ctx, "delete_booking", http.MethodDelete, "/bookings/"+ref, nil, nil)
}

type availabilityWindow struct {
	Day   int    `json:"day"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type availabilityPayload struct {
	TimeZone string               `json:"time_zone"`
	Windows  []availabilityWindow `json:"windows"`
}

// PushAvailability replaces the engine-side weekly availability with the
// given configuration.
func (c *Client) PushAvailability(ctx context.Context, windows []model.AvailabilityWindow) error {
	payload := availabilityPayload{TimeZone: "UTC", Windows: make([]availabilityWindow, 0, len(windows))}
	for _, w := range windows {
		payload.Windows = append(payload.Windows, availabilityWindow{
			Day:   int(w.Day),
			Start: minuteClock(w.StartMinute),
			End:   minuteClock(w.EndMinute),
		})
	}
	return c.do(ctx, "push_availability", http.MethodPut, "/availability", payload, nil)
}

type dateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type availabilityRanges struct {
	DateRanges []dateRange `json:"date_ranges"`
}

// PullAvailability fetches the engine-side availability as concrete spans for
// the requested date range.
func (c *Client) PullAvailability(ctx context.Context, from, to time.Time) ([]timerange.Span, error) {
	path := fmt.Sprintf("/availability?dateFrom=%s&dateTo=%s",
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	var resp availabilityRanges
	if err := c.do(ctx, "pull_availability", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	spans := make([]timerange.Span, 0, len(resp.DateRanges))
	for _, r := range resp.DateRanges {
		start, err := time.Parse(time.RFC3339, r.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, r.End)
		if err != nil {
			continue
		}
		if end.After(start) {
			spans = append(spans, timerange.Span{Start: start, End: end})
		}
	}
	return spans, nil
}

// ReadyCheck probes the engine for /readyz wiring.
func (c *Client) ReadyCheck() func(context.Context) error {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("engine unhealthy: status %d", resp.StatusCode)
		}
		return nil
	}
}

// do runs one engine call with bounded retries. Transient failures (network
// errors, 429, 5xx) back off exponentially; rate limits honor the
// engine-specified delay when given. 4xx responses other than 429 are
// terminal immediately.
func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
	}

	var lastErr *Error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, lastErr.retryDelay(c.backoffDelay(attempt))); err != nil {
				return &Error{Op: op, Retryable: true, Err: err}
			}
		}

		status, respBody, err := c.attempt(ctx, method, path, payload)
		if err != nil {
			lastErr = &Error{Op: op, Retryable: true, Err: err}
			if c.logger != nil {
				c.logger.Warn("engine call failed", "op", op, "attempt", attempt+1, "err", err)
			}
			continue
		}

		switch {
		case status == http.StatusTooManyRequests:
			lastErr = &Error{Op: op, StatusCode: status, Retryable: true, Err: fmt.Errorf("rate limited")}
			lastErr.retryAfter = parseRetryAfter(respBody.header)
			if c.logger != nil {
				c.logger.Warn("engine rate limited", "op", op, "attempt", attempt+1)
			}
			continue
		case status >= 500:
			lastErr = &Error{Op: op, StatusCode: status, Retryable: true, Err: fmt.Errorf("server error")}
			if c.logger != nil {
				c.logger.Warn("engine server error", "op", op, "status", status, "attempt", attempt+1)
			}
			continue
		case status >= 400:
			return &Error{Op: op, StatusCode: status, Retryable: false, Err: fmt.Errorf("rejected by engine")}
		}

		if out != nil && len(respBody.data) > 0 {
			if err := json.Unmarshal(respBody.data, out); err != nil {
				return &Error{Op: op, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		return nil
	}
	return lastErr
}

type responseBody struct {
	data   []byte
	header http.Header
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) (int, responseBody, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, responseBody{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, responseBody{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, responseBody{}, err
	}
	return resp.StatusCode, responseBody{data: data, header: resp.Header}, nil
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func minuteClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
