// Package remote provides the HTTP client for the attendance backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/attendsync/internal/errors"
	"github.com/kimhsiao/attendsync/internal/models"
)

const (
	// DefaultRequestTimeout bounds every authenticated call.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultProbeTimeout bounds the liveness probe.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultHealthPath is the liveness endpoint.
	DefaultHealthPath = "/health"

	scanPath  = "/attendance/scan"
	todayPath = "/attendance/today"

	// maxBodySize caps how much of a response is read.
	maxBodySize = 1 << 20
)

// Operation names passed to the Observer.
const (
	OpSubmit = "submit"
	OpProbe  = "probe"
	OpToday  = "today"
)

// Config holds backend connection configuration.
type Config struct {
	BaseURL        string
	HealthPath     string
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	UserAgent      string
}

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenRefresher obtains a fresh token after a 401.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Observer receives one call per completed request.
type Observer interface {
	ObserveRequest(op string, kind apperrors.ErrorKind, d time.Duration)
}

// Client talks to the attendance backend. It holds no per-scan state and is
// safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	tokens     TokenSource
	refresher  TokenRefresher
	observer   Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithRefresher sets the collaborator called once on a 401.
func WithRefresher(r TokenRefresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithObserver reports request outcomes, typically to metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// New creates a Client. Zero timeouts and an empty health path take defaults.
func New(config Config, opts ...Option) *Client {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.HealthPath == "" {
		config.HealthPath = DefaultHealthPath
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = "attendsync"
	}

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root the client was configured with.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// envelope is the backend's response wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *envelope) errorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

// scanRequest is the body of POST /attendance/scan.
type scanRequest struct {
	Code     string `json:"code"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// request describes one backend call.
type request struct {
	op      string
	method  string
	path    string
	body    []byte
	headers map[string]string
	timeout time.Duration
}

// do executes req with auth, the 401 refresh-and-retry-once rule and error
// classification. On success it returns the decoded envelope.
func (c *Client) do(ctx context.Context, req request) (env *envelope, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(req.op, apperrors.KindOf(err), time.Since(start))
		}
	}()

	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := c.roundTrip(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		if c.refresher == nil {
			return nil, apperrors.New(apperrors.ErrAuthExpired, "session expired")
		}
		token, err = c.refresher.Refresh(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrAuthExpired, "session expired", err)
		}
		status, body, err = c.roundTrip(ctx, req, token)
		if err != nil {
			return nil, err
		}
	}

	return decodeResponse(status, body)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrAuthExpired, "session expired", err)
	}
	return token, nil
}

// roundTrip sends one HTTP request. Only transport failures are returned as
// errors; every HTTP status is returned to the caller.
func (c *Client) roundTrip(ctx context.Context, req request, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.config.BaseURL+req.path, body)
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, transportError(err)
	}
	return resp.StatusCode, data, nil
}

func transportError(err error) *apperrors.AppError {
	if apperrors.IsTimeout(err) {
		return apperrors.Wrap(apperrors.ErrTransport, "request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrTransport, "network unavailable", err)
}

// decodeResponse classifies status and body into an envelope or an AppError.
func decodeResponse(status int, body []byte) (*envelope, error) {
	var env envelope
	parsed := json.Unmarshal(body, &env) == nil && env.Success != nil

	switch apperrors.Classify(status, nil) {
	case apperrors.KindAuth:
		return nil, &apperrors.AppError{Code: apperrors.ErrAuthExpired, Message: "session expired", Status: status}
	case apperrors.KindTransport:
		return nil, &apperrors.AppError{
			Code:    apperrors.ErrTransport,
			Message: fmt.Sprintf("server unavailable (%d)", status),
			Status:  status,
		}
	case apperrors.KindValidation:
		msg := http.StatusText(status)
		if parsed && env.errorMessage() != "" {
			msg = env.errorMessage()
		}
		return nil, &apperrors.AppError{Code: apperrors.CodeForStatus(status), Message: msg, Status: status}
	}

	if status < 200 || status > 299 {
		return nil, &apperrors.AppError{
			Code:    apperrors.ErrTransport,
			Message: fmt.Sprintf("unexpected status %d", status),
			Status:  status,
		}
	}
	// A 2xx that is not our envelope is usually a captive portal or proxy page.
	if !parsed {
		return nil, &apperrors.AppError{Code: apperrors.ErrTransport, Message: "invalid response from server", Status: status}
	}
	if !*env.Success {
		msg := env.errorMessage()
		if msg == "" {
			msg = "scan rejected"
		}
		return nil, &apperrors.AppError{Code: apperrors.ErrValidation, Message: msg, Status: status}
	}
	return &env, nil
}

// SubmitOne posts a single scan. The record ID is sent as Idempotency-Key so
// that a backend which deduplicates can recognise a retried scan.
func (c *Client) SubmitOne(ctx context.Context, rec models.ScanRecord) (*models.AttendanceConfirmation, error) {
	body, err := json.Marshal(scanRequest{
		Code:     rec.SourceCode,
		Location: rec.Location,
		Notes:    rec.Notes,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode scan", err)
	}

	headers := map[string]string{"Idempotency-Key": rec.ID}
	if !rec.CapturedAt.IsZero() {
		headers["X-Captured-At"] = rec.CapturedAt.UTC().Format(time.RFC3339)
	}

	env, err := c.do(ctx, request{
		op:      OpSubmit,
		method:  http.MethodPost,
		path:    scanPath,
		body:    body,
		headers: headers,
		timeout: c.config.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	var data scanData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrTransport, "invalid response from server", err)
		}
	}
	conf := data.confirmation(rec, env.Message)
	return &conf, nil
}

// Confirmed pairs a submitted record with the backend's confirmation.
type Confirmed struct {
	Record       models.ScanRecord
	Confirmation models.AttendanceConfirmation
}

// FailedRecord pairs a submitted record with why it failed.
type FailedRecord struct {
	Record models.ScanRecord
	Err    error
}

// Kind returns the failure class of the record's error.
func (f FailedRecord) Kind() apperrors.ErrorKind {
	return apperrors.KindOf(f.Err)
}

// BatchResult aggregates a SubmitBatch run.
type BatchResult struct {
	Succeeded []Confirmed
	Failed    []FailedRecord
}

// SubmitBatch submits records one at a time, in order. A record's failure
// does not stop the batch, except for an auth or internal failure or a
// cancelled ctx:
// then that record and the remaining ones are reported failed with the same
// error so they stay queued.
func (c *Client) SubmitBatch(ctx context.Context, records []models.ScanRecord) BatchResult {
	var result BatchResult
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			result.failRemaining(records[i:], apperrors.Wrap(apperrors.ErrTransport, "sync cancelled", err))
			break
		}

		conf, err := c.SubmitOne(ctx, rec)
		if err == nil {
			result.Succeeded = append(result.Succeeded, Confirmed{Record: rec, Confirmation: *conf})
			continue
		}
		if kind := apperrors.KindOf(err); kind == apperrors.KindAuth || kind == apperrors.KindInternal {
			result.failRemaining(records[i:], err)
			break
		}
		result.Failed = append(result.Failed, FailedRecord{Record: rec, Err: err})
	}
	return result
}

func (r *BatchResult) failRemaining(records []models.ScanRecord, err error) {
	for _, rec := range records {
		r.Failed = append(r.Failed, FailedRecord{Record: rec, Err: err})
	}
}

// ProbeLiveness reports whether the health endpoint answers 2xx within the
// probe timeout. It never returns an error.
func (c *Client) ProbeLiveness(ctx context.Context) bool {
	start := time.Now()
	kind := apperrors.KindTransport
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(OpProbe, kind, time.Since(start))
		}
	}()

	status, _, err := c.roundTrip(ctx, request{
		method:  http.MethodGet,
		path:    c.config.HealthPath,
		timeout: c.config.ProbeTimeout,
	}, "")
	if err != nil || status < 200 || status > 299 {
		return false
	}
	kind = apperrors.KindNone
	return true
}

// FetchToday returns today's attendance list and summary.
func (c *Client) FetchToday(ctx context.Context) (*TodayReport, error) {
	env, err := c.do(ctx, request{
		op:      OpToday,
		method:  http.MethodGet,
		path:    todayPath,
		timeout: c.config.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	var data todayData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "invalid response from server", err)
	}
	return data.report(), nil
}
