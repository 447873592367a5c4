package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/attendsync/internal/errors"
	"github.com/kimhsiao/attendsync/internal/models"
)

func testRecord(id, code string) models.ScanRecord {
	return models.ScanRecord{
		ID:         id,
		SourceCode: code,
		SubjectID:  code,
		Location:   "Gate A",
		CapturedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		SyncState:  models.SyncStatePending,
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

const okScan = `{"success":true,"data":{
	"attendance":{"_id":"att-1","status":"present","checkInTime":"2026-03-02T08:00:05Z"},
	"subject":{"employeeId":"EMP-001","firstName":"Ana","lastName":"Lima"},
	"message":"Check-in recorded"}}`

// =====================================================
// SubmitOne Tests
// =====================================================

// TestSubmitOne_success verifies the request shape and decoded confirmation.
func TestSubmitOne_success(t *testing.T) {
	var got struct {
		method, path, auth, idem, contentType string
		body                                  map[string]string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.idem = r.Header.Get("Idempotency-Key")
		got.contentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&got.body)
		writeJSON(w, http.StatusCreated, okScan)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api/"}, WithTokenSource(StaticToken("tok-1")))
	rec := testRecord("rec-1", "EMP-001")
	rec.Notes = "visitor badge"

	conf, err := c.SubmitOne(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/attendance/scan", got.path)
	assert.Equal(t, "Bearer tok-1", got.auth)
	assert.Equal(t, "rec-1", got.idem)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, map[string]string{"code": "EMP-001", "location": "Gate A", "notes": "visitor badge"}, got.body)

	assert.Equal(t, "att-1", conf.AttendanceID)
	assert.Equal(t, "rec-1", conf.RecordID)
	assert.Equal(t, "EMP-001", conf.SubjectID)
	assert.Equal(t, "Ana Lima", conf.SubjectName)
	assert.Equal(t, models.StatusPresent, conf.Status)
	assert.Equal(t, "Check-in recorded", conf.Message)
	assert.True(t, conf.RecordedAt.Equal(time.Date(2026, 3, 2, 8, 0, 5, 0, time.UTC)))
}

// TestSubmitOne_omitsEmptyOptionals verifies location and notes are optional.
func TestSubmitOne_omitsEmptyOptionals(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"attendance":{"status":"late"}}}`)
	}))
	defer srv.Close()

	rec := testRecord("rec-2", "EMP-002")
	rec.Location = ""

	conf, err := New(Config{BaseURL: srv.URL}).SubmitOne(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLate, conf.Status)
	assert.Equal(t, "EMP-002", conf.SubjectID, "falls back to the record's subject")
	assert.Equal(t, map[string]interface{}{"code": "EMP-002"}, raw)
}

// TestSubmitOne_classification covers the status-code table.
func TestSubmitOne_classification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apperrors.ErrorKind
		wantCode apperrors.ErrorCode
		wantMsg  string
	}{
		{"conflict", 409, `{"success":false,"error":{"message":"Attendance already recorded"}}`,
			apperrors.KindValidation, apperrors.ErrDuplicate, "Attendance already recorded"},
		{"not found", 404, `{"success":false,"error":{"message":"Employee not found"}}`,
			apperrors.KindValidation, apperrors.ErrNotFound, "Employee not found"},
		{"bad request without envelope", 400, `nope`,
			apperrors.KindValidation, apperrors.ErrMalformed, "Bad Request"},
		{"top-level message", 422, `{"success":false,"message":"Invalid QR code"}`,
			apperrors.KindValidation, apperrors.ErrMalformed, "Invalid QR code"},
		{"forbidden", 403, `{"success":false,"error":{"message":"Scanner disabled"}}`,
			apperrors.KindValidation, apperrors.ErrValidation, "Scanner disabled"},
		{"server error", 500, `{"success":false,"error":{"message":"db down"}}`,
			apperrors.KindTransport, apperrors.ErrTransport, "server unavailable (500)"},
		{"bad gateway html", 502, `<html>bad gateway</html>`,
			apperrors.KindTransport, apperrors.ErrTransport, "server unavailable (502)"},
		{"rate limited", 429, ``,
			apperrors.KindTransport, apperrors.ErrTransport, "server unavailable (429)"},
		{"2xx captive portal", 200, `<html>login to wifi</html>`,
			apperrors.KindTransport, apperrors.ErrTransport, "invalid response from server"},
		{"2xx success false", 200, `{"success":false,"error":{"message":"Outside check-in window"}}`,
			apperrors.KindValidation, apperrors.ErrValidation, "Outside check-in window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}).SubmitOne(context.Background(), testRecord("r", "EMP-001"))
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperrors.KindOf(err))
			assert.True(t, apperrors.Is(err, tt.wantCode), "code of %v", err)
			assert.Equal(t, tt.wantMsg, apperrors.Message(err))
		})
	}
}

// TestSubmitOne_connectionRefused verifies network errors are transport-class.
func TestSubmitOne_connectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: url}).SubmitOne(context.Background(), testRecord("r", "EMP-001"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTransport, apperrors.KindOf(err))
	assert.Equal(t, "network unavailable", apperrors.Message(err))
}

// TestSubmitOne_timeout verifies the request timeout applies.
func TestSubmitOne_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.SubmitOne(context.Background(), testRecord("r", "EMP-001"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, apperrors.KindTransport, apperrors.KindOf(err))
	assert.Equal(t, "request timed out", apperrors.Message(err))
}

// =====================================================
// Auth Tests
// =====================================================

type fakeRefresher struct {
	calls atomic.Int32
	token string
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) (string, error) {
	f.calls.Add(1)
	return f.token, f.err
}

// TestSubmitOne_refreshOn401 verifies one refresh and one retry.
func TestSubmitOne_refreshOn401(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, `{"success":false,"error":{"message":"jwt expired"}}`)
			return
		}
		writeJSON(w, http.StatusOK, okScan)
	}))
	defer srv.Close()

	ref := &fakeRefresher{token: "fresh"}
	c := New(Config{BaseURL: srv.URL}, WithTokenSource(StaticToken("stale")), WithRefresher(ref))

	_, err := c.SubmitOne(context.Background(), testRecord("r", "EMP-001"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, seen)
}

// TestSubmitOne_authExpired covers refresh failure and a second 401.
func TestSubmitOne_authExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"success":false}`)
	}))
	defer srv.Close()

	tests := []struct {
		name      string
		refresher TokenRefresher
		wantCalls int32
	}{
		{"no refresher", nil, 0},
		{"refresh fails", &fakeRefresher{err: errors.New("refresh token revoked")}, 1},
		{"still unauthorized", &fakeRefresher{token: "other"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithTokenSource(StaticToken("stale"))}
			if tt.refresher != nil {
				opts = append(opts, WithRefresher(tt.refresher))
			}
			_, err := New(Config{BaseURL: srv.URL}, opts...).SubmitOne(context.Background(), testRecord("r", "EMP-001"))
			require.Error(t, err)
			assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
			assert.Equal(t, "session expired", apperrors.Message(err))
			if f, ok := tt.refresher.(*fakeRefresher); ok {
				assert.Equal(t, tt.wantCalls, f.calls.Load())
			}
		})
	}
}

type failingTokens struct{}

func (failingTokens) Token(context.Context) (string, error) {
	return "", errors.New("keyring locked")
}

// TestSubmitOne_tokenSourceError verifies a missing token is an auth failure.
func TestSubmitOne_tokenSourceError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}, WithTokenSource(failingTokens{})).
		SubmitOne(context.Background(), testRecord("r", "EMP-001"))
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
	assert.Zero(t, hits.Load())
}

// =====================================================
// SubmitBatch Tests
// =====================================================

// TestSubmitBatch_partial verifies per-record results in order.
func TestSubmitBatch_partial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body scanRequest
		json.NewDecoder(r.Body).Decode(&body)
		switch body.Code {
		case "DUP":
			writeJSON(w, http.StatusConflict, `{"success":false,"error":{"message":"already recorded"}}`)
		case "DOWN":
			writeJSON(w, http.StatusServiceUnavailable, ``)
		default:
			writeJSON(w, http.StatusOK, `{"success":true,"data":{"attendance":{"status":"present"}}}`)
		}
	}))
	defer srv.Close()

	records := []models.ScanRecord{
		testRecord("1", "EMP-001"),
		testRecord("2", "DUP"),
		testRecord("3", "EMP-003"),
		testRecord("4", "DOWN"),
		testRecord("5", "EMP-005"),
	}

	res := New(Config{BaseURL: srv.URL}).SubmitBatch(context.Background(), records)

	require.Len(t, res.Succeeded, 3)
	assert.Equal(t, "1", res.Succeeded[0].Record.ID)
	assert.Equal(t, "3", res.Succeeded[1].Record.ID)
	assert.Equal(t, "5", res.Succeeded[2].Record.ID)

	require.Len(t, res.Failed, 2)
	assert.Equal(t, "2", res.Failed[0].Record.ID)
	assert.Equal(t, apperrors.KindValidation, res.Failed[0].Kind())
	assert.Equal(t, "4", res.Failed[1].Record.ID)
	assert.Equal(t, apperrors.KindTransport, res.Failed[1].Kind())
}

// TestSubmitBatch_authStops verifies an auth failure keeps the rest queued.
func TestSubmitBatch_authStops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			writeJSON(w, http.StatusOK, `{"success":true,"data":{}}`)
			return
		}
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}))
	defer srv.Close()

	records := []models.ScanRecord{testRecord("1", "A"), testRecord("2", "B"), testRecord("3", "C")}
	res := New(Config{BaseURL: srv.URL}).SubmitBatch(context.Background(), records)

	assert.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Equal(t, apperrors.KindAuth, f.Kind())
	}
	assert.Equal(t, int32(2), hits.Load())
}

// TestSubmitBatch_cancelled verifies remaining records fail as transport.
func TestSubmitBatch_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			writeJSON(w, http.StatusOK, `{"success":true,"data":{}}`)
			return
		}
		// Cancel mid-request and hold the response until the client gives up.
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	records := []models.ScanRecord{testRecord("1", "A"), testRecord("2", "B"), testRecord("3", "C")}
	res := New(Config{BaseURL: srv.URL}).SubmitBatch(ctx, records)

	assert.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "2", res.Failed[0].Record.ID)
	assert.Equal(t, "3", res.Failed[1].Record.ID)
	for _, f := range res.Failed {
		assert.Equal(t, apperrors.KindTransport, f.Kind())
	}
	assert.Equal(t, int32(2), hits.Load())
}

// TestSubmitBatch_badBaseURL verifies a request that cannot be built is an
// internal failure that stops the batch instead of a retryable one.
func TestSubmitBatch_badBaseURL(t *testing.T) {
	records := []models.ScanRecord{testRecord("1", "A"), testRecord("2", "B")}
	res := New(Config{BaseURL: "http://bad host"}).SubmitBatch(context.Background(), records)

	assert.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Equal(t, apperrors.KindInternal, f.Kind())
	}
}

// TestSubmitBatch_empty verifies no requests for an empty batch.
func TestSubmitBatch_empty(t *testing.T) {
	res := New(Config{BaseURL: "http://127.0.0.1:1"}).SubmitBatch(context.Background(), nil)
	assert.Empty(t, res.Succeeded)
	assert.Empty(t, res.Failed)
}

// =====================================================
// ProbeLiveness / FetchToday Tests
// =====================================================

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	kinds []apperrors.ErrorKind
}

func (o *recordingObserver) ObserveRequest(op string, kind apperrors.ErrorKind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, op)
	o.kinds = append(o.kinds, kind)
}

// TestProbeLiveness verifies health checks skip auth and never error.
func TestProbeLiveness(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
		if r.URL.Path != "/healthz" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	c := New(Config{BaseURL: srv.URL, HealthPath: "/healthz"}, WithTokenSource(StaticToken("t")), WithObserver(obs))

	assert.True(t, c.ProbeLiveness(context.Background()))
	healthy.Store(false)
	assert.False(t, c.ProbeLiveness(context.Background()))
	assert.False(t, sawAuth.Load())

	srv.Close()
	assert.False(t, c.ProbeLiveness(context.Background()))

	assert.Equal(t, []string{OpProbe, OpProbe, OpProbe}, obs.calls)
	assert.Equal(t, []apperrors.ErrorKind{apperrors.KindNone, apperrors.KindTransport, apperrors.KindTransport}, obs.kinds)
}

// TestFetchToday verifies the list and summary are decoded.
func TestFetchToday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/today", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"success":true,"data":{
			"attendance":[
				{"_id":"a1","status":"present","checkInTime":"2026-03-02T07:55:00Z","employee":{"employeeId":"EMP-001","name":"Ana"}},
				{"_id":"a2","status":"late","checkInTime":"2026-03-02T09:20:00Z","employee":{"employeeId":"EMP-002","name":"Ben"}}],
			"summary":{"total":2,"present":1,"late":1,"onTime":1}}}`)
	}))
	defer srv.Close()

	report, err := New(Config{BaseURL: srv.URL}).FetchToday(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TodaySummary{Total: 2, Present: 1, Late: 1, OnTime: 1}, report.Summary)
	require.Len(t, report.Attendance, 2)
	assert.Equal(t, "EMP-002", report.Attendance[1].SubjectID)
	assert.Equal(t, models.StatusLate, report.Attendance[1].Status)
	assert.Equal(t, "Ana", report.Attendance[0].SubjectName)
}

// TestFetchToday_missingData verifies an empty data object is a transport error.
func TestFetchToday_missingData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true}`)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).FetchToday(context.Background())
	assert.Equal(t, apperrors.KindTransport, apperrors.KindOf(err))
}

// TestParseStatus verifies status mapping.
func TestParseStatus(t *testing.T) {
	assert.Equal(t, models.StatusLate, ParseStatus("LATE"))
	assert.Equal(t, models.StatusPresent, ParseStatus("present"))
	assert.Equal(t, models.StatusPresent, ParseStatus("on-time"))
	assert.Equal(t, models.StatusPresent, ParseStatus(""))
}
