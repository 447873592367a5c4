package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/kimhsiao/attendsync/internal/errors"
	"github.com/kimhsiao/attendsync/internal/logging"
	"github.com/kimhsiao/attendsync/internal/models"
	"github.com/kimhsiao/attendsync/internal/payload"
	"github.com/kimhsiao/attendsync/internal/remote"
	"github.com/kimhsiao/attendsync/internal/sync/queue"
	"github.com/kimhsiao/attendsync/internal/sync/scheduler"
	"github.com/kimhsiao/attendsync/internal/telemetry"
	"github.com/kimhsiao/attendsync/internal/uuid"
)

// User-visible messages.
const (
	MessageQueuedOffline  = "Scan saved offline. Will sync when online"
	MessageQueueEmpty     = "No offline scans to sync"
	MessageOffline        = "Device is offline"
	MessageSessionExpired = "session expired"
	MessageQueueCleared   = "Offline queue cleared"
	MessageLoggedOut      = "Logged out"

	warningNotPersisted = "Scan could not be saved on this device and may be lost if the app closes"
	errInternal         = "internal error"
)

// Outcome is the final state of a Scan.
type Outcome string

const (
	OutcomeSucceeded     Outcome = telemetry.OutcomeSucceeded
	OutcomeQueuedOffline Outcome = telemetry.OutcomeQueuedOffline
	OutcomeRejected      Outcome = telemetry.OutcomeRejected
	OutcomeAuthExpired   Outcome = telemetry.OutcomeAuthExpired
	OutcomeFailed        Outcome = telemetry.OutcomeFailed
)

// SyncStatus represents the current drain status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Result is what every public operation resolves to. Exactly one of Message
// or Error is meaningful, as indicated by Success.
type Result struct {
	Success      bool                           `json:"success"`
	Message      string                         `json:"message,omitempty"`
	Error        string                         `json:"error,omitempty"`
	Warning      string                         `json:"warning,omitempty"`
	Outcome      Outcome                        `json:"outcome,omitempty"`
	Confirmation *models.AttendanceConfirmation `json:"confirmation,omitempty"`
	Synced       int                            `json:"synced,omitempty"`
	Failed       int                            `json:"failed,omitempty"`
}

// StateSnapshot is the reactive state read by UI screens.
type StateSnapshot struct {
	PendingCount int                      `json:"pendingCount"`
	IsOnline     bool                     `json:"isOnline"`
	Connectivity models.ConnectivityState `json:"connectivity"`
	History      []models.HistoryEntry    `json:"history"`
	Summary      models.DailySummary      `json:"summary"`
	Status       SyncStatus               `json:"status"`
	LastSync     *time.Time               `json:"lastSync,omitempty"`
	LastError    string                   `json:"lastError,omitempty"`
}

// Remote is the backend client used by the orchestrator.
type Remote interface {
	SubmitOne(ctx context.Context, rec models.ScanRecord) (*models.AttendanceConfirmation, error)
	SubmitBatch(ctx context.Context, records []models.ScanRecord) remote.BatchResult
	FetchToday(ctx context.Context) (*remote.TodayReport, error)
}

// Monitor is the connectivity signal. *connectivity.Monitor implements it.
type Monitor interface {
	IsOnline() bool
	State() models.ConnectivityState
	Subscribe() (<-chan models.ConnectivityState, func())
	Start(ctx context.Context)
	Stop()
}

// Config holds orchestrator configuration.
type Config struct {
	HistoryLimit      int               // Confirmed scans kept in memory (default: 200)
	RefreshAfterDrain bool              // Reload history and summary from the backend after a drain that synced records
	Scheduler         *scheduler.Config // Background drain loop
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		HistoryLimit:      200,
		RefreshAfterDrain: true,
		Scheduler:         scheduler.DefaultConfig(),
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for capture times and the summary date.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics records scan and drain metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogoutHook runs after Logout has cleared local state, for example to
// drop the stored session token.
func WithLogoutHook(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.onLogout = fn }
}

// Orchestrator drives the scan state machine and owns the offline queue,
// history and daily summary. It is the only writer of the queue.
type Orchestrator struct {
	remote    Remote
	store     queue.Store
	monitor   Monitor
	scheduler *scheduler.Scheduler
	metrics   *telemetry.Metrics
	now       func() time.Time
	onLogout  func(ctx context.Context) error

	historyLimit      int
	refreshAfterDrain bool

	// mu serialises queue mutations and guards the in-memory state.
	mu       gosync.Mutex
	history  []models.HistoryEntry // newest first
	summary  models.DailySummary
	pending  int
	status   SyncStatus
	lastSync *time.Time
	lastErr  error

	handlerMu gosync.RWMutex
	handler   SyncEventHandler

	flight singleflight.Group

	runMu     gosync.Mutex
	isRunning bool
	runCtx    context.Context // ctx given to Start, reused by Logout
	stopCh    chan struct{}
	wg        gosync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. A nil monitor treats the device
// as always online.
func NewOrchestrator(client Remote, store queue.Store, monitor Monitor, config *Config, opts ...Option) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	limit := config.HistoryLimit
	if limit <= 0 {
		limit = DefaultConfig().HistoryLimit
	}

	o := &Orchestrator{
		remote:            client,
		store:             store,
		monitor:           monitor,
		now:               time.Now,
		historyLimit:      limit,
		refreshAfterDrain: config.RefreshAfterDrain,
		status:            SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.summary = models.DailySummary{Date: models.SummaryDate(o.now())}

	var online scheduler.OnlineSignal
	if monitor != nil {
		online = monitor
	}
	o.scheduler = scheduler.New(o, online, config.Scheduler)
	return o
}

// Scheduler returns the background drain loop.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler {
	return o.scheduler
}

// SetEventHandler sets the event handler for state notifications.
func (o *Orchestrator) SetEventHandler(handler SyncEventHandler) {
	o.handlerMu.Lock()
	defer o.handlerMu.Unlock()
	o.handler = handler
}

// emitEvent delivers an event. It must not be called with mu held.
func (o *Orchestrator) emitEvent(eventType SyncEventType, data interface{}) {
	o.handlerMu.RLock()
	handler := o.handler
	o.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Event handler panicked", map[string]interface{}{
				"event": string(eventType),
				"panic": r,
			})
		}
	}()
	handler.OnSyncEvent(SyncEvent{Type: eventType, Timestamp: o.now(), Data: data})
}

// locked runs fn with mu held, releasing it even if fn panics.
func (o *Orchestrator) locked(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func (o *Orchestrator) emitState() {
	o.emitEvent(SyncEventStateChanged, o.Snapshot())
}

// recoverResult turns a panic inside a public operation into a failed Result.
func recoverResult(op string, res *Result) {
	if r := recover(); r != nil {
		logging.ErrorWithCode("Recovered from panic", string(apperrors.ErrInternal), fmt.Errorf("%v", r),
			map[string]interface{}{"operation": op})
		*res = Result{Success: false, Error: errInternal}
	}
}

// =====================================================
// Lifecycle
// =====================================================

// Restore reads the persisted queue so PendingCount is accurate after a
// restart, and arms the drain loop if scans are waiting.
func (o *Orchestrator) Restore(ctx context.Context) error {
	var n int
	var err error
	o.locked(func() {
		n, err = o.store.Len(ctx)
		if err == nil {
			o.pending = n
		}
	})
	if err != nil {
		logging.ErrorWithCode("Failed to read offline queue", string(apperrors.ErrStorage), err, nil)
		return err
	}

	o.metrics.SetQueueDepth(n)
	if n > 0 {
		o.scheduler.Arm()
		logging.Info("Restored offline queue", map[string]interface{}{"pending": n})
	}
	return nil
}

// Start restores the queue and starts the connectivity monitor and the
// drain loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	if o.isRunning {
		o.runMu.Unlock()
		return
	}
	o.isRunning = true
	o.runCtx = ctx
	o.stopCh = make(chan struct{})
	stopCh := o.stopCh
	o.runMu.Unlock()

	_ = o.Restore(ctx)

	if o.monitor != nil {
		updates, unsubscribe := o.monitor.Subscribe()
		o.wg.Add(1)
		go o.forwardConnectivity(ctx, stopCh, updates, unsubscribe)
		o.monitor.Start(ctx)
	}
	o.scheduler.Start(ctx)

	logging.Info("Sync orchestrator started", map[string]interface{}{
		"pending": o.PendingCount(),
	})
}

// Stop stops the drain loop, then the connectivity monitor.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	if !o.isRunning {
		o.runMu.Unlock()
		return
	}
	o.isRunning = false
	close(o.stopCh)
	o.runMu.Unlock()

	o.scheduler.Stop()
	if o.monitor != nil {
		o.monitor.Stop()
	}
	o.wg.Wait()

	logging.Info("Sync orchestrator stopped", nil)
}

// IsRunning returns whether background work is running.
func (o *Orchestrator) IsRunning() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.isRunning
}

func (o *Orchestrator) forwardConnectivity(ctx context.Context, stopCh chan struct{}, updates <-chan models.ConnectivityState, unsubscribe func()) {
	defer o.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			o.emitEvent(SyncEventConnectivityChanged, state)
			o.emitState()
		}
	}
}

// =====================================================
// Scan
// =====================================================

// Scan submits one scanned code. Transport failures queue the scan and
// report success; validation failures report the server's reason; an
// expired session is reported without queuing.
func (o *Orchestrator) Scan(ctx context.Context, code, location, notes string) (res Result) {
	defer recoverResult("scan", &res)

	parsed, err := payload.Parse(code)
	if err != nil {
		res = o.rejected(err, "")
		o.emitEvent(SyncEventScanCompleted, res)
		return res
	}

	rec := models.ScanRecord{
		ID:         uuid.NewRecordID(),
		SourceCode: strings.TrimSpace(code),
		SubjectID:  parsed.SubjectID(),
		Location:   location,
		Notes:      notes,
		CapturedAt: o.now(),
		SyncState:  models.SyncStatePending,
	}

	if o.monitor != nil && !o.monitor.IsOnline() {
		logging.Debug("Device offline, queuing scan without submitting", map[string]interface{}{
			"record_id": rec.ID,
		})
		res = o.queueOffline(ctx, rec)
	} else {
		res = o.submit(ctx, rec)
	}

	o.emitEvent(SyncEventScanCompleted, res)
	o.emitState()
	return res
}

func (o *Orchestrator) submit(ctx context.Context, rec models.ScanRecord) Result {
	conf, err := o.remote.SubmitOne(ctx, rec)
	if err == nil {
		if conf == nil {
			conf = &models.AttendanceConfirmation{RecordID: rec.ID, SubjectID: rec.SubjectID, Status: models.StatusPresent, RecordedAt: rec.CapturedAt}
		}
		o.locked(func() { o.recordSuccessLocked(rec, *conf) })
		o.metrics.ScanOutcome(telemetry.OutcomeSucceeded)

		logging.Info("Scan recorded", map[string]interface{}{
			"record_id":  rec.ID,
			"subject_id": conf.SubjectID,
			"status":     string(conf.Status),
		})
		return Result{
			Success:      true,
			Message:      successMessage(*conf),
			Outcome:      OutcomeSucceeded,
			Confirmation: conf,
		}
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return o.rejected(err, rec.ID)
	case apperrors.KindAuth:
		o.metrics.ScanOutcome(telemetry.OutcomeAuthExpired)
		logging.WarnWithCode("Scan not submitted, session expired", string(apperrors.ErrAuthExpired), err,
			map[string]interface{}{"record_id": rec.ID})
		return Result{Success: false, Error: MessageSessionExpired, Outcome: OutcomeAuthExpired}
	case apperrors.KindInternal:
		o.metrics.ScanOutcome(telemetry.OutcomeFailed)
		logging.ErrorWithCode("Scan not submitted", string(apperrors.ErrInternal), err,
			map[string]interface{}{"record_id": rec.ID})
		return Result{Success: false, Error: apperrors.Message(err), Outcome: OutcomeFailed}
	default:
		logging.Info("Backend unreachable, queuing scan", map[string]interface{}{
			"record_id": rec.ID,
			"reason":    apperrors.Message(err),
		})
		rec.Attempts = 1
		rec.LastError = apperrors.Message(err)
		return o.queueOffline(ctx, rec)
	}
}

func (o *Orchestrator) rejected(err error, recordID string) Result {
	o.metrics.ScanOutcome(telemetry.OutcomeRejected)
	msg := apperrors.Message(err)
	logging.Info("Scan rejected", map[string]interface{}{
		"record_id": recordID,
		"reason":    msg,
	})
	return Result{Success: false, Error: msg, Outcome: OutcomeRejected}
}

// queueOffline appends rec and arms the drain loop. A failed write still
// reports success, with a warning. The write ignores cancellation of ctx,
// since a cancelled request is itself a reason to queue.
func (o *Orchestrator) queueOffline(ctx context.Context, rec models.ScanRecord) Result {
	storeCtx := context.WithoutCancel(ctx)
	var err error
	var pending int
	o.locked(func() {
		err = o.store.Append(storeCtx, rec)
		if err == nil {
			if n, lenErr := o.store.Len(storeCtx); lenErr == nil {
				o.pending = n
			} else {
				o.pending++
			}
		}
		pending = o.pending
	})

	o.metrics.ScanOutcome(telemetry.OutcomeQueuedOffline)
	res := Result{Success: true, Message: MessageQueuedOffline, Outcome: OutcomeQueuedOffline}
	if err != nil {
		logging.ErrorWithCode("Failed to persist offline scan", string(apperrors.ErrStorage), err,
			map[string]interface{}{"record_id": rec.ID})
		res.Warning = warningNotPersisted
		return res
	}

	o.metrics.SetQueueDepth(pending)
	o.scheduler.Arm()
	return res
}

func successMessage(conf models.AttendanceConfirmation) string {
	if conf.Message != "" {
		return conf.Message
	}
	if conf.SubjectName != "" {
		return fmt.Sprintf("Attendance recorded for %s", conf.SubjectName)
	}
	return "Attendance recorded"
}

// recordSuccessLocked merges a confirmation into history and the summary.
func (o *Orchestrator) recordSuccessLocked(rec models.ScanRecord, conf models.AttendanceConfirmation) {
	o.rolloverLocked()

	rec.SyncState = models.SyncStateSynced
	rec.LastError = ""
	if conf.RecordID == "" {
		conf.RecordID = rec.ID
	}
	o.history = append([]models.HistoryEntry{{Record: rec, Confirmation: conf}}, o.history...)
	if len(o.history) > o.historyLimit {
		o.history = o.history[:o.historyLimit]
	}
	// A scan captured on an earlier day and drained today belongs to that
	// day's summary, not this one.
	if rec.CapturedAt.IsZero() || models.SummaryDate(rec.CapturedAt.In(o.now().Location())) == o.summary.Date {
		o.summary.Add(conf.Status)
	}
}

// rolloverLocked resets the summary when the local date has changed.
func (o *Orchestrator) rolloverLocked() {
	today := models.SummaryDate(o.now())
	if o.summary.Date != today {
		if o.summary.Date != "" {
			logging.Info("Daily summary rolled over", map[string]interface{}{
				"previous_date": o.summary.Date,
				"scanned":       o.summary.Scanned,
			})
		}
		o.summary = models.DailySummary{Date: today}
	}
}

// =====================================================
// Drain
// =====================================================

// drainReport is the outcome of one drain, shared by every caller that
// joined it.
type drainReport struct {
	result    string
	attempted int
	synced    int
	dropped   int
	retained  int
	remaining int
	err       error
}

func (r drainReport) toResult() Result {
	switch r.result {
	case telemetry.DrainEmpty:
		return Result{Success: true, Message: MessageQueueEmpty}
	case telemetry.DrainOffline:
		return Result{Success: false, Error: MessageOffline}
	}

	res := Result{Synced: r.synced, Failed: r.retained + r.dropped}
	switch {
	case apperrors.KindOf(r.err) == apperrors.KindAuth:
		res.Error = MessageSessionExpired
	case r.err != nil:
		res.Error = apperrors.Message(r.err)
	default:
		res.Success = true
		res.Message = fmt.Sprintf("%d synced, %d failed", r.synced, r.retained+r.dropped)
	}
	return res
}

// Sync drains the offline queue once. Concurrent calls share one drain.
func (o *Orchestrator) Sync(ctx context.Context) (res Result) {
	defer recoverResult("sync", &res)
	return o.drainShared(ctx).toResult()
}

// DrainCycle implements scheduler.Drainer.
func (o *Orchestrator) DrainCycle(ctx context.Context) (cycle scheduler.Cycle) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithCode("Recovered from panic", string(apperrors.ErrInternal), fmt.Errorf("%v", r),
				map[string]interface{}{"operation": "drain"})
			cycle = scheduler.Cycle{Remaining: o.PendingCount(), Err: apperrors.New(apperrors.ErrInternal, errInternal)}
		}
	}()

	r := o.drainShared(ctx)
	return scheduler.Cycle{
		Attempted: r.attempted,
		Remaining: r.remaining,
		Retained:  r.retained,
		Err:       r.err,
	}
}

func (o *Orchestrator) drainShared(ctx context.Context) drainReport {
	v, _, _ := o.flight.Do("drain", func() (interface{}, error) {
		return o.drain(ctx), nil
	})
	return v.(drainReport)
}

func (o *Orchestrator) drain(ctx context.Context) drainReport {
	var records []models.ScanRecord
	var err error
	o.locked(func() { records, err = o.store.LoadAll(ctx) })
	if err != nil {
		logging.ErrorWithCode("Failed to load offline queue", string(apperrors.ErrStorage), err, nil)
		report := drainReport{result: telemetry.DrainError, remaining: o.PendingCount(), err: err}
		o.finishDrain(report)
		return report
	}

	if len(records) == 0 {
		o.setPending(0)
		report := drainReport{result: telemetry.DrainEmpty}
		o.metrics.DrainCycle(report.result, 0, 0, 0)
		return report
	}

	if o.monitor != nil && !o.monitor.IsOnline() {
		o.setPending(len(records))
		report := drainReport{result: telemetry.DrainOffline, remaining: len(records)}
		o.metrics.DrainCycle(report.result, 0, 0, 0)
		logging.Debug("Skipping drain - device is offline", map[string]interface{}{"pending": len(records)})
		return report
	}

	o.setStatus(SyncStatusSyncing)
	o.emitEvent(SyncEventStarted, map[string]interface{}{"pending": len(records)})
	logging.Info("Draining offline queue", map[string]interface{}{"pending": len(records)})

	batch := o.remote.SubmitBatch(ctx, records)

	report := drainReport{attempted: len(records), synced: len(batch.Succeeded)}
	done := make(map[string]bool, len(records))
	failed := make(map[string]remote.FailedRecord)
	for _, c := range batch.Succeeded {
		done[c.Record.ID] = true
	}
	for _, f := range batch.Failed {
		switch f.Kind() {
		case apperrors.KindValidation:
			done[f.Record.ID] = true
			report.dropped++
			logging.Warn("Dropped offline scan rejected by server", map[string]interface{}{
				"record_id":  f.Record.ID,
				"subject_id": f.Record.SubjectID,
				"reason":     apperrors.Message(f.Err),
			})
		case apperrors.KindAuth, apperrors.KindInternal:
			failed[f.Record.ID] = f
			report.retained++
			report.err = f.Err
		default:
			failed[f.Record.ID] = f
			report.retained++
		}
	}

	// The batch has reached the server, so the write-back runs even when the
	// caller has given up. Otherwise confirmed scans would be submitted again.
	storeCtx := context.WithoutCancel(ctx)
	var writeErr error
	o.locked(func() {
		for _, c := range batch.Succeeded {
			o.recordSuccessLocked(c.Record, c.Confirmation)
		}
		// Rewrite the current queue rather than the batch, so scans queued
		// while the batch was in flight are kept.
		writeErr = o.store.Update(storeCtx, func(current []models.ScanRecord) []models.ScanRecord {
			kept := make([]models.ScanRecord, 0, len(current))
			for _, rec := range current {
				if done[rec.ID] {
					continue
				}
				if f, ok := failed[rec.ID]; ok {
					rec.Attempts++
					rec.LastError = apperrors.Message(f.Err)
				}
				kept = append(kept, rec)
			}
			return kept
		})
		if n, lenErr := o.store.Len(storeCtx); lenErr == nil {
			o.pending = n
		}
		report.remaining = o.pending
	})

	if writeErr != nil {
		logging.ErrorWithCode("Failed to write back offline queue", string(apperrors.ErrStorage), writeErr, nil)
		if report.err == nil {
			report.err = writeErr
		}
	}

	switch {
	case report.err != nil:
		report.result = telemetry.DrainError
	case report.retained > 0:
		report.result = telemetry.DrainPartial
	default:
		report.result = telemetry.DrainClean
	}
	o.finishDrain(report)

	if report.synced > 0 && o.refreshAfterDrain {
		if err := o.refreshToday(ctx); err != nil {
			logging.Debug("Keeping local history, today's report unavailable", map[string]interface{}{
				"reason": apperrors.Message(err),
			})
		}
	}
	o.emitState()
	return report
}

// finishDrain records the drain outcome and notifies listeners.
func (o *Orchestrator) finishDrain(r drainReport) {
	o.metrics.DrainCycle(r.result, r.synced, r.dropped, r.retained)
	o.metrics.SetQueueDepth(r.remaining)

	o.locked(func() {
		if r.err != nil {
			o.status = SyncStatusFailed
			o.lastErr = r.err
			return
		}
		o.status = SyncStatusIdle
		o.lastErr = nil
		now := o.now()
		o.lastSync = &now
	})

	fields := map[string]interface{}{
		"synced":    r.synced,
		"dropped":   r.dropped,
		"retained":  r.retained,
		"remaining": r.remaining,
	}
	if r.err != nil {
		logging.WarnWithCode("Offline queue drain failed", string(apperrors.ErrSyncFailed), r.err, fields)
		o.emitEvent(SyncEventFailed, r.toResult())
		return
	}
	logging.Info("Offline queue drain completed", fields)
	o.emitEvent(SyncEventCompleted, r.toResult())
}

func (o *Orchestrator) setStatus(s SyncStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = s
}

func (o *Orchestrator) setPending(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = n
}

// =====================================================
// Queue, history and session
// =====================================================

// ClearQueue discards every queued scan and disarms the drain loop.
func (o *Orchestrator) ClearQueue(ctx context.Context) (res Result) {
	defer recoverResult("clear_queue", &res)

	var cleared int
	var err error
	o.locked(func() {
		cleared = o.pending
		err = o.store.Clear(ctx)
		if err == nil {
			o.pending = 0
		}
	})

	if err != nil {
		logging.ErrorWithCode("Failed to clear offline queue", string(apperrors.ErrStorage), err, nil)
		return Result{Success: false, Error: apperrors.Message(err)}
	}

	o.scheduler.Disarm()
	o.metrics.SetQueueDepth(0)
	logging.Info("Offline queue cleared", map[string]interface{}{"discarded": cleared})
	o.emitState()
	return Result{Success: true, Message: MessageQueueCleared}
}

// RefreshToday replaces history and summary with the backend's list of
// today's check-ins.
func (o *Orchestrator) RefreshToday(ctx context.Context) (res Result) {
	defer recoverResult("refresh_today", &res)

	if err := o.refreshToday(ctx); err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuth {
			return Result{Success: false, Error: MessageSessionExpired, Outcome: OutcomeAuthExpired}
		}
		return Result{Success: false, Error: apperrors.Message(err)}
	}
	o.emitState()
	return Result{Success: true, Message: "Attendance refreshed"}
}

func (o *Orchestrator) refreshToday(ctx context.Context) error {
	report, err := o.remote.FetchToday(ctx)
	if err != nil {
		return err
	}
	if report == nil {
		return apperrors.New(apperrors.ErrTransport, "invalid response from server")
	}

	entries := make([]models.HistoryEntry, 0, len(report.Attendance))
	for _, conf := range report.Attendance {
		entries = append(entries, models.HistoryEntry{
			Record: models.ScanRecord{
				ID:         conf.RecordID,
				SubjectID:  conf.SubjectID,
				CapturedAt: conf.RecordedAt,
				SyncState:  models.SyncStateSynced,
			},
			Confirmation: conf,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Confirmation.RecordedAt.After(entries[j].Confirmation.RecordedAt)
	})
	if len(entries) > o.historyLimit {
		entries = entries[:o.historyLimit]
	}

	o.locked(func() {
		o.history = entries
		o.summary = models.DailySummary{
			Date:    models.SummaryDate(o.now()),
			Scanned: report.Summary.Total,
			Present: report.Summary.Present,
			Late:    report.Summary.Late,
		}
	})
	return nil
}

// Logout stops the drain loop and connectivity probes before clearing the
// queue, history and summary, so no background write lands afterwards.
// Background work that was running is started again once the state is
// clear, ready for the next session.
func (o *Orchestrator) Logout(ctx context.Context) (res Result) {
	defer recoverResult("logout", &res)

	o.runMu.Lock()
	wasRunning, runCtx := o.isRunning, o.runCtx
	o.runMu.Unlock()

	o.Stop()
	o.scheduler.Disarm()
	if wasRunning {
		defer o.Start(runCtx)
	}

	var err error
	o.locked(func() {
		o.pending = 0
		o.history = nil
		o.summary = models.DailySummary{Date: models.SummaryDate(o.now())}
		o.status = SyncStatusIdle
		o.lastSync = nil
		o.lastErr = nil
		err = o.store.Clear(ctx)
	})

	o.metrics.SetQueueDepth(0)
	if err != nil {
		logging.ErrorWithCode("Failed to clear offline queue on logout", string(apperrors.ErrStorage), err, nil)
		return Result{Success: false, Error: apperrors.Message(err)}
	}

	if o.onLogout != nil {
		if err := o.onLogout(ctx); err != nil {
			logging.Warn("Logout hook failed", map[string]interface{}{"error": err.Error()})
		}
	}

	logging.Info("Logged out, local state cleared", nil)
	o.emitState()
	return Result{Success: true, Message: MessageLoggedOut}
}

// =====================================================
// State getters
// =====================================================

// PendingCount returns the number of queued scans.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// IsOnline reports the connectivity signal.
func (o *Orchestrator) IsOnline() bool {
	if o.monitor == nil {
		return true
	}
	return o.monitor.IsOnline()
}

// History returns a copy of the confirmed scans, newest first.
func (o *Orchestrator) History() []models.HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.HistoryEntry(nil), o.history...)
}

// Summary returns today's counters.
func (o *Orchestrator) Summary() models.DailySummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rolloverLocked()
	return o.summary
}

// Status returns the current drain status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LastSync returns the time of the last successful drain.
func (o *Orchestrator) LastSync() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSync == nil {
		return nil
	}
	t := *o.lastSync
	return &t
}

// LastError returns the last drain error.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Snapshot returns the reactive state in one read.
func (o *Orchestrator) Snapshot() StateSnapshot {
	var conn models.ConnectivityState
	online := true
	if o.monitor != nil {
		conn = o.monitor.State()
		online = conn.IsOnline()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.rolloverLocked()

	snap := StateSnapshot{
		PendingCount: o.pending,
		IsOnline:     online,
		Connectivity: conn,
		History:      append([]models.HistoryEntry(nil), o.history...),
		Summary:      o.summary,
		Status:       o.status,
	}
	if o.lastSync != nil {
		t := *o.lastSync
		snap.LastSync = &t
	}
	if o.lastErr != nil {
		snap.LastError = apperrors.Message(o.lastErr)
	}
	return snap
}
