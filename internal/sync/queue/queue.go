// Package queue provides the durable offline queue of pending scans.
//
// The queue is persisted as a single versioned snapshot blob under a fixed
// key. Every mutation reads and rewrites the whole blob inside one backend
// transaction, so a crash leaves either the previous or the new snapshot and
// writers in other processes never overwrite each other.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/attendsync/internal/errors"
	"github.com/kimhsiao/attendsync/internal/logging"
	"github.com/kimhsiao/attendsync/internal/models"
)

// DefaultKey is the storage key holding the pending-queue snapshot.
const DefaultKey = "offline_scans"

// corruptSuffix is appended to the key when an unreadable blob is moved aside.
const corruptSuffix = ".corrupt"

// Eviction reasons reported to the evict hook.
const (
	EvictCapacity = "capacity"
	EvictAge      = "age"
)

// Store is the offline queue. Only the sync orchestrator mutates it.
type Store interface {
	// Append adds a record to the end of the queue.
	Append(ctx context.Context, rec models.ScanRecord) error
	// ReplaceAll overwrites the queue with recs, typically the still-pending
	// subset after a drain.
	ReplaceAll(ctx context.Context, recs []models.ScanRecord) error
	// LoadAll returns the queue in capture order. A corrupt snapshot yields
	// an empty queue and no error.
	LoadAll(ctx context.Context) ([]models.ScanRecord, error)
	// Clear removes every pending record.
	Clear(ctx context.Context) error
	// Len returns the number of pending records.
	Len(ctx context.Context) (int, error)
	// Update replaces the queue with fn(current) atomically. fn may run more
	// than once and must not have side effects.
	Update(ctx context.Context, fn func(current []models.ScanRecord) []models.ScanRecord) error
}

// Policy bounds the queue under prolonged outages.
type Policy struct {
	// MaxSize caps the number of records; the oldest are evicted first.
	// Zero or negative disables the cap.
	MaxSize int
	// MaxAge evicts records captured longer ago than this. Zero disables it.
	MaxAge time.Duration
}

// DefaultPolicy returns the recommended bounds.
func DefaultPolicy() Policy {
	return Policy{
		MaxSize: 100,
		MaxAge:  72 * time.Hour,
	}
}

// EvictFunc is called once per evicted record.
type EvictFunc func(rec models.ScanRecord, reason string)

// Option configures a store.
type Option func(*snapshotStore)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *snapshotStore) {
		if key != "" {
			s.key = key
		}
	}
}

// WithPolicy sets the capacity and age policy.
func WithPolicy(p Policy) Option {
	return func(s *snapshotStore) { s.policy = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *snapshotStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvictHook registers a callback for evicted records.
func WithEvictHook(fn EvictFunc) Option {
	return func(s *snapshotStore) { s.onEvict = fn }
}

// blobStore persists one opaque value per key.
type blobStore interface {
	// atomic runs fn with exclusive access to key, also against other
	// processes sharing the backend. Writes made through tx are applied
	// together or not at all.
	atomic(ctx context.Context, key string, fn func(tx blobTx) error) error
}

// blobTx reads and writes blobs inside one atomic section.
type blobTx interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, key string) error
	// move renames from to to, replacing any existing value at to.
	move(ctx context.Context, from, to string) error
}

// snapshotStore implements Store on top of a blobStore. The backends only
// differ in how a blob is written.
type snapshotStore struct {
	mu      sync.Mutex
	blobs   blobStore
	key     string
	policy  Policy
	now     func() time.Time
	onEvict EvictFunc
}

func newSnapshotStore(blobs blobStore, opts ...Option) *snapshotStore {
	s := &snapshotStore{
		blobs:  blobs,
		key:    DefaultKey,
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the storage key of the snapshot.
func (s *snapshotStore) Key() string {
	return s.key
}

// Append adds rec to the end of the queue and applies the policy.
func (s *snapshotStore) Append(ctx context.Context, rec models.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.atomic(ctx, func(tx blobTx) error {
		records, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		records = append(records, rec)
		records = s.enforce(records)
		return s.write(ctx, tx, records)
	})
}

// ReplaceAll overwrites the queue.
func (s *snapshotStore) ReplaceAll(ctx context.Context, recs []models.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]models.ScanRecord, len(recs))
	copy(records, recs)
	records = s.enforce(records)
	return s.atomic(ctx, func(tx blobTx) error {
		if len(records) == 0 {
			return s.clear(ctx, tx)
		}
		return s.write(ctx, tx, records)
	})
}

// Update rewrites the queue as fn(current) in one atomic section, so a
// record appended by another writer between the read and the write is
// never lost.
func (s *snapshotStore) Update(ctx context.Context, fn func(current []models.ScanRecord) []models.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.atomic(ctx, func(tx blobTx) error {
		current, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		records := s.enforce(fn(current))
		if len(records) == 0 {
			return s.clear(ctx, tx)
		}
		return s.write(ctx, tx, records)
	})
}

// LoadAll returns the pending records in capture order. Expired records are
// evicted and the trimmed snapshot written back.
func (s *snapshotStore) LoadAll(ctx context.Context) ([]models.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []models.ScanRecord
	err := s.atomic(ctx, func(tx blobTx) error {
		records, err := s.read(ctx, tx)
		if err != nil {
			return err
		}

		kept = s.enforce(records)
		if len(kept) != len(records) {
			if err := s.write(ctx, tx, kept); err != nil {
				logging.WarnWithCode("Failed to persist evictions", string(apperrors.ErrStorage), err,
					map[string]interface{}{"key": s.key})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

// Clear removes the snapshot.
func (s *snapshotStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atomic(ctx, func(tx blobTx) error {
		return s.clear(ctx, tx)
	})
}

// Len returns the number of records in the snapshot.
func (s *snapshotStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.atomic(ctx, func(tx blobTx) error {
		records, err := s.read(ctx, tx)
		n = len(records)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// atomic runs fn in one backend transaction. Backend errors that fn did not
// already classify become storage errors.
func (s *snapshotStore) atomic(ctx context.Context, fn func(tx blobTx) error) error {
	err := s.blobs.atomic(ctx, s.key, fn)
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorage, "failed to access offline queue", err)
}

func (s *snapshotStore) clear(ctx context.Context, tx blobTx) error {
	if err := tx.del(ctx, s.key); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to clear offline queue", err)
	}
	return nil
}

// read loads the snapshot. Corrupt blobs are moved aside and read as empty.
func (s *snapshotStore) read(ctx context.Context, tx blobTx) ([]models.ScanRecord, error) {
	data, ok, err := tx.get(ctx, s.key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read offline queue", err)
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		s.quarantine(ctx, tx, err)
		return nil, nil
	}
	return snap.Records, nil
}

// quarantine keeps the unreadable blob under <key>.corrupt for diagnostics.
func (s *snapshotStore) quarantine(ctx context.Context, tx blobTx, cause error) {
	aside := s.key + corruptSuffix
	logging.WarnWithCode("Offline queue snapshot is corrupt, starting empty",
		string(apperrors.ErrStorageCorrupt), cause,
		map[string]interface{}{"key": s.key, "moved_to": aside})

	if err := tx.move(ctx, s.key, aside); err != nil {
		logging.Error("Failed to move corrupt snapshot aside", err, map[string]interface{}{"key": s.key})
		if err := tx.del(ctx, s.key); err != nil {
			logging.Error("Failed to drop corrupt snapshot", err, map[string]interface{}{"key": s.key})
		}
	}
}

func (s *snapshotStore) write(ctx context.Context, tx blobTx, records []models.ScanRecord) error {
	data, err := EncodeSnapshot(records, s.now())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to encode offline queue", err)
	}
	if err := tx.put(ctx, s.key, data); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to write offline queue", err)
	}
	return nil
}

// enforce applies the age policy, then the capacity policy (oldest first).
func (s *snapshotStore) enforce(records []models.ScanRecord) []models.ScanRecord {
	kept, evicted := s.policy.Apply(records, s.now())
	for _, ev := range evicted {
		logging.Warn("Evicted offline scan", map[string]interface{}{
			"record_id":   ev.Record.ID,
			"subject_id":  ev.Record.SubjectID,
			"captured_at": ev.Record.CapturedAt.Format(time.RFC3339),
			"reason":      ev.Reason,
		})
		if s.onEvict != nil {
			s.onEvict(ev.Record, ev.Reason)
		}
	}
	return kept
}

// Eviction is a record removed by the policy.
type Eviction struct {
	Record models.ScanRecord
	Reason string
}

// Apply returns the records that satisfy the policy, preserving order, and
// the evicted ones.
func (p Policy) Apply(records []models.ScanRecord, now time.Time) (kept []models.ScanRecord, evicted []Eviction) {
	kept = make([]models.ScanRecord, 0, len(records))
	for _, rec := range records {
		if p.MaxAge > 0 && !rec.CapturedAt.IsZero() && rec.Age(now) > p.MaxAge {
			evicted = append(evicted, Eviction{Record: rec, Reason: EvictAge})
			continue
		}
		kept = append(kept, rec)
	}

	if p.MaxSize > 0 && len(kept) > p.MaxSize {
		overflow := len(kept) - p.MaxSize
		for _, rec := range kept[:overflow] {
			evicted = append(evicted, Eviction{Record: rec, Reason: EvictCapacity})
		}
		kept = kept[overflow:]
	}
	return kept, evicted
}

// Validate rejects a negative age.
func (p Policy) Validate() error {
	if p.MaxAge < 0 {
		return fmt.Errorf("queue max age must not be negative, got %s", p.MaxAge)
	}
	return nil
}
