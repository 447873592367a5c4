package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/attendsync/internal/models"
)

// EncodeSnapshot serialises records as a versioned snapshot. Every record is
// written as pending.
func EncodeSnapshot(records []models.ScanRecord, savedAt time.Time) ([]byte, error) {
	out := make([]models.ScanRecord, len(records))
	for i, rec := range records {
		rec.SyncState = models.SyncStatePending
		out[i] = rec
	}

	return json.Marshal(models.QueueSnapshot{
		Version: models.QueueSnapshotVersion,
		SavedAt: savedAt.UTC(),
		Records: out,
	})
}

// DecodeSnapshot parses a snapshot blob. A bare JSON array of records, the
// layout written before snapshots were versioned, is accepted as well.
// Synced records are dropped.
func DecodeSnapshot(data []byte) (*models.QueueSnapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty snapshot")
	}

	var snap models.QueueSnapshot
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &snap.Records); err != nil {
			return nil, fmt.Errorf("failed to parse legacy snapshot: %w", err)
		}
		snap.Version = models.QueueSnapshotVersion
	case '{':
		if err := json.Unmarshal(trimmed, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot: %w", err)
		}
		if snap.Version != models.QueueSnapshotVersion {
			return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
		}
	default:
		return nil, fmt.Errorf("snapshot is not JSON")
	}

	pending := snap.Records[:0]
	for _, rec := range snap.Records {
		if rec.ID == "" {
			return nil, fmt.Errorf("snapshot record without id")
		}
		if rec.SyncState == models.SyncStateSynced {
			continue
		}
		rec.SyncState = models.SyncStatePending
		pending = append(pending, rec)
	}
	snap.Records = pending
	return &snap, nil
}
