// Package models provides data model definitions for attendsync.
package models

import "time"

// SyncState is the delivery state of a scan record.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStatePending, SyncStateSynced, SyncStateFailed:
		return true
	}
	return false
}

// ScanRecord is a single QR read waiting for, or confirmed by, the backend.
type ScanRecord struct {
	ID         string    `json:"id"`
	SourceCode string    `json:"sourceCode"`
	SubjectID  string    `json:"subjectId"`
	Location   string    `json:"location,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	SyncState  SyncState `json:"syncState"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// Age returns how long ago the record was captured.
func (r ScanRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CapturedAt)
}

// AttendanceStatus is the backend's time-window classification of a check-in.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusLate    AttendanceStatus = "late"
)

// AttendanceConfirmation is the backend's acceptance of one scan.
type AttendanceConfirmation struct {
	AttendanceID string           `json:"attendanceId"`
	RecordID     string           `json:"recordId"`
	SubjectID    string           `json:"subjectId"`
	SubjectName  string           `json:"subjectName,omitempty"`
	Status       AttendanceStatus `json:"status"`
	Message      string           `json:"message,omitempty"`
	RecordedAt   time.Time        `json:"recordedAt"`
}

// HistoryEntry is a confirmed scan shown in the device's recent list.
type HistoryEntry struct {
	Record       ScanRecord             `json:"record"`
	Confirmation AttendanceConfirmation `json:"confirmation"`
}
