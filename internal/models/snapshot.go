package models

import "time"

// QueueSnapshotVersion is the current on-disk layout of QueueSnapshot.
const QueueSnapshotVersion = 1

// QueueSnapshot is the persisted form of the offline queue.
// It only ever holds pending records, in capture order.
type QueueSnapshot struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"savedAt"`
	Records []ScanRecord `json:"records"`
}

// ConnectivityState is the derived online signal. It is never persisted.
type ConnectivityState struct {
	NetworkReachable bool      `json:"networkReachable"`
	ServerReachable  bool      `json:"serverReachable"`
	TransportType    string    `json:"transportType"`
	LastProbeAt      time.Time `json:"lastProbeAt"`
}

// IsOnline reports whether both the network and the backend are reachable.
func (c ConnectivityState) IsOnline() bool {
	return c.NetworkReachable && c.ServerReachable
}

// DailySummary counts today's confirmed check-ins.
type DailySummary struct {
	Date    string `json:"date"` // YYYY-MM-DD, local time
	Scanned int    `json:"scanned"`
	Present int    `json:"present"`
	Late    int    `json:"late"`
}

// SummaryDate formats t as a DailySummary date.
func SummaryDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// Add folds one confirmation into the summary.
func (s *DailySummary) Add(status AttendanceStatus) {
	s.Scanned++
	switch status {
	case StatusPresent:
		s.Present++
	case StatusLate:
		s.Late++
	}
}
