package remote

import (
	"strings"
	"time"

	"github.com/kimhsiao/attendsync/internal/models"
)

// wireSubject is the subject object embedded in backend replies. Backends
// name the identifier differently; the first non-empty one is used.
type wireSubject struct {
	ID         string `json:"id"`
	MongoID    string `json:"_id"`
	EmployeeID string `json:"employeeId"`
	StudentID  string `json:"studentId"`
	Name       string `json:"name"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
}

func (s wireSubject) subjectID() string {
	return firstNonEmpty(s.EmployeeID, s.StudentID, s.ID, s.MongoID)
}

func (s wireSubject) name() string {
	if s.Name != "" {
		return s.Name
	}
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// wireAttendance is one attendance row.
type wireAttendance struct {
	ID          string       `json:"id"`
	MongoID     string       `json:"_id"`
	Status      string       `json:"status"`
	CheckInTime string       `json:"checkInTime"`
	Timestamp   string       `json:"timestamp"`
	CreatedAt   string       `json:"createdAt"`
	Subject     *wireSubject `json:"employee,omitempty"`
}

func (a wireAttendance) recordedAt() time.Time {
	for _, s := range []string{a.CheckInTime, a.Timestamp, a.CreatedAt} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// scanData is the data object of a POST /attendance/scan reply.
type scanData struct {
	Attendance wireAttendance `json:"attendance"`
	Subject    wireSubject    `json:"subject"`
	Message    string         `json:"message"`
}

func (d scanData) confirmation(rec models.ScanRecord, envMessage string) models.AttendanceConfirmation {
	subjectID := d.Subject.subjectID()
	if subjectID == "" {
		subjectID = rec.SubjectID
	}
	recordedAt := d.Attendance.recordedAt()
	if recordedAt.IsZero() {
		recordedAt = rec.CapturedAt
	}
	return models.AttendanceConfirmation{
		AttendanceID: firstNonEmpty(d.Attendance.ID, d.Attendance.MongoID),
		RecordID:     rec.ID,
		SubjectID:    subjectID,
		SubjectName:  d.Subject.name(),
		Status:       ParseStatus(d.Attendance.Status),
		Message:      firstNonEmpty(d.Message, envMessage),
		RecordedAt:   recordedAt,
	}
}

// ParseStatus maps the backend's status string. Anything other than "late"
// counts as present.
func ParseStatus(s string) models.AttendanceStatus {
	if strings.EqualFold(strings.TrimSpace(s), string(models.StatusLate)) {
		return models.StatusLate
	}
	return models.StatusPresent
}

// TodaySummary is the backend's count of today's check-ins.
type TodaySummary struct {
	Total   int `json:"total"`
	Present int `json:"present"`
	Late    int `json:"late"`
	OnTime  int `json:"onTime"`
}

// TodayReport is the reply of GET /attendance/today.
type TodayReport struct {
	Attendance []models.AttendanceConfirmation
	Summary    TodaySummary
}

type todayData struct {
	Attendance []wireAttendance `json:"attendance"`
	Summary    TodaySummary     `json:"summary"`
}

func (d todayData) report() *TodayReport {
	r := &TodayReport{Summary: d.Summary}
	for _, a := range d.Attendance {
		conf := models.AttendanceConfirmation{
			AttendanceID: firstNonEmpty(a.ID, a.MongoID),
			Status:       ParseStatus(a.Status),
			RecordedAt:   a.recordedAt(),
		}
		if a.Subject != nil {
			conf.SubjectID = a.Subject.subjectID()
			conf.SubjectName = a.Subject.name()
		}
		r.Attendance = append(r.Attendance, conf)
	}
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
