package models

import "time"

// SessionStatus tracks the lifecycle of an attendance session.
type SessionStatus string

// Transitions are monotonic: SCHEDULED -> ACTIVE -> COMPLETED.
const (
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusCompleted SessionStatus = "COMPLETED"
)

// Valid returns true when the status is a supported value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusActive, SessionStatusCompleted:
		return true
	default:
		return false
	}
}

// AttendanceMethod identifies how a session collects check-ins.
type AttendanceMethod string

const (
	MethodQRCode AttendanceMethod = "QR_CODE"
	MethodManual AttendanceMethod = "MANUAL"
)

// Valid returns true when the method is a supported value.
func (m AttendanceMethod) Valid() bool {
	return m == MethodQRCode || m == MethodManual
}

// AttendanceSession is a single scheduled class meeting during which
// attendance may be taken.
type AttendanceSession struct {
	ID        string           `db:"id" json:"id"`
	CourseID  string           `db:"course_id" json:"course_id"`
	SectionID string           `db:"section_id" json:"section_id"`
	Name      string           `db:"name" json:"name"`
	Date      time.Time        `db:"date" json:"date"`
	StartTime time.Time        `db:"start_time" json:"start_time"`
	EndTime   time.Time        `db:"end_time" json:"end_time"`
	Location  *string          `db:"location" json:"location,omitempty"`
	Method    AttendanceMethod `db:"method" json:"method"`
	Status    SessionStatus    `db:"status" json:"status"`
	IsActive  bool             `db:"is_active" json:"is_active"`
	Locked    bool             `db:"locked" json:"locked"`

	// QRToken and its expiry live on the session row; the token is only
	// meaningful while the session is ACTIVE and unlocked.
	QRToken       *string    `db:"qr_token" json:"-"`
	QRTokenExpiry *time.Time `db:"qr_token_expires_at" json:"qr_token_expires_at,omitempty"`

	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Open reports whether the session currently accepts student check-ins.
func (s *AttendanceSession) Open() bool {
	return s.Status == SessionStatusActive && !s.Locked
}

// RemainingSeconds is the countdown value: end_time minus now, clamped at
// zero. Presentation only, never authoritative for closing the session.
func (s *AttendanceSession) RemainingSeconds(now time.Time) int64 {
	remaining := s.EndTime.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// SessionDetail enriches a session with course and section labels.
type SessionDetail struct {
	AttendanceSession
	CourseCode  string `db:"course_code" json:"course_code"`
	CourseTitle string `db:"course_title" json:"course_title"`
	SectionName string `db:"section_name" json:"section_name"`
}

// SessionFilter scopes session listing queries.
type SessionFilter struct {
	CourseID  string
	SectionID string
	Status    *SessionStatus
	DateFrom  *time.Time
	DateTo    *time.Time
	CreatedBy string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// SessionSummary is the derived per-session statistics view. It is always
// recomputable from persisted records and current enrollment; the snapshot
// written at close time is the only materialised copy.
type SessionSummary struct {
	SessionID      string    `db:"session_id" json:"session_id"`
	Total          int       `db:"total" json:"total"`
	Present        int       `db:"present" json:"present"`
	OnTime         int       `db:"on_time" json:"on_time"`
	Late           int       `db:"late" json:"late"`
	Absent         int       `db:"absent" json:"absent"`
	AttendanceRate float64   `db:"attendance_rate" json:"attendance_rate"`
	OnTimeRate     float64   `db:"on_time_rate" json:"on_time_rate"`
	LateRate       float64   `db:"late_rate" json:"late_rate"`
	AbsentRate     float64   `db:"absent_rate" json:"absent_rate"`
	ComputedAt     time.Time `db:"computed_at" json:"computed_at"`
	Final          bool      `db:"final" json:"final"`
}
