package models

import "time"

// AttendanceStatus represents the status of an attendance record.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "PRESENT"
	AttendanceStatusLate    AttendanceStatus = "LATE"
	AttendanceStatusAbsent  AttendanceStatus = "ABSENT"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusLate, AttendanceStatusAbsent:
		return true
	default:
		return false
	}
}

// CountsAsPresent reports whether the status counts toward the broad
// attendance-rate numerator. Late arrivals still attended.
func (s AttendanceStatus) CountsAsPresent() bool {
	return s == AttendanceStatusPresent || s == AttendanceStatusLate
}

// AttendanceRecord is a student's registered presence for one session.
// Logically keyed by (session_id, student_id): at most one record per
// student per session, enforced by a unique constraint in the store.
type AttendanceRecord struct {
	ID          string           `db:"id" json:"id"`
	SessionID   string           `db:"session_id" json:"session_id"`
	StudentID   string           `db:"student_id" json:"student_id"`
	Status      AttendanceStatus `db:"status" json:"status"`
	CheckedInAt *time.Time       `db:"checked_in_at" json:"checked_in_at,omitempty"`
	Method      AttendanceMethod `db:"method" json:"method"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// AttendanceRecordRow is the stable read shape consumed by roster views
// and export: record joined with student identity. ABSENT rows may be
// synthesised at read time for enrolled students with no record.
type AttendanceRecordRow struct {
	RecordID    *string          `db:"record_id" json:"record_id,omitempty"`
	SessionID   string           `db:"session_id" json:"session_id"`
	StudentID   string           `db:"student_id" json:"student_id"`
	StudentName string           `db:"student_name" json:"student_name"`
	MatricNo    string           `db:"matric_no" json:"matric_no"`
	Status      AttendanceStatus `db:"status" json:"status"`
	CheckedInAt *time.Time       `db:"checked_in_at" json:"checked_in_at,omitempty"`
	Method      *AttendanceMethod `db:"method" json:"method,omitempty"`
}

// CheckInResult is the outcome of a check-in attempt. AlreadyMarked is a
// success notice, not an error: the second attempt returns the existing
// record untouched.
type CheckInResult struct {
	Record        *AttendanceRecord `json:"record"`
	AlreadyMarked bool              `json:"already_marked"`
}
