package models

import "time"

// EnrollmentStatus represents the lifecycle of a section enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusActive   EnrollmentStatus = "ACTIVE"
	EnrollmentStatusInactive EnrollmentStatus = "INACTIVE"
)

// SectionEnrollment registers a student on a section roster. A student may
// hold at most one ACTIVE enrollment per section; more than one is a data
// integrity fault surfaced by the gate, never silently resolved.
type SectionEnrollment struct {
	ID         string           `db:"id" json:"id"`
	StudentID  string           `db:"student_id" json:"student_id"`
	SectionID  string           `db:"section_id" json:"section_id"`
	Status     EnrollmentStatus `db:"status" json:"status"`
	EnrolledAt time.Time        `db:"enrolled_at" json:"enrolled_at"`
	LeftAt     *time.Time       `db:"left_at" json:"left_at,omitempty"`
}

// EnrollmentDetail enriches an enrollment with student and section labels.
type EnrollmentDetail struct {
	SectionEnrollment
	StudentName string `db:"student_name" json:"student_name"`
	MatricNo    string `db:"matric_no" json:"matric_no"`
	SectionName string `db:"section_name" json:"section_name"`
}

// EnrollmentDiagnostics aids support triage of a NOT_ENROLLED denial:
// which section the session required versus where the student actually
// holds active enrollments. Gated behind the diagnostics config flag.
type EnrollmentDiagnostics struct {
	RequiredSectionID string   `json:"required_section_id"`
	ActiveSectionIDs  []string `json:"active_section_ids"`
	ActiveCount       int      `json:"active_count"`
}
