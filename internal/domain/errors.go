package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuditImmutable is returned when storage rejects a change to the audit log.
	ErrAuditImmutable = errors.New("audit log is append-only")

	// ErrAlreadyResolved is returned when resolving a review item twice.
	ErrAlreadyResolved = errors.New("review item already resolved")
)

// UnmappableGradeError reports a grade token with no entry in the system's scale.
type UnmappableGradeError struct {
	SystemID   string
	LocalGrade string
}

func (e *UnmappableGradeError) Error() string {
	return fmt.Sprintf("grade %q not found in scale of system %s", e.LocalGrade, e.SystemID)
}

// NoCourseMatchError reports a course name that matched no rule.
type NoCourseMatchError struct {
	SystemID string
	Subject  string
}

func (e *NoCourseMatchError) Error() string {
	return fmt.Sprintf("no course rule in system %s matches %q", e.SystemID, e.Subject)
}

// FieldError is one failed field constraint.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Value string `json:"value,omitempty"`
}

// InvalidCourseRecordError is fatal for an evaluation: the input record is malformed.
type InvalidCourseRecordError struct {
	RecordID string
	Fields   []FieldError
}

func (e *InvalidCourseRecordError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" ("+f.Rule+")")
	}
	return fmt.Sprintf("invalid course record %s: %s", e.RecordID, strings.Join(parts, ", "))
}

// Unwrap lets callers match ErrInvalidInput.
func (e *InvalidCourseRecordError) Unwrap() error {
	return ErrInvalidInput
}

// ConcurrentEvaluationError is returned when a transcript is already being evaluated.
type ConcurrentEvaluationError struct {
	TranscriptID string
}

func (e *ConcurrentEvaluationError) Error() string {
	return fmt.Sprintf("transcript %s is already being evaluated", e.TranscriptID)
}
