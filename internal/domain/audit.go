package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AuditPhase groups audit actions by pipeline stage.
type AuditPhase string

const (
	PhaseIngest   AuditPhase = "ingest"
	PhaseSuggest  AuditPhase = "suggest"
	PhaseEvaluate AuditPhase = "evaluate"
	PhaseReport   AuditPhase = "report"
)

// Audit actions.
const (
	ActionCourseIngested        = "course_ingested"
	ActionGradeNormalized       = "grade_normalized"
	ActionCourseMatched         = "course_matched"
	ActionCreditAwarded         = "credit_awarded"
	ActionEligibilityDetermined = "eligibility_determined"
	ActionEvaluationCommitted   = "evaluation_committed"
	ActionReviewEnqueued        = "review_enqueued"
	ActionReviewResolved        = "review_resolved"
)

// AuditEntry is one append-only decision record.
type AuditEntry struct {
	ID              string          `json:"id"`
	EvaluationID    string          `json:"evaluationId,omitempty"`
	TranscriptID    string          `json:"transcriptId"`
	RecordID        string          `json:"recordId,omitempty"`
	Action          string          `json:"action"`
	Phase           AuditPhase      `json:"phase"`
	Details         json.RawMessage `json:"details"`
	ConfidenceScore *float64        `json:"confidenceScore,omitempty"`
	RequiresReview  bool            `json:"requiresReview"`
	Timestamp       time.Time       `json:"timestamp"`
}

// AuditFilter narrows an audit query. Zero fields are ignored.
type AuditFilter struct {
	TranscriptID string
	EvaluationID string
	RecordID     string
	Phase        AuditPhase
	Action       string
	From         time.Time
	To           time.Time
	Limit        int
}

// AuditLog is the append-only decision log. There is deliberately no
// update or delete operation.
type AuditLog interface {
	Append(ctx context.Context, entries ...*AuditEntry) ([]string, error)
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
