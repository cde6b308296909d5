// Package audit builds append-only decision log entries.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go4it/credeval/internal/domain"
)

var actionPhases = map[string]domain.AuditPhase{
	domain.ActionCourseIngested:        domain.PhaseIngest,
	domain.ActionGradeNormalized:       domain.PhaseSuggest,
	domain.ActionCourseMatched:         domain.PhaseSuggest,
	domain.ActionCreditAwarded:         domain.PhaseEvaluate,
	domain.ActionEligibilityDetermined: domain.PhaseEvaluate,
	domain.ActionEvaluationCommitted:   domain.PhaseReport,
	domain.ActionReviewEnqueued:        domain.PhaseReport,
	domain.ActionReviewResolved:        domain.PhaseReport,
}

// PhaseOf returns the phase an action is logged under.
func PhaseOf(action string) (domain.AuditPhase, bool) {
	p, ok := actionPhases[action]
	return p, ok
}

// NewEntry builds an entry for action with details encoded as JSON.
func NewEntry(transcriptID, recordID, action string, details any, at time.Time) (*domain.AuditEntry, error) {
	phase, ok := PhaseOf(action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown audit action %q", domain.ErrInvalidInput, action)
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode %s details: %w", action, err)
	}
	return &domain.AuditEntry{
		TranscriptID: transcriptID,
		RecordID:     recordID,
		Action:       action,
		Phase:        phase,
		Details:      raw,
		Timestamp:    at,
	}, nil
}

// Recorder buffers the entries of one evaluation run. Nothing is written
// until the engine commits the run.
type Recorder struct {
	transcriptID string
	evaluationID string
	at           time.Time
	entries      []*domain.AuditEntry
	err          error
}

// NewRecorder starts a buffer for a run of transcriptID.
func NewRecorder(transcriptID, evaluationID string, at time.Time) *Recorder {
	return &Recorder{transcriptID: transcriptID, evaluationID: evaluationID, at: at}
}

// Record buffers one entry. The first encoding error is kept and
// reported by Err. Entries are stamped one microsecond apart so that
// timestamp order matches recording order.
func (r *Recorder) Record(recordID, action string, details any, confidence *float64, requiresReview bool) {
	if r.err != nil {
		return
	}
	at := r.at.Add(time.Duration(len(r.entries)) * time.Microsecond)
	e, err := NewEntry(r.transcriptID, recordID, action, details, at)
	if err != nil {
		r.err = err
		return
	}
	e.EvaluationID = r.evaluationID
	e.ConfidenceScore = confidence
	e.RequiresReview = requiresReview
	r.entries = append(r.entries, e)
}

// Entries returns the buffered entries in recording order.
func (r *Recorder) Entries() []*domain.AuditEntry {
	return r.entries
}

// Err returns the first error seen while recording.
func (r *Recorder) Err() error {
	return r.err
}

// Score is a helper for optional confidence values.
func Score(v float64) *float64 {
	return &v
}
