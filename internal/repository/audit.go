package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go4it/credeval/internal/domain"
)

// Append writes audit entries in one transaction and returns their IDs.
// The table rejects updates and deletes, so entries can only be added.
func (r *SQLRepository) Append(ctx context.Context, entries ...*domain.AuditEntry) ([]string, error) {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		return r.insertAudit(ctx, tx, entries)
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

func (r *SQLRepository) insertAudit(ctx context.Context, tx *sql.Tx, entries []*domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO audit_log (
			id, evaluation_id, transcript_id, record_id, action, phase,
			details, confidence_score, requires_review, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		e.Timestamp = e.Timestamp.UTC()
		details := string(e.Details)
		if details == "" {
			details = "{}"
		}
		var evalID sql.NullString
		if e.EvaluationID != "" {
			evalID = sql.NullString{String: e.EvaluationID, Valid: true}
		}
		var score sql.NullFloat64
		if e.ConfidenceScore != nil {
			score = sql.NullFloat64{Float64: *e.ConfidenceScore, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, evalID, e.TranscriptID, e.RecordID, e.Action, string(e.Phase),
			details, score, boolInt(e.RequiresReview), e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert audit entry %s: %w", e.Action, err)
		}
	}
	return nil
}

// Query returns audit entries matching f in timestamp order.
func (r *SQLRepository) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.TranscriptID != "" {
		add("transcript_id = ?", f.TranscriptID)
	}
	if f.EvaluationID != "" {
		add("evaluation_id = ?", f.EvaluationID)
	}
	if f.RecordID != "" {
		add("record_id = ?", f.RecordID)
	}
	if f.Phase != "" {
		add("phase = ?", string(f.Phase))
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	// Timestamps are stored in UTC; sqlite compares them as text.
	if !f.From.IsZero() {
		add("timestamp >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("timestamp <= ?", f.To.UTC())
	}

	query := `SELECT id, evaluation_id, transcript_id, record_id, action, phase,
		details, confidence_score, requires_review, timestamp FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var (
			e              domain.AuditEntry
			evalID         sql.NullString
			action, phase  string
			details        string
			score          sql.NullFloat64
			requiresReview int
		)
		if err := rows.Scan(&e.ID, &evalID, &e.TranscriptID, &e.RecordID, &action, &phase,
			&details, &score, &requiresReview, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EvaluationID = evalID.String
		e.Action = action
		e.Phase = domain.AuditPhase(phase)
		e.Details = []byte(details)
		if score.Valid {
			v := score.Float64
			e.ConfidenceScore = &v
		}
		e.RequiresReview = requiresReview == 1
		out = append(out, &e)
	}
	return out, rows.Err()
}
