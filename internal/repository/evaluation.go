package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/go4it/credeval/internal/domain"
)

// CommitEvaluation writes an evaluation run in one transaction. The version
// is assigned here as one more than the transcript's latest.
func (r *SQLRepository) CommitEvaluation(ctx context.Context, c *domain.EvaluationCommit) error {
	if c == nil || c.Evaluation == nil {
		return fmt.Errorf("%w: nothing to commit", ErrInvalidInput)
	}
	eval := c.Evaluation
	if eval.ID == "" {
		eval.ID = uuid.New().String()
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		var latest int
		err := tx.QueryRowContext(ctx, r.rebind(`
			SELECT COALESCE(MAX(version), 0) FROM evaluations WHERE transcript_id = ?`),
			eval.TranscriptID).Scan(&latest)
		if err != nil {
			return fmt.Errorf("read evaluation version: %w", err)
		}
		eval.Version = latest + 1

		payload, err := json.Marshal(eval)
		if err != nil {
			return fmt.Errorf("failed to marshal evaluation: %w", err)
		}
		_, err = tx.ExecContext(ctx, r.rebind(`
			INSERT INTO evaluations (
				id, transcript_id, version, core_gpa, core_units,
				division_i_status, division_ii_status, requires_review, payload, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			eval.ID, eval.TranscriptID, eval.Version, eval.CoreGPA, eval.CoreUnits,
			string(eval.DivisionI.Status), string(eval.DivisionII.Status),
			boolInt(eval.RequiresReview), string(payload), eval.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}

		for _, rec := range c.Records {
			classification, err := nullJSON(rec.Classification)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE course_records SET classification = ? WHERE id = ?`),
				classification, rec.ID); err != nil {
				return fmt.Errorf("update classification of record %s: %w", rec.ID, err)
			}
		}

		for _, e := range c.Audit {
			e.EvaluationID = eval.ID
		}
		if err := r.insertAudit(ctx, tx, c.Audit); err != nil {
			return err
		}

		if c.Status != "" {
			res, err := tx.ExecContext(ctx, r.rebind(`UPDATE transcripts SET status = ?, updated_at = ? WHERE id = ?`),
				string(c.Status), eval.CreatedAt, eval.TranscriptID)
			if err != nil {
				return fmt.Errorf("update transcript status: %w", err)
			}
			if err := expectOne(res); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, id string) (*domain.Evaluation, error) {
	return r.scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM evaluations WHERE id = ?`), id))
}

// GetLatestEvaluation retrieves the highest version for a transcript.
func (r *SQLRepository) GetLatestEvaluation(ctx context.Context, transcriptID string) (*domain.Evaluation, error) {
	return r.scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(`
		SELECT payload FROM evaluations
		WHERE transcript_id = ?
		ORDER BY version DESC
		LIMIT 1`), transcriptID))
}

func (r *SQLRepository) scanEvaluation(row *sql.Row) (*domain.Evaluation, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var eval domain.Evaluation
	if err := json.Unmarshal([]byte(payload), &eval); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation: %w", err)
	}
	return &eval, nil
}

// ListEvaluations returns every version for a transcript, oldest first.
func (r *SQLRepository) ListEvaluations(ctx context.Context, transcriptID string) ([]*domain.Evaluation, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT payload FROM evaluations WHERE transcript_id = ? ORDER BY version`), transcriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Evaluation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var eval domain.Evaluation
		if err := json.Unmarshal([]byte(payload), &eval); err != nil {
			return nil, fmt.Errorf("failed to parse evaluation: %w", err)
		}
		out = append(out, &eval)
	}
	return out, rows.Err()
}
