package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go4it/credeval/internal/domain"
)

// SaveReviewItem inserts a new review item.
func (r *SQLRepository) SaveReviewItem(ctx context.Context, item *domain.ReviewItem) error {
	if item.TranscriptID == "" || item.RecordID == "" {
		return fmt.Errorf("%w: review item needs a transcript and a record", ErrInvalidInput)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = domain.ReviewPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = item.CreatedAt.UTC()
	var payload sql.NullString
	if len(item.Payload) > 0 {
		payload = sql.NullString{String: string(item.Payload), Valid: true}
	}
	resolution, err := nullJSON(item.Resolution)
	if err != nil {
		return err
	}
	var resolvedAt sql.NullTime
	if item.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *item.ResolvedAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO review_items (
			id, transcript_id, record_id, reason, payload, status, resolution, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		item.ID, item.TranscriptID, item.RecordID, item.Reason, payload,
		string(item.Status), resolution, item.CreatedAt, resolvedAt,
	)
	return err
}

const reviewColumns = `id, transcript_id, record_id, reason, payload, status, resolution, created_at, resolved_at`

func scanReviewItem(row rowScanner) (*domain.ReviewItem, error) {
	var (
		it                  domain.ReviewItem
		payload, resolution sql.NullString
		status              string
		resolvedAt          sql.NullTime
	)
	if err := row.Scan(&it.ID, &it.TranscriptID, &it.RecordID, &it.Reason, &payload,
		&status, &resolution, &it.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	it.Status = domain.ReviewStatus(status)
	if payload.Valid {
		it.Payload = []byte(payload.String)
	}
	res, err := decodeJSON[domain.Resolution](resolution)
	if err != nil {
		return nil, fmt.Errorf("failed to parse resolution: %w", err)
	}
	it.Resolution = res
	if resolvedAt.Valid {
		t := resolvedAt.Time
		it.ResolvedAt = &t
	}
	return &it, nil
}

// GetReviewItem retrieves a review item by ID.
func (r *SQLRepository) GetReviewItem(ctx context.Context, id string) (*domain.ReviewItem, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+reviewColumns+` FROM review_items WHERE id = ?`), id)
	it, err := scanReviewItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// ListReviewItems lists review items oldest first.
func (r *SQLRepository) ListReviewItems(ctx context.Context, f domain.ReviewFilter) ([]*domain.ReviewItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TranscriptID != "" {
		where = append(where, "transcript_id = ?")
		args = append(args, f.TranscriptID)
	}
	if !f.OlderThan.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.OlderThan.UTC())
	}

	query := `SELECT ` + reviewColumns + ` FROM review_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ReviewItem
	for rows.Next() {
		it, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CommitResolution resolves a pending review item in one transaction
// together with the record override and the audit entries. Resolving an
// item twice returns domain.ErrAlreadyResolved.
func (r *SQLRepository) CommitResolution(ctx context.Context, c *domain.ResolutionCommit) error {
	if c == nil || c.ItemID == "" || c.Resolution == nil {
		return fmt.Errorf("%w: nothing to resolve", ErrInvalidInput)
	}
	raw, err := nullJSON(c.Resolution)
	if err != nil {
		return err
	}
	override, err := nullJSON(c.Override)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, r.rebind(`
			UPDATE review_items SET status = ?, resolution = ?, resolved_at = ?
			WHERE id = ? AND status = ?`),
			string(domain.ReviewResolved), raw, c.ResolvedAt.UTC(), c.ItemID, string(domain.ReviewPending))
		if err != nil {
			return fmt.Errorf("resolve review item: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, r.rebind(`SELECT status FROM review_items WHERE id = ?`), c.ItemID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return domain.ErrAlreadyResolved
		}

		if c.Override != nil {
			res, err := tx.ExecContext(ctx, r.rebind(`UPDATE course_records SET override = ? WHERE id = ?`),
				override, c.RecordID)
			if err != nil {
				return fmt.Errorf("store override of record %s: %w", c.RecordID, err)
			}
			if err := expectOne(res); err != nil {
				return fmt.Errorf("store override of record %s: %w", c.RecordID, err)
			}
		}

		return r.insertAudit(ctx, tx, c.Audit)
	})
}
