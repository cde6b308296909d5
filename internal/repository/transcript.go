package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/go4it/credeval/internal/domain"
)

// SaveTranscript inserts a transcript and its records. Missing IDs are assigned.
func (r *SQLRepository) SaveTranscript(ctx context.Context, t *domain.Transcript) error {
	if t.SystemID == "" || t.StudentID == "" {
		return fmt.Errorf("%w: transcript needs a student and an education system", ErrInvalidInput)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Submission.SubmittedAt.IsZero() {
		t.Submission.SubmittedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = domain.TranscriptPending
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO transcripts (
				id, student_id, country_id, system_id, status,
				submitted_at, source, reference, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.StudentID, t.CountryID, t.SystemID, string(t.Status),
			t.Submission.SubmittedAt, t.Submission.Source, t.Submission.Reference,
			t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}

		for i, rec := range t.Records {
			if rec.ID == "" {
				rec.ID = uuid.New().String()
			}
			rec.TranscriptID = t.ID
			rec.Position = i

			override, err := nullJSON(rec.Override)
			if err != nil {
				return err
			}
			classification, err := nullJSON(rec.Classification)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, r.rebind(`
				INSERT INTO course_records (
					id, transcript_id, seq, academic_year, term, subject, curriculum_area,
					local_grade, hours_per_week, weeks_per_year, is_completed, override, classification
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				rec.ID, t.ID, rec.Position, rec.AcademicYear, rec.Term, rec.Subject, string(rec.CurriculumArea),
				rec.LocalGrade, rec.HoursPerWeek, rec.WeeksPerYear, boolInt(rec.IsCompleted), override, classification,
			)
			if err != nil {
				return fmt.Errorf("insert course record %d: %w", i, err)
			}
		}
		return nil
	})
}

const transcriptColumns = `id, student_id, country_id, system_id, status, submitted_at, source, reference, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*domain.Transcript, error) {
	var (
		t      domain.Transcript
		status string
	)
	if err := row.Scan(&t.ID, &t.StudentID, &t.CountryID, &t.SystemID, &status,
		&t.Submission.SubmittedAt, &t.Submission.Source, &t.Submission.Reference,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TranscriptStatus(status)
	return &t, nil
}

// GetTranscript retrieves a transcript with its records in submission order.
func (r *SQLRepository) GetTranscript(ctx context.Context, id string) (*domain.Transcript, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+transcriptColumns+` FROM transcripts WHERE id = ?`), id)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	records, err := r.listRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Records = records
	return t, nil
}

func (r *SQLRepository) listRecords(ctx context.Context, transcriptID string) ([]*domain.CourseRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, transcript_id, seq, academic_year, term, subject, curriculum_area,
		       local_grade, hours_per_week, weeks_per_year, is_completed, override, classification
		FROM course_records
		WHERE transcript_id = ?
		ORDER BY seq`), transcriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*domain.CourseRecord{}
	for rows.Next() {
		var (
			rec                      domain.CourseRecord
			area                     string
			completed                int
			override, classification sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TranscriptID, &rec.Position, &rec.AcademicYear, &rec.Term,
			&rec.Subject, &area, &rec.LocalGrade, &rec.HoursPerWeek, &rec.WeeksPerYear,
			&completed, &override, &classification); err != nil {
			return nil, err
		}
		rec.CurriculumArea = domain.Category(area)
		rec.IsCompleted = completed == 1
		if rec.Override, err = decodeJSON[domain.RecordOverride](override); err != nil {
			return nil, fmt.Errorf("failed to parse override of record %s: %w", rec.ID, err)
		}
		if rec.Classification, err = decodeJSON[domain.Classification](classification); err != nil {
			return nil, fmt.Errorf("failed to parse classification of record %s: %w", rec.ID, err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// ListTranscripts lists transcripts newest first, optionally by status.
// Records are not loaded.
func (r *SQLRepository) ListTranscripts(ctx context.Context, status domain.TranscriptStatus, limit int) ([]*domain.Transcript, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transcriptColumns + ` FROM transcripts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTranscriptStatus sets a transcript's status.
func (r *SQLRepository) UpdateTranscriptStatus(ctx context.Context, id string, status domain.TranscriptStatus) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`UPDATE transcripts SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
