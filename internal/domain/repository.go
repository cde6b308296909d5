// Package domain defines the core interfaces and types for credeval.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	AuditLog

	// Reference catalog
	LoadCatalog(ctx context.Context) (*CatalogData, error)
	SaveCatalog(ctx context.Context, data *CatalogData) error

	// Transcripts own their records; saving a transcript writes both.
	SaveTranscript(ctx context.Context, t *Transcript) error
	GetTranscript(ctx context.Context, id string) (*Transcript, error)
	ListTranscripts(ctx context.Context, status TranscriptStatus, limit int) ([]*Transcript, error)
	UpdateTranscriptStatus(ctx context.Context, id string, status TranscriptStatus) error

	// CommitEvaluation atomically writes the evaluation, the record
	// classifications, the buffered audit entries and the new status.
	CommitEvaluation(ctx context.Context, c *EvaluationCommit) error
	GetEvaluation(ctx context.Context, id string) (*Evaluation, error)
	GetLatestEvaluation(ctx context.Context, transcriptID string) (*Evaluation, error)
	ListEvaluations(ctx context.Context, transcriptID string) ([]*Evaluation, error)

	// Review queue
	SaveReviewItem(ctx context.Context, item *ReviewItem) error
	GetReviewItem(ctx context.Context, id string) (*ReviewItem, error)
	ListReviewItems(ctx context.Context, filter ReviewFilter) ([]*ReviewItem, error)
	// CommitResolution atomically resolves a pending item, stores the
	// record override and appends the audit entries.
	CommitResolution(ctx context.Context, c *ResolutionCommit) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EvaluationCommit is everything a successful run writes.
type EvaluationCommit struct {
	Evaluation *Evaluation
	Records    []*CourseRecord
	Audit      []*AuditEntry
	Status     TranscriptStatus
}

// ResolutionCommit is everything a review resolution writes. Override is
// skipped when nil.
type ResolutionCommit struct {
	ItemID     string
	Resolution *Resolution
	ResolvedAt time.Time
	RecordID   string
	Override   *RecordOverride
	Audit      []*AuditEntry
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
