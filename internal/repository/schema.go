package repository

// Schema definitions for the credeval database.
// Table DDL is shared by SQLite and PostgreSQL; the audit_log guards are driver specific.

const schemaCatalog = `
CREATE TABLE IF NOT EXISTS countries (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    region TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS education_systems (
    id TEXT PRIMARY KEY,
    country_id TEXT NOT NULL,
    name TEXT NOT NULL,
    grading_scale_kind TEXT NOT NULL DEFAULT '',
    credit_system TEXT NOT NULL DEFAULT '',
    rules_version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS grade_scale_entries (
    system_id TEXT NOT NULL,
    local_grade TEXT NOT NULL,
    us_gpa REAL NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    grade_rank INTEGER NOT NULL,
    PRIMARY KEY (system_id, local_grade)
);

CREATE TABLE IF NOT EXISTS course_rules (
    id TEXT PRIMARY KEY,
    system_id TEXT NOT NULL,
    local_course_name TEXT NOT NULL,
    category TEXT NOT NULL,
    us_equivalent_name TEXT NOT NULL DEFAULT '',
    is_lab_science INTEGER NOT NULL DEFAULT 0,
    is_algebra_i_or_higher INTEGER NOT NULL DEFAULT 0,
    default_credit_hours REAL NOT NULL DEFAULT 0,
    match_keywords TEXT NOT NULL,
    base_confidence REAL NOT NULL DEFAULT 1.0
);

CREATE INDEX IF NOT EXISTS idx_course_rules_system ON course_rules(system_id);
`

const schemaTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    country_id TEXT NOT NULL,
    system_id TEXT NOT NULL,
    status TEXT NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcripts_status ON transcripts(status);
CREATE INDEX IF NOT EXISTS idx_transcripts_student ON transcripts(student_id);

CREATE TABLE IF NOT EXISTS course_records (
    id TEXT PRIMARY KEY,
    transcript_id TEXT NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    academic_year TEXT NOT NULL DEFAULT '',
    term TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL,
    curriculum_area TEXT NOT NULL DEFAULT '',
    local_grade TEXT NOT NULL DEFAULT '',
    hours_per_week REAL NOT NULL DEFAULT 0,
    weeks_per_year REAL NOT NULL DEFAULT 0,
    is_completed INTEGER NOT NULL DEFAULT 0,
    override TEXT,
    classification TEXT
);

CREATE INDEX IF NOT EXISTS idx_course_records_transcript ON course_records(transcript_id, seq);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    transcript_id TEXT NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
    version INTEGER NOT NULL,
    core_gpa REAL NOT NULL,
    core_units REAL NOT NULL,
    division_i_status TEXT NOT NULL,
    division_ii_status TEXT NOT NULL,
    requires_review INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (transcript_id, version)
);

CREATE INDEX IF NOT EXISTS idx_evaluations_transcript ON evaluations(transcript_id, version);
`

// schemaAudit has no foreign keys so that no cascade can remove entries.
const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    evaluation_id TEXT,
    transcript_id TEXT NOT NULL,
    record_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    phase TEXT NOT NULL,
    details TEXT NOT NULL,
    confidence_score REAL,
    requires_review INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_transcript ON audit_log(transcript_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_evaluation ON audit_log(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_audit_phase ON audit_log(phase, timestamp);
`

const schemaReview = `
CREATE TABLE IF NOT EXISTS review_items (
    id TEXT PRIMARY KEY,
    transcript_id TEXT NOT NULL,
    record_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    payload TEXT,
    status TEXT NOT NULL,
    resolution TEXT,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_review_status ON review_items(status, created_at);
CREATE INDEX IF NOT EXISTS idx_review_record ON review_items(record_id, status);
`

const sqliteAuditGuards = `
CREATE TRIGGER IF NOT EXISTS audit_log_no_update
BEFORE UPDATE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
BEFORE DELETE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit_log is append-only');
END;
`

const postgresAuditGuards = `
CREATE OR REPLACE FUNCTION audit_log_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'audit_log is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_log_no_mutation ON audit_log;
CREATE TRIGGER audit_log_no_mutation
BEFORE UPDATE OR DELETE ON audit_log
FOR EACH ROW EXECUTE FUNCTION audit_log_append_only();
`

// AllSchemas returns all schema statements for driver in order.
func AllSchemas(driver string) []string {
	schemas := []string{
		schemaCatalog,
		schemaTranscripts,
		schemaEvaluations,
		schemaAudit,
		schemaReview,
	}
	switch driver {
	case "postgres":
		schemas = append(schemas, postgresAuditGuards)
	default:
		schemas = append(schemas, sqliteAuditGuards)
	}
	return schemas
}
