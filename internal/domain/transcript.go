package domain

import (
	"time"
)

// TranscriptStatus is the processing state of a transcript.
type TranscriptStatus string

const (
	TranscriptPending     TranscriptStatus = "pending"
	TranscriptProcessing  TranscriptStatus = "processing"
	TranscriptCompleted   TranscriptStatus = "completed"
	TranscriptNeedsReview TranscriptStatus = "needs_review"
)

// Transcript is a submitted foreign transcript. It exclusively owns its records.
type Transcript struct {
	ID         string           `json:"id"`
	StudentID  string           `json:"studentId"`
	CountryID  string           `json:"countryId"`
	SystemID   string           `json:"systemId"`
	Submission Submission       `json:"submission"`
	Status     TranscriptStatus `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`

	Records []*CourseRecord `json:"records"`
}

// Submission is metadata handed over by the ingestion collaborator.
type Submission struct {
	SubmittedAt time.Time `json:"submittedAt"`
	Source      string    `json:"source,omitempty"`    // e.g. "ocr", "manual", "partner-api"
	Reference   string    `json:"reference,omitempty"` // external document reference
}

// CourseRecord is a single course line of a transcript.
type CourseRecord struct {
	ID             string   `json:"id"`
	TranscriptID   string   `json:"transcriptId"`
	Position       int      `json:"position"`
	AcademicYear   string   `json:"academicYear" validate:"max=32"`
	Term           string   `json:"term" validate:"max=32"`
	Subject        string   `json:"subject" validate:"required,max=256"`
	CurriculumArea Category `json:"curriculumArea,omitempty" validate:"omitempty,category"`
	LocalGrade     string   `json:"localGrade" validate:"max=32"`
	HoursPerWeek   float64  `json:"hoursPerWeek" validate:"gte=0,lte=60"`
	WeeksPerYear   float64  `json:"weeksPerYear" validate:"gte=0,lte=52"`
	IsCompleted    bool     `json:"isCompleted"`

	// Override carries a reviewer's adjudication and survives re-evaluation.
	Override *RecordOverride `json:"override,omitempty"`

	// Classification is derived by evaluation and replaced on every run.
	Classification *Classification `json:"classification,omitempty"`
}

// RecordOverride is the persisted outcome of a review resolution. A
// confirmation holds only while the record still matches ConfirmedRuleID.
type RecordOverride struct {
	ReviewItemID    string `json:"reviewItemId"`
	Confirmed       bool   `json:"confirmed,omitempty"`
	ConfirmedRuleID string `json:"confirmedRuleId,omitempty"`
	RuleID          string `json:"ruleId,omitempty"`
	Subject         string `json:"subject,omitempty"`
	LocalGrade      string `json:"localGrade,omitempty"`
	Reviewer        string `json:"reviewer,omitempty"`
}

// ConfirmationHolds reports whether a reviewer confirmed the record's
// classification as matched by ruleID.
func (o *RecordOverride) ConfirmationHolds(ruleID string) bool {
	return o != nil && o.Confirmed && o.ConfirmedRuleID == ruleID
}

// EffectiveSubject returns the subject used for matching.
func (r *CourseRecord) EffectiveSubject() string {
	if r.Override != nil && r.Override.Subject != "" {
		return r.Override.Subject
	}
	return r.Subject
}

// EffectiveGrade returns the grade token used for normalization.
func (r *CourseRecord) EffectiveGrade() string {
	if r.Override != nil && r.Override.LocalGrade != "" {
		return r.Override.LocalGrade
	}
	return r.LocalGrade
}

// Classification holds the fields attached to a record by an evaluation run.
type Classification struct {
	NormalizedGrade    *float64 `json:"normalizedGrade"`
	Category           Category `json:"ncaaCategory,omitempty"`
	USEquivalentName   string   `json:"usEquivalentName,omitempty"`
	IsLabScience       bool     `json:"isLabScience"`
	IsAlgebraIOrHigher bool     `json:"isAlgebraIOrHigher"`
	CreditHoursAwarded float64  `json:"creditHoursAwarded"`
	UsedDefaultCredit  bool     `json:"usedDefaultCredit"`
	CountsTowardCore   bool     `json:"countsTowardCore"`
	MatchConfidence    float64  `json:"matchConfidence"`
	MatchedRuleID      string   `json:"matchedRuleId,omitempty"`
	MatchMethod        string   `json:"matchMethod"`
	RequiresReview     bool     `json:"requiresReview"`
	ReviewReasons      []string `json:"reviewReasons,omitempty"`
}

// GradeResolved reports whether a normalized grade was found.
func (c *Classification) GradeResolved() bool {
	return c != nil && c.NormalizedGrade != nil
}

// TranscriptRequest is the ingestion payload for a new transcript.
type TranscriptRequest struct {
	StudentID string          `json:"studentId" validate:"required,max=64"`
	CountryID string          `json:"countryId" validate:"required,max=8"`
	SystemID  string          `json:"systemId" validate:"required,max=64"`
	Source    string          `json:"source,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Records   []RecordRequest `json:"records" validate:"required,min=1,dive"`
}

// RecordRequest is a structured course tuple produced by OCR/translation.
type RecordRequest struct {
	Subject        string   `json:"subject" validate:"required,max=256"`
	CurriculumArea Category `json:"curriculumArea,omitempty" validate:"omitempty,category"`
	LocalGrade     string   `json:"localGrade" validate:"max=32"`
	HoursPerWeek   float64  `json:"hoursPerWeek" validate:"gte=0,lte=60"`
	WeeksPerYear   float64  `json:"weeksPerYear" validate:"gte=0,lte=52"`
	IsCompleted    bool     `json:"isCompleted"`
	Term           string   `json:"term,omitempty" validate:"max=32"`
	Year           string   `json:"year,omitempty" validate:"max=32"`
}

// ToTranscript converts a request to a Transcript domain object.
// IDs are assigned by the caller.
func (r *TranscriptRequest) ToTranscript(now time.Time) *Transcript {
	t := &Transcript{
		StudentID: r.StudentID,
		CountryID: r.CountryID,
		SystemID:  r.SystemID,
		Submission: Submission{
			SubmittedAt: now,
			Source:      r.Source,
			Reference:   r.Reference,
		},
		Status:    TranscriptPending,
		CreatedAt: now,
		UpdatedAt: now,
		Records:   make([]*CourseRecord, 0, len(r.Records)),
	}
	for i, rec := range r.Records {
		t.Records = append(t.Records, &CourseRecord{
			Position:       i,
			AcademicYear:   rec.Year,
			Term:           rec.Term,
			Subject:        rec.Subject,
			CurriculumArea: rec.CurriculumArea,
			LocalGrade:     rec.LocalGrade,
			HoursPerWeek:   rec.HoursPerWeek,
			WeeksPerYear:   rec.WeeksPerYear,
			IsCompleted:    rec.IsCompleted,
		})
	}
	return t
}
