package domain

import (
	"fmt"
	"time"
)

// DivisionStatus is the eligibility outcome for one athletic division.
type DivisionStatus string

const (
	StatusEligible   DivisionStatus = "eligible"
	StatusAtRisk     DivisionStatus = "at_risk"
	StatusIneligible DivisionStatus = "ineligible"
)

// Division identifies an NCAA athletic division.
type Division string

const (
	DivisionI  Division = "D1"
	DivisionII Division = "D2"
)

// Evaluation is one immutable eligibility determination for a transcript.
// Re-evaluation creates a new row with Version+1.
type Evaluation struct {
	ID           string    `json:"id"`
	TranscriptID string    `json:"transcriptId"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`

	CoreGPA       float64              `json:"coreGpa"`
	OverallGPA    float64              `json:"overallGpa"`
	CoreUnits     float64              `json:"coreUnits"`
	LabUnits      float64              `json:"labScienceUnits"`
	CategoryUnits map[Category]float64 `json:"categoryUnits"`

	DivisionI  DivisionResult `json:"divisionI"`
	DivisionII DivisionResult `json:"divisionII"`

	RiskFactors         []RiskFactor `json:"riskFactors"`
	MissingRequirements []string     `json:"missingRequirements"`
	RecommendedActions  []string     `json:"recommendedActions"`
	RequiresReview      bool         `json:"requiresReview"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// DivisionResult is the per-division part of an evaluation.
type DivisionResult struct {
	Status              DivisionStatus       `json:"status"`
	Confidence          float64              `json:"confidence"`
	MinGPA              float64              `json:"minGpa"`
	MinUnits            float64              `json:"minUnits"`
	MissingRequirements []MissingRequirement `json:"missingRequirements,omitempty"`
}

// Requirement names that are not categories.
const (
	RequirementLabScience = "lab_science"
	RequirementCoreUnits  = "core_units"
)

// MissingRequirement describes a unit shortfall for a division. Requirement
// is a category name, RequirementLabScience or RequirementCoreUnits.
type MissingRequirement struct {
	Requirement string  `json:"requirement"`
	Earned      float64 `json:"earned"`
	Required    float64 `json:"required"`
}

func (m MissingRequirement) String() string {
	return fmt.Sprintf("%s: %.1f of %.1f required", m.Requirement, m.Earned, m.Required)
}

// Shortfall is the number of units still needed.
func (m MissingRequirement) Shortfall() float64 {
	return m.Required - m.Earned
}

// RiskFactor kinds.
const (
	RiskLowConfidenceMatch = "low_confidence_match"
	RiskNoCourseMatch      = "no_course_match"
	RiskDefaultCreditUsed  = "default_credit_used"
	RiskUnmappableGrade    = "unmappable_grade"
	RiskBelowAlgebraI      = "below_algebra_i"
)

// RiskFactor is a data quality or policy issue found during evaluation.
type RiskFactor struct {
	Kind     string `json:"kind"`
	RecordID string `json:"recordId,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Detail   string `json:"detail"`
}

// EvaluationMetadata pins the versions an evaluation was produced with.
type EvaluationMetadata struct {
	EvaluatorVersion string `json:"evaluatorVersion"`
	RulesVersion     string `json:"rulesVersion"`
	CatalogVersion   int64  `json:"catalogVersion"`
	PolicyName       string `json:"policyName,omitempty"`
	RecordsEvaluated int    `json:"recordsEvaluated"`
}

// Division returns the result for d.
func (e *Evaluation) Division(d Division) DivisionResult {
	if d == DivisionII {
		return e.DivisionII
	}
	return e.DivisionI
}

// EvaluationSummary is the API projection of an evaluation.
type EvaluationSummary struct {
	EvaluationID   string         `json:"evaluationId"`
	TranscriptID   string         `json:"transcriptId"`
	Version        int            `json:"version"`
	CoreGPA        float64        `json:"coreGpa"`
	CoreUnits      float64        `json:"coreUnits"`
	DivisionI      DivisionStatus `json:"divisionI"`
	DivisionII     DivisionStatus `json:"divisionII"`
	RequiresReview bool           `json:"requiresReview"`
	Reasons        []string       `json:"reasons,omitempty"`
}

// Summary converts an Evaluation to its API projection.
func (e *Evaluation) Summary() *EvaluationSummary {
	var reasons []string
	for _, r := range e.RiskFactors {
		reasons = append(reasons, r.Detail)
	}
	return &EvaluationSummary{
		EvaluationID:   e.ID,
		TranscriptID:   e.TranscriptID,
		Version:        e.Version,
		CoreGPA:        e.CoreGPA,
		CoreUnits:      e.CoreUnits,
		DivisionI:      e.DivisionI.Status,
		DivisionII:     e.DivisionII.Status,
		RequiresReview: e.RequiresReview,
		Reasons:        reasons,
	}
}
