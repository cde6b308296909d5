package domain

import (
	"encoding/json"
	"time"
)

// ReviewStatus is the state of a review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewResolved ReviewStatus = "resolved"
)

// Resolution actions.
const (
	ResolutionConfirm = "confirm"
	ResolutionCorrect = "correct"
)

// ReviewItem is a record awaiting human adjudication.
type ReviewItem struct {
	ID           string          `json:"id"`
	TranscriptID string          `json:"transcriptId"`
	RecordID     string          `json:"recordId"`
	Reason       string          `json:"reason"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       ReviewStatus    `json:"status"`
	Resolution   *Resolution     `json:"resolution,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// Resolution is a reviewer's decision on a review item.
type Resolution struct {
	Action     string `json:"action" validate:"required,oneof=confirm correct"`
	Reviewer   string `json:"reviewer" validate:"required,max=128"`
	Subject    string `json:"subject,omitempty" validate:"max=256"`
	RuleID     string `json:"ruleId,omitempty" validate:"max=128"`
	LocalGrade string `json:"localGrade,omitempty" validate:"max=32"`
	Note       string `json:"note,omitempty" validate:"max=2000"`
}

// IsCorrection reports whether the resolution changes the record's inputs.
func (r *Resolution) IsCorrection() bool {
	return r.Action == ResolutionCorrect
}

// ReviewFilter narrows a review queue listing.
type ReviewFilter struct {
	Status       ReviewStatus
	TranscriptID string
	OlderThan    time.Time
	Limit        int
}
