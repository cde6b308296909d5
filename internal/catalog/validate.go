package catalog

import (
	"fmt"
	"sort"

	"github.com/go4it/credeval/internal/domain"
)

// Validate checks the reference data invariants: known systems and
// categories, unique grade tokens per system, GPA within [0,4] and
// non-increasing from the best rank to the worst.
func Validate(data *domain.CatalogData) error {
	systems := make(map[string]bool, len(data.Systems))
	for _, s := range data.Systems {
		if s.ID == "" {
			return fmt.Errorf("%w: education system without id", domain.ErrInvalidInput)
		}
		if systems[s.ID] {
			return fmt.Errorf("%w: duplicate education system %s", domain.ErrInvalidInput, s.ID)
		}
		systems[s.ID] = true
	}

	bySystem := make(map[string][]domain.GradeScaleEntry)
	for _, g := range data.GradeScales {
		if !systems[g.SystemID] {
			return fmt.Errorf("%w: grade %q references unknown system %s", domain.ErrInvalidInput, g.LocalGrade, g.SystemID)
		}
		if g.USGPA < 0 || g.USGPA > 4 {
			return fmt.Errorf("%w: grade %s/%s has gpa %.2f outside [0,4]", domain.ErrInvalidInput, g.SystemID, g.LocalGrade, g.USGPA)
		}
		bySystem[g.SystemID] = append(bySystem[g.SystemID], g)
	}

	for sys, grades := range bySystem {
		seen := make(map[string]bool, len(grades))
		for _, g := range grades {
			if seen[g.LocalGrade] {
				return fmt.Errorf("%w: duplicate grade %q in system %s", domain.ErrInvalidInput, g.LocalGrade, sys)
			}
			seen[g.LocalGrade] = true
		}
		sort.SliceStable(grades, func(i, j int) bool { return grades[i].Rank < grades[j].Rank })
		for i := 1; i < len(grades); i++ {
			if grades[i].USGPA > grades[i-1].USGPA {
				return fmt.Errorf("%w: system %s grade %q (rank %d) maps above better grade %q",
					domain.ErrInvalidInput, sys, grades[i].LocalGrade, grades[i].Rank, grades[i-1].LocalGrade)
			}
		}
	}

	rules := make(map[string]bool, len(data.Rules))
	for _, r := range data.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: course rule without id in system %s", domain.ErrInvalidInput, r.SystemID)
		}
		if rules[r.ID] {
			return fmt.Errorf("%w: duplicate course rule %s", domain.ErrInvalidInput, r.ID)
		}
		rules[r.ID] = true
		if !systems[r.SystemID] {
			return fmt.Errorf("%w: rule %s references unknown system %s", domain.ErrInvalidInput, r.ID, r.SystemID)
		}
		if !r.Category.Valid() {
			return fmt.Errorf("%w: rule %s has unknown category %q", domain.ErrInvalidInput, r.ID, r.Category)
		}
		if r.BaseConfidence < 0 || r.BaseConfidence > 1 {
			return fmt.Errorf("%w: rule %s base confidence %.2f outside [0,1]", domain.ErrInvalidInput, r.ID, r.BaseConfidence)
		}
		if r.DefaultCreditHours < 0 {
			return fmt.Errorf("%w: rule %s has negative default credit", domain.ErrInvalidInput, r.ID)
		}
	}
	return nil
}
