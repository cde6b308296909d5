// Package credit converts contact hours into Carnegie units and sums them
// per NCAA category.
package credit

import (
	"github.com/go4it/credeval/internal/domain"
)

// HoursPerUnit is the contact hours in one Carnegie unit.
const HoursPerUnit = 120.0

// Exclusion reasons for awards that do not add to category totals.
const (
	ExcludedIncomplete    = "incomplete"
	ExcludedNoMatch       = "no_match"
	ExcludedBelowAlgebraI = "below_algebra_i"
)

// Item is a classified course record ready for aggregation.
type Item struct {
	RecordID           string
	HoursPerWeek       float64
	WeeksPerYear       float64
	IsCompleted        bool
	Category           domain.Category
	IsLabScience       bool
	IsAlgebraIOrHigher bool
	DefaultCreditHours float64
}

// Award is the credit outcome of one record.
type Award struct {
	RecordID         string          `json:"recordId"`
	Category         domain.Category `json:"category,omitempty"`
	Units            float64         `json:"units"`
	UsedDefault      bool            `json:"usedDefault"`
	Counted          bool            `json:"counted"`
	CountsTowardCore bool            `json:"countsTowardCore"`
	Lab              bool            `json:"lab"`
	Excluded         string          `json:"excluded,omitempty"`
}

// Totals is the aggregate over a transcript.
type Totals struct {
	PerCategory map[domain.Category]float64 `json:"perCategory"`
	CoreUnits   float64                     `json:"coreUnits"`
	LabUnits    float64                     `json:"labUnits"`
	Awards      []Award                     `json:"awards"`
}

// Award returns the award for recordID.
func (t *Totals) Award(recordID string) (Award, bool) {
	for _, a := range t.Awards {
		if a.RecordID == recordID {
			return a, true
		}
	}
	return Award{}, false
}

// Units converts weekly hours over a year to Carnegie units.
func Units(hoursPerWeek, weeksPerYear float64) float64 {
	return hoursPerWeek * weeksPerYear / HoursPerUnit
}

// Aggregate awards credit to every item and sums the totals under policy.
func Aggregate(items []Item, policy domain.Policy) Totals {
	totals := Totals{
		PerCategory: make(map[domain.Category]float64, len(domain.AllCategories)),
		Awards:      make([]Award, 0, len(items)),
	}
	for _, c := range domain.AllCategories {
		totals.PerCategory[c] = 0
	}

	for _, it := range items {
		a := award(it, policy)
		if a.Counted {
			totals.PerCategory[a.Category] += a.Units
			if a.CountsTowardCore {
				totals.CoreUnits += a.Units
			}
			if a.Lab {
				totals.LabUnits += a.Units
			}
		}
		totals.Awards = append(totals.Awards, a)
	}
	return totals
}

func award(it Item, policy domain.Policy) Award {
	a := Award{RecordID: it.RecordID, Category: it.Category}
	switch {
	case !it.IsCompleted:
		a.Excluded = ExcludedIncomplete
		return a
	case it.Category == "":
		a.Excluded = ExcludedNoMatch
		return a
	}

	if it.HoursPerWeek <= 0 || it.WeeksPerYear <= 0 {
		a.Units = it.DefaultCreditHours
		a.UsedDefault = true
	} else {
		a.Units = Units(it.HoursPerWeek, it.WeeksPerYear)
	}

	if it.Category == domain.CategoryMath && policy.RequireAlgebraIOrHigher && !it.IsAlgebraIOrHigher {
		a.Excluded = ExcludedBelowAlgebraI
		return a
	}

	a.Counted = true
	a.CountsTowardCore = policy.CountsTowardCore(it.Category)
	a.Lab = it.IsLabScience && it.Category == domain.CategoryScience
	return a
}
