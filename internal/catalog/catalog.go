// Package catalog holds the reference data: countries, education systems,
// grade scales and course-equivalency rules. Readers work on an immutable
// Snapshot; Store swaps snapshots atomically on reload.
package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/textfold"
)

// Snapshot is an immutable, indexed view of one catalog version.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	data     *domain.CatalogData

	countries map[string]domain.Country
	systems   map[string]domain.EducationSystem
	grades    map[string][]domain.GradeScaleEntry
	rules     map[string][]domain.CourseRule
	ruleByID  map[string]domain.CourseRule
}

// NewSnapshot validates data and builds its indexes.
// Rule keywords are folded to the matcher's token form.
func NewSnapshot(data *domain.CatalogData, version int64) (*Snapshot, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	s := &Snapshot{
		version:   version,
		loadedAt:  time.Now().UTC(),
		countries: make(map[string]domain.Country, len(data.Countries)),
		systems:   make(map[string]domain.EducationSystem, len(data.Systems)),
		grades:    make(map[string][]domain.GradeScaleEntry),
		rules:     make(map[string][]domain.CourseRule),
		ruleByID:  make(map[string]domain.CourseRule, len(data.Rules)),
	}

	copied := &domain.CatalogData{
		Countries:   append([]domain.Country(nil), data.Countries...),
		Systems:     append([]domain.EducationSystem(nil), data.Systems...),
		GradeScales: append([]domain.GradeScaleEntry(nil), data.GradeScales...),
	}
	for _, c := range copied.Countries {
		s.countries[c.ID] = c
	}
	for _, sys := range copied.Systems {
		s.systems[sys.ID] = sys
	}
	for _, g := range copied.GradeScales {
		s.grades[g.SystemID] = append(s.grades[g.SystemID], g)
	}
	for id := range s.grades {
		g := s.grades[id]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Rank < g[j].Rank })
	}
	for _, r := range data.Rules {
		r.MatchKeywords = foldKeywords(r.MatchKeywords)
		copied.Rules = append(copied.Rules, r)
		s.rules[r.SystemID] = append(s.rules[r.SystemID], r)
		s.ruleByID[r.ID] = r
	}
	for id := range s.rules {
		r := s.rules[id]
		sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	}
	s.data = copied
	return s, nil
}

func foldKeywords(kws []string) []string {
	out := make([]string, 0, len(kws))
	seen := make(map[string]bool, len(kws))
	for _, kw := range kws {
		for _, tok := range textfold.Tokens(kw) {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}

// Version is the monotonically increasing catalog version.
func (s *Snapshot) Version() int64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Data returns the snapshot's reference data. Callers must not modify it.
func (s *Snapshot) Data() *domain.CatalogData { return s.data }

// Country looks up a country by ISO code.
func (s *Snapshot) Country(id string) (domain.Country, bool) {
	c, ok := s.countries[id]
	return c, ok
}

// System looks up an education system.
func (s *Snapshot) System(id string) (domain.EducationSystem, bool) {
	sys, ok := s.systems[id]
	return sys, ok
}

// Grades returns the grade scale of a system, best grade first.
func (s *Snapshot) Grades(systemID string) []domain.GradeScaleEntry {
	return s.grades[systemID]
}

// Rules returns the course rules of a system ordered by rule ID.
func (s *Snapshot) Rules(systemID string) []domain.CourseRule {
	return s.rules[systemID]
}

// Rule looks up a course rule by ID.
func (s *Snapshot) Rule(id string) (domain.CourseRule, bool) {
	r, ok := s.ruleByID[id]
	return r, ok
}

// RulesVersion returns the rules version of a system, or "" if unknown.
func (s *Snapshot) RulesVersion(systemID string) string {
	return s.systems[systemID].RulesVersion
}

// Stats summarizes the snapshot for health and catalog endpoints.
type Stats struct {
	Version   int64     `json:"version"`
	LoadedAt  time.Time `json:"loadedAt"`
	Countries int       `json:"countries"`
	Systems   []string  `json:"systems"`
	Grades    int       `json:"grades"`
	Rules     int       `json:"rules"`
}

// Stats returns a summary of the snapshot.
func (s *Snapshot) Stats() Stats {
	ids := make([]string, 0, len(s.systems))
	for id := range s.systems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Stats{
		Version:   s.version,
		LoadedAt:  s.loadedAt,
		Countries: len(s.countries),
		Systems:   ids,
		Grades:    len(s.data.GradeScales),
		Rules:     len(s.data.Rules),
	}
}

// SystemsForCountry lists the systems available in a country.
func (s *Snapshot) SystemsForCountry(countryID string) []domain.EducationSystem {
	var out []domain.EducationSystem
	for _, sys := range s.data.Systems {
		if strings.EqualFold(sys.CountryID, countryID) {
			out = append(out, sys)
		}
	}
	return out
}
