package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/go4it/credeval/internal/domain"
)

//go:embed seed.yaml
var defaultSeed []byte

type seedFile struct {
	Countries []domain.Country `yaml:"countries"`
	Systems   []seedSystem     `yaml:"systems"`
}

type seedSystem struct {
	domain.EducationSystem `yaml:",inline"`
	Grades                 []domain.GradeScaleEntry `yaml:"grades"`
	Rules                  []domain.CourseRule      `yaml:"rules"`
}

// DefaultSeed parses the embedded seed catalog.
func DefaultSeed() (*domain.CatalogData, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeedFile parses a seed catalog from disk.
func LoadSeedFile(path string) (*domain.CatalogData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes YAML seed data. Grade ranks follow list order, best first.
func ParseSeed(raw []byte) (*domain.CatalogData, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	data := &domain.CatalogData{Countries: f.Countries}
	for _, s := range f.Systems {
		data.Systems = append(data.Systems, s.EducationSystem)
		for i, g := range s.Grades {
			g.SystemID = s.ID
			g.Rank = i
			data.GradeScales = append(data.GradeScales, g)
		}
		for _, r := range s.Rules {
			r.SystemID = s.ID
			data.Rules = append(data.Rules, r)
		}
	}

	if err := Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// MarshalSeed renders catalog data back to the seed format.
func MarshalSeed(data *domain.CatalogData) ([]byte, error) {
	f := seedFile{Countries: data.Countries}
	for _, sys := range data.Systems {
		s := seedSystem{EducationSystem: sys}
		for _, g := range data.GradeScales {
			if g.SystemID == sys.ID {
				s.Grades = append(s.Grades, g)
			}
		}
		for _, r := range data.Rules {
			if r.SystemID == sys.ID {
				s.Rules = append(s.Rules, r)
			}
		}
		f.Systems = append(f.Systems, s)
	}
	return yaml.Marshal(&f)
}
