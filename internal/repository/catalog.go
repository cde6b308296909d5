package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/go4it/credeval/internal/domain"
)

// LoadCatalog reads all reference data.
func (r *SQLRepository) LoadCatalog(ctx context.Context) (*domain.CatalogData, error) {
	data := &domain.CatalogData{}

	rows, err := r.db.QueryContext(ctx, `SELECT id, name, region FROM countries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c domain.Country
		if err := rows.Scan(&c.ID, &c.Name, &c.Region); err != nil {
			rows.Close()
			return nil, err
		}
		data.Countries = append(data.Countries, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT id, country_id, name, grading_scale_kind, credit_system, rules_version
		FROM education_systems ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var s domain.EducationSystem
		if err := rows.Scan(&s.ID, &s.CountryID, &s.Name, &s.GradingScaleKind, &s.CreditSystem, &s.RulesVersion); err != nil {
			rows.Close()
			return nil, err
		}
		data.Systems = append(data.Systems, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT system_id, local_grade, us_gpa, label, grade_rank
		FROM grade_scale_entries ORDER BY system_id, grade_rank`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var g domain.GradeScaleEntry
		if err := rows.Scan(&g.SystemID, &g.LocalGrade, &g.USGPA, &g.Label, &g.Rank); err != nil {
			rows.Close()
			return nil, err
		}
		data.GradeScales = append(data.GradeScales, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT id, system_id, local_course_name, category, us_equivalent_name,
		       is_lab_science, is_algebra_i_or_higher, default_credit_hours,
		       match_keywords, base_confidence
		FROM course_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rule        domain.CourseRule
			category    string
			lab, alg    int
			keywordsRaw string
		)
		if err := rows.Scan(&rule.ID, &rule.SystemID, &rule.LocalCourseName, &category, &rule.USEquivalentName,
			&lab, &alg, &rule.DefaultCreditHours, &keywordsRaw, &rule.BaseConfidence); err != nil {
			return nil, err
		}
		rule.Category = domain.Category(category)
		rule.IsLabScience = lab == 1
		rule.IsAlgebraIOrHigher = alg == 1
		if err := json.Unmarshal([]byte(keywordsRaw), &rule.MatchKeywords); err != nil {
			return nil, fmt.Errorf("failed to parse keywords of rule %s: %w", rule.ID, err)
		}
		data.Rules = append(data.Rules, rule)
	}
	return data, rows.Err()
}

// SaveCatalog replaces all reference data in one transaction.
func (r *SQLRepository) SaveCatalog(ctx context.Context, data *domain.CatalogData) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"course_rules", "grade_scale_entries", "education_systems", "countries"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		for _, c := range data.Countries {
			if _, err := tx.ExecContext(ctx, r.rebind(`INSERT INTO countries (id, name, region) VALUES (?, ?, ?)`),
				c.ID, c.Name, c.Region); err != nil {
				return fmt.Errorf("insert country %s: %w", c.ID, err)
			}
		}
		for _, s := range data.Systems {
			if _, err := tx.ExecContext(ctx, r.rebind(`
				INSERT INTO education_systems (id, country_id, name, grading_scale_kind, credit_system, rules_version)
				VALUES (?, ?, ?, ?, ?, ?)`),
				s.ID, s.CountryID, s.Name, s.GradingScaleKind, s.CreditSystem, s.RulesVersion); err != nil {
				return fmt.Errorf("insert system %s: %w", s.ID, err)
			}
		}
		for _, g := range data.GradeScales {
			if _, err := tx.ExecContext(ctx, r.rebind(`
				INSERT INTO grade_scale_entries (system_id, local_grade, us_gpa, label, grade_rank)
				VALUES (?, ?, ?, ?, ?)`),
				g.SystemID, g.LocalGrade, g.USGPA, g.Label, g.Rank); err != nil {
				return fmt.Errorf("insert grade %s/%s: %w", g.SystemID, g.LocalGrade, err)
			}
		}
		for _, rule := range data.Rules {
			keywords, err := json.Marshal(rule.MatchKeywords)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, r.rebind(`
				INSERT INTO course_rules (
					id, system_id, local_course_name, category, us_equivalent_name,
					is_lab_science, is_algebra_i_or_higher, default_credit_hours,
					match_keywords, base_confidence
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				rule.ID, rule.SystemID, rule.LocalCourseName, string(rule.Category), rule.USEquivalentName,
				boolInt(rule.IsLabScience), boolInt(rule.IsAlgebraIOrHigher), rule.DefaultCreditHours,
				string(keywords), rule.BaseConfidence); err != nil {
				return fmt.Errorf("insert rule %s: %w", rule.ID, err)
			}
		}
		return nil
	})
}
