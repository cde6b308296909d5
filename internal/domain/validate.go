package domain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with domain tags registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
			return Category(fl.Field().String()).Valid()
		})
		validate = v
	})
	return validate
}

// ValidateRecord checks the structural constraints of a course record.
// It returns an *InvalidCourseRecordError listing each failed field.
func ValidateRecord(r *CourseRecord) error {
	if err := Validator().Struct(r); err != nil {
		return &InvalidCourseRecordError{RecordID: r.ID, Fields: fieldErrors(err)}
	}
	return nil
}

// ValidateRequest checks an ingestion payload.
func ValidateRequest(req *TranscriptRequest) error {
	if err := Validator().Struct(req); err != nil {
		return &InvalidCourseRecordError{Fields: fieldErrors(err)}
	}
	return nil
}

// ValidateResolution checks a reviewer's resolution.
func ValidateResolution(res *Resolution) error {
	if err := Validator().Struct(res); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if res.IsCorrection() && res.Subject == "" && res.RuleID == "" && res.LocalGrade == "" {
		return fmt.Errorf("%w: correction needs a subject, rule or grade", ErrInvalidInput)
	}
	return nil
}

func fieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "record", Rule: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field: fe.Namespace(),
			Rule:  fe.Tag(),
			Value: fmt.Sprint(fe.Value()),
		})
	}
	return out
}
