package utils

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/classworks/attempt-service/internal/errors"
	"github.com/classworks/attempt-service/internal/models"
)

// Validator wraps struct-tag validation with domain-specific rules.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	validate := validator.New()
	RegisterCustomValidators(validate)
	return &Validator{validate: validate}
}

// Validate runs struct-tag validation and converts failures to the shared
// validation error type.
func (v *Validator) Validate(s interface{}) error {
	if err := v.validate.Struct(s); err != nil {
		if ve := apperrors.ToValidationErrors(err); len(ve) > 0 {
			return ve
		}
		return err
	}
	return nil
}

// Custom validation functions

func ValidateViolationKind(fl validator.FieldLevel) bool {
	return models.IsCountedViolation(models.ViolationKind(fl.Field().String()))
}

func ValidateSubmitReason(fl validator.FieldLevel) bool {
	switch models.SubmitReason(fl.Field().String()) {
	case models.SubmitReasonManual, models.SubmitReasonTimeout, models.SubmitReasonViolationLimit:
		return true
	}
	return false
}

func ValidateAssessmentKind(fl validator.FieldLevel) bool {
	switch models.AssessmentKind(fl.Field().String()) {
	case models.KindQuiz, models.KindExam:
		return true
	}
	return false
}

// RegisterCustomValidators registers all custom validators
func RegisterCustomValidators(validate *validator.Validate) {
	validate.RegisterValidation("violation_kind", ValidateViolationKind)
	validate.RegisterValidation("submit_reason", ValidateSubmitReason)
	validate.RegisterValidation("assessment_kind", ValidateAssessmentKind)

	// Register custom tag name function for better error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}
