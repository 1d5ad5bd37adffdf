package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/classforge/attempt-service/internal/models"
)

// Validator wraps go-playground/validator with the domain's custom tags.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator with all custom rules registered.
func New() *Validator {
	v := &Validator{validate: validator.New()}
	v.registerRules()
	return v
}

// Validate runs struct validation and converts failures into
// ValidationErrors. Returns nil when the struct is valid.
func (v *Validator) Validate(s interface{}) ValidationErrors {
	if err := v.validate.Struct(s); err != nil {
		return ToValidationErrors(err)
	}
	return nil
}

func (v *Validator) registerRules() {
	// Test duration (1-480 minutes)
	v.validate.RegisterValidation("test_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Int()
		return d >= 1 && d <= 480
	})

	// Attempt limit (1-10)
	v.validate.RegisterValidation("max_attempts", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n >= 1 && n <= 10
	})

	v.validate.RegisterValidation("test_type", func(fl validator.FieldLevel) bool {
		t := models.TestType(fl.Field().String())
		return t == models.TestLive || t == models.TestFlexible
	})

	v.validate.RegisterValidation("question_type", func(fl validator.FieldLevel) bool {
		t := models.QuestionType(fl.Field().String())
		return t == models.QuestionMCQ || t == models.QuestionEssay
	})

	v.validate.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		t := models.AttemptEventType(fl.Field().String())
		switch t {
		case models.EventAnswerChange, models.EventNavigation, models.EventFlagToggle,
			models.EventConnection, models.EventTabSwitch:
			return true
		}
		return false
	})
}

// ValidationError describes one failed rule on one field.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
	Rule    string      `json:"rule"`
}

type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(ve))
	for i, e := range ve {
		parts[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(parts, "; ")
}

// ToValidationErrors converts validator.v10 errors into the domain type.
func ToValidationErrors(err error) ValidationErrors {
	var out ValidationErrors

	if fieldErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Field:   strings.ToLower(fe.Field()),
				Message: messageForTag(fe),
				Value:   fe.Value(),
				Rule:    fe.Tag(),
			})
		}
		return out
	}

	return ValidationErrors{{Field: "request", Message: err.Error(), Rule: "invalid"}}
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "test_duration":
		return "must be between 1 and 480 minutes"
	case "max_attempts":
		return "must be between 1 and 10"
	case "test_type":
		return "must be live or flexible"
	case "question_type":
		return "must be mcq or essay"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
