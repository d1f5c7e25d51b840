package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Get returns a singleton validator instance
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New()

		// Report JSON field names instead of struct field names
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("waphone", validatePhone)
	})
	return validate
}

// validatePhone accepts numbers with 10 to 15 digits once punctuation is stripped.
func validatePhone(fl validator.FieldLevel) bool {
	digits := 0
	for _, r := range fl.Field().String() {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits >= 10 && digits <= 15
}

// Validate validates a struct. Failures wrap apperrors.ErrValidation.
func Validate(s interface{}) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("field '%s' %s", e.Field(), getErrorMessage(e)))
	}

	return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(messages, "; "))
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	if err := Get().Var(field, tag); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	return nil
}

func getErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters long", e.Param())
	case "max":
		return fmt.Sprintf("must not exceed %s characters", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "waphone":
		return "must be a phone number with 10 to 15 digits"
	default:
		return fmt.Sprintf("failed '%s' validation", e.Tag())
	}
}
