package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Value != "" {
		return fmt.Sprintf("%s: %s (value: %q)", ve.Field, ve.Message, ve.Value)
	}
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ves ValidationErrors) Error() string {
	if len(ves) == 0 {
		return ""
	}
	if len(ves) == 1 {
		return ves[0].Error()
	}

	var messages []string
	for _, ve := range ves {
		messages = append(messages, ve.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

var (
	validate     *validator.Validate
	validateOnce sync.Once

	gitRefPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// NewValidator creates a new validator with the app record rules registered
func NewValidator() *validator.Validate {
	v := validator.New()

	v.RegisterValidation("git_remote", validateGitRemote)
	v.RegisterValidation("git_ref", validateGitRef)

	return v
}

func sharedValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = NewValidator()
	})
	return validate
}

// ValidateRecord checks the fields of an app record. The returned error is a
// *Error of kind validation or invalid_repo.
func ValidateRecord(record AppRecord) error {
	if record.Repo != "" {
		if _, ok := record.ID(); !ok {
			return InvalidRepo(record.Repo)
		}
	}

	if err := sharedValidator().Struct(record); err != nil {
		return Validation(convertValidatorErrors(err))
	}

	return nil
}

// convertValidatorErrors converts go-playground validator errors to our custom format
func convertValidatorErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	var out ValidationErrors
	for _, ve := range validationErrors {
		out = append(out, ValidationError{
			Field:   ve.Field(),
			Message: getValidationMessage(ve),
			Value:   fmt.Sprintf("%v", ve.Value()),
		})
	}
	return out
}

func getValidationMessage(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "is required"
	case "git_remote":
		return "must be an https:// or user@host: repository url"
	case "git_ref":
		return "must be a valid branch name"
	default:
		return ve.Error()
	}
}

func validateGitRemote(fl validator.FieldLevel) bool {
	_, ok := CanonicalID(fl.Field().String())
	return ok
}

func validateGitRef(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	if strings.Contains(value, "..") || strings.HasPrefix(value, "-") ||
		strings.HasPrefix(value, "/") || strings.HasSuffix(value, "/") ||
		strings.HasSuffix(value, ".lock") {
		return false
	}
	return gitRefPattern.MatchString(value)
}
