package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"example.com/backstage/plm/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	RegisterCustomValidations()
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	return nil
}

// ValidateCommand validates a command and reports failures as a ValidationError
func ValidateCommand(cmd interface{}) error {
	err := ValidateStruct(cmd)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return domain.NewValidationError(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return domain.NewValidationError(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "plm_kind":
		return fmt.Sprintf("%s must be item or bom", field)
	case "min", "gte", "gt":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// IsValidUUID checks if a string is a valid UUID
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidateIdentity validates an Item code or BOM name
func ValidateIdentity(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if strings.ContainsAny(id, "/?#") {
		return fmt.Errorf("identity %q contains reserved characters", id)
	}
	return nil
}

// RegisterCustomValidations registers custom validation functions
func RegisterCustomValidations() {
	validate.RegisterValidation("plm_kind", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseKind(fl.Field().String())
		return err == nil
	})

	validate.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return ValidateIdentity(fl.Field().String()) == nil
	})
}
