// Package validation wraps go-playground/validator with the tags the
// scheduling payloads need.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared, lazily configured validator.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("multiple5", func(fl validator.FieldLevel) bool {
			return fl.Field().Int()%5 == 0
		})
		instance = v
	})
	return instance
}

// Struct validates s with the shared validator.
func Struct(s any) error {
	return Validator().Struct(s)
}

// Format turns validator errors into a single readable message.
func Format(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		field := e.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "multiple5":
			messages = append(messages, fmt.Sprintf("%s must be a multiple of 5", field))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", field, e.Param()))
		default:
			if e.Param() != "" {
				messages = append(messages, fmt.Sprintf("%s failed %s=%s", field, e.Tag(), e.Param()))
			} else {
				messages = append(messages, fmt.Sprintf("%s failed %s", field, e.Tag()))
			}
		}
	}
	return strings.Join(messages, ", ")
}
