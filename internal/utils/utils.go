package utils

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

type FieldErrorResponse struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationErr flattens validator errors into the response shape the API
// returns for 400s.
func ValidationErr(err validator.ValidationErrors) []FieldErrorResponse {
	var out []FieldErrorResponse
	for _, fe := range err {
		out = append(out, FieldErrorResponse{
			Field:   fe.Field(),
			Tag:     fe.ActualTag(),
			Message: fieldErrorMessage(fe),
		})
	}
	return out
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.ActualTag() {
	case "required":
		return "This field is required."
	case "min":
		return fmt.Sprintf("Must be at least %s characters.", fe.Param())
	case "max":
		return fmt.Sprintf("Must be at most %s characters.", fe.Param())
	default:
		return "Invalid value."
	}
}
