package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct validates request payloads and flattens the errors
// into one readable message.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var errs []string
	for _, err := range err.(validator.ValidationErrors) {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			errs = append(errs, field+" is required")
		case "min":
			errs = append(errs, field+" must be at least "+param)
		case "max":
			errs = append(errs, field+" must be at most "+param)
		case "email":
			errs = append(errs, field+" must be a valid email")
		case "e164":
			errs = append(errs, field+" must be a valid phone number in E.164 format")
		case "oneof":
			errs = append(errs, field+" must be one of: "+param)
		case "gte":
			errs = append(errs, field+" must be >= "+param)
		case "lte":
			errs = append(errs, field+" must be <= "+param)
		default:
			errs = append(errs, field+" is invalid")
		}
	}

	return fmt.Errorf(strings.Join(errs, ", "))
}
