package config

import (
	"reflect"
	"strings"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// Validator is implemented by configuration structs that check
// cross-field rules, such as "exactly one key source is configured". It
// runs after required-tag checks pass. Errors that are not already
// [*sserr.Error] are wrapped with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isSSErr := sserr.AsError(err); isSSErr {
			return err
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
	}
	return nil
}

// validateRequired walks nested structs; path is the dotted field path
// used in the error, e.g. "Postgres.URI".
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") != "true" {
			continue
		}
		if field.IsZero() || (field.Kind() == reflect.String && strings.TrimSpace(field.String()) == "") {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}

// OneOf returns a [sserr.CodeValidation] error unless value is one of
// allowed. Comparison is case-insensitive.
func OneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return nil
		}
	}
	return sserr.Newf(sserr.CodeValidation,
		"config: %s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}
