// Package validation checks command input before it reaches the services.
// Struct-level rules are declared with go-playground/validator tags; the
// helpers below cover names and identifiers shared by several commands.
package validation

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// MaxNameLength bounds tag, policy, hook, repo and broker names.
const MaxNameLength = 250

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their JSON names, since that is what clients send.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("name", func(fl validator.FieldLevel) bool {
			return ValidateName(fl.Field().String()) == nil
		})
		_ = validate.RegisterValidation("mac", func(fl validator.FieldLevel) bool {
			return ValidateMACAddress(fl.Field().String()) == nil
		})
	})
	return validate
}

// Struct validates v against its `validate` tags and returns the failures
// as ValidationErrors, or nil.
func Struct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	var out ValidationErrors
	for _, fe := range fieldErrs {
		out.Add(fe.Field(), fmt.Sprint(fe.Value()), messageFor(fe))
	}
	return out
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "excluded_with":
		return "cannot be combined with " + fe.Param()
	case "required_without":
		return "is required when " + fe.Param() + " is not given"
	case "name":
		if err := ValidateName(fmt.Sprint(fe.Value())); err != nil {
			return err.Error()
		}
	case "mac":
		return "must be a MAC address"
	}
	return fmt.Sprintf("failed the '%s' check", fe.Tag())
}

// ValidateName checks a user-supplied entity name. Names are compared
// case-insensitively elsewhere, so only their shape is checked here.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name must be at most %d characters", MaxNameLength)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("name must not begin or end with whitespace")
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("name must not contain control characters")
		}
	}
	return nil
}

// NormalizeHWID lowercases a hardware id and strips surrounding whitespace.
func NormalizeHWID(hwID string) string {
	return strings.ToLower(strings.TrimSpace(hwID))
}

// ValidateHWID checks a normalized hardware id: letters, digits, '-', '_'
// and ':' only.
func ValidateHWID(hwID string) error {
	if hwID == "" {
		return fmt.Errorf("hardware id must not be empty")
	}
	for _, r := range hwID {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == ':') {
			return fmt.Errorf("hardware id contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateMACAddress accepts an empty string or any address net.ParseMAC accepts.
func ValidateMACAddress(mac string) error {
	if mac == "" {
		return nil
	}
	if _, err := net.ParseMAC(mac); err != nil {
		return fmt.Errorf("invalid MAC address %q", mac)
	}
	return nil
}

// ValidateHostnamePattern requires a pattern that yields a distinct
// hostname per node.
func ValidateHostnamePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("hostname pattern must not be empty")
	}
	if !strings.Contains(pattern, "${id}") {
		return fmt.Errorf("hostname pattern must contain ${id}")
	}
	expanded := strings.ReplaceAll(pattern, "${id}", "1")
	for _, r := range expanded {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.') {
			return fmt.Errorf("hostname pattern contains invalid character %q", r)
		}
	}
	return nil
}
