package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "web", false},
		{"mixed case with spaces", "Web Servers", false},
		{"unicode", "größe", false},
		{"empty", "", true},
		{"leading space", " web", true},
		{"trailing space", "web ", true},
		{"control character", "we\tb", true},
		{"too long", strings.Repeat("a", MaxNameLength+1), true},
		{"max length", strings.Repeat("a", MaxNameLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateHWID(t *testing.T) {
	tests := []struct {
		name    string
		hwID    string
		wantErr bool
	}{
		{"serial", "abc123", false},
		{"with separators", "fa-ce_b0:0c", false},
		{"empty", "", true},
		{"space", "abc 123", true},
		{"slash", "abc/123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHWID(tt.hwID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHWID(%q) error = %v, wantErr %v", tt.hwID, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeHWID(t *testing.T) {
	if got := NormalizeHWID("  ABC-123 \n"); got != "abc-123" {
		t.Errorf("Expected abc-123, got %q", got)
	}
}

func TestValidateMACAddress(t *testing.T) {
	tests := []struct {
		mac     string
		wantErr bool
	}{
		{"", false},
		{"de:ad:be:ef:00:01", false},
		{"DE-AD-BE-EF-00-01", false},
		{"not-a-mac", true},
		{"de:ad:be:ef:00", true},
	}

	for _, tt := range tests {
		t.Run(tt.mac, func(t *testing.T) {
			err := ValidateMACAddress(tt.mac)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMACAddress(%q) error = %v, wantErr %v", tt.mac, err, tt.wantErr)
			}
		})
	}
}

func TestValidateHostnamePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"host${id}.example.com", false},
		{"${id}", false},
		{"", true},
		{"static.example.com", true},
		{"host_${id}", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidateHostnamePattern(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHostnamePattern(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

type sampleRequest struct {
	Name     string `json:"name" validate:"required,name"`
	MaxCount *int   `json:"max-count" validate:"omitempty,gte=0"`
	Power    string `json:"state" validate:"omitempty,oneof=on off"`
	Internal string `json:"-"`
}

func TestStruct(t *testing.T) {
	neg := -1

	t.Run("valid", func(t *testing.T) {
		if err := Struct(&sampleRequest{Name: "web", Power: "on"}); err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
	})

	t.Run("field errors use json names", func(t *testing.T) {
		err := Struct(&sampleRequest{MaxCount: &neg, Power: "sideways"})
		var verrs ValidationErrors
		if !errors.As(err, &verrs) {
			t.Fatalf("Expected ValidationErrors, got %T (%v)", err, err)
		}
		fields := map[string]string{}
		for _, v := range verrs {
			fields[v.Field] = v.Message
		}
		if fields["name"] != "is required" {
			t.Errorf("Expected name to be required, got %q", fields["name"])
		}
		if _, ok := fields["max-count"]; !ok {
			t.Errorf("Expected an error for max-count, got %v", fields)
		}
		if !strings.HasPrefix(fields["state"], "must be one of") {
			t.Errorf("Expected oneof message for state, got %q", fields["state"])
		}
	})

	t.Run("custom name rule", func(t *testing.T) {
		err := Struct(&sampleRequest{Name: " web"})
		var verrs ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) != 1 {
			t.Fatalf("Expected one validation error, got %v", err)
		}
		if verrs[0].Field != "name" {
			t.Errorf("Expected field name, got %q", verrs[0].Field)
		}
	})
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	if errs.HasErrors() {
		t.Error("Expected no errors")
	}
	errs.Add("name", "", "is required")
	errs.Add("rule", "[]", "matcher must have at least one argument")
	if !errs.HasErrors() {
		t.Error("Expected errors")
	}
	errs.Addf("name", "x", "must be at most %d characters", 3)
	if got := errs.Error(); got != "name: is required; rule: matcher must have at least one argument; name: must be at most 3 characters" {
		t.Errorf("Unexpected message: %q", got)
	}
	if got := errs.Fields(); len(got) != 2 || got[0] != "name" || got[1] != "rule" {
		t.Errorf("Expected fields [name rule], got %v", got)
	}
}
