package hooks

import (
	"sort"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/validation"
)

// ValidateConfiguration checks supplied against schema and returns it with
// defaults filled in. Keys the schema does not declare are rejected, as are
// required keys that have neither a value nor a default.
func ValidateConfiguration(schema Schema, supplied domain.JSONObject) (domain.JSONObject, error) {
	out := supplied.Clone()
	if out == nil {
		out = domain.JSONObject{}
	}

	var errs validation.ValidationErrors
	for _, key := range sortedKeys(supplied) {
		if _, ok := schema[key]; !ok {
			errs.Addf("configuration", key, "key %q is not declared by the hook type", key)
		}
	}

	keys := make([]string, 0, len(schema))
	for key := range schema {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		decl := schema[key]
		if _, ok := out[key]; ok {
			continue
		}
		if decl.HasDefault {
			out[key] = decl.Default
			continue
		}
		if decl.Required {
			errs.Addf("configuration", key, "required key %q is missing", key)
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return out, nil
}

func sortedKeys(m domain.JSONObject) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
