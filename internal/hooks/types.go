// Package hooks runs user-supplied scripts on node lifecycle events.
//
// A hook type is a directory named <type>.hook under the hook path. It holds
// a configuration.yaml schema and one executable per event it handles,
// named after the event with dashes (node-registered, node-bound,
// node-reinstall, node-deleted). A hook is a named instance of a type with
// its own configuration.
package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bcnelson/provisioner/internal/domain"
)

const (
	typeSuffix = ".hook"
	schemaFile = "configuration.yaml"
)

// ConfigKey declares one configuration key of a hook type.
type ConfigKey struct {
	Description string
	Required    bool
	Default     any
	HasDefault  bool
}

// UnmarshalYAML distinguishes an absent default from an explicit one.
func (k *ConfigKey) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Description string    `yaml:"description"`
		Required    bool      `yaml:"required"`
		Default     yaml.Node `yaml:"default"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	k.Description = raw.Description
	k.Required = raw.Required
	if raw.Default.Kind != 0 {
		var v any
		if err := raw.Default.Decode(&v); err != nil {
			return err
		}
		normalized, err := jsonValue(v)
		if err != nil {
			return fmt.Errorf("default: %w", err)
		}
		k.Default, k.HasDefault = normalized, true
	}
	return nil
}

// jsonValue converts a decoded YAML value into the form it takes after a
// JSON round trip, so defaults compare equal to stored configuration.
func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Schema maps configuration keys to their declarations.
type Schema map[string]ConfigKey

// HookType is a loaded hook type directory.
type HookType struct {
	Name    string
	Dir     string
	Schema  Schema
	scripts map[string]string
}

// ScriptName is the executable name that handles event.
func ScriptName(event string) string {
	return strings.ReplaceAll(event, "_", "-")
}

// Script returns the path of the executable handling event.
func (t *HookType) Script(event string) (string, bool) {
	path, ok := t.scripts[event]
	return path, ok
}

// Handles reports whether the type has a script for event.
func (t *HookType) Handles(event string) bool {
	_, ok := t.scripts[event]
	return ok
}

// Catalog is the set of hook types found under the hook path.
type Catalog struct {
	types map[string]*HookType
}

// NewCatalog builds a catalog from already loaded types.
func NewCatalog(types ...*HookType) *Catalog {
	c := &Catalog{types: make(map[string]*HookType, len(types))}
	for _, t := range types {
		c.types[t.Name] = t
	}
	return c
}

// LoadCatalog reads every <type>.hook directory under root. A missing root
// yields an empty catalog.
func LoadCatalog(root string) (*Catalog, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return NewCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading hook path %s: %w", root, err)
	}

	var types []*HookType
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), typeSuffix) {
			continue
		}
		t, err := LoadType(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return NewCatalog(types...), nil
}

// LoadType reads one hook type directory.
func LoadType(dir string) (*HookType, error) {
	t := &HookType{
		Name:    strings.TrimSuffix(filepath.Base(dir), typeSuffix),
		Dir:     dir,
		Schema:  Schema{},
		scripts: map[string]string{},
	}

	data, err := os.ReadFile(filepath.Join(dir, schemaFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("hook type %s: %w", t.Name, err)
	default:
		if err := yaml.Unmarshal(data, &t.Schema); err != nil {
			return nil, fmt.Errorf("hook type %s: parsing %s: %w", t.Name, schemaFile, err)
		}
		if t.Schema == nil {
			t.Schema = Schema{}
		}
	}

	for _, event := range domain.LifecycleEvents {
		path := filepath.Join(dir, ScriptName(event))
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		t.scripts[event] = path
	}
	return t, nil
}

// Get returns the named hook type.
func (c *Catalog) Get(name string) (*HookType, error) {
	t, ok := c.types[name]
	if !ok {
		return nil, fmt.Errorf("hook type %q: %w", name, domain.ErrNotFound)
	}
	return t, nil
}

// Names lists the hook types, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
