// Package matcher evaluates tag rules against a node's facts and metadata.
//
// A rule is a JSON array in prefix notation whose first element names a
// function:
//
//	["and", ["=", ["fact", "processorcount"], "2"],
//	        ["gte", ["num", ["fact", "memorysize_mb"]], 4096]]
//
// Rules are compiled once by Parse and evaluated any number of times with
// Rule.Match. Facts or metadata that a node does not report evaluate to an
// absent value, and every comparison involving an absent value is false.
package matcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// NoArgumentsMessage is returned for an empty rule or a function called
// without operands.
const NoArgumentsMessage = "matcher must have at least one argument"

// RuleError is a semantic problem with a rule, as opposed to a JSON syntax
// error. Its message is meant to be shown to the user as-is.
type RuleError struct {
	Msg string
}

func (e *RuleError) Error() string { return e.Msg }

func ruleErrorf(format string, args ...any) error {
	return &RuleError{Msg: fmt.Sprintf(format, args...)}
}

// IsRuleError reports whether err is a semantic rule error.
func IsRuleError(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

// Context exposes the node values a rule can reference.
type Context interface {
	Fact(name string) (string, bool)
	Metadata(name string) (string, bool)
}

// Values is a Context backed by plain maps.
type Values struct {
	Facts map[string]string
	Meta  map[string]string
}

// Fact implements Context.
func (v Values) Fact(name string) (string, bool) {
	s, ok := v.Facts[name]
	return s, ok
}

// Metadata implements Context.
func (v Values) Metadata(name string) (string, bool) {
	s, ok := v.Meta[name]
	return s, ok
}

// Rule is a compiled rule.
type Rule struct {
	root expr
}

// Parse decodes and validates a rule.
func Parse(raw []byte) (*Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("rule is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("rule is not valid JSON: trailing data")
	}
	if _, ok := doc.([]any); !ok {
		return nil, ruleErrorf("rule must be an array")
	}
	root, err := compile(doc)
	if err != nil {
		return nil, err
	}
	if !root.boolean() {
		return nil, ruleErrorf("rule must evaluate to a boolean")
	}
	return &Rule{root: root}, nil
}

// Validate reports whether raw is a well-formed rule.
func Validate(raw []byte) error {
	_, err := Parse(raw)
	return err
}

// Match evaluates the rule. Evaluation errors are RuleErrors, for example
// an ordering comparison on a value that is not a number.
func (r *Rule) Match(ctx Context) (bool, error) {
	v, err := r.root.eval(ctx)
	if err != nil {
		return false, err
	}
	return v.kind == kindBool && v.b, nil
}

// Match parses raw and evaluates it in one step.
func Match(raw []byte, ctx Context) (bool, error) {
	r, err := Parse(raw)
	if err != nil {
		return false, err
	}
	return r.Match(ctx)
}
