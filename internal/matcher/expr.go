package matcher

import (
	"encoding/json"
	"strconv"
	"strings"
)

type kind int

const (
	kindAbsent kind = iota
	kindString
	kindNumber
	kindBool
)

type value struct {
	kind kind
	s    string
	n    float64
	b    bool
}

var absent = value{kind: kindAbsent}

func boolValue(b bool) value { return value{kind: kindBool, b: b} }

func (v value) String() string {
	switch v.kind {
	case kindString:
		return strconv.Quote(v.s)
	case kindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	}
	return "absent"
}

type expr interface {
	eval(ctx Context) (value, error)
	boolean() bool
}

func compile(node any) (expr, error) {
	switch n := node.(type) {
	case []any:
		return compileCall(n)
	case string:
		return literal{v: value{kind: kindString, s: n}}, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, ruleErrorf("invalid number %s", n.String())
		}
		return literal{v: value{kind: kindNumber, n: f}}, nil
	case bool:
		return literal{v: boolValue(n)}, nil
	case nil:
		return nil, ruleErrorf("null is not a valid rule value")
	default:
		return nil, ruleErrorf("objects are not valid rule values")
	}
}

func compileCall(call []any) (expr, error) {
	if len(call) == 0 {
		return nil, ruleErrorf(NoArgumentsMessage)
	}
	verb, ok := call[0].(string)
	if !ok {
		return nil, ruleErrorf("function name must be a string, got %v", call[0])
	}
	raw := call[1:]
	if len(raw) == 0 {
		return nil, ruleErrorf(NoArgumentsMessage)
	}

	switch verb {
	case "fact", "metadata":
		return compileLookup(verb, raw)
	}

	args := make([]expr, 0, len(raw))
	for _, a := range raw {
		e, err := compile(a)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}

	switch verb {
	case "and", "or":
		for _, a := range args {
			if !a.boolean() {
				return nil, ruleErrorf("arguments to '%s' must be boolean expressions", verb)
			}
		}
		return combinator{and: verb == "and", args: args}, nil
	case "not":
		if len(args) != 1 {
			return nil, ruleErrorf("'not' takes exactly one argument, got %d", len(args))
		}
		if !args[0].boolean() {
			return nil, ruleErrorf("argument to 'not' must be a boolean expression")
		}
		return negation{arg: args[0]}, nil
	case "=", "!=", "lt", "lte", "gt", "gte":
		if len(args) != 2 {
			return nil, ruleErrorf("'%s' takes exactly two arguments, got %d", verb, len(args))
		}
		return comparison{op: verb, left: args[0], right: args[1]}, nil
	case "in":
		if len(args) < 2 {
			return nil, ruleErrorf("'in' needs a value and at least one candidate")
		}
		return membership{needle: args[0], haystack: args[1:]}, nil
	case "num":
		if len(args) != 1 {
			return nil, ruleErrorf("'num' takes exactly one argument, got %d", len(args))
		}
		return numeric{arg: args[0]}, nil
	case "str":
		if len(args) != 1 {
			return nil, ruleErrorf("'str' takes exactly one argument, got %d", len(args))
		}
		return stringify{arg: args[0]}, nil
	}
	return nil, ruleErrorf("unknown function '%s'", verb)
}

func compileLookup(verb string, raw []any) (expr, error) {
	if len(raw) > 2 {
		return nil, ruleErrorf("'%s' takes a name and an optional default, got %d arguments", verb, len(raw))
	}
	name, ok := raw[0].(string)
	if !ok {
		return nil, ruleErrorf("'%s' name must be a string", verb)
	}
	l := lookup{metadata: verb == "metadata", name: name, def: absent}
	if len(raw) == 2 {
		d, err := compile(raw[1])
		if err != nil {
			return nil, err
		}
		lit, ok := d.(literal)
		if !ok {
			return nil, ruleErrorf("'%s' default must be a literal", verb)
		}
		l.def = lit.v
	}
	return l, nil
}

type literal struct{ v value }

func (l literal) eval(Context) (value, error) { return l.v, nil }
func (l literal) boolean() bool               { return l.v.kind == kindBool }

type lookup struct {
	metadata bool
	name     string
	def      value
}

func (l lookup) eval(ctx Context) (value, error) {
	var (
		s  string
		ok bool
	)
	if l.metadata {
		s, ok = ctx.Metadata(l.name)
	} else {
		s, ok = ctx.Fact(l.name)
	}
	if !ok {
		return l.def, nil
	}
	return value{kind: kindString, s: s}, nil
}

func (lookup) boolean() bool { return false }

type combinator struct {
	and  bool
	args []expr
}

func (c combinator) eval(ctx Context) (value, error) {
	for _, a := range c.args {
		v, err := a.eval(ctx)
		if err != nil {
			return absent, err
		}
		truthy := v.kind == kindBool && v.b
		if c.and && !truthy {
			return boolValue(false), nil
		}
		if !c.and && truthy {
			return boolValue(true), nil
		}
	}
	return boolValue(c.and), nil
}

func (combinator) boolean() bool { return true }

type negation struct{ arg expr }

func (n negation) eval(ctx Context) (value, error) {
	v, err := n.arg.eval(ctx)
	if err != nil {
		return absent, err
	}
	return boolValue(!(v.kind == kindBool && v.b)), nil
}

func (negation) boolean() bool { return true }

type numeric struct{ arg expr }

func (n numeric) eval(ctx Context) (value, error) {
	v, err := n.arg.eval(ctx)
	if err != nil {
		return absent, err
	}
	return toNumber(v)
}

func (numeric) boolean() bool { return false }

type stringify struct{ arg expr }

func (s stringify) eval(ctx Context) (value, error) {
	v, err := s.arg.eval(ctx)
	if err != nil {
		return absent, err
	}
	switch v.kind {
	case kindNumber:
		return value{kind: kindString, s: strconv.FormatFloat(v.n, 'f', -1, 64)}, nil
	case kindBool:
		return value{kind: kindString, s: strconv.FormatBool(v.b)}, nil
	}
	return v, nil
}

func (stringify) boolean() bool { return false }

func toNumber(v value) (value, error) {
	switch v.kind {
	case kindAbsent, kindNumber:
		return v, nil
	case kindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return absent, ruleErrorf("could not convert %s to a number", v)
		}
		return value{kind: kindNumber, n: f}, nil
	}
	return absent, ruleErrorf("could not convert %s to a number", v)
}

func isNumeric(e expr) bool {
	_, ok := e.(numeric)
	return ok
}
