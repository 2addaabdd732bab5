package matcher

type comparison struct {
	op          string
	left, right expr
}

func (c comparison) boolean() bool { return true }

func (c comparison) eval(ctx Context) (value, error) {
	l, err := c.left.eval(ctx)
	if err != nil {
		return absent, err
	}
	r, err := c.right.eval(ctx)
	if err != nil {
		return absent, err
	}
	if l.kind == kindAbsent || r.kind == kindAbsent {
		return boolValue(false), nil
	}

	// A num operand makes the whole comparison numeric.
	if isNumeric(c.left) || isNumeric(c.right) {
		if l, err = toNumber(l); err != nil {
			return absent, err
		}
		if r, err = toNumber(r); err != nil {
			return absent, err
		}
	}

	switch c.op {
	case "=":
		return boolValue(equal(l, r)), nil
	case "!=":
		return boolValue(!equal(l, r)), nil
	}

	if l.kind != kindNumber || r.kind != kindNumber {
		return absent, ruleErrorf("'%s' requires numeric operands, got %s and %s", c.op, l, r)
	}
	switch c.op {
	case "lt":
		return boolValue(l.n < r.n), nil
	case "lte":
		return boolValue(l.n <= r.n), nil
	case "gt":
		return boolValue(l.n > r.n), nil
	default:
		return boolValue(l.n >= r.n), nil
	}
}

type membership struct {
	needle   expr
	haystack []expr
}

func (membership) boolean() bool { return true }

func (m membership) eval(ctx Context) (value, error) {
	n, err := m.needle.eval(ctx)
	if err != nil {
		return absent, err
	}
	if n.kind == kindAbsent {
		return boolValue(false), nil
	}
	for _, h := range m.haystack {
		v, err := h.eval(ctx)
		if err != nil {
			return absent, err
		}
		if equal(n, v) {
			return boolValue(true), nil
		}
	}
	return boolValue(false), nil
}

// equal compares values of the same kind; mixed kinds are never equal.
func equal(a, b value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case kindString:
		return a.s == b.s
	case kindNumber:
		return a.n == b.n
	case kindBool:
		return a.b == b.b
	}
	return false
}
