// Package acl implements the access-control expression language and the typed
// attribute validators used both to gate actions and to vet administrator
// supplied ACL values before they are stored.
//
// An expression is a disjunction of clauses separated by '|'. Each clause is a
// conjunction of units separated by ','. A unit is either a single key=value
// term or a parenthesized group of '|'-separated terms, which matches when any
// of its terms does:
//
//	gender=f,(membership=tg|membership=tg_p),(age=34:40|age=21:25)
//
// Values may be negated with '!' and may be integer ranges 'lo:hi' with either
// bound open. Nested parentheses are rejected.
package acl

import (
	"fmt"
	"strconv"
	"strings"
)

// SyntaxError reports why an expression failed the grammar. The cause is
// surfaced verbatim to administrators setting ACLs.
type SyntaxError struct {
	Expression string
	Cause      string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid acl expression %q: %s", e.Expression, e.Cause)
}

func syntaxErr(expr, format string, args ...any) error {
	return &SyntaxError{Expression: expr, Cause: fmt.Sprintf(format, args...)}
}

// Range is an integer interval with optional bounds.
type Range struct {
	Lo, Hi *int64
}

// Contains reports whether v lies inside the interval.
func (r Range) Contains(v int64) bool {
	if r.Lo != nil && v < *r.Lo {
		return false
	}
	if r.Hi != nil && v > *r.Hi {
		return false
	}
	return true
}

// Term is a single key=value comparison.
type Term struct {
	Key     string
	Value   string
	Negated bool
	Range   *Range // non-nil when the value is a range literal
}

// Unit is one conjunct of a clause: either a bare term or a parenthesized
// group that matches when any of its terms matches.
type Unit struct {
	Terms []Term
}

// Clause is a comma-joined conjunction of units.
type Clause struct {
	Units []Unit
}

// Expression is the parsed form of an ACL expression.
type Expression struct {
	Raw     string
	Clauses []Clause
}

// Terms returns every term in the expression, in source order. Used by the
// attribute validators to vet each value.
func (e *Expression) Terms() []Term {
	var out []Term
	for _, c := range e.Clauses {
		for _, u := range c.Units {
			out = append(out, u.Terms...)
		}
	}
	return out
}

// Parse checks an expression against the grammar and returns its parsed form.
func Parse(raw string) (*Expression, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, syntaxErr(raw, "blank expression")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return nil, syntaxErr(raw, "whitespace not allowed")
	}

	expr := &Expression{Raw: raw}
	for _, clauseSrc := range splitTopLevel(raw, '|') {
		clause, err := parseClause(raw, clauseSrc)
		if err != nil {
			return nil, err
		}
		expr.Clauses = append(expr.Clauses, clause)
	}
	return expr, nil
}

func parseClause(raw, src string) (Clause, error) {
	if src == "" {
		return Clause{}, syntaxErr(raw, "empty clause")
	}

	var clause Clause
	for _, unitSrc := range splitTopLevel(src, ',') {
		if unitSrc == "" {
			return Clause{}, syntaxErr(raw, "missing term between commas")
		}

		if strings.HasPrefix(unitSrc, "(") {
			if !strings.HasSuffix(unitSrc, ")") {
				return Clause{}, syntaxErr(raw, "missing parenthesis")
			}
			inner := unitSrc[1 : len(unitSrc)-1]
			if strings.ContainsAny(inner, "()") {
				return Clause{}, syntaxErr(raw, "nested parentheses not allowed")
			}
			if strings.Contains(inner, ",") {
				return Clause{}, syntaxErr(raw, "expected | between terms inside parentheses")
			}
			var unit Unit
			for _, termSrc := range strings.Split(inner, "|") {
				term, err := parseTerm(raw, termSrc)
				if err != nil {
					return Clause{}, err
				}
				unit.Terms = append(unit.Terms, term)
			}
			clause.Units = append(clause.Units, unit)
			continue
		}

		if strings.ContainsAny(unitSrc, "()") {
			// A paren in the middle of a term means the separator before it
			// was dropped, e.g. "gender=f(membership=tg)".
			return Clause{}, syntaxErr(raw, "missing comma before parenthesis")
		}

		term, err := parseTerm(raw, unitSrc)
		if err != nil {
			return Clause{}, err
		}
		clause.Units = append(clause.Units, Unit{Terms: []Term{term}})
	}
	return clause, nil
}

func parseTerm(raw, src string) (Term, error) {
	key, value, found := strings.Cut(src, "=")
	if !found {
		return Term{}, syntaxErr(raw, "missing = in term %q", src)
	}
	if key == "" {
		return Term{}, syntaxErr(raw, "missing key in term %q", src)
	}
	if strings.Contains(value, "=") {
		return Term{}, syntaxErr(raw, "unexpected = in value of term %q", src)
	}

	term := Term{Key: key}
	if strings.HasPrefix(value, "!") {
		term.Negated = true
		value = value[1:]
	}
	if value == "" {
		return Term{}, syntaxErr(raw, "empty value in term %q", src)
	}
	term.Value = value

	if strings.Contains(value, ":") {
		r, err := parseRange(value)
		if err != nil {
			return Term{}, syntaxErr(raw, "bad range in term %q: %v", src, err)
		}
		term.Range = r
	}
	return term, nil
}

// parseRange parses 'lo?:hi?' with integer bounds, either of which may be
// omitted.
func parseRange(value string) (*Range, error) {
	lo, hi, found := strings.Cut(value, ":")
	if !found {
		return nil, fmt.Errorf("no : in %q", value)
	}
	if strings.Contains(hi, ":") {
		return nil, fmt.Errorf("more than one : in %q", value)
	}
	if lo == "" && hi == "" {
		return nil, fmt.Errorf("both bounds open in %q", value)
	}

	var r Range
	if lo != "" {
		v, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lower bound %q is not an integer", lo)
		}
		r.Lo = &v
	}
	if hi != "" {
		v, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("upper bound %q is not an integer", hi)
		}
		r.Hi = &v
	}
	if r.Lo != nil && r.Hi != nil && *r.Lo > *r.Hi {
		return nil, fmt.Errorf("lower bound above upper bound in %q", value)
	}
	return &r, nil
}

// splitTopLevel splits src on sep, ignoring separators inside parentheses.
func splitTopLevel(src string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, src[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, src[start:])
	return parts
}
