package acl

import "strconv"

// SessionGetter resolves a session attribute. The second return is false when
// the session does not carry the attribute.
type SessionGetter func(key string) (string, bool)

// MapSession adapts a plain attribute map to a SessionGetter.
func MapSession(attrs map[string]string) SessionGetter {
	return func(key string) (string, bool) {
		v, ok := attrs[key]
		return v, ok
	}
}

// Eval reports whether the session satisfies the expression: true iff any
// clause has all of its units hold.
func (e *Expression) Eval(session SessionGetter) bool {
	for _, clause := range e.Clauses {
		if clause.eval(session) {
			return true
		}
	}
	return false
}

func (c Clause) eval(session SessionGetter) bool {
	for _, unit := range c.Units {
		if !unit.eval(session) {
			return false
		}
	}
	return true
}

func (u Unit) eval(session SessionGetter) bool {
	for _, term := range u.Terms {
		if term.eval(session) {
			return true
		}
	}
	return false
}

// eval resolves a single term. An attribute missing from the session never
// holds, negated or not.
func (t Term) eval(session SessionGetter) bool {
	actual, ok := session(t.Key)
	if !ok || actual == "" {
		return false
	}

	var holds bool
	if t.Range != nil {
		v, err := strconv.ParseInt(actual, 10, 64)
		if err != nil {
			return false
		}
		holds = t.Range.Contains(v)
	} else {
		holds = actual == t.Value
	}

	if t.Negated {
		return !holds
	}
	return holds
}
