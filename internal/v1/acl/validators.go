package acl

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/labrook/dino/internal/v1/activity"
)

// DefaultAcceptedPattern is the canonical accepted_pattern grammar for DSL
// valued attributes.
const DefaultAcceptedPattern = `^[0-9a-z_!|,():=\-]*$`

// RoleChecker answers role questions for the is_admin and is_super_user
// validator types.
type RoleChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	IsSuperUser(ctx context.Context, userID string) (bool, error)
}

// ChannelResolver resolves a room to its channel, used by same_channel.
type ChannelResolver interface {
	ChannelForRoom(ctx context.Context, roomID string) (string, error)
}

// CheckRequest carries everything a validator may need to decide whether the
// acting session satisfies a stored ACL value.
type CheckRequest struct {
	Activity   *activity.Activity
	Attribute  string
	Expression string
	Session    SessionGetter
}

// Validator is one typed attribute validator. ValidateNewACL vets a candidate
// value before it is stored; Check evaluates a stored value against the
// current session.
type Validator interface {
	ValidateNewACL(value string) error
	Check(ctx context.Context, req CheckRequest) (bool, string)
}

// --- str_in_csv ---

// StrInCSVValidator accepts session values that appear in the stored CSV. The
// allowed set, when non-empty, restricts which values administrators may put
// in the CSV in the first place.
type StrInCSVValidator struct {
	allowed map[string]struct{}
}

// NewStrInCSV builds a validator from a CSV of permitted values; an empty
// string permits any value.
func NewStrInCSV(allowedCSV string) *StrInCSVValidator {
	v := &StrInCSVValidator{}
	if allowedCSV != "" {
		v.allowed = make(map[string]struct{})
		for _, a := range strings.Split(allowedCSV, ",") {
			v.allowed[a] = struct{}{}
		}
	}
	return v
}

func (v *StrInCSVValidator) ValidateNewACL(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("blank acl value")
	}
	for _, part := range strings.Split(value, ",") {
		if part == "" {
			return fmt.Errorf("empty element in csv %q", value)
		}
		if v.allowed != nil {
			if _, ok := v.allowed[part]; !ok {
				return fmt.Errorf("value %q not in allowed set", part)
			}
		}
	}
	return nil
}

func (v *StrInCSVValidator) Check(_ context.Context, req CheckRequest) (bool, string) {
	current, ok := req.Session(req.Attribute)
	if !ok || current == "" {
		return false, fmt.Sprintf("no %s in session", req.Attribute)
	}
	for _, accepted := range strings.Split(req.Expression, ",") {
		if current == accepted {
			return true, ""
		}
	}
	return false, fmt.Sprintf("%s=%s not in %q", req.Attribute, current, req.Expression)
}

// --- range ---

// RangeValidator accepts integer session values inside a stored 'lo:hi'
// interval, with either bound open and an optional leading '!' negation.
type RangeValidator struct{}

func NewRange() *RangeValidator { return &RangeValidator{} }

func (v *RangeValidator) ValidateNewACL(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("blank acl value")
	}
	value = strings.TrimPrefix(value, "!")
	if _, err := parseRange(value); err != nil {
		return err
	}
	return nil
}

func (v *RangeValidator) Check(_ context.Context, req CheckRequest) (bool, string) {
	current, ok := req.Session(req.Attribute)
	if !ok || current == "" {
		return false, fmt.Sprintf("no %s in session", req.Attribute)
	}
	n, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return false, fmt.Sprintf("session %s=%q is not an integer", req.Attribute, current)
	}

	expr := req.Expression
	negated := strings.HasPrefix(expr, "!")
	expr = strings.TrimPrefix(expr, "!")

	r, err := parseRange(expr)
	if err != nil {
		return false, fmt.Sprintf("stored acl %q is not a range", req.Expression)
	}
	if r.Contains(n) != negated {
		return true, ""
	}
	return false, fmt.Sprintf("%s=%d outside %q", req.Attribute, n, req.Expression)
}

// --- accepted_pattern ---

// PatternValidator holds DSL expressions: the stored value is a full boolean
// expression over session attributes, vetted against both the grammar and an
// accepted regular expression.
type PatternValidator struct {
	pattern *regexp.Regexp
}

// NewPattern compiles the accepted pattern; pass DefaultAcceptedPattern for
// the canonical grammar.
func NewPattern(pattern string) (*PatternValidator, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile accepted pattern: %w", err)
	}
	return &PatternValidator{pattern: re}, nil
}

func (v *PatternValidator) ValidateNewACL(value string) error {
	if !v.pattern.MatchString(value) {
		return &SyntaxError{Expression: value, Cause: "does not match accepted pattern"}
	}
	_, err := Parse(value)
	return err
}

func (v *PatternValidator) Check(_ context.Context, req CheckRequest) (bool, string) {
	expr, err := Parse(req.Expression)
	if err != nil {
		return false, err.Error()
	}
	if expr.Eval(req.Session) {
		return true, ""
	}
	return false, fmt.Sprintf("session does not satisfy %q", req.Expression)
}

// --- role based ---

// IsAdminValidator passes only for global admins.
type IsAdminValidator struct {
	roles RoleChecker
}

func NewIsAdmin(roles RoleChecker) *IsAdminValidator { return &IsAdminValidator{roles: roles} }

func (v *IsAdminValidator) ValidateNewACL(string) error { return nil }

func (v *IsAdminValidator) Check(ctx context.Context, req CheckRequest) (bool, string) {
	if v.roles == nil {
		return false, "no role checker configured"
	}
	ok, err := v.roles.IsAdmin(ctx, req.Activity.Actor.ID)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, "user is not an admin"
	}
	return true, ""
}

// IsSuperUserValidator passes only for super users.
type IsSuperUserValidator struct {
	roles RoleChecker
}

func NewIsSuperUser(roles RoleChecker) *IsSuperUserValidator {
	return &IsSuperUserValidator{roles: roles}
}

func (v *IsSuperUserValidator) ValidateNewACL(string) error { return nil }

func (v *IsSuperUserValidator) Check(ctx context.Context, req CheckRequest) (bool, string) {
	if v.roles == nil {
		return false, "no role checker configured"
	}
	ok, err := v.roles.IsSuperUser(ctx, req.Activity.Actor.ID)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, "user is not a super user"
	}
	return true, ""
}

// --- disallow ---

// DisallowValidator never passes; attaching it to an action closes the action
// entirely.
type DisallowValidator struct{}

func NewDisallow() *DisallowValidator { return &DisallowValidator{} }

func (v *DisallowValidator) ValidateNewACL(string) error { return nil }

func (v *DisallowValidator) Check(context.Context, CheckRequest) (bool, string) {
	return false, "action disallowed"
}

// --- same_room / same_channel ---

// SameRoomValidator passes when the actor's origin room is the target room.
type SameRoomValidator struct{}

func NewSameRoom() *SameRoomValidator { return &SameRoomValidator{} }

func (v *SameRoomValidator) ValidateNewACL(string) error { return nil }

func (v *SameRoomValidator) Check(_ context.Context, req CheckRequest) (bool, string) {
	act := req.Activity
	if act.Actor.URL == "" || act.Target == nil || act.Target.ID == "" {
		return false, "no origin or target room on activity"
	}
	if act.Actor.URL != act.Target.ID {
		return false, "origin room differs from target room"
	}
	return true, ""
}

// SameChannelValidator passes when the actor's origin room belongs to the
// channel the activity targets.
type SameChannelValidator struct {
	channels ChannelResolver
}

func NewSameChannel(channels ChannelResolver) *SameChannelValidator {
	return &SameChannelValidator{channels: channels}
}

func (v *SameChannelValidator) ValidateNewACL(string) error { return nil }

func (v *SameChannelValidator) Check(ctx context.Context, req CheckRequest) (bool, string) {
	act := req.Activity
	if v.channels == nil || act.Actor.URL == "" || act.Object.URL == "" {
		return false, "no origin room or target channel on activity"
	}
	originChannel, err := v.channels.ChannelForRoom(ctx, act.Actor.URL)
	if err != nil {
		return false, err.Error()
	}
	if originChannel != act.Object.URL {
		return false, "origin room is in another channel"
	}
	return true, ""
}
