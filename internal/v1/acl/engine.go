package acl

import (
	"context"
	"fmt"

	"github.com/labrook/dino/internal/v1/activity"
)

// Rule is one stored ACL as fetched from persistence: an attribute and the
// value an acting session must satisfy.
type Rule struct {
	Attribute  string
	Expression string
}

// Engine authorizes actions against the stored rules using the configured
// typed validators. Authorization fails closed: an attribute without a
// validator denies the action.
type Engine struct {
	cfg *Config
}

func NewEngine(cfg *Config) *Engine { return &Engine{cfg: cfg} }

// Config exposes the engine's configuration, used by the set_acl path to vet
// new values.
func (e *Engine) Config() *Config { return e.cfg }

// Authorize decides whether the acting session may perform action given the
// stored rules. Actions with no configured policy are open. Users matching an
// exclusion role bypass every rule for the action. Otherwise all rules whose
// attribute is gated for the action must pass.
func (e *Engine) Authorize(ctx context.Context, act *activity.Activity, action string, rules []Rule, session SessionGetter) (bool, string) {
	policy, gated := e.cfg.PolicyForAction(action)
	if !gated {
		return true, ""
	}

	if e.excluded(ctx, act.Actor.ID, policy.Excludes) {
		return true, ""
	}

	gatedAttrs := make(map[string]struct{}, len(policy.ACLs))
	for _, attr := range policy.ACLs {
		gatedAttrs[attr] = struct{}{}
	}

	for _, rule := range rules {
		if _, ok := gatedAttrs[rule.Attribute]; !ok {
			continue
		}
		v, ok := e.cfg.ValidatorFor(rule.Attribute)
		if !ok {
			return false, fmt.Sprintf("no validator for acl attribute %q", rule.Attribute)
		}
		ok, reason := v.Check(ctx, CheckRequest{
			Activity:   act,
			Attribute:  rule.Attribute,
			Expression: rule.Expression,
			Session:    session,
		})
		if !ok {
			return false, reason
		}
	}
	return true, ""
}

func (e *Engine) excluded(ctx context.Context, userID string, excludes []string) bool {
	roles := e.cfg.deps.Roles
	if roles == nil {
		return false
	}
	for _, role := range excludes {
		switch role {
		case "admin":
			if ok, err := roles.IsAdmin(ctx, userID); err == nil && ok {
				return true
			}
		case "superuser":
			if ok, err := roles.IsSuperUser(ctx, userID); err == nil && ok {
				return true
			}
		}
	}
	return false
}
