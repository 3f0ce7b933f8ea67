package acl

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Validator type names accepted in the configuration tree.
const (
	TypeStrInCSV    = "str_in_csv"
	TypeRange       = "range"
	TypePattern     = "accepted_pattern"
	TypeIsAdmin     = "is_admin"
	TypeIsSuperUser = "is_super_user"
	TypeDisallow    = "disallow"
	TypeSameRoom    = "same_room"
	TypeSameChannel = "same_channel"
)

// Deps are the collaborators handed to validators that need to look beyond the
// session.
type Deps struct {
	Roles    RoleChecker
	Channels ChannelResolver
}

// fileConfig is the YAML shape of the ACL configuration tree.
type fileConfig struct {
	Room map[string]struct {
		Excludes []string `yaml:"excludes"`
		ACLs     []string `yaml:"acls"`
	} `yaml:"room"`
	Available struct {
		ACLs []string `yaml:"acls"`
	} `yaml:"available"`
	Validation map[string]struct {
		Type  string `yaml:"type"`
		Value string `yaml:"value"`
	} `yaml:"validation"`
}

// ActionPolicy lists which attributes may gate one room action and which are
// explicitly exempt from checking.
type ActionPolicy struct {
	Excludes []string
	ACLs     []string
}

// Config is the validated ACL configuration: per-action policies plus one
// typed validator per available attribute.
type Config struct {
	deps        Deps
	roomActions map[string]ActionPolicy
	available   map[string]struct{}
	validators  map[string]Validator
}

// LoadConfig reads and validates the ACL configuration tree from a YAML file.
func LoadConfig(path string, deps Deps) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read acl config: %w", err)
	}
	return ParseConfig(raw, deps)
}

// ParseConfig builds a Config from raw YAML. Every attribute referenced by a
// room action must be declared available, and every available attribute must
// have a validation entry with a known type.
func ParseConfig(raw []byte, deps Deps) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse acl config: %w", err)
	}

	cfg := &Config{
		deps:        deps,
		roomActions: make(map[string]ActionPolicy),
		available:   make(map[string]struct{}),
		validators:  make(map[string]Validator),
	}
	for _, attr := range fc.Available.ACLs {
		cfg.available[attr] = struct{}{}
	}

	for attr := range cfg.available {
		spec, ok := fc.Validation[attr]
		if !ok {
			return nil, fmt.Errorf("acl config: available attribute %q has no validation entry", attr)
		}
		v, err := buildValidator(spec.Type, spec.Value, deps)
		if err != nil {
			return nil, fmt.Errorf("acl config: attribute %q: %w", attr, err)
		}
		cfg.validators[attr] = v
	}

	for action, policy := range fc.Room {
		for _, attr := range policy.ACLs {
			if _, ok := cfg.available[attr]; !ok {
				return nil, fmt.Errorf("acl config: action %q references unavailable attribute %q", action, attr)
			}
		}
		cfg.roomActions[action] = ActionPolicy{
			Excludes: append([]string(nil), policy.Excludes...),
			ACLs:     append([]string(nil), policy.ACLs...),
		}
	}
	return cfg, nil
}

func buildValidator(typ, value string, deps Deps) (Validator, error) {
	switch typ {
	case TypeStrInCSV:
		return NewStrInCSV(value), nil
	case TypeRange:
		return NewRange(), nil
	case TypePattern:
		if value == "" {
			value = DefaultAcceptedPattern
		}
		return NewPattern(value)
	case TypeIsAdmin:
		return NewIsAdmin(deps.Roles), nil
	case TypeIsSuperUser:
		return NewIsSuperUser(deps.Roles), nil
	case TypeDisallow:
		return NewDisallow(), nil
	case TypeSameRoom:
		return NewSameRoom(), nil
	case TypeSameChannel:
		return NewSameChannel(deps.Channels), nil
	default:
		return nil, fmt.Errorf("unknown validator type %q", typ)
	}
}

// DefaultConfig is the built-in configuration used when no ACL_CONFIG_PATH is
// set. It mirrors the shipped acl tree: join and message are gated, history
// and crossroom-message are open to admins only by exclusion lists.
func DefaultConfig(deps Deps) *Config {
	cfg, err := ParseConfig([]byte(defaultConfigYAML), deps)
	if err != nil {
		// The built-in tree is fixed at compile time.
		panic(err)
	}
	return cfg
}

const defaultConfigYAML = `
room:
  join:
    acls:
      - gender
      - age
      - membership
      - country
      - city
      - has_webcam
      - fake_checked
      - custom
  message:
    excludes:
      - admin
      - superuser
    acls:
      - gender
      - age
      - membership
      - custom
      - samechannel
  crossroom:
    excludes:
      - admin
      - superuser
    acls:
      - gender
      - age
      - membership
      - custom
  history:
    acls:
      - sameroom
  kick:
    acls:
      - admin
  ban:
    acls:
      - admin
  setacl:
    acls:
      - admin
available:
  acls:
    - gender
    - age
    - membership
    - country
    - city
    - has_webcam
    - fake_checked
    - custom
    - admin
    - superuser
    - sameroom
    - samechannel
validation:
  gender:
    type: str_in_csv
    value: m,f,ts
  age:
    type: range
  membership:
    type: str_in_csv
  country:
    type: str_in_csv
  city:
    type: str_in_csv
  has_webcam:
    type: str_in_csv
    value: y,n
  fake_checked:
    type: str_in_csv
    value: y,n
  custom:
    type: accepted_pattern
  admin:
    type: is_admin
  superuser:
    type: is_super_user
  sameroom:
    type: same_room
  samechannel:
    type: same_channel
`

// IsAvailable reports whether attribute is declared in the configuration.
func (c *Config) IsAvailable(attribute string) bool {
	_, ok := c.available[attribute]
	return ok
}

// AvailableAttributes returns the declared attributes in sorted order.
func (c *Config) AvailableAttributes() []string {
	out := make([]string, 0, len(c.available))
	for attr := range c.available {
		out = append(out, attr)
	}
	sort.Strings(out)
	return out
}

// PolicyForAction returns the policy configured for a room action. Actions
// with no entry have no ACL gating at all.
func (c *Config) PolicyForAction(action string) (ActionPolicy, bool) {
	p, ok := c.roomActions[action]
	return p, ok
}

// ValidatorFor returns the typed validator for an attribute.
func (c *Config) ValidatorFor(attribute string) (Validator, bool) {
	v, ok := c.validators[attribute]
	return v, ok
}

// ValidateNewACL vets a candidate (attribute, value) pair for storage under an
// action: the attribute must be available for the action and the value must
// pass its typed validator.
func (c *Config) ValidateNewACL(action, attribute, value string) error {
	policy, ok := c.roomActions[action]
	if !ok {
		return fmt.Errorf("no acls configured for action %q", action)
	}
	allowed := false
	for _, a := range policy.ACLs {
		if a == attribute {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("attribute %q not available for action %q", attribute, action)
	}
	v, ok := c.validators[attribute]
	if !ok {
		return fmt.Errorf("no validator for attribute %q", attribute)
	}
	return v.ValidateNewACL(value)
}
