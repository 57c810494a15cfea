// Package claims reconciles authentication-provider claims against role
// assignments. Authentication backends produce (user, groups) pairs; the
// reconciler replays them as Give/Revoke calls so group membership at the
// identity provider and role assignments stay in lockstep.
package claims

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trellisauth/trellis/internal/rbac"
)

// Claims is the identity-provider view of one user at login time.
type Claims struct {
	UserID int64
	Groups []string
}

// Trigger declares the group conditions under which a role is held.
// When several keys are present only the strongest one is evaluated:
// has_or wins over has_and wins over has_not. The weaker keys are
// ignored entirely in that case.
type Trigger struct {
	HasOr  []string `json:"has_or,omitempty"`
	HasAnd []string `json:"has_and,omitempty"`
	HasNot []string `json:"has_not,omitempty"`
}

// Empty reports whether no condition key is set. An empty trigger can
// never match and is treated as a configuration mistake.
func (t Trigger) Empty() bool {
	return len(t.HasOr) == 0 && len(t.HasAnd) == 0 && len(t.HasNot) == 0
}

// Match evaluates the trigger against the user's group set.
func (t Trigger) Match(groups map[string]struct{}) bool {
	switch {
	case len(t.HasOr) > 0:
		for _, g := range t.HasOr {
			if _, ok := groups[g]; ok {
				return true
			}
		}
		return false
	case len(t.HasAnd) > 0:
		for _, g := range t.HasAnd {
			if _, ok := groups[g]; !ok {
				return false
			}
		}
		return true
	case len(t.HasNot) > 0:
		for _, g := range t.HasNot {
			if _, ok := groups[g]; ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Rule binds a role definition name to a trigger. Object is nil for
// global roles.
type Rule struct {
	Role    string
	Object  *rbac.ObjectRef
	Trigger Trigger
}

// Reconciler is the strategy injected at startup that brings a user's
// assignments in line with their claims.
type Reconciler interface {
	Reconcile(ctx context.Context, c Claims) error
}

type ruleConfig struct {
	Role    string  `json:"role"`
	Trigger Trigger `json:"trigger"`
	Object  *struct {
		ContentType string `json:"content_type"`
		ID          string `json:"id"`
	} `json:"object,omitempty"`
}

// ParseRules decodes a JSON rule list. Object ids on the wire are
// strings and go through the same parsing as HTTP object ids.
func ParseRules(data []byte) ([]Rule, error) {
	var raw []ruleConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("claims: parse rules: %w", err)
	}
	rules := make([]Rule, 0, len(raw))
	for i, rc := range raw {
		if rc.Role == "" {
			return nil, fmt.Errorf("claims: rule %d: role name required", i)
		}
		rule := Rule{Role: rc.Role, Trigger: rc.Trigger}
		if rc.Object != nil {
			id, err := rbac.ParseObjectID(rc.Object.ID)
			if err != nil {
				return nil, fmt.Errorf("claims: rule %d: %w", i, err)
			}
			rule.Object = &rbac.ObjectRef{ContentType: rc.Object.ContentType, ID: id}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
