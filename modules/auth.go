// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"fmt"
	"strings"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
)

// AnyIdent matches every export of a blueprint in SetRule.
const AnyIdent = "*"

var (
	_ kernel.Module     = &AuthModule{}
	_ kernel.InvokeHook = &AuthModule{}
)

// AccessRule decides whether a caller holding [zone] may invoke [callee].
type AccessRule interface {
	Allows(v kernel.View, callee kernel.Actor, zone []substate.NodeID) (bool, error)
	String() string
}

type allowAll struct{}

func (allowAll) Allows(kernel.View, kernel.Actor, []substate.NodeID) (bool, error) { return true, nil }
func (allowAll) String() string                                                    { return "allow_all" }

type denyAll struct{}

func (denyAll) Allows(kernel.View, kernel.Actor, []substate.NodeID) (bool, error) { return false, nil }
func (denyAll) String() string                                                    { return "deny_all" }

type requireBadge struct {
	badge substate.NodeID
}

func (r requireBadge) Allows(_ kernel.View, _ kernel.Actor, zone []substate.NodeID) (bool, error) {
	return contains(zone, r.badge), nil
}

func (r requireBadge) String() string { return fmt.Sprintf("require(%s)", r.badge) }

// requireOwner looks the owner up on the receiver, then on its global
// ancestor.
type requireOwner struct{}

func (requireOwner) Allows(v kernel.View, callee kernel.Actor, zone []substate.NodeID) (bool, error) {
	for _, node := range []substate.NodeID{callee.Receiver, callee.GlobalAddress} {
		if node.IsEmpty() {
			continue
		}
		owner, ok, err := v.OwnerBadge(node)
		if err != nil {
			return false, err
		}
		if ok {
			return contains(zone, owner), nil
		}
	}
	return false, nil
}

func (requireOwner) String() string { return "require_owner" }

type anyOf []AccessRule

func (rules anyOf) Allows(v kernel.View, callee kernel.Actor, zone []substate.NodeID) (bool, error) {
	for _, r := range rules {
		ok, err := r.Allows(v, callee, zone)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (rules anyOf) String() string {
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = r.String()
	}
	return "any_of(" + strings.Join(parts, ", ") + ")"
}

func AllowAll() AccessRule                          { return allowAll{} }
func DenyAll() AccessRule                           { return denyAll{} }
func RequireBadge(badge substate.NodeID) AccessRule { return requireBadge{badge: badge} }

// RequireOwner admits callers holding the badge stored in the receiver's
// role assignment partition.
func RequireOwner() AccessRule { return requireOwner{} }

func AnyOf(rules ...AccessRule) AccessRule { return anyOf(rules) }

func contains(zone []substate.NodeID, badge substate.NodeID) bool {
	for _, b := range zone {
		if b == badge {
			return true
		}
	}
	return false
}

type ruleKey struct {
	blueprint substate.BlueprintID
	ident     string
}

// AuthModule checks access rules before every invocation against the
// caller's auth zone. Lazy loads are never checked.
type AuthModule struct {
	rules    map[ruleKey]AccessRule
	fallback AccessRule
	log      log.Logger
}

// NewAuthModule returns a module applying [fallback] to exports without a
// rule.
func NewAuthModule(fallback AccessRule) *AuthModule {
	if fallback == nil {
		fallback = AllowAll()
	}
	return &AuthModule{
		rules:    make(map[ruleKey]AccessRule),
		fallback: fallback,
		log:      log.New("module", "auth"),
	}
}

func (m *AuthModule) Name() string { return "auth" }

// SetRule guards [ident] of [bp]. AnyIdent covers every export of the
// blueprint without a rule of its own.
func (m *AuthModule) SetRule(bp substate.BlueprintID, ident string, rule AccessRule) {
	m.rules[ruleKey{blueprint: bp, ident: ident}] = rule
}

func (m *AuthModule) rule(callee kernel.Actor) AccessRule {
	if r, ok := m.rules[ruleKey{blueprint: callee.Blueprint, ident: callee.Ident}]; ok {
		return r
	}
	if r, ok := m.rules[ruleKey{blueprint: callee.Blueprint, ident: AnyIdent}]; ok {
		return r
	}
	return m.fallback
}

func (m *AuthModule) BeforeInvoke(v kernel.View, callee kernel.Actor, _ *substate.Value) error {
	if callee.Kind == kernel.ActorVirtualLazyLoad {
		return nil
	}
	rule := m.rule(callee)
	zone, err := v.AuthZone()
	if err != nil {
		return err
	}
	ok, err := rule.Allows(v, callee, zone)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("access denied", "callee", callee, "rule", rule, "caller", v.CurrentActor())
		return fmt.Errorf("%w: %s requires %s", kernel.ErrUnauthorized, callee, rule)
	}
	return nil
}
