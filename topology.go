package desklink

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// ChannelSpec is one channel a user's organizational position requires.
type ChannelSpec struct {
	Scope    ChannelScope
	ScopeKey string
	Name     string
	Settings ChannelSettings
	// Admin marks the provisioning user as a channel admin.
	Admin bool
}

// TopologyRule derives zero or more channel specs from a user descriptor.
// The topology is a declarative table of these rules so new roles are
// additive: append a rule instead of branching.
type TopologyRule func(u UserDescriptor) []ChannelSpec

// DefaultTopology is the standard rule table: a role-wide channel, a
// department channel, academic-year channels for structured programs, a
// council channel per special administrative role, and the global
// announcements channel visible to everyone.
var DefaultTopology = []TopologyRule{
	func(u UserDescriptor) []ChannelSpec {
		if u.Role == "" {
			return nil
		}
		return []ChannelSpec{{
			Scope:    ScopeRole,
			ScopeKey: u.Role,
			Name:     u.Role,
			Settings: ChannelSettings{AllowUploads: true, AllowPolls: true, Notify: NotifyAll},
		}}
	},
	func(u UserDescriptor) []ChannelSpec {
		if u.Department == "" {
			return nil
		}
		return []ChannelSpec{{
			Scope:    ScopeDepartment,
			ScopeKey: u.Department,
			Name:     u.Department + " department",
			Settings: ChannelSettings{AllowUploads: true, AllowPolls: true, AllowSignatures: true, Notify: NotifyAll},
		}}
	},
	func(u UserDescriptor) []ChannelSpec {
		if u.Program == "" || u.Year == 0 {
			return nil
		}
		key := fmt.Sprintf("%s-year-%d", u.Program, u.Year)
		return []ChannelSpec{{
			Scope:    ScopeYear,
			ScopeKey: key,
			Name:     fmt.Sprintf("%s year %d", u.Program, u.Year),
			Settings: ChannelSettings{AllowUploads: true, AllowPolls: true, Notify: NotifyMentions},
		}}
	},
	func(u UserDescriptor) []ChannelSpec {
		var specs []ChannelSpec
		for _, role := range u.SpecialRoles {
			specs = append(specs, ChannelSpec{
				Scope:    ScopeCouncil,
				ScopeKey: role,
				Name:     role + " council",
				Settings: ChannelSettings{AllowUploads: true, AllowPolls: true, AllowSignatures: true, Moderated: true, Notify: NotifyAll},
				Admin:    true,
			})
		}
		return specs
	},
	func(UserDescriptor) []ChannelSpec {
		return []ChannelSpec{{
			Scope:    ScopeGeneral,
			ScopeKey: "announcements",
			Name:     "announcements",
			Settings: ChannelSettings{Moderated: true, Notify: NotifyAll},
		}}
	},
}

// ChannelProvisioner performs the idempotent upsert of one required channel,
// ensuring the user's membership. The Messenger implements it.
type ChannelProvisioner interface {
	ProvisionChannel(ctx context.Context, spec ChannelSpec, u UserDescriptor) (*Channel, error)
}

// TopologyBuilder deterministically computes and provisions the set of
// channels a user's role, department, and scope require. Provisioning the
// same (scope, scopeKey) pair is single-flighted, so concurrent logins
// cannot create duplicates.
type TopologyBuilder struct {
	prov  ChannelProvisioner
	rules []TopologyRule
	sf    singleflight.Group
}

// NewTopologyBuilder creates a builder. With no rules, DefaultTopology is
// used.
func NewTopologyBuilder(prov ChannelProvisioner, rules ...TopologyRule) *TopologyBuilder {
	if len(rules) == 0 {
		rules = DefaultTopology
	}
	return &TopologyBuilder{prov: prov, rules: rules}
}

// Plan returns the minimal channel set for a user, deduplicated by
// (scope, scopeKey).
func (b *TopologyBuilder) Plan(u UserDescriptor) []ChannelSpec {
	seen := make(map[string]bool)
	var out []ChannelSpec
	for _, rule := range b.rules {
		for _, spec := range rule(u) {
			key := string(spec.Scope) + "|" + spec.ScopeKey
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, spec)
		}
	}
	return out
}

// Provision idempotently creates every missing channel in the user's plan
// and returns the full set, existing channels included.
func (b *TopologyBuilder) Provision(ctx context.Context, u UserDescriptor) ([]*Channel, error) {
	var out []*Channel
	for _, spec := range b.Plan(u) {
		spec := spec
		key := string(spec.Scope) + "|" + spec.ScopeKey
		v, err, _ := b.sf.Do(key, func() (any, error) {
			return b.prov.ProvisionChannel(ctx, spec, u)
		})
		if err != nil {
			return out, fmt.Errorf("provision %s: %w", key, err)
		}
		out = append(out, v.(*Channel))
	}
	return out, nil
}
