// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package capability

import (
	"bytes"
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/cradlehq/cradle/internal/extension/limits"
)

// Policy is the host's trust configuration, read once at startup. Tiers
// bundle grant patterns with resource ceilings; per-extension entries
// pick a tier and may widen grants or tighten limits.
type Policy struct {
	DefaultTier string                     `yaml:"default_tier"`
	Tiers       map[string]Tier            `yaml:"tiers"`
	Extensions  map[string]ExtensionPolicy `yaml:"extensions"`

	// base overrides the built-in ceilings ProfileFor merges last.
	// Host configuration sets it once via SetBaseProfile.
	base *limits.Profile
}

// Tier is one named trust level.
type Tier struct {
	// Permissions are grant patterns (glob, '.'-separated).
	Permissions []string `yaml:"permissions"`
	// Limits overrides DefaultProfile fields for the tier.
	Limits limits.Profile `yaml:"limits"`
	// AllowInProcess permits runtimes that execute inside the host
	// process. Unset means allowed.
	AllowInProcess *bool `yaml:"allow_inprocess"`
}

// ExtensionPolicy overrides tier settings for one extension id.
type ExtensionPolicy struct {
	Tier        string         `yaml:"tier"`
	Permissions []string       `yaml:"permissions"`
	Limits      limits.Profile `yaml:"limits"`
}

// DefaultPolicy grants the standard host surface to every extension and
// applies DefaultProfile ceilings. It is used when no policy file is
// configured.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultTier: "standard",
		Tiers: map[string]Tier{
			"standard": {
				Permissions: []string{"state.*", "events.*", "invoke.**"},
			},
		},
	}
}

// LoadPolicy reads and validates a policy file. Unknown keys are
// rejected so a misspelled field cannot silently widen or narrow trust.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}

	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

// Validate checks tier references and compiles every grant pattern so a
// bad policy fails at startup, not at the first initialize.
func (p *Policy) Validate() error {
	if p.DefaultTier == "" {
		return fmt.Errorf("default_tier is required")
	}
	if _, ok := p.Tiers[p.DefaultTier]; !ok {
		return fmt.Errorf("default_tier %q is not defined", p.DefaultTier)
	}
	for name, tier := range p.Tiers {
		for _, pattern := range tier.Permissions {
			if _, err := glob.Compile(pattern, '.'); err != nil {
				return fmt.Errorf("tier %s: pattern %q: %w", name, pattern, err)
			}
		}
	}
	for id, ext := range p.Extensions {
		if ext.Tier != "" {
			if _, ok := p.Tiers[ext.Tier]; !ok {
				return fmt.Errorf("extension %s: tier %q is not defined", id, ext.Tier)
			}
		}
		for _, pattern := range ext.Permissions {
			if _, err := glob.Compile(pattern, '.'); err != nil {
				return fmt.Errorf("extension %s: pattern %q: %w", id, pattern, err)
			}
		}
	}
	return nil
}

// TierOf returns the tier name governing an extension.
func (p *Policy) TierOf(id string) string {
	if ext, ok := p.Extensions[id]; ok && ext.Tier != "" {
		return ext.Tier
	}
	return p.DefaultTier
}

// GrantsFor returns the grant patterns governing an extension: its
// tier's permissions plus any per-extension additions.
func (p *Policy) GrantsFor(id string) []string {
	tier := p.Tiers[p.TierOf(id)]
	grants := make([]string, 0, len(tier.Permissions))
	grants = append(grants, tier.Permissions...)
	if ext, ok := p.Extensions[id]; ok {
		grants = append(grants, ext.Permissions...)
	}
	return grants
}

// SetBaseProfile replaces the built-in default ceilings. Zero fields in
// base still fall through to the built-ins.
func (p *Policy) SetBaseProfile(base limits.Profile) {
	p.base = &base
}

// ProfileFor returns the resource ceilings governing an extension:
// per-extension overrides, then tier values, then the base defaults.
func (p *Policy) ProfileFor(id string) limits.Profile {
	base := limits.DefaultProfile()
	if p.base != nil {
		base = p.base.Merge(base)
	}
	tier := p.Tiers[p.TierOf(id)]
	profile := tier.Limits
	if ext, ok := p.Extensions[id]; ok {
		profile = ext.Limits.Merge(profile)
	}
	return profile.Merge(base)
}

// AllowInProcess reports whether the extension's tier permits runtimes
// that execute inside the host process.
func (p *Policy) AllowInProcess(id string) bool {
	tier := p.Tiers[p.TierOf(id)]
	if tier.AllowInProcess == nil {
		return true
	}
	return *tier.AllowInProcess
}

// Resolve checks every declared permission token against the grants
// governing the extension. All must be covered: a partial grant would
// let an extension run with capabilities silently missing, so any
// uncovered token fails the whole set with a DeniedError naming each
// miss. On success it returns the authorized set to install.
func (p *Policy) Resolve(id string, declared []string) ([]string, error) {
	patterns := p.GrantsFor(id)
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("grant pattern %q: %w", pattern, err)
		}
		matchers = append(matchers, g)
	}

	var denied []string
	for _, token := range declared {
		covered := false
		for _, m := range matchers {
			if m.Match(token) {
				covered = true
				break
			}
		}
		if !covered {
			denied = append(denied, token)
		}
	}
	if len(denied) > 0 {
		return nil, &DeniedError{Extension: id, Denied: denied}
	}

	granted := make([]string, len(declared))
	copy(granted, declared)
	return granted, nil
}
