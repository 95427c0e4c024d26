// Package registry is the read-only business directory consulted when an
// intent mandate is issued.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

var (
	ErrUnknownBusiness  = errors.New("unknown business")
	ErrBusinessInactive = errors.New("business inactive")
	ErrPolicyDenied     = errors.New("business policy denied intent")
	ErrUnsupportedFile  = errors.New("unsupported registry file version")
)

// SupportedVersions is the range of registry file versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Business is one merchant that agents may pay.
type Business struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Type         string        `yaml:"type" json:"type"`
	Active       bool          `yaml:"active" json:"active"`
	Currencies   []string      `yaml:"currencies" json:"currencies"`
	MaxIntentTTL time.Duration `yaml:"max_intent_ttl" json:"max_intent_ttl"`
}

// BusinessType carries the CEL policy shared by every business of the type.
type BusinessType struct {
	Policy string `yaml:"policy" json:"policy"`
}

// File is the on-disk registry document.
type File struct {
	Version       string                  `yaml:"version"`
	Businesses    []Business              `yaml:"businesses"`
	BusinessTypes map[string]BusinessType `yaml:"business_types"`
}

// Registry implements mandate.BusinessLookup over a loaded File.
type Registry struct {
	mu         sync.RWMutex
	version    *semver.Version
	businesses map[string]Business
	types      map[string]BusinessType
	policies   *PolicyEvaluator
}

var _ mandate.BusinessLookup = (*Registry)(nil)

// Load reads and parses a registry file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a registry from YAML. Every business type policy is compiled
// up front so a bad policy fails at load time, not at issuance.
func Parse(raw []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	policies, err := NewPolicyEvaluator()
	if err != nil {
		return nil, err
	}
	r := &Registry{policies: policies}
	if err := r.apply(f); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps in a new document atomically. The old one stays on error.
func (r *Registry) Replace(raw []byte) error {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}
	return r.apply(f)
}

func (r *Registry) apply(f File) error {
	v, err := semver.NewVersion(f.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsupportedFile, f.Version, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedFile, v, SupportedVersions)
	}

	types := make(map[string]BusinessType, len(f.BusinessTypes))
	for name, bt := range f.BusinessTypes {
		if strings.TrimSpace(bt.Policy) != "" {
			if err := r.policies.Compile(bt.Policy); err != nil {
				return fmt.Errorf("business type %s: %w", name, err)
			}
		}
		types[name] = bt
	}

	businesses := make(map[string]Business, len(f.Businesses))
	for _, b := range f.Businesses {
		if b.ID == "" {
			return errors.New("business without id")
		}
		if _, dup := businesses[b.ID]; dup {
			return fmt.Errorf("duplicate business %s", b.ID)
		}
		if b.Type != "" {
			if _, ok := types[b.Type]; !ok {
				return fmt.Errorf("business %s has undeclared type %q", b.ID, b.Type)
			}
		}
		currencies := make([]string, 0, len(b.Currencies))
		for _, code := range b.Currencies {
			cur, err := finance.NormalizeCurrency(code)
			if err != nil {
				return fmt.Errorf("business %s: %w", b.ID, err)
			}
			currencies = append(currencies, cur)
		}
		b.Currencies = currencies
		businesses[b.ID] = b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = v
	r.types = types
	r.businesses = businesses
	return nil
}

// Version returns the loaded file version.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version.String()
}

// Business returns a business by id.
func (r *Registry) Business(id string) (Business, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.businesses[id]
	if !ok {
		return Business{}, fmt.Errorf("%w: %s", ErrUnknownBusiness, id)
	}
	return b, nil
}

// AuthorizeIntent checks that the business exists and is active, accepts the
// currency and TTL, and that its type policy admits the proposal.
func (r *Registry) AuthorizeIntent(ctx context.Context, p mandate.IntentProposal) error {
	r.mu.RLock()
	b, ok := r.businesses[p.BusinessID]
	bt := r.types[b.Type]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBusiness, p.BusinessID)
	}
	if !b.Active {
		return fmt.Errorf("%w: %s", ErrBusinessInactive, b.ID)
	}
	if len(b.Currencies) > 0 && !slices.Contains(b.Currencies, p.Constraints.Currency) {
		return fmt.Errorf("%w: %s does not accept %s", ErrPolicyDenied, b.ID, p.Constraints.Currency)
	}
	if b.MaxIntentTTL > 0 && p.TTL > b.MaxIntentTTL {
		return fmt.Errorf("%w: ttl %s exceeds %s for %s", ErrPolicyDenied, p.TTL, b.MaxIntentTTL, b.ID)
	}
	if strings.TrimSpace(bt.Policy) == "" {
		return nil
	}

	allowed, err := r.policies.Evaluate(ctx, bt.Policy, PolicyInput(p, b))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPolicyDenied, b.ID, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s policy rejected intent", ErrPolicyDenied, b.Type)
	}
	return nil
}
