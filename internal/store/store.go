// Package store persists tenant inspection configuration: policies
// and custom rule sets. The engine never touches the store on the
// request path; the serving layer loads configuration and hands it to
// the engine by value.
//
// Two implementations exist: MemoryStore for tests and single-process
// deployments, and PostgresStore for durable multi-instance setups.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/perimeterlabs/sentinel/internal/model"
)

// ErrNotFound is returned for tenants with no stored record.
var ErrNotFound = errors.New("not found")

// Store is the tenant configuration boundary: an external
// authenticated layer writes, the serving layer reads.
type Store interface {
	// Policy returns a tenant's policy, or ErrNotFound.
	Policy(ctx context.Context, tenantID string) (*model.Policy, error)

	// SavePolicy validates and stores a tenant's policy.
	SavePolicy(ctx context.Context, tenantID string, pol *model.Policy) error

	// Rules returns the custom rules for a scope (tenant ID, or ""
	// for global rules). A missing scope yields an empty slice.
	Rules(ctx context.Context, scope string) ([]model.Rule, error)

	// SaveRules validates and replaces the custom rules of a scope.
	SaveRules(ctx context.Context, scope string, list []model.Rule) error

	// DeleteTenant removes a tenant's policy and rules.
	DeleteTenant(ctx context.Context, tenantID string) error
}

// validateRules rejects structurally broken rules at write time so
// request processing never sees them. Malformed patterns are a hard
// error here, unlike at matcher load where they are skipped.
func validateRules(list []model.Rule) error {
	for _, r := range list {
		if r.ID == "" {
			return fmt.Errorf("rule with empty ID")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("rule %s: malformed pattern: %w", r.ID, err)
		}
		switch r.Field {
		case model.FieldPath, model.FieldQuery, model.FieldBody, model.FieldHeaders, model.FieldRequest:
		default:
			return fmt.Errorf("rule %s: invalid field %q", r.ID, r.Field)
		}
		switch r.Severity {
		case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
		default:
			return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
		}
	}
	return nil
}

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*model.Policy
	rules    map[string][]model.Rule
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*model.Policy),
		rules:    make(map[string][]model.Rule),
	}
}

// Policy implements Store.
func (s *MemoryStore) Policy(_ context.Context, tenantID string) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pol, ok := s.policies[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pol
	return &cp, nil
}

// SavePolicy implements Store.
func (s *MemoryStore) SavePolicy(_ context.Context, tenantID string, pol *model.Policy) error {
	if err := pol.Validate(); err != nil {
		return fmt.Errorf("policy for tenant %s: %w", tenantID, err)
	}
	cp := *pol
	s.mu.Lock()
	s.policies[tenantID] = &cp
	s.mu.Unlock()
	return nil
}

// Rules implements Store.
func (s *MemoryStore) Rules(_ context.Context, scope string) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Rule{}, s.rules[scope]...), nil
}

// SaveRules implements Store.
func (s *MemoryStore) SaveRules(_ context.Context, scope string, list []model.Rule) error {
	if err := validateRules(list); err != nil {
		return err
	}
	cp := append([]model.Rule{}, list...)
	s.mu.Lock()
	s.rules[scope] = cp
	s.mu.Unlock()
	return nil
}

// DeleteTenant implements Store.
func (s *MemoryStore) DeleteTenant(_ context.Context, tenantID string) error {
	s.mu.Lock()
	delete(s.policies, tenantID)
	delete(s.rules, tenantID)
	s.mu.Unlock()
	return nil
}
