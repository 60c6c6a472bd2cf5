package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/perimeterlabs/sentinel/internal/model"
	"go.uber.org/zap"
)

// PostgresStore persists tenant configuration as JSONB documents, one
// row per tenant/scope. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// EnsureSchema creates the configuration tables if they do not exist.
// Called once at startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS waf_policies (
			tenant_id  TEXT PRIMARY KEY,
			policy     JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS waf_rules (
			scope      TEXT PRIMARY KEY,
			rules      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure waf schema: %w", err)
	}
	return nil
}

// Policy implements Store.
func (s *PostgresStore) Policy(ctx context.Context, tenantID string) (*model.Policy, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT policy FROM waf_policies WHERE tenant_id = $1", tenantID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read policy for %s: %w", tenantID, err)
	}

	var pol model.Policy
	if err := json.Unmarshal(raw, &pol); err != nil {
		return nil, fmt.Errorf("decode policy for %s: %w", tenantID, err)
	}
	return &pol, nil
}

// SavePolicy implements Store.
func (s *PostgresStore) SavePolicy(ctx context.Context, tenantID string, pol *model.Policy) error {
	if err := pol.Validate(); err != nil {
		return fmt.Errorf("policy for tenant %s: %w", tenantID, err)
	}
	raw, err := json.Marshal(pol)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO waf_policies (tenant_id, policy, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET policy = $2, updated_at = now()`,
		tenantID, raw,
	)
	if err != nil {
		return fmt.Errorf("write policy for %s: %w", tenantID, err)
	}
	return nil
}

// Rules implements Store.
func (s *PostgresStore) Rules(ctx context.Context, scope string) ([]model.Rule, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT rules FROM waf_rules WHERE scope = $1", scope,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []model.Rule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules for scope %q: %w", scope, err)
	}

	var list []model.Rule
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode rules for scope %q: %w", scope, err)
	}
	return list, nil
}

// SaveRules implements Store.
func (s *PostgresStore) SaveRules(ctx context.Context, scope string, list []model.Rule) error {
	if err := validateRules(list); err != nil {
		return err
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO waf_rules (scope, rules, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (scope) DO UPDATE SET rules = $2, updated_at = now()`,
		scope, raw,
	)
	if err != nil {
		return fmt.Errorf("write rules for scope %q: %w", scope, err)
	}
	return nil
}

// DeleteTenant implements Store.
func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "DELETE FROM waf_policies WHERE tenant_id = $1", tenantID); err != nil {
		return fmt.Errorf("delete policy for %s: %w", tenantID, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM waf_rules WHERE scope = $1", tenantID); err != nil {
		return fmt.Errorf("delete rules for %s: %w", tenantID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tenant delete: %w", err)
	}
	s.logger.Info("tenant configuration deleted", zap.String("tenant", tenantID))
	return nil
}
