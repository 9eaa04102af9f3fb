package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var llmConfigColumns = []string{
	"tenant_id", "provider", "api_key_encrypted", "base_url", "default_model", "policy",
	"last_tested_at", "last_test_result", "last_test_latency", "created_at", "updated_at",
}

// UpsertLLMConfiguration creates or replaces the tenant's record. Prior
// connectivity diagnostics are cleared because they describe the old key.
func (s *Store) UpsertLLMConfiguration(ctx context.Context, c LLMConfiguration) error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("tenant id is empty")
	}
	if c.Policy == "" {
		c.Policy = "choice"
	}
	q := s.sql.Insert("llm_configurations").
		Columns("tenant_id", "provider", "api_key_encrypted", "base_url", "default_model", "policy", "updated_at").
		Values(c.TenantID, c.Provider, c.APIKeyEncrypted, c.BaseURL, c.DefaultModel, c.Policy, nowExpr(s.driver)).
		Suffix("ON CONFLICT(tenant_id) DO UPDATE SET provider=excluded.provider, api_key_encrypted=excluded.api_key_encrypted, " +
			"base_url=excluded.base_url, default_model=excluded.default_model, policy=excluded.policy, " +
			"last_tested_at=NULL, last_test_result=NULL, last_test_latency=NULL, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build llm configuration upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert llm configuration: %w", err)
	}
	return nil
}

func (s *Store) GetLLMConfiguration(ctx context.Context, tenantID string) (LLMConfiguration, error) {
	q := s.sql.Select(llmConfigColumns...).
		From("llm_configurations").
		Where(sq.Eq{"tenant_id": tenantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return LLMConfiguration{}, fmt.Errorf("build llm configuration query: %w", err)
	}

	var c LLMConfiguration
	var baseURL, defaultModel, testResult sql.NullString
	var testedAt sql.NullTime
	var latency sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.TenantID,
		&c.Provider,
		&c.APIKeyEncrypted,
		&baseURL,
		&defaultModel,
		&c.Policy,
		&testedAt,
		&testResult,
		&latency,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LLMConfiguration{}, ErrNotFound
		}
		return LLMConfiguration{}, fmt.Errorf("get llm configuration: %w", err)
	}
	if baseURL.Valid {
		c.BaseURL = &baseURL.String
	}
	if defaultModel.Valid {
		c.DefaultModel = &defaultModel.String
	}
	if testedAt.Valid {
		c.LastTestedAt = &testedAt.Time
	}
	if testResult.Valid {
		c.LastTestResult = &testResult.String
	}
	if latency.Valid {
		c.LastTestLatency = &latency.Int64
	}
	return c, nil
}

func (s *Store) DeleteLLMConfiguration(ctx context.Context, tenantID string) error {
	q := s.sql.Delete("llm_configurations").Where(sq.Eq{"tenant_id": tenantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete llm configuration query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete llm configuration: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLLMTest stores connectivity diagnostics for the tenant's current key.
func (s *Store) RecordLLMTest(ctx context.Context, tenantID, result string, latencyMs int64) error {
	q := s.sql.Update("llm_configurations").
		Set("last_tested_at", nowExpr(s.driver)).
		Set("last_test_result", result).
		Set("last_test_latency", latencyMs).
		Where(sq.Eq{"tenant_id": tenantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build record llm test query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("record llm test: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListEncryptedKeys(ctx context.Context) ([]EncryptedKey, error) {
	q := s.sql.Select("tenant_id", "api_key_encrypted").
		From("llm_configurations").
		OrderBy("tenant_id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list encrypted keys query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list encrypted keys: %w", err)
	}
	defer rows.Close()

	out := make([]EncryptedKey, 0)
	for rows.Next() {
		var k EncryptedKey
		if err := rows.Scan(&k.TenantID, &k.APIKeyEncrypted); err != nil {
			return nil, fmt.Errorf("scan encrypted key row: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate encrypted key rows: %w", err)
	}
	return out, nil
}

// SwapEncryptedKey replaces the ciphertext only if it still equals old, so a
// concurrent settings write is never overwritten by a rotation.
func (s *Store) SwapEncryptedKey(ctx context.Context, tenantID, old, replacement string) (bool, error) {
	q := s.sql.Update("llm_configurations").
		Set("api_key_encrypted", replacement).
		Where(sq.Eq{"tenant_id": tenantID, "api_key_encrypted": old})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build swap encrypted key query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("swap encrypted key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap encrypted key rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("tenant_id", "actor", "action", "meta_json").
		Values(e.TenantID, e.Actor, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, tenantID string, limit uint64) ([]AuditEntry, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("tenant_id", "actor", "action", "meta_json").
		From("audit_log").
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.TenantID, &e.Actor, &e.Action, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
