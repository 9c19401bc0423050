package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	manager "github.com/codexmgr/codexmgr/internal"
)

// SaveAccount upserts an account by ID, re-encrypting the credential.
func (s *Store) SaveAccount(ctx context.Context, a *manager.Account) error {
	encKey, err := s.box.Encrypt(a.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	scope, err := marshalJSON(a.ModelScope)
	if err != nil {
		return err
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO accounts (id, label, api_key_encrypted, org_id, model_scope,
		 daily_limit, monthly_limit, priority, enabled, created_at, updated_at, last_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 label = excluded.label,
		 api_key_encrypted = excluded.api_key_encrypted,
		 org_id = excluded.org_id,
		 model_scope = excluded.model_scope,
		 daily_limit = excluded.daily_limit,
		 monthly_limit = excluded.monthly_limit,
		 priority = excluded.priority,
		 enabled = excluded.enabled,
		 updated_at = excluded.updated_at,
		 last_used = excluded.last_used`,
		a.ID.String(), a.Label, encKey, nullStr(a.OrgID), scope,
		a.DailyLimit, a.MonthlyLimit, a.Priority, boolToInt(a.Enabled),
		a.CreatedAt.UTC().Format(time.RFC3339), a.UpdatedAt.UTC().Format(time.RFC3339),
		timeToStr(a.LastUsed),
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// LoadAccount returns one account with its credential decrypted.
func (s *Store) LoadAccount(ctx context.Context, id manager.AccountID) (*manager.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, label, api_key_encrypted, org_id, model_scope,
		 daily_limit, monthly_limit, priority, enabled, created_at, updated_at, last_used
		 FROM accounts WHERE id = ?`, id.String(),
	)
	return s.scanAccount(row)
}

// LoadAccounts returns every account ordered by (priority desc, created asc).
func (s *Store) LoadAccounts(ctx context.Context) ([]*manager.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, label, api_key_encrypted, org_id, model_scope,
		 daily_limit, monthly_limit, priority, enabled, created_at, updated_at, last_used
		 FROM accounts ORDER BY priority DESC, created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*manager.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes an account; snapshots cascade via the FK.
func (s *Store) DeleteAccount(ctx context.Context, id manager.AccountID) (bool, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id.String())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row scanner) (*manager.Account, error) {
	var a manager.Account
	var id, createdAt, updatedAt string
	var encKey string
	var orgID, scopeJSON, lastUsed sql.NullString
	var enabled int

	err := row.Scan(&id, &a.Label, &encKey, &orgID, &scopeJSON,
		&a.DailyLimit, &a.MonthlyLimit, &a.Priority, &enabled,
		&createdAt, &updatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, manager.ErrNotFound
		}
		return nil, err
	}

	a.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse account id %q: %w", id, err)
	}
	a.APIKey, err = s.box.Decrypt(encKey)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	a.OrgID = orgID.String
	a.Enabled = enabled != 0

	scope, err := unmarshalStringSlice(scopeJSON)
	if err != nil {
		return nil, err
	}
	a.ModelScope = scope

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		a.UpdatedAt = t
	}
	a.LastUsed = parseTime(lastUsed)
	return &a, nil
}

// helpers

func marshalJSON(v []string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
