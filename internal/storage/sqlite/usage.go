package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	manager "github.com/codexmgr/codexmgr/internal"
)

// SaveUsageSnapshot appends a snapshot; snapshots are never mutated.
func (s *Store) SaveUsageSnapshot(ctx context.Context, snap *manager.UsageSnapshot) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_snapshots (account_id, tokens_used, cost_estimate,
		 hard_limit, soft_limit, remaining_budget, daily_usage, monthly_usage, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.AccountID.String(), int64(snap.TokensUsed), snap.CostEstimate,
		snap.HardLimit, snap.SoftLimit, snap.RemainingBudget,
		snap.DailyUsage, snap.MonthlyUsage, snap.Timestamp.UTC().Format(time.RFC3339),
	)
	return err
}

// LoadLatestUsage returns the newest snapshot for the account by timestamp.
func (s *Store) LoadLatestUsage(ctx context.Context, id manager.AccountID) (*manager.UsageSnapshot, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT account_id, tokens_used, cost_estimate, hard_limit, soft_limit,
		 remaining_budget, daily_usage, monthly_usage, timestamp
		 FROM usage_snapshots WHERE account_id = ?
		 ORDER BY timestamp DESC LIMIT 1`, id.String(),
	)

	var snap manager.UsageSnapshot
	var accountID, ts string
	var tokens int64
	err := row.Scan(&accountID, &tokens, &snap.CostEstimate,
		&snap.HardLimit, &snap.SoftLimit, &snap.RemainingBudget,
		&snap.DailyUsage, &snap.MonthlyUsage, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, manager.ErrNotFound
		}
		return nil, err
	}

	snap.AccountID, err = uuid.Parse(accountID)
	if err != nil {
		return nil, err
	}
	snap.TokensUsed = uint64(tokens)
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		snap.Timestamp = t
	}
	return &snap, nil
}

// PruneUsageSnapshots keeps the newest keep snapshots per account and
// deletes the rest, returning the number removed.
func (s *Store) PruneUsageSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_snapshots WHERE id NOT IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (
		       PARTITION BY account_id ORDER BY timestamp DESC, id DESC
		     ) AS rn FROM usage_snapshots
		   ) WHERE rn <= ?
		 )`, keep,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
