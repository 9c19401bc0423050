// Package storage defines persistence interfaces for the account catalog.
package storage

import (
	"context"

	manager "github.com/codexmgr/codexmgr/internal"
)

// AccountStore manages account persistence. Credentials are encrypted at
// rest by the implementation; plaintext never crosses this boundary on disk.
type AccountStore interface {
	// SaveAccount upserts by ID, re-encrypting the credential.
	SaveAccount(ctx context.Context, a *manager.Account) error
	// LoadAccount returns manager.ErrNotFound when the ID is unknown.
	LoadAccount(ctx context.Context, id manager.AccountID) (*manager.Account, error)
	// LoadAccounts returns all accounts ordered by (priority desc, created asc).
	LoadAccounts(ctx context.Context) ([]*manager.Account, error)
	// DeleteAccount reports whether anything was removed. Snapshots cascade.
	DeleteAccount(ctx context.Context, id manager.AccountID) (bool, error)
}

// UsageStore manages append-only usage snapshots.
type UsageStore interface {
	SaveUsageSnapshot(ctx context.Context, s *manager.UsageSnapshot) error
	// LoadLatestUsage returns manager.ErrNotFound when no snapshot exists.
	LoadLatestUsage(ctx context.Context, id manager.AccountID) (*manager.UsageSnapshot, error)
	// PruneUsageSnapshots drops all but the newest keep snapshots per
	// account and returns the number deleted. keep must be >= 1.
	PruneUsageSnapshots(ctx context.Context, keep int) (int64, error)
}

// MetadataStore is store-owned key/value bookkeeping (KDF salt and friends).
type MetadataStore interface {
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	UsageStore
	MetadataStore
	Close() error
}
