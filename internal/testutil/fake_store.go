// Package testutil provides configurable test fakes for manager interfaces.
package testutil

import (
	"context"
	"sort"
	"sync"

	manager "github.com/codexmgr/codexmgr/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
// Unlike the real store it keeps credentials in plaintext.
type FakeStore struct {
	mu        sync.RWMutex
	accounts  map[manager.AccountID]*manager.Account
	snapshots map[manager.AccountID][]*manager.UsageSnapshot
	metadata  map[string]string

	SaveErr error // when set, SaveAccount returns it
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts:  make(map[manager.AccountID]*manager.Account),
		snapshots: make(map[manager.AccountID][]*manager.UsageSnapshot),
		metadata:  make(map[string]string),
	}
}

// SaveAccount upserts an account.
func (s *FakeStore) SaveAccount(_ context.Context, a *manager.Account) error {
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.mu.Lock()
	cp := *a
	s.accounts[a.ID] = &cp
	s.mu.Unlock()
	return nil
}

// LoadAccount returns a stored account or manager.ErrNotFound.
func (s *FakeStore) LoadAccount(_ context.Context, id manager.AccountID) (*manager.Account, error) {
	s.mu.RLock()
	a, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, manager.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// LoadAccounts returns all accounts ordered by (priority desc, created asc).
func (s *FakeStore) LoadAccounts(context.Context) ([]*manager.Account, error) {
	s.mu.RLock()
	out := make([]*manager.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteAccount removes an account and its snapshots.
func (s *FakeStore) DeleteAccount(_ context.Context, id manager.AccountID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return false, nil
	}
	delete(s.accounts, id)
	delete(s.snapshots, id)
	return true, nil
}

// SaveUsageSnapshot appends a snapshot.
func (s *FakeStore) SaveUsageSnapshot(_ context.Context, snap *manager.UsageSnapshot) error {
	s.mu.Lock()
	cp := *snap
	s.snapshots[snap.AccountID] = append(s.snapshots[snap.AccountID], &cp)
	s.mu.Unlock()
	return nil
}

// LoadLatestUsage returns the newest snapshot by timestamp.
func (s *FakeStore) LoadLatestUsage(_ context.Context, id manager.AccountID) (*manager.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[id]
	if len(snaps) == 0 {
		return nil, manager.ErrNotFound
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Timestamp.After(latest.Timestamp) {
			latest = snap
		}
	}
	cp := *latest
	return &cp, nil
}

// PruneUsageSnapshots keeps the newest keep snapshots per account.
func (s *FakeStore) PruneUsageSnapshots(_ context.Context, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, snaps := range s.snapshots {
		if len(snaps) <= keep {
			continue
		}
		sort.Slice(snaps, func(i, j int) bool {
			return snaps[i].Timestamp.After(snaps[j].Timestamp)
		})
		removed += int64(len(snaps) - keep)
		s.snapshots[id] = snaps[:keep]
	}
	return removed, nil
}

// GetMetadata returns a stored value, or "" when absent.
func (s *FakeStore) GetMetadata(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	v := s.metadata[key]
	s.mu.RUnlock()
	return v, nil
}

// SetMetadata upserts a key/value pair.
func (s *FakeStore) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
