package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	manager "github.com/codexmgr/codexmgr/internal"
)

const testPassphrase = "correct horse battery staple"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path, testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := manager.NewAccount("work", "sk-test-secret-12345")
	a.OrgID = "org-acme"
	a.ModelScope = []string{"gpt-5*", "o3"}
	a.MonthlyLimit = f64(200)
	a.Priority = 5

	if err := s.SaveAccount(ctx, a); err != nil {
		t.Fatal("save:", err)
	}

	got, err := s.LoadAccount(ctx, a.ID)
	if err != nil {
		t.Fatal("load:", err)
	}
	if got.Label != "work" {
		t.Errorf("label = %q, want %q", got.Label, "work")
	}
	if got.APIKey != "sk-test-secret-12345" {
		t.Errorf("api key did not survive round trip")
	}
	if got.OrgID != "org-acme" {
		t.Errorf("org = %q, want %q", got.OrgID, "org-acme")
	}
	if len(got.ModelScope) != 2 || got.ModelScope[0] != "gpt-5*" {
		t.Errorf("model scope = %v", got.ModelScope)
	}
	if got.MonthlyLimit == nil || *got.MonthlyLimit != 200 {
		t.Errorf("monthly limit = %v, want 200", got.MonthlyLimit)
	}
	if !got.Enabled {
		t.Error("enabled should be true")
	}

	// Upsert
	a.Label = "work-renamed"
	a.Enabled = false
	if err := s.SaveAccount(ctx, a); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.LoadAccount(ctx, a.ID)
	if got.Label != "work-renamed" || got.Enabled {
		t.Errorf("update not applied: label=%q enabled=%v", got.Label, got.Enabled)
	}

	// Delete
	deleted, err := s.DeleteAccount(ctx, a.ID)
	if err != nil {
		t.Fatal("delete:", err)
	}
	if !deleted {
		t.Error("delete should report true for existing account")
	}
	if _, err := s.LoadAccount(ctx, a.ID); !errors.Is(err, manager.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
	deleted, _ = s.DeleteAccount(ctx, a.ID)
	if deleted {
		t.Error("second delete should report false")
	}
}

func TestCredentialEncryptedAtRest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	const plaintext = "sk-proj-very-sensitive-key"
	a := manager.NewAccount("enc", plaintext)
	if err := s.SaveAccount(ctx, a); err != nil {
		t.Fatal("save:", err)
	}

	var stored string
	err := s.read.QueryRowContext(ctx,
		`SELECT api_key_encrypted FROM accounts WHERE id = ?`, a.ID.String(),
	).Scan(&stored)
	if err != nil {
		t.Fatal("raw read:", err)
	}
	if stored == plaintext || strings.Contains(stored, plaintext) {
		t.Error("stored credential contains plaintext")
	}
}

func TestLoadAccountsOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	low := manager.NewAccount("low", "sk-low")
	low.Priority = 1
	mid1 := manager.NewAccount("mid-old", "sk-mid1")
	mid1.Priority = 5
	mid2 := manager.NewAccount("mid-new", "sk-mid2")
	mid2.Priority = 5
	mid2.CreatedAt = mid1.CreatedAt.Add(time.Minute)

	for _, a := range []*manager.Account{mid2, low, mid1} {
		if err := s.SaveAccount(ctx, a); err != nil {
			t.Fatal("save:", err)
		}
	}

	accounts, err := s.LoadAccounts(ctx)
	if err != nil {
		t.Fatal("load all:", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("count = %d, want 3", len(accounts))
	}
	want := []string{"mid-old", "mid-new", "low"}
	for i, a := range accounts {
		if a.Label != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, a.Label, want[i])
		}
	}
}

func TestUsageLatestAndPrune(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := manager.NewAccount("usage", "sk-usage")
	if err := s.SaveAccount(ctx, a); err != nil {
		t.Fatal("save account:", err)
	}

	if _, err := s.LoadLatestUsage(ctx, a.ID); !errors.Is(err, manager.ErrNotFound) {
		t.Errorf("no snapshots err = %v, want ErrNotFound", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		snap := manager.NewUsageSnapshot(a.ID)
		snap.MonthlyUsage = float64(i)
		snap.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveUsageSnapshot(ctx, &snap); err != nil {
			t.Fatal("save snapshot:", err)
		}
	}

	latest, err := s.LoadLatestUsage(ctx, a.ID)
	if err != nil {
		t.Fatal("latest:", err)
	}
	if latest.MonthlyUsage != 4 {
		t.Errorf("latest monthly usage = %v, want 4", latest.MonthlyUsage)
	}
	if latest.AccountID != a.ID {
		t.Errorf("latest account id = %v, want %v", latest.AccountID, a.ID)
	}

	removed, err := s.PruneUsageSnapshots(ctx, 2)
	if err != nil {
		t.Fatal("prune:", err)
	}
	if removed != 3 {
		t.Errorf("pruned = %d, want 3", removed)
	}
	latest, err = s.LoadLatestUsage(ctx, a.ID)
	if err != nil {
		t.Fatal("latest after prune:", err)
	}
	if latest.MonthlyUsage != 4 {
		t.Errorf("prune removed the newest snapshot, monthly usage = %v", latest.MonthlyUsage)
	}
}

func TestDeleteAccountCascadesSnapshots(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := manager.NewAccount("cascade", "sk-cascade")
	if err := s.SaveAccount(ctx, a); err != nil {
		t.Fatal("save:", err)
	}
	snap := manager.NewUsageSnapshot(a.ID)
	if err := s.SaveUsageSnapshot(ctx, &snap); err != nil {
		t.Fatal("snapshot:", err)
	}

	if _, err := s.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatal("delete:", err)
	}

	var count int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_snapshots WHERE account_id = ?`, a.ID.String(),
	).Scan(&count)
	if err != nil {
		t.Fatal("count:", err)
	}
	if count != 0 {
		t.Errorf("orphan snapshots = %d, want 0", count)
	}
}

func TestMetadataUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetMetadata(ctx, "missing")
	if err != nil || v != "" {
		t.Errorf("missing key = (%q, %v), want empty", v, err)
	}

	if err := s.SetMetadata(ctx, "k", "v1"); err != nil {
		t.Fatal("set:", err)
	}
	if err := s.SetMetadata(ctx, "k", "v2"); err != nil {
		t.Fatal("overwrite:", err)
	}
	v, err = s.GetMetadata(ctx, "k")
	if err != nil {
		t.Fatal("get:", err)
	}
	if v != "v2" {
		t.Errorf("value = %q, want %q", v, "v2")
	}
}

func TestReopenWithSamePassphrase(t *testing.T) {
	t.Parallel()
	path := t.TempDir() + "/reopen.db"
	ctx := context.Background()

	s1, err := New(path, testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	a := manager.NewAccount("persist", "sk-persist-me")
	if err := s1.SaveAccount(ctx, a); err != nil {
		t.Fatal("save:", err)
	}
	s1.Close()

	s2, err := New(path, testPassphrase)
	if err != nil {
		t.Fatal("reopen:", err)
	}
	defer s2.Close()

	got, err := s2.LoadAccount(ctx, a.ID)
	if err != nil {
		t.Fatal("load after reopen:", err)
	}
	if got.APIKey != "sk-persist-me" {
		t.Error("credential did not decrypt after reopen with same passphrase")
	}
}

func TestReopenWithWrongPassphrase(t *testing.T) {
	t.Parallel()
	path := t.TempDir() + "/wrongpass.db"
	ctx := context.Background()

	s1, err := New(path, testPassphrase)
	if err != nil {
		t.Fatal(err)
	}
	a := manager.NewAccount("locked", "sk-locked")
	if err := s1.SaveAccount(ctx, a); err != nil {
		t.Fatal("save:", err)
	}
	s1.Close()

	s2, err := New(path, "not the passphrase")
	if err != nil {
		t.Fatal("reopen:", err)
	}
	defer s2.Close()

	if _, err := s2.LoadAccount(ctx, a.ID); !errors.Is(err, manager.ErrDecrypt) {
		t.Errorf("wrong passphrase err = %v, want ErrDecrypt", err)
	}
}
