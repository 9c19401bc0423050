// Package app wires the store, usage client, and routing engine into the
// account management service used by both the proxy and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/errgroup"

	manager "github.com/codexmgr/codexmgr/internal"
	"github.com/codexmgr/codexmgr/internal/routing"
	"github.com/codexmgr/codexmgr/internal/storage"
	"github.com/codexmgr/codexmgr/internal/telemetry"
)

// exportVersion tags account export documents.
const exportVersion = "1"

// refreshConcurrency bounds parallel upstream fetches during a full
// usage refresh.
const refreshConcurrency = 4

// Validation results are cached briefly so repeated probes of the same
// credential do not hammer the upstream models endpoint.
const (
	validationTTL    = 5 * time.Minute
	maxCachedProbes  = 1024
	validationKeySep = "\x00"
)

// UsageFetcher is the subset of the usage client the service needs.
type UsageFetcher interface {
	FetchSnapshot(ctx context.Context, account *manager.Account) *manager.UsageSnapshot
	ValidateKey(ctx context.Context, apiKey, orgID string) manager.ValidationResult
}

// Manager is the account management service. All mutations go through
// the store first, then refresh the engine's in-memory view.
type Manager struct {
	store       storage.Store
	engine      *routing.Engine
	usage       UsageFetcher
	validations *otter.Cache[string, manager.ValidationResult]
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// NewManager creates the service. Call RefreshEngine once after
// construction to hydrate the engine from the store.
func NewManager(store storage.Store, engine *routing.Engine, usage UsageFetcher, logger *slog.Logger) *Manager {
	validations := otter.Must(&otter.Options[string, manager.ValidationResult]{
		MaximumSize:      maxCachedProbes,
		ExpiryCalculator: otter.ExpiryWriting[string, manager.ValidationResult](validationTTL),
	})
	return &Manager{
		store:       store,
		engine:      engine,
		usage:       usage,
		validations: validations,
		logger:      logger,
	}
}

// Engine exposes the routing engine for the proxy request path.
func (m *Manager) Engine() *routing.Engine { return m.engine }

// SetMetrics attaches telemetry collectors. Call before serving.
func (m *Manager) SetMetrics(mx *telemetry.Metrics) {
	m.metrics = mx
}

// AddAccount creates and persists a new account.
func (m *Manager) AddAccount(ctx context.Context, req manager.CreateAccountRequest) (*manager.Account, error) {
	if req.Label == "" {
		return nil, fmt.Errorf("%w: label is required", manager.ErrBadRequest)
	}
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key is required", manager.ErrBadRequest)
	}

	a := manager.NewAccount(req.Label, req.APIKey)
	a.OrgID = req.OrgID
	a.ModelScope = req.ModelScope
	a.DailyLimit = req.DailyLimit
	a.MonthlyLimit = req.MonthlyLimit
	if req.Priority != nil {
		a.Priority = *req.Priority
	}

	if err := m.store.SaveAccount(ctx, a); err != nil {
		return nil, err
	}
	m.logger.Info("account added",
		slog.String("id", a.ID.String()),
		slog.String("label", a.Label))

	if err := m.RefreshEngine(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAccount applies the non-nil fields of req to an existing account.
func (m *Manager) UpdateAccount(ctx context.Context, id manager.AccountID, req manager.UpdateAccountRequest) (*manager.Account, error) {
	a, err := m.store.LoadAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Label != nil {
		if *req.Label == "" {
			return nil, fmt.Errorf("%w: label cannot be empty", manager.ErrBadRequest)
		}
		a.Label = *req.Label
	}
	if req.APIKey != nil {
		if *req.APIKey == "" {
			return nil, fmt.Errorf("%w: api_key cannot be empty", manager.ErrBadRequest)
		}
		a.APIKey = *req.APIKey
	}
	if req.OrgID != nil {
		a.OrgID = *req.OrgID
	}
	if req.ModelScope != nil {
		a.ModelScope = *req.ModelScope
	}
	if req.DailyLimit != nil {
		a.DailyLimit = req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		a.MonthlyLimit = req.MonthlyLimit
	}
	if req.Priority != nil {
		a.Priority = *req.Priority
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	a.UpdatedAt = time.Now().UTC()

	if err := m.store.SaveAccount(ctx, a); err != nil {
		return nil, err
	}
	m.logger.Info("account updated", slog.String("id", a.ID.String()))

	if err := m.RefreshEngine(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// RemoveAccount deletes an account and its snapshots.
func (m *Manager) RemoveAccount(ctx context.Context, id manager.AccountID) (bool, error) {
	removed, err := m.store.DeleteAccount(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		m.logger.Info("account removed", slog.String("id", id.String()))
		if err := m.RefreshEngine(ctx); err != nil {
			return true, err
		}
	}
	return removed, nil
}

// GetAccount returns one account.
func (m *Manager) GetAccount(ctx context.Context, id manager.AccountID) (*manager.Account, error) {
	return m.store.LoadAccount(ctx, id)
}

// ListAccounts returns all accounts in routing order.
func (m *Manager) ListAccounts(ctx context.Context) ([]*manager.Account, error) {
	return m.store.LoadAccounts(ctx)
}

// ToggleAccount flips an account's enabled flag.
func (m *Manager) ToggleAccount(ctx context.Context, id manager.AccountID, enabled bool) (*manager.Account, error) {
	return m.UpdateAccount(ctx, id, manager.UpdateAccountRequest{Enabled: &enabled})
}

// AccountStatuses returns the engine's current per-account view.
func (m *Manager) AccountStatuses() []manager.AccountStatus {
	return m.engine.Statuses()
}

// LatestUsage returns the newest stored snapshot for an account.
func (m *Manager) LatestUsage(ctx context.Context, id manager.AccountID) (*manager.UsageSnapshot, error) {
	return m.store.LoadLatestUsage(ctx, id)
}

// RefreshUsage fetches fresh usage facts for one account, persists the
// snapshot, and updates the engine.
func (m *Manager) RefreshUsage(ctx context.Context, id manager.AccountID) (*manager.UsageSnapshot, error) {
	a, err := m.store.LoadAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := m.usage.FetchSnapshot(ctx, a)
	if err := m.store.SaveUsageSnapshot(ctx, snap); err != nil {
		m.countRefresh("error")
		return nil, err
	}
	if err := m.RefreshEngine(ctx); err != nil {
		return nil, err
	}
	m.countRefresh("ok")
	return snap, nil
}

func (m *Manager) countRefresh(outcome string) {
	if m.metrics != nil {
		m.metrics.UsageRefreshes.WithLabelValues(outcome).Inc()
	}
}

// RefreshAllUsage fetches usage for every account with bounded
// concurrency. A failing save aborts the refresh; fetch errors are
// already absorbed into best-effort snapshots by the client.
func (m *Manager) RefreshAllUsage(ctx context.Context) error {
	accounts, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, a := range accounts {
		g.Go(func() error {
			snap := m.usage.FetchSnapshot(gctx, a)
			if err := m.store.SaveUsageSnapshot(gctx, snap); err != nil {
				m.countRefresh("error")
				return err
			}
			m.countRefresh("ok")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.RefreshEngine(ctx)
}

// ValidateKey probes a credential against the upstream models endpoint.
// Results are cached for a few minutes per (key, org) pair.
func (m *Manager) ValidateKey(ctx context.Context, apiKey, orgID string) manager.ValidationResult {
	cacheKey := apiKey + validationKeySep + orgID
	if res, ok := m.validations.GetIfPresent(cacheKey); ok {
		return res
	}
	res := m.usage.ValidateKey(ctx, apiKey, orgID)
	m.validations.Set(cacheKey, res)
	return res
}

// ExportAccounts returns a portable dump of the catalog. This is the
// only code path that serializes credentials; callers opt in explicitly.
func (m *Manager) ExportAccounts(ctx context.Context) (*manager.AccountExport, error) {
	accounts, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := &manager.AccountExport{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Accounts:   make([]manager.ExportedAccount, len(accounts)),
	}
	for i, a := range accounts {
		out.Accounts[i] = manager.ExportAccount(a)
	}
	return out, nil
}

// ImportAccounts adds every account in the export as a new record with a
// fresh identifier. It returns the number imported.
func (m *Manager) ImportAccounts(ctx context.Context, export *manager.AccountExport) (int, error) {
	for i, e := range export.Accounts {
		if e.Label == "" || e.APIKey == "" {
			return 0, fmt.Errorf("%w: account %d missing label or api_key", manager.ErrBadRequest, i)
		}
	}

	imported := 0
	for _, e := range export.Accounts {
		a := manager.NewAccount(e.Label, e.APIKey)
		a.OrgID = e.OrgID
		a.ModelScope = e.ModelScope
		a.DailyLimit = e.DailyLimit
		a.MonthlyLimit = e.MonthlyLimit
		a.Priority = e.Priority
		a.Enabled = e.Enabled
		if err := m.store.SaveAccount(ctx, a); err != nil {
			return imported, err
		}
		imported++
	}
	m.logger.Info("accounts imported", slog.Int("count", imported))

	if err := m.RefreshEngine(ctx); err != nil {
		return imported, err
	}
	return imported, nil
}

// RoutingStats returns the engine's current summary.
func (m *Manager) RoutingStats() manager.RoutingStats {
	return m.engine.Stats()
}

// SetStrategy switches the engine's selection strategy.
func (m *Manager) SetStrategy(name string) error {
	s, err := routing.ParseStrategy(name)
	if err != nil {
		return err
	}
	m.engine.SetStrategy(s)
	return nil
}

// ClearSessions drops all sticky session mappings.
func (m *Manager) ClearSessions() {
	m.engine.ClearSessions()
}

// RefreshEngine rebuilds the engine's status vector from the store:
// every account joined with its latest snapshot (zero snapshot when none
// exists).
func (m *Manager) RefreshEngine(ctx context.Context) error {
	accounts, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	statuses := make([]manager.AccountStatus, len(accounts))
	for i, a := range accounts {
		snap, err := m.store.LoadLatestUsage(ctx, a.ID)
		if errors.Is(err, manager.ErrNotFound) {
			s := manager.NewUsageSnapshot(a.ID)
			snap = &s
		} else if err != nil {
			return fmt.Errorf("load usage for %s: %w", a.ID, err)
		}
		statuses[i] = manager.AccountStatus{Account: *a, Usage: *snap}
	}

	m.engine.UpdateAccounts(statuses)
	if m.metrics != nil {
		m.metrics.AccountsAvailable.Set(float64(m.engine.Stats().AvailableAccounts))
	}
	return nil
}
