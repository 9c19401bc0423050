// Package routing implements the account selection engine: strategy
// dispatch, candidate filtering, session affinity, and per-account
// circuit breaking. Selection does no I/O; it reads only in-memory state.
package routing

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	manager "github.com/codexmgr/codexmgr/internal"
)

// Strategy names an account selection policy.
type Strategy string

const (
	StrategyLeastUtilized Strategy = "least_utilized"
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyPriority      Strategy = "priority"
	StrategySticky        Strategy = "sticky"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLeastUtilized, StrategyRoundRobin, StrategyPriority, StrategySticky:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: unknown routing strategy %q", manager.ErrBadRequest, s)
}

const (
	sessionTTL  = time.Hour
	maxSessions = 10_000
)

// Engine picks one account per request according to the active strategy.
// The status vector is swapped atomically on refresh; readers never see
// a partial update.
type Engine struct {
	mu       sync.RWMutex
	statuses []manager.AccountStatus
	strategy Strategy

	rrIndex  atomic.Uint64
	sessions *otter.Cache[string, manager.AccountID]
	breakers *breakerRegistry
	logger   *slog.Logger

	onCircuitOpen func()
}

// NewEngine creates an engine with an empty status vector.
func NewEngine(strategy Strategy, cfg CircuitConfig, logger *slog.Logger) (*Engine, error) {
	sessions, err := otter.New[string, manager.AccountID](&otter.Options[string, manager.AccountID]{
		MaximumSize:      maxSessions,
		ExpiryCalculator: otter.ExpiryWriting[string, manager.AccountID](sessionTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Engine{
		strategy: strategy,
		sessions: sessions,
		breakers: newBreakerRegistry(cfg),
		logger:   logger,
	}, nil
}

// UpdateAccounts atomically replaces the status vector. Availability and
// the disable reason are derived here for observability; selection
// re-checks them live so a breaker that recovered since the last refresh
// is not skipped. The input must already be ordered (priority desc,
// created asc). Breakers for removed accounts are dropped.
func (e *Engine) UpdateAccounts(statuses []manager.AccountStatus) {
	now := time.Now()
	ids := make(map[manager.AccountID]struct{}, len(statuses))
	for i := range statuses {
		st := &statuses[i]
		ids[st.Account.ID] = struct{}{}
		st.IsAvailable, st.DisableReason = e.availability(st, now)
	}
	e.breakers.retain(ids)

	e.mu.Lock()
	e.statuses = statuses
	e.mu.Unlock()

	e.logger.Debug("engine accounts updated", slog.Int("count", len(statuses)))
}

// availability applies the disablement clauses in order: disabled flag,
// budget exhaustion, open circuit.
func (e *Engine) availability(st *manager.AccountStatus, now time.Time) (bool, string) {
	if !st.Account.Enabled {
		return false, "disabled"
	}
	if st.Usage.IsOverLimit(&st.Account) {
		return false, "over_limit"
	}
	if !e.breakers.getOrCreate(st.Account.ID).canAttempt(now) {
		return false, "circuit_open"
	}
	return true, ""
}

// SelectAccount resolves a routing decision for the request, or returns
// manager.ErrNoAccount when no account can serve the model.
func (e *Engine) SelectAccount(ctx manager.RequestContext) (*manager.RoutingDecision, error) {
	now := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := e.candidates(ctx.Model, now)
	if len(candidates) == 0 {
		e.logger.Warn("no available account",
			slog.String("model", ctx.Model),
			slog.Int("total", len(e.statuses)))
		return nil, fmt.Errorf("%w: no available account for model %q", manager.ErrNoAccount, ctx.Model)
	}

	var chosen *manager.AccountStatus
	var reason string
	switch e.strategy {
	case StrategyRoundRobin:
		i := e.rrIndex.Add(1) - 1
		chosen = candidates[i%uint64(len(candidates))]
		reason = fmt.Sprintf("round_robin:%d", i)
	case StrategyPriority:
		chosen = candidates[0]
		for _, c := range candidates[1:] {
			if c.Account.Priority > chosen.Account.Priority {
				chosen = c
			}
		}
		reason = fmt.Sprintf("priority:%d", chosen.Account.Priority)
	case StrategySticky:
		chosen, reason = e.selectSticky(ctx.SessionID, candidates)
	default:
		chosen = leastUtilized(candidates)
		reason = "least_utilized"
	}

	e.breakers.getOrCreate(chosen.Account.ID).touch(now)

	e.logger.Debug("account selected",
		slog.String("account", chosen.Account.Label),
		slog.String("model", ctx.Model),
		slog.String("reason", reason))

	return &manager.RoutingDecision{
		AccountID:        chosen.Account.ID,
		AccountLabel:     chosen.Account.Label,
		APIKey:           chosen.Account.APIKey,
		OrgID:            chosen.Account.OrgID,
		Reason:           reason,
		UtilizationRatio: chosen.Usage.UtilizationRatio(),
		RemainingBudget:  chosen.Usage.RemainingBudget,
	}, nil
}

// candidates filters the status vector with live availability checks.
// Callers hold at least the read lock.
func (e *Engine) candidates(model string, now time.Time) []*manager.AccountStatus {
	var out []*manager.AccountStatus
	for i := range e.statuses {
		st := &e.statuses[i]
		if !st.Account.Enabled {
			continue
		}
		if st.Usage.IsOverLimit(&st.Account) {
			continue
		}
		if !st.Account.SupportsModel(model) {
			continue
		}
		if !e.breakers.getOrCreate(st.Account.ID).canAttempt(now) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// selectSticky honors an existing session mapping when it still points
// at a usable candidate; otherwise it picks by least utilization and
// records the mapping. An empty session id degrades to least utilized
// without recording.
func (e *Engine) selectSticky(sessionID string, candidates []*manager.AccountStatus) (*manager.AccountStatus, string) {
	if sessionID == "" {
		return leastUtilized(candidates), "least_utilized"
	}

	if id, ok := e.sessions.GetIfPresent(sessionID); ok {
		for _, c := range candidates {
			if c.Account.ID == id {
				return c, "sticky:" + sessionID
			}
		}
		// Mapped account is no longer usable; rebind below.
		chosen := leastUtilized(candidates)
		e.sessions.Set(sessionID, chosen.Account.ID)
		return chosen, "fallback"
	}

	chosen := leastUtilized(candidates)
	e.sessions.Set(sessionID, chosen.Account.ID)
	return chosen, "sticky:" + sessionID
}

// leastUtilized returns the candidate with the smallest utilization
// ratio, first wins on ties. candidates must be non-empty.
func leastUtilized(candidates []*manager.AccountStatus) *manager.AccountStatus {
	chosen := candidates[0]
	best := chosen.Usage.UtilizationRatio()
	for _, c := range candidates[1:] {
		if r := c.Usage.UtilizationRatio(); r < best {
			chosen, best = c, r
		}
	}
	return chosen
}

// ReportSuccess resets the account's circuit to closed.
func (e *Engine) ReportSuccess(id manager.AccountID) {
	e.breakers.getOrCreate(id).recordSuccess()
}

// ReportError records a request failure. Only fatal errors count toward
// opening the circuit.
func (e *Engine) ReportError(id manager.AccountID, fatal bool) {
	if !fatal {
		return
	}
	if e.breakers.getOrCreate(id).recordFatal(time.Now()) {
		e.logger.Warn("circuit opened", slog.String("account", id.String()))
		if e.onCircuitOpen != nil {
			e.onCircuitOpen()
		}
	}
}

// Statuses returns a snapshot clone of the status vector with
// availability recomputed against the current clock.
func (e *Engine) Statuses() []manager.AccountStatus {
	now := time.Now()
	e.mu.RLock()
	out := make([]manager.AccountStatus, len(e.statuses))
	copy(out, e.statuses)
	e.mu.RUnlock()

	for i := range out {
		out[i].IsAvailable, out[i].DisableReason = e.availability(&out[i], now)
	}
	return out
}

// Stats summarizes the engine's current view.
func (e *Engine) Stats() manager.RoutingStats {
	now := time.Now()
	e.mu.RLock()
	strategy := e.strategy
	total := len(e.statuses)
	available := 0
	for i := range e.statuses {
		if ok, _ := e.availability(&e.statuses[i], now); ok {
			available++
		}
	}
	e.mu.RUnlock()

	return manager.RoutingStats{
		TotalAccounts:     total,
		AvailableAccounts: available,
		Strategy:          string(strategy),
		OpenCircuits:      e.breakers.openCount(now),
		ActiveSessions:    e.sessions.EstimatedSize(),
	}
}

// OnCircuitOpen registers a callback invoked on each closed-to-open or
// probe-failure transition. Set it before the engine serves requests.
func (e *Engine) OnCircuitOpen(fn func()) {
	e.onCircuitOpen = fn
}

// Strategy returns the active selection strategy.
func (e *Engine) Strategy() Strategy {
	e.mu.RLock()
	s := e.strategy
	e.mu.RUnlock()
	return s
}

// SetStrategy switches the active strategy for subsequent selections.
func (e *Engine) SetStrategy(s Strategy) {
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
	e.logger.Info("routing strategy changed", slog.String("strategy", string(s)))
}

// ClearSessions drops all session affinity mappings.
func (e *Engine) ClearSessions() {
	e.sessions.InvalidateAll()
}
