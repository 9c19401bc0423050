package worker

import (
	"context"
	"log/slog"
	"time"

	manager "github.com/codexmgr/codexmgr/internal"
	"github.com/codexmgr/codexmgr/internal/usage"
)

// checkInterval bounds how long the poller sleeps between schedule
// evaluations, so newly added accounts are picked up promptly.
const checkInterval = 30 * time.Second

// UsageRefresher is the slice of the account manager the poller consumes.
type UsageRefresher interface {
	ListAccounts(ctx context.Context) ([]*manager.Account, error)
	RefreshUsage(ctx context.Context, id manager.AccountID) (*manager.UsageSnapshot, error)
}

// UsagePollWorker refreshes usage snapshots for every account on a
// per-account schedule. Accounts whose upstream keeps failing are
// polled less often; a successful fetch restores the base interval.
type UsagePollWorker struct {
	refresher UsageRefresher
	backoff   *usage.Poller

	nextRun map[manager.AccountID]time.Time
}

// NewUsagePollWorker creates a poll worker with default backoff bounds.
func NewUsagePollWorker(refresher UsageRefresher) *UsagePollWorker {
	return &UsagePollWorker{
		refresher: refresher,
		backoff:   usage.NewPoller(),
		nextRun:   make(map[manager.AccountID]time.Time),
	}
}

// Name returns the worker identifier.
func (w *UsagePollWorker) Name() string { return "usage_poll" }

// Run polls due accounts until ctx is cancelled. The first pass runs
// immediately so snapshots are fresh right after startup.
func (w *UsagePollWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			timer.Reset(w.pollDue(ctx))
		}
	}
}

// pollDue refreshes every account whose schedule has elapsed and
// returns how long to sleep before the next evaluation.
func (w *UsagePollWorker) pollDue(ctx context.Context) time.Duration {
	now := time.Now()

	accounts, err := w.refresher.ListAccounts(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage poll list failed",
			slog.String("error", err.Error()),
		)
		return checkInterval
	}

	seen := make(map[manager.AccountID]struct{}, len(accounts))
	sleep := checkInterval
	for _, a := range accounts {
		seen[a.ID] = struct{}{}
		due, known := w.nextRun[a.ID]
		if known && now.Before(due) {
			if until := due.Sub(now); until < sleep {
				sleep = until
			}
			continue
		}

		key := a.ID.String()
		if _, err := w.refresher.RefreshUsage(ctx, a.ID); err != nil {
			w.backoff.RecordFailure(key)
			slog.LogAttrs(ctx, slog.LevelWarn, "usage refresh failed",
				slog.String("account", a.Label),
				slog.String("error", err.Error()),
			)
		} else {
			w.backoff.RecordSuccess(key)
		}

		interval := w.backoff.NextInterval(key)
		w.nextRun[a.ID] = now.Add(interval)
		if interval < sleep {
			sleep = interval
		}
	}

	// Drop schedule entries for removed accounts.
	for id := range w.nextRun {
		if _, ok := seen[id]; !ok {
			delete(w.nextRun, id)
		}
	}

	return sleep
}
