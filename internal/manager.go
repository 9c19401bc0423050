// Package manager defines domain types and interfaces for the Codex Manager
// gateway. This package has no project imports -- it is the dependency root.
package manager

import (
	"time"

	"github.com/google/uuid"
)

// AccountID identifies one upstream tenant credential.
type AccountID = uuid.UUID

// Account is one upstream OpenAI tenant credential with scope, budgets,
// and priority. The credential itself is held only in memory and in the
// encrypted column of the store; it is excluded from default JSON output.
type Account struct {
	ID           AccountID  `json:"id"`
	Label        string     `json:"label"`
	APIKey       string     `json:"-"` // never serialized by default
	OrgID        string     `json:"org_id,omitempty"`
	ModelScope   []string   `json:"model_scope,omitempty"` // empty = all models
	DailyLimit   *float64   `json:"daily_limit,omitempty"` // USD
	MonthlyLimit *float64   `json:"monthly_limit,omitempty"`
	Priority     int        `json:"priority"` // higher wins
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

// NewAccount creates an enabled account with a fresh ID and empty scope.
func NewAccount(label, apiKey string) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:        uuid.New(),
		Label:     label,
		APIKey:    apiKey,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SupportsModel reports whether the account's scope admits the given model.
// An empty scope matches everything; entries ending in '*' match by prefix,
// all others by exact string.
func (a *Account) SupportsModel(model string) bool {
	if len(a.ModelScope) == 0 {
		return true
	}
	for _, m := range a.ModelScope {
		if n := len(m); n > 0 && m[n-1] == '*' {
			if len(model) >= n-1 && model[:n-1] == m[:n-1] {
				return true
			}
		} else if m == model {
			return true
		}
	}
	return false
}

// UsageSnapshot is a point-in-time set of billing and token facts for one
// account. Snapshots are append-only; the newest per account is "current".
type UsageSnapshot struct {
	AccountID       AccountID `json:"account_id"`
	TokensUsed      uint64    `json:"tokens_used"`
	CostEstimate    float64   `json:"cost_estimate"`
	HardLimit       *float64  `json:"hard_limit,omitempty"` // USD
	SoftLimit       *float64  `json:"soft_limit,omitempty"`
	RemainingBudget *float64  `json:"remaining_budget,omitempty"`
	DailyUsage      float64   `json:"daily_usage"`
	MonthlyUsage    float64   `json:"monthly_usage"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewUsageSnapshot returns an empty snapshot for the account stamped now.
func NewUsageSnapshot(id AccountID) UsageSnapshot {
	return UsageSnapshot{AccountID: id, Timestamp: time.Now().UTC()}
}

// UtilizationRatio is month-to-date spend over the hard limit, clamped to
// [0, 1]. Zero when no hard limit is known.
func (u *UsageSnapshot) UtilizationRatio() float64 {
	if u.HardLimit == nil || *u.HardLimit <= 0 {
		return 0
	}
	r := u.MonthlyUsage / *u.HardLimit
	return min(max(r, 0), 1)
}

// IsOverLimit reports whether the account has exhausted any configured
// budget: its daily cap, its monthly cap, or the provider-side remaining
// budget.
func (u *UsageSnapshot) IsOverLimit(a *Account) bool {
	if a.DailyLimit != nil && u.DailyUsage >= *a.DailyLimit {
		return true
	}
	if a.MonthlyLimit != nil && u.MonthlyUsage >= *a.MonthlyLimit {
		return true
	}
	if u.RemainingBudget != nil && *u.RemainingBudget <= 0 {
		return true
	}
	return false
}

// AccountStatus joins an account with its latest usage snapshot and the
// engine's derived availability. Reconstituted on every engine refresh,
// never persisted.
type AccountStatus struct {
	Account       Account       `json:"account"`
	Usage         UsageSnapshot `json:"usage"`
	IsAvailable   bool          `json:"is_available"`
	DisableReason string        `json:"disable_reason,omitempty"`
}

// RequestContext carries the per-request inputs to the routing engine.
type RequestContext struct {
	Model           string
	EstimatedTokens *uint64
	SessionID       string // empty = no session affinity
	Priority        *int
}

// RoutingDecision is the engine's ephemeral per-request output: which
// account to use and why.
type RoutingDecision struct {
	AccountID        AccountID `json:"account_id"`
	AccountLabel     string    `json:"account_label"`
	APIKey           string    `json:"-"`
	OrgID            string    `json:"org_id,omitempty"`
	Reason           string    `json:"reason"`
	UtilizationRatio float64   `json:"utilization_ratio"`
	RemainingBudget  *float64  `json:"remaining_budget,omitempty"`
}

// RoutingStats summarizes the engine's current view for observability.
type RoutingStats struct {
	TotalAccounts     int    `json:"total_accounts"`
	AvailableAccounts int    `json:"available_accounts"`
	Strategy          string `json:"strategy"`
	OpenCircuits      int    `json:"open_circuits"`
	ActiveSessions    int    `json:"active_sessions"`
}

// ProxyStatus reports the proxy front-end lifecycle state.
type ProxyStatus struct {
	Running       bool   `json:"running"`
	BindAddr      string `json:"bind_addr"`
	RequestCount  uint64 `json:"request_count"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

// ValidationResult is the outcome of probing a credential against the
// upstream /v1/models endpoint.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	OrgID string `json:"org_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// ExportedAccount is the wire form used by export/import. It is the only
// place a credential crosses a serialization boundary, and doing so is the
// caller's explicit choice.
type ExportedAccount struct {
	Label        string   `json:"label"`
	APIKey       string   `json:"api_key"`
	OrgID        string   `json:"org_id,omitempty"`
	ModelScope   []string `json:"model_scope,omitempty"`
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
	Priority     int      `json:"priority"`
	Enabled      bool     `json:"enabled"`
}

// AccountExport is a portable dump of the account catalog.
type AccountExport struct {
	Version    string            `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Accounts   []ExportedAccount `json:"accounts"`
}

// ExportAccount converts an Account to its wire form, credential included.
func ExportAccount(a *Account) ExportedAccount {
	return ExportedAccount{
		Label:        a.Label,
		APIKey:       a.APIKey,
		OrgID:        a.OrgID,
		ModelScope:   a.ModelScope,
		DailyLimit:   a.DailyLimit,
		MonthlyLimit: a.MonthlyLimit,
		Priority:     a.Priority,
		Enabled:      a.Enabled,
	}
}

// CreateAccountRequest is the management payload for adding an account.
type CreateAccountRequest struct {
	Label        string   `json:"label"`
	APIKey       string   `json:"api_key"`
	OrgID        string   `json:"org_id,omitempty"`
	ModelScope   []string `json:"model_scope,omitempty"`
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
}

// UpdateAccountRequest is the management payload for mutating an account.
// Nil fields are left untouched.
type UpdateAccountRequest struct {
	Label        *string   `json:"label,omitempty"`
	APIKey       *string   `json:"api_key,omitempty"`
	OrgID        *string   `json:"org_id,omitempty"`
	ModelScope   *[]string `json:"model_scope,omitempty"`
	DailyLimit   *float64  `json:"daily_limit,omitempty"`
	MonthlyLimit *float64  `json:"monthly_limit,omitempty"`
	Priority     *int      `json:"priority,omitempty"`
	Enabled      *bool     `json:"enabled,omitempty"`
}
