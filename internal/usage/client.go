// Package usage fetches billing, budget, and token-usage facts per
// account from the upstream provider and synthesizes usage snapshots.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	manager "github.com/codexmgr/codexmgr/internal"
)

const defaultBaseURL = "https://api.openai.com"

// Per-token prices used for the cost estimate. A single pair is applied
// regardless of model; this is a known approximation.
const (
	costPerInputToken  = 1.5e-6
	costPerOutputToken = 6.0e-6
)

// Client fetches usage facts for one account at a time. It holds no
// credential itself; each call takes the account being queried.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a usage client against the given upstream base URL.
// An empty baseURL defaults to "https://api.openai.com".
func New(baseURL string, client *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		logger:  logger,
	}
}

// billingUsageResponse is the envelope of GET /v1/dashboard/billing/usage.
// total_usage is reported in cents.
type billingUsageResponse struct {
	TotalUsage float64 `json:"total_usage"`
}

// subscriptionResponse is the envelope of GET /v1/dashboard/billing/subscription.
type subscriptionResponse struct {
	HardLimitUSD *float64 `json:"hard_limit_usd"`
	SoftLimitUSD *float64 `json:"soft_limit_usd"`
}

// tokenUsageResponse is the envelope of GET /v1/usage, one row per interval.
type tokenUsageResponse struct {
	Data []struct {
		ContextTokens   uint64 `json:"n_context_tokens"`
		GeneratedTokens uint64 `json:"n_generated_tokens"`
	} `json:"data"`
}

// FetchSnapshot issues up to three independent sub-fetches and returns a
// best-effort snapshot stamped now. A failed sub-fetch is logged and its
// fields are left zero; the other sub-fetches still run.
func (c *Client) FetchSnapshot(ctx context.Context, account *manager.Account) *manager.UsageSnapshot {
	snap := manager.NewUsageSnapshot(account.ID)

	if err := c.fetchBillingUsage(ctx, account, &snap); err != nil {
		c.logger.Warn("billing usage fetch failed",
			slog.String("account", account.Label),
			slog.Any("error", err))
	}
	if err := c.fetchSubscription(ctx, account, &snap); err != nil {
		c.logger.Warn("subscription fetch failed",
			slog.String("account", account.Label),
			slog.Any("error", err))
	}
	if err := c.fetchTokenUsage(ctx, account, &snap); err != nil {
		c.logger.Warn("token usage fetch failed",
			slog.String("account", account.Label),
			slog.Any("error", err))
	}

	snap.Timestamp = time.Now().UTC()
	return &snap
}

// fetchBillingUsage queries month-to-date spend for the current UTC month.
func (c *Client) fetchBillingUsage(ctx context.Context, account *manager.Account, snap *manager.UsageSnapshot) error {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	path := fmt.Sprintf("/v1/dashboard/billing/usage?start_date=%s&end_date=%s",
		start.Format("2006-01-02"), now.Format("2006-01-02"))

	var out billingUsageResponse
	if err := c.get(ctx, account, path, &out); err != nil {
		return err
	}
	snap.MonthlyUsage = out.TotalUsage / 100
	return nil
}

// fetchSubscription queries the account's budget limits. It depends on
// MonthlyUsage already being populated to derive the remaining budget.
func (c *Client) fetchSubscription(ctx context.Context, account *manager.Account, snap *manager.UsageSnapshot) error {
	var out subscriptionResponse
	if err := c.get(ctx, account, "/v1/dashboard/billing/subscription", &out); err != nil {
		return err
	}
	snap.HardLimit = out.HardLimitUSD
	snap.SoftLimit = out.SoftLimitUSD
	if out.HardLimitUSD != nil {
		remaining := *out.HardLimitUSD - snap.MonthlyUsage
		snap.RemainingBudget = &remaining
	}
	return nil
}

// fetchTokenUsage aggregates per-interval token counts into totals and a
// cost estimate. A 404 means the endpoint is unavailable for this
// account, which is not an error.
func (c *Client) fetchTokenUsage(ctx context.Context, account *manager.Account, snap *manager.UsageSnapshot) error {
	path := "/v1/usage?date=" + time.Now().UTC().Format("2006-01-02")

	var out tokenUsageResponse
	err := c.get(ctx, account, path, &out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			c.logger.Debug("token usage endpoint unavailable",
				slog.String("account", account.Label))
			return nil
		}
		return err
	}

	var tokens uint64
	var cost float64
	for _, row := range out.Data {
		tokens += row.ContextTokens + row.GeneratedTokens
		cost += float64(row.ContextTokens)*costPerInputToken +
			float64(row.GeneratedTokens)*costPerOutputToken
	}
	snap.TokensUsed = tokens
	snap.CostEstimate = cost
	return nil
}

// ValidateKey probes the credential against GET /v1/models. It never
// returns an error; the outcome is carried in the result.
func (c *Client) ValidateKey(ctx context.Context, apiKey, orgID string) manager.ValidationResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return manager.ValidationResult{Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if orgID != "" {
		req.Header.Set("OpenAI-Organization", orgID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return manager.ValidationResult{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return manager.ValidationResult{
			Error: fmt.Sprintf("%d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return manager.ValidationResult{
		Valid: true,
		OrgID: resp.Header.Get("openai-organization"),
	}
}

// statusError carries a non-2xx upstream status for callers that need to
// distinguish specific codes.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.code, e.body)
}

// get issues an authenticated GET and decodes a JSON body into out.
func (c *Client) get(ctx context.Context, account *manager.Account, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+account.APIKey)
	if account.OrgID != "" {
		req.Header.Set("OpenAI-Organization", account.OrgID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", manager.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
