// Package aegis provides a small Go client for the daemon's REST API:
// submitting override spends, inspecting runs, and reading vault health.
package aegis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the override service REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// OverrideSubmission represents the payload required to create an override run.
type OverrideSubmission struct {
	ID             string `json:"id,omitempty"`
	Vault          string `json:"vault"`
	Destination    string `json:"destination"`
	AmountLamports uint64 `json:"amount_lamports"`
	Reason         string `json:"reason"`
	RequestedBy    string `json:"requested_by"`
}

// BroadcastResult mirrors the settled result of a run.
type BroadcastResult struct {
	Signature    string `json:"signature"`
	Slot         uint64 `json:"slot"`
	Blockhash    string `json:"blockhash"`
	Observations string `json:"observations"`
}

// OverrideRun is the API view of a run. Outcome distinguishes "uncertain"
// from plain failures: an uncertain run may have landed on chain.
type OverrideRun struct {
	ID             string           `json:"id"`
	Vault          string           `json:"vault"`
	Destination    string           `json:"destination"`
	AmountLamports uint64           `json:"amount_lamports"`
	Reason         string           `json:"reason"`
	RequestedBy    string           `json:"requested_by"`
	Status         string           `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxRetries     int              `json:"max_retries"`
	LastError      string           `json:"last_error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Result         *BroadcastResult `json:"result,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	Outcome        string           `json:"outcome"`
}

// Settled reports whether the run reached a terminal outcome.
func (r OverrideRun) Settled() bool {
	switch r.Outcome {
	case "succeeded", "failed", "uncertain":
		return true
	default:
		return false
	}
}

// RunStats aggregates run counts.
type RunStats struct {
	Total     int   `json:"total"`
	Pending   int   `json:"pending"`
	InFlight  int   `json:"in_flight"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	OldestAt  int64 `json:"oldest_updated_at"`
	NewestAt  int64 `json:"newest_updated_at"`
}

// VaultIdentity is the derived address bundle for one vault.
type VaultIdentity struct {
	Owner          string `json:"owner"`
	Nonce          uint64 `json:"nonce"`
	VaultAddress   string `json:"vault_address"`
	VaultBump      uint8  `json:"vault_bump"`
	CustodyAddress string `json:"custody_address"`
	CustodyBump    uint8  `json:"custody_bump"`
}

// HealthSummary is the scored portion of a guardian report.
type HealthSummary struct {
	Score           int      `json:"score"`
	Status          string   `json:"status"`
	Issues          []string `json:"issues"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

// FuelSnapshot is the guardian's latest view of an agent signer balance.
type FuelSnapshot struct {
	Address               string    `json:"address"`
	Lamports              uint64    `json:"lamports"`
	Tier                  string    `json:"tier"`
	EstimatedOpsRemaining uint32    `json:"estimated_ops_remaining"`
	CheckedAt             time.Time `json:"checked_at"`
}

// HealthReport is the guardian's latest report for one vault.
type HealthReport struct {
	Vault           string        `json:"vault"`
	Health          HealthSummary `json:"health"`
	CustodyLamports uint64        `json:"custody_lamports"`
	AgentFuel       *FuelSnapshot `json:"agent_fuel,omitempty"`
	Observations    string        `json:"observations,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// ListParams filters ListOverrides and Stats.
type ListParams struct {
	Statuses []string
	Vault    string
	Query    string
	Limit    int
	Offset   int
}

func (p ListParams) encode() string {
	values := url.Values{}
	if len(p.Statuses) > 0 {
		values.Set("status", strings.Join(p.Statuses, ","))
	}
	if p.Vault != "" {
		values.Set("vault", p.Vault)
	}
	if p.Query != "" {
		values.Set("q", p.Query)
	}
	if p.Limit > 0 {
		values.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		values.Set("offset", strconv.Itoa(p.Offset))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("aegis api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the override service API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitOverride creates a new override run. Submitting the same
// (vault, destination, amount, reason) twice lands on the same run.
func (c *Client) SubmitOverride(ctx context.Context, submission OverrideSubmission) (OverrideRun, error) {
	var run OverrideRun
	if err := c.post(ctx, "/api/v1/overrides", submission, &run); err != nil {
		return OverrideRun{}, err
	}
	return run, nil
}

// GetOverride fetches run details by identifier.
func (c *Client) GetOverride(ctx context.Context, runID string) (OverrideRun, error) {
	var run OverrideRun
	if err := c.get(ctx, "/api/v1/overrides/"+url.PathEscape(runID), &run); err != nil {
		return OverrideRun{}, err
	}
	return run, nil
}

// ListOverrides fetches runs matching the given filters.
func (c *Client) ListOverrides(ctx context.Context, params ListParams) ([]OverrideRun, error) {
	var runs []OverrideRun
	if err := c.get(ctx, "/api/v1/overrides"+params.encode(), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats fetches aggregate run counts matching the given filters.
func (c *Client) Stats(ctx context.Context, params ListParams) (RunStats, error) {
	var stats RunStats
	if err := c.get(ctx, "/api/v1/overrides/stats"+params.encode(), &stats); err != nil {
		return RunStats{}, err
	}
	return stats, nil
}

// DeriveVault asks the service for the deterministic address bundle of
// (owner, nonce).
func (c *Client) DeriveVault(ctx context.Context, owner string, nonce uint64) (VaultIdentity, error) {
	endpoint := fmt.Sprintf("/api/v1/vaults/derive?owner=%s&nonce=%d", url.QueryEscape(owner), nonce)
	var identity VaultIdentity
	if err := c.get(ctx, endpoint, &identity); err != nil {
		return VaultIdentity{}, err
	}
	return identity, nil
}

// VaultHealth fetches the guardian's latest report for a vault.
func (c *Client) VaultHealth(ctx context.Context, vaultAddr string) (HealthReport, error) {
	var report HealthReport
	if err := c.get(ctx, "/api/v1/vaults/"+url.PathEscape(vaultAddr)+"/health", &report); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}

// WaitForOverride polls until the run settles or ctx is cancelled.
func (c *Client) WaitForOverride(ctx context.Context, runID string, interval time.Duration) (OverrideRun, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetOverride(ctx, runID)
		if err != nil {
			return OverrideRun{}, err
		}
		if run.Settled() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return OverrideRun{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts := strings.SplitN(endpoint, "?", 2)
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts[0])}
	if len(parts) == 2 {
		rel.RawQuery = parts[1]
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
