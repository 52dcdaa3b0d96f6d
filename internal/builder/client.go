// Package builder talks to the transaction construction backend. The
// backend owns instruction encoding; this client only transports the
// request and hands back the envelope verbatim for the orchestrator to
// validate.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the transaction builder backend.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// BuildRequest is the payload sent to the backend when requesting an
// override transaction. All addresses travel as base58 strings.
type BuildRequest struct {
	Vault       string `json:"vault"`
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
	Reason      string `json:"reason"`
	Signer      string `json:"signer"`
}

// Envelope is the backend's response: an unsigned transaction encoded as
// base64 plus the validity window it was built against. The payload is
// passed through undecoded; the orchestrator owns validation.
type Envelope struct {
	TransactionBase64    string `json:"transaction"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// APIError represents backend side validation or internal errors. The
// backend's message is preserved verbatim so operators see the original
// rejection reason.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("builder api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the builder backend. When httpClient
// is nil, a default client with a sensible timeout is used.
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

// BuildOverrideTransaction asks the backend to construct an unsigned
// override transaction for the given request.
func (c *Client) BuildOverrideTransaction(ctx context.Context, req vault.OverrideRequest, signer string) (Envelope, error) {
	payload := BuildRequest{
		Vault:       req.Vault.String(),
		Destination: req.Destination.String(),
		Amount:      req.AmountLamports,
		Reason:      string(req.Reason),
		Signer:      signer,
	}
	var envelope Envelope
	if err := c.post(ctx, "/override/transaction", payload, &envelope); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
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
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
