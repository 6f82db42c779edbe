// Package broker implements the HTTP client for the remote Tool Router
// broker. It is the only package that talks to the broker's REST API;
// everything above it consumes the typed contracts.BrokerClient interface,
// so no untyped broker payload leaks past this boundary.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// DefaultTimeout is the transport-level timeout for broker calls. The
// adapter core implements no timeout of its own; this is the only one.
const DefaultTimeout = 30 * time.Second

// Client is the HTTP implementation of contracts.BrokerClient.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outbound broker calls per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
	}
}

// NewClient creates a broker client for a base URL and API key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: DefaultTimeout},
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── Wire shapes ──────────────────────────────────────────────

type sessionResponse struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	AccountPins map[string]string `json:"account_pins,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type accountItem struct {
	ID           string    `json:"id"`
	Toolkit      string    `json:"toolkit"`
	UserID       string    `json:"user_id,omitempty"`
	Status       string    `json:"status"`
	AuthConfigID string    `json:"auth_config_id,omitempty"`
	Disabled     bool      `json:"disabled,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

func (it accountItem) toModel() models.ConnectedAccount {
	return models.ConnectedAccount{
		ID:           it.ID,
		Toolkit:      models.NormalizeToolkitSlug(it.Toolkit),
		Scope:        it.UserID,
		Status:       models.AccountStatus(strings.ToUpper(it.Status)),
		AuthConfigID: it.AuthConfigID,
		Disabled:     it.Disabled,
		CreatedAt:    it.CreatedAt,
		UpdatedAt:    it.UpdatedAt,
	}
}

type accountPageResponse struct {
	Items      []accountItem `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func (p accountPageResponse) toPage() *contracts.AccountPage {
	page := &contracts.AccountPage{NextCursor: p.NextCursor}
	for _, it := range p.Items {
		page.Items = append(page.Items, it.toModel())
	}
	return page
}

type toolkitPageResponse struct {
	Items []struct {
		Slug       string `json:"slug"`
		Connection struct {
			IsActive bool `json:"is_active"`
		} `json:"connection"`
	} `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// apiError is the broker's error envelope. Error() surfaces the broker's
// message verbatim so the recovery heuristics upstream can match on it.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *apiError) Error() string { return e.Message }

// ── BrokerClient implementation ──────────────────────────────

// CreateSession creates a routing session.
func (c *Client) CreateSession(ctx context.Context, req contracts.SessionRequest) (*models.RoutingSession, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/v3/sessions", req, &resp); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session", resp.SessionID).
		Str("scope", req.Scope).
		Int("pins", len(req.AccountPins)).
		Msg("routing session created")

	return &models.RoutingSession{
		ID:          resp.SessionID,
		Scope:       req.Scope,
		AccountPins: req.AccountPins,
		CreatedAt:   resp.CreatedAt,
	}, nil
}

// ListSessionToolkits lists one page of a session's toolkits.
func (c *Client) ListSessionToolkits(ctx context.Context, sessionID, cursor string) (*contracts.ToolkitPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp toolkitPageResponse
	path := "/v3/sessions/" + url.PathEscape(sessionID) + "/toolkits"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	page := &contracts.ToolkitPage{NextCursor: resp.NextCursor}
	for _, it := range resp.Items {
		page.Items = append(page.Items, models.SessionToolkit{
			Slug:     models.NormalizeToolkitSlug(it.Slug),
			IsActive: it.Connection.IsActive,
		})
	}
	return page, nil
}

// AuthorizeToolkit starts an OAuth connect flow and returns the redirect URL.
func (c *Client) AuthorizeToolkit(ctx context.Context, sessionID, toolkit string) (string, error) {
	body := map[string]string{"toolkit": models.NormalizeToolkitSlug(toolkit)}
	var resp struct {
		RedirectURL string `json:"redirect_url"`
	}
	path := "/v3/sessions/" + url.PathEscape(sessionID) + "/authorize"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.RedirectURL == "" {
		return "", fmt.Errorf("broker returned no redirect URL for toolkit %s", toolkit)
	}
	return resp.RedirectURL, nil
}

// ExecuteMetaTool invokes a broker meta-tool within a session.
func (c *Client) ExecuteMetaTool(ctx context.Context, sessionID, metaTool string, args map[string]any) (*contracts.CallResult, error) {
	body := map[string]any{
		"tool":      metaTool,
		"arguments": args,
	}
	var resp contracts.CallResult
	path := "/v3/sessions/" + url.PathEscape(sessionID) + "/execute"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteTool invokes a single tool slug directly against the broker,
// bypassing the session meta-tool layer.
func (c *Client) ExecuteTool(ctx context.Context, toolSlug string, req contracts.ExecuteRequest) (*contracts.CallResult, error) {
	var resp contracts.CallResult
	path := "/v3/tools/" + url.PathEscape(models.NormalizeToolSlug(toolSlug)) + "/execute"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConnectedAccounts lists one page of accounts via the normalized
// endpoint.
func (c *Client) ListConnectedAccounts(ctx context.Context, f contracts.AccountFilter) (*contracts.AccountPage, error) {
	q := url.Values{}
	if f.Scope != "" {
		q.Set("user_id", f.Scope)
	}
	for _, tk := range f.Toolkits {
		q.Add("toolkit", models.NormalizeToolkitSlug(tk))
	}
	for _, st := range f.Statuses {
		q.Add("status", string(st))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	path := "/v3/connected_accounts"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var resp accountPageResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toPage(), nil
}

// SearchConnectedAccounts lists one page of accounts via the raw/detailed
// endpoint, which includes the owning user id per item.
func (c *Client) SearchConnectedAccounts(ctx context.Context, f contracts.AccountFilter) (*contracts.AccountPage, error) {
	body := map[string]any{}
	if f.Scope != "" {
		body["user_id"] = f.Scope
	}
	if len(f.Toolkits) > 0 {
		body["toolkits"] = models.NormalizeToolkitSlugs(f.Toolkits)
	}
	if len(f.Statuses) > 0 {
		body["statuses"] = f.Statuses
	}
	if f.Cursor != "" {
		body["cursor"] = f.Cursor
	}
	var resp accountPageResponse
	if err := c.do(ctx, http.MethodPost, "/v3/connected_accounts/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.toPage(), nil
}

// GetConnectedAccount fetches a single account by id.
func (c *Client) GetConnectedAccount(ctx context.Context, id string) (*models.ConnectedAccount, error) {
	var resp accountItem
	if err := c.do(ctx, http.MethodGet, "/v3/connected_accounts/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	acct := resp.toModel()
	return &acct, nil
}

// DeleteConnectedAccount removes an account.
func (c *Client) DeleteConnectedAccount(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v3/connected_accounts/"+url.PathEscape(id), nil, nil)
}

// ── Transport ────────────────────────────────────────────────

// do issues one JSON request against the broker and decodes the response
// into out (which may be nil for empty responses).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode broker request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read broker response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode broker response: %w", err)
	}
	return nil
}

// decodeAPIError extracts the broker's error envelope from a non-2xx body.
// Falls back to the raw body when the envelope doesn't parse; recovery
// heuristics upstream match on the message text either way.
func decodeAPIError(status int, raw []byte) error {
	var envelope struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		envelope.Error.Status = status
		return &envelope.Error
	}
	var flat apiError
	if err := json.Unmarshal(raw, &flat); err == nil && flat.Message != "" {
		flat.Status = status
		return &flat
	}
	return &apiError{Status: status, Message: fmt.Sprintf("broker returned HTTP %d: %s", status, strings.TrimSpace(string(raw)))}
}
