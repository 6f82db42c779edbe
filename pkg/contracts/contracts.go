// Package contracts defines the service interfaces at ToolBridge's
// boundaries.
//
// BrokerClient is the seam between the adapter core and the remote Tool
// Router broker: the core consumes it, internal/broker ships the HTTP
// implementation, and tests substitute fakes. The broker's own internals
// (search ranking, OAuth page rendering) are out of scope here.
package contracts

import (
	"context"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// SessionRequest is the configuration sent when creating a routing session.
type SessionRequest struct {
	Scope string `json:"user_id"`

	// EnabledToolkits restricts the session to an allow-list of toolkits.
	// Empty means no restriction. The broker may refuse an allow-list when
	// it cannot auto-provision auth configs for every named toolkit; see
	// the session cache's retry policy.
	EnabledToolkits []string `json:"enabled_toolkits,omitempty"`

	// DisabledToolkits removes toolkits from the session entirely.
	DisabledToolkits []string `json:"disabled_toolkits,omitempty"`

	// DisabledTools maps a toolkit to the tool slugs disabled within it.
	DisabledTools map[string][]string `json:"disabled_tools,omitempty"`

	// AccountPins maps a toolkit to the connected-account id the session
	// must use for it.
	AccountPins map[string]string `json:"account_pins,omitempty"`

	BehaviorTags []string `json:"behavior_tags,omitempty"`
}

// ExecuteRequest carries a direct (session-bypassing) tool execution.
type ExecuteRequest struct {
	Scope     string         `json:"user_id"`
	AccountID string         `json:"connected_account_id,omitempty"`
	Arguments map[string]any `json:"arguments"`
}

// CallResult is the broker's raw outcome for a single call: either the
// meta-tool envelope or a direct execution. Data and DataPreview are
// mutually populated depending on payload size; callers take whichever is
// non-nil.
type CallResult struct {
	Successful  bool           `json:"successful"`
	Data        map[string]any `json:"data,omitempty"`
	DataPreview map[string]any `json:"data_preview,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Payload returns Data when present, else DataPreview.
func (r *CallResult) Payload() map[string]any {
	if r.Data != nil {
		return r.Data
	}
	return r.DataPreview
}

// AccountFilter selects connected accounts in listing calls.
type AccountFilter struct {
	Scope    string
	Toolkits []string
	Statuses []models.AccountStatus
	Cursor   string
}

// AccountPage is one page of a connected-account listing.
type AccountPage struct {
	Items      []models.ConnectedAccount
	NextCursor string
}

// ToolkitPage is one page of a session's toolkit listing.
type ToolkitPage struct {
	Items      []models.SessionToolkit
	NextCursor string
}

// BrokerClient is the remote Tool Router broker. Every method suspends on
// the network; none are called concurrently within one logical request.
type BrokerClient interface {
	// CreateSession creates a routing session for a scope with the given
	// policy directives and account pins.
	CreateSession(ctx context.Context, req SessionRequest) (*models.RoutingSession, error)

	// ListSessionToolkits pages through the toolkits visible to a session,
	// including per-toolkit connection state.
	ListSessionToolkits(ctx context.Context, sessionID, cursor string) (*ToolkitPage, error)

	// AuthorizeToolkit starts an OAuth connect flow for a toolkit within a
	// session and returns the redirect URL.
	AuthorizeToolkit(ctx context.Context, sessionID, toolkit string) (string, error)

	// ExecuteMetaTool invokes a broker meta-tool (search, multi-execute)
	// within a session.
	ExecuteMetaTool(ctx context.Context, sessionID, metaTool string, args map[string]any) (*CallResult, error)

	// ExecuteTool invokes a single tool slug directly, bypassing the
	// session meta-tool layer.
	ExecuteTool(ctx context.Context, toolSlug string, req ExecuteRequest) (*CallResult, error)

	// ListConnectedAccounts pages through accounts via the normalized
	// listing endpoint. Owner scope may be absent from its items.
	ListConnectedAccounts(ctx context.Context, f AccountFilter) (*AccountPage, error)

	// SearchConnectedAccounts pages through accounts via the raw/detailed
	// endpoint, which preserves the owning scope per account.
	SearchConnectedAccounts(ctx context.Context, f AccountFilter) (*AccountPage, error)

	// GetConnectedAccount fetches a single account by id.
	GetConnectedAccount(ctx context.Context, id string) (*models.ConnectedAccount, error)

	// DeleteConnectedAccount removes an account (disconnect).
	DeleteConnectedAccount(ctx context.Context, id string) error
}
