// Package connections aggregates toolkit-level connectivity state and
// implements the connect/disconnect operations.
//
// Connectivity for a toolkit is the OR of two independently paginated
// signals: the routing session's own toolkit listing, and a direct listing
// of ACTIVE connected accounts. The account listing is best-effort; when
// it fails, the session signal alone is authoritative.
package connections

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/policy"
	"github.com/toolbridge/toolbridge/internal/sessioncache"
	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// maxPages bounds every pagination loop alongside the repeated-cursor
// guard, so a misbehaving broker cannot spin the adapter forever.
const maxPages = 100

// Engine answers connectivity queries and performs connect/disconnect.
type Engine struct {
	broker contracts.BrokerClient
	policy *policy.Engine
	cache  *sessioncache.Cache
}

// NewEngine creates a connection/status engine.
func NewEngine(b contracts.BrokerClient, p *policy.Engine, c *sessioncache.Cache) *Engine {
	return &Engine{broker: b, policy: p, cache: c}
}

// ── Connectivity status ──────────────────────────────────────

// Status reports, per toolkit, whether any account is active for the
// scope. With an explicit toolkit filter the result covers exactly those
// toolkits; without one it is the union of allowed toolkits reported
// active by either signal.
func (e *Engine) Status(ctx context.Context, toolkits []string, scope string) ([]models.ConnectionStatus, error) {
	if scope == "" {
		return nil, fmt.Errorf("connection status requires an explicit scope")
	}

	filter := models.NormalizeToolkitSlugs(toolkits)
	for _, tk := range filter {
		if !e.policy.IsToolkitAllowed(tk) {
			return nil, fmt.Errorf("toolkit %s is not allowed by deployment policy", tk)
		}
	}

	active := make(map[string]bool)

	// Signal A: the routing session's own toolkit listing.
	session, err := e.cache.Get(ctx, scope, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire session for status query: %w", err)
	}
	if err := e.collectSessionActive(ctx, session.ID, active); err != nil {
		return nil, err
	}

	// Signal B: raw ACTIVE account listing. Best-effort; the session
	// signal stands alone when the broker's account API is unavailable.
	accounts, err := e.ActiveAccounts(ctx, filter, scope)
	if err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("account listing unavailable for status query, using session signal only")
	} else {
		for _, a := range accounts {
			active[a.Toolkit] = true
		}
	}

	slugs := filter
	if len(slugs) == 0 {
		for tk := range active {
			if e.policy.IsToolkitAllowed(tk) {
				slugs = append(slugs, tk)
			}
		}
		sort.Strings(slugs)
	}

	statuses := make([]models.ConnectionStatus, 0, len(slugs))
	for _, tk := range slugs {
		statuses = append(statuses, models.ConnectionStatus{
			Toolkit:   tk,
			Connected: active[tk],
			Scope:     scope,
		})
	}
	return statuses, nil
}

// collectSessionActive pages through a session's toolkit listing and marks
// every toolkit with an active connection.
func (e *Engine) collectSessionActive(ctx context.Context, sessionID string, active map[string]bool) error {
	cursor := ""
	seen := make(map[string]bool)
	for page := 0; page < maxPages; page++ {
		resp, err := e.broker.ListSessionToolkits(ctx, sessionID, cursor)
		if err != nil {
			return fmt.Errorf("list session toolkits: %w", err)
		}
		for _, tk := range resp.Items {
			if tk.IsActive {
				active[tk.Slug] = true
			}
		}
		if resp.NextCursor == "" || seen[resp.NextCursor] {
			// A repeated cursor means the broker's pagination contract is
			// broken; stop rather than loop.
			return nil
		}
		seen[resp.NextCursor] = true
		cursor = resp.NextCursor
	}
	return nil
}

// ── Account listing ──────────────────────────────────────────

// ListAccounts returns every connected account matching the filter. The
// raw/detailed endpoint is tried first because it preserves the owning
// scope per account; any error there falls back to the normalized
// endpoint. Both paths drop accounts of disallowed toolkits.
func (e *Engine) ListAccounts(ctx context.Context, f contracts.AccountFilter) ([]models.ConnectedAccount, error) {
	accounts, rawErr := e.collectAccounts(ctx, f, e.broker.SearchConnectedAccounts)
	if rawErr == nil {
		return accounts, nil
	}

	log.Debug().Err(rawErr).Msg("raw account listing failed, falling back to normalized endpoint")
	accounts, err := e.collectAccounts(ctx, f, e.broker.ListConnectedAccounts)
	if err != nil {
		return nil, fmt.Errorf("list connected accounts: %w", err)
	}
	return accounts, nil
}

// ActiveAccounts lists ACTIVE accounts for a toolkit set and scope.
func (e *Engine) ActiveAccounts(ctx context.Context, toolkits []string, scope string) ([]models.ConnectedAccount, error) {
	return e.ListAccounts(ctx, contracts.AccountFilter{
		Scope:    scope,
		Toolkits: toolkits,
		Statuses: []models.AccountStatus{models.AccountStatusActive},
	})
}

type listPageFunc func(context.Context, contracts.AccountFilter) (*contracts.AccountPage, error)

// collectAccounts drains one listing endpoint page by page, with the same
// repeated-cursor guard as every other pagination loop.
func (e *Engine) collectAccounts(ctx context.Context, f contracts.AccountFilter, list listPageFunc) ([]models.ConnectedAccount, error) {
	var out []models.ConnectedAccount
	seen := make(map[string]bool)
	f.Cursor = ""
	for page := 0; page < maxPages; page++ {
		resp, err := list(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, a := range resp.Items {
			if !e.policy.IsToolkitAllowed(a.Toolkit) {
				continue
			}
			out = append(out, a)
		}
		if resp.NextCursor == "" || seen[resp.NextCursor] {
			return out, nil
		}
		seen[resp.NextCursor] = true
		f.Cursor = resp.NextCursor
	}
	return out, nil
}

// GetAccount fetches a single connected account by id, rejecting accounts
// of toolkits the deployment policy does not allow.
func (e *Engine) GetAccount(ctx context.Context, id string) (*models.ConnectedAccount, error) {
	account, err := e.broker.GetConnectedAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.policy.IsToolkitAllowed(account.Toolkit) {
		return nil, fmt.Errorf("toolkit %s is not allowed by deployment policy", account.Toolkit)
	}
	return account, nil
}

// ── Connect / disconnect ─────────────────────────────────────

// Connect starts an OAuth connect flow for a toolkit under a scope and
// returns the redirect URL the user must visit.
func (e *Engine) Connect(ctx context.Context, toolkit, scope string) (string, error) {
	toolkit = models.NormalizeToolkitSlug(toolkit)
	if scope == "" {
		return "", fmt.Errorf("connect requires an explicit scope")
	}
	if !e.policy.IsToolkitAllowed(toolkit) {
		return "", fmt.Errorf("toolkit %s is not allowed by deployment policy", toolkit)
	}

	session, err := e.cache.Get(ctx, scope, nil)
	if err != nil {
		return "", fmt.Errorf("acquire session for connect: %w", err)
	}
	authURL, err := e.broker.AuthorizeToolkit(ctx, session.ID, toolkit)
	if err != nil {
		return "", fmt.Errorf("authorize %s: %w", toolkit, err)
	}

	log.Info().Str("toolkit", toolkit).Str("scope", scope).Msg("connect flow started")
	return authURL, nil
}

// Disconnect removes the single ACTIVE account for (toolkit, scope) and
// evicts the scope's cached sessions. Zero active accounts is a not-found
// error; more than one is an ambiguity error. The engine never guesses
// which account to remove.
func (e *Engine) Disconnect(ctx context.Context, toolkit, scope string) error {
	toolkit = models.NormalizeToolkitSlug(toolkit)
	if scope == "" {
		return fmt.Errorf("disconnect requires an explicit scope")
	}
	if e.policy.ReadOnly() {
		return fmt.Errorf("disconnect of %s is blocked by readOnlyMode", toolkit)
	}
	if !e.policy.IsToolkitAllowed(toolkit) {
		return fmt.Errorf("toolkit %s is not allowed by deployment policy", toolkit)
	}

	accounts, err := e.ActiveAccounts(ctx, []string{toolkit}, scope)
	if err != nil {
		return err
	}
	switch len(accounts) {
	case 0:
		return fmt.Errorf("no active %s account found for scope %s", toolkit, scope)
	case 1:
		// fall through
	default:
		ids := make([]string, len(accounts))
		for i, a := range accounts {
			ids[i] = a.ID
		}
		return fmt.Errorf("multiple active %s accounts for scope %s: %s; disconnect each account id individually",
			toolkit, scope, strings.Join(ids, ", "))
	}

	if err := e.broker.DeleteConnectedAccount(ctx, accounts[0].ID); err != nil {
		return fmt.Errorf("delete account %s: %w", accounts[0].ID, err)
	}

	// Account state changed; every session for this scope is stale.
	e.cache.ClearScope(scope)

	log.Info().
		Str("toolkit", toolkit).
		Str("scope", scope).
		Str("account", accounts[0].ID).
		Msg("toolkit disconnected")
	return nil
}

// ActiveScopes returns the distinct owner scopes holding an ACTIVE account
// for a toolkit, in sorted order. Accounts whose owner the broker does not
// report are skipped.
func (e *Engine) ActiveScopes(ctx context.Context, toolkit string) ([]string, error) {
	toolkit = models.NormalizeToolkitSlug(toolkit)
	if !e.policy.IsToolkitAllowed(toolkit) {
		return nil, fmt.Errorf("toolkit %s is not allowed by deployment policy", toolkit)
	}

	accounts, err := e.ListAccounts(ctx, contracts.AccountFilter{
		Toolkits: []string{toolkit},
		Statuses: []models.AccountStatus{models.AccountStatusActive},
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var scopes []string
	for _, a := range accounts {
		if a.Scope == "" || seen[a.Scope] {
			continue
		}
		seen[a.Scope] = true
		scopes = append(scopes, a.Scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}
