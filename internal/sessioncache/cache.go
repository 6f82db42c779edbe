// Package sessioncache owns every routing session the adapter creates.
//
// Sessions are keyed by (scope, account-pin set) so that at most one
// remote session creation happens per distinct key. Entries live for the
// process lifetime; a disconnect for a scope evicts everything under that
// scope, since the account state the session was built on has changed.
package sessioncache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/policy"
	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// ReadOnlyTag is appended to the session's behavior tags when read-only
// mode is enabled, so the broker's own tooling can surface it.
const ReadOnlyTag = "read-only"

// authConfigRetryMarkers identify the broker error raised when a session
// allow-list forces eager auth-config provisioning the broker cannot do.
// Observed broker behavior, not a stable contract; revisit against the
// live error shape when the broker changes.
var authConfigRetryMarkers = []string{
	"require auth configs but none exist",
	"auth_configs",
}

// Cache maps (scope, account pins) to routing sessions.
type Cache struct {
	broker contracts.BrokerClient
	policy *policy.Engine

	mu       sync.RWMutex
	sessions map[string]*models.RoutingSession
}

// New creates a session cache over a broker client and a policy engine.
func New(b contracts.BrokerClient, p *policy.Engine) *Cache {
	return &Cache{
		broker:   b,
		policy:   p,
		sessions: make(map[string]*models.RoutingSession),
	}
}

// Key builds the canonical cache key for a scope and pin set: the scope
// followed by sorted toolkit=accountID pairs. Exported for tests.
func Key(scope string, pins map[string]string) string {
	if len(pins) == 0 {
		return scope + "|"
	}
	pairs := make([]string, 0, len(pins))
	for tk, id := range pins {
		pairs = append(pairs, models.NormalizeToolkitSlug(tk)+"="+id)
	}
	sort.Strings(pairs)
	return scope + "|" + strings.Join(pairs, ",")
}

// Get returns the cached session for (scope, pins), creating one remotely
// on a miss. Concurrent misses for the same key may both create a session;
// session creation is idempotent on the broker side and the last write
// wins, so the cache does not serialize remote calls.
func (c *Cache) Get(ctx context.Context, scope string, pins map[string]string) (*models.RoutingSession, error) {
	if scope == "" {
		return nil, fmt.Errorf("session cache requires an explicit scope")
	}
	key := Key(scope, pins)

	c.mu.RLock()
	cached := c.sessions[key]
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	session, err := c.create(ctx, scope, pins)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[key] = session
	c.mu.Unlock()
	return session, nil
}

// create requests a new session from the broker, applying the
// retry-without-filters policy on the specific auth-config provisioning
// error.
func (c *Cache) create(ctx context.Context, scope string, pins map[string]string) (*models.RoutingSession, error) {
	req := c.buildRequest(scope, pins)

	session, err := c.broker.CreateSession(ctx, req)
	if err == nil {
		return session, nil
	}

	if len(req.EnabledToolkits) > 0 && isAuthConfigError(err) {
		// The broker refuses allow-lists for toolkits it cannot eagerly
		// provision auth configs for. Dropping only the enable filter
		// (every other directive stays) recovers from that limitation.
		log.Warn().
			Str("scope", scope).
			Err(err).
			Msg("session creation rejected toolkit allow-list, retrying without it")
		retry := req
		retry.EnabledToolkits = nil
		return c.broker.CreateSession(ctx, retry)
	}
	return nil, err
}

// buildRequest derives the session-creation configuration from policy.
func (c *Cache) buildRequest(scope string, pins map[string]string) contracts.SessionRequest {
	cfg := c.policy.Config()

	req := contracts.SessionRequest{
		Scope:            scope,
		EnabledToolkits:  cfg.AllowedToolkits,
		DisabledToolkits: cfg.BlockedToolkits,
		BehaviorTags:     cfg.BehaviorTags,
	}

	if len(cfg.BlockedTools) > 0 {
		disabled := make(map[string][]string)
		for _, slug := range cfg.BlockedTools {
			tk := models.ToolkitForTool(slug)
			disabled[tk] = append(disabled[tk], slug)
		}
		req.DisabledTools = disabled
	}

	if cfg.ReadOnly {
		req.BehaviorTags = append(append([]string{}, cfg.BehaviorTags...), ReadOnlyTag)
	}

	if len(pins) > 0 {
		req.AccountPins = make(map[string]string, len(pins))
		for tk, id := range pins {
			req.AccountPins[models.NormalizeToolkitSlug(tk)] = id
		}
	}
	return req
}

// ClearScope evicts every cached session belonging to a scope. Called
// after any operation that changes which accounts are connected.
func (c *Cache) ClearScope(scope string) int {
	prefix := scope + "|"

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key := range c.sessions {
		if strings.HasPrefix(key, prefix) {
			delete(c.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().Str("scope", scope).Int("evicted", evicted).Msg("session cache cleared for scope")
	}
	return evicted
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func isAuthConfigError(err error) bool {
	text := strings.ToLower(err.Error())
	for _, marker := range authConfigRetryMarkers {
		if !strings.Contains(text, marker) {
			return false
		}
	}
	return true
}
