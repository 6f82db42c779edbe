// Package models defines the shared data model for the ToolBridge adapter:
// toolkit and tool slugs, connected accounts, routing sessions, policy
// configuration, and the normalized result types returned across the
// public boundary.
package models

import (
	"sort"
	"strings"
	"time"
)

// ── Slugs ────────────────────────────────────────────────────

// NormalizeToolkitSlug lowercases and trims a toolkit identifier.
// Normalization is idempotent; every comparison and every map key in the
// adapter uses the normalized form.
func NormalizeToolkitSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeToolSlug uppercases and trims a tool identifier
// (e.g. "GMAIL_SEND_EMAIL").
func NormalizeToolSlug(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ToolkitForTool derives the owning toolkit from a tool slug: the token
// before the first underscore, normalized. "GMAIL_SEND_EMAIL" → "gmail".
func ToolkitForTool(toolSlug string) string {
	slug := NormalizeToolSlug(toolSlug)
	if i := strings.Index(slug, "_"); i > 0 {
		return NormalizeToolkitSlug(slug[:i])
	}
	return NormalizeToolkitSlug(slug)
}

// NormalizeToolkitSlugs normalizes, deduplicates and sorts a toolkit list.
func NormalizeToolkitSlugs(in []string) []string {
	return normalizeSlugs(in, NormalizeToolkitSlug)
}

// NormalizeToolSlugs normalizes, deduplicates and sorts a tool-slug list.
func NormalizeToolSlugs(in []string) []string {
	return normalizeSlugs(in, NormalizeToolSlug)
}

func normalizeSlugs(in []string, norm func(string) string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		n := norm(s)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ── Connected accounts ───────────────────────────────────────

// AccountStatus is the lifecycle state of a connected account as reported
// by the Tool Router broker.
type AccountStatus string

const (
	AccountStatusInitializing AccountStatus = "INITIALIZING"
	AccountStatusInitiated    AccountStatus = "INITIATED"
	AccountStatusActive       AccountStatus = "ACTIVE"
	AccountStatusFailed       AccountStatus = "FAILED"
	AccountStatusExpired      AccountStatus = "EXPIRED"
	AccountStatusInactive     AccountStatus = "INACTIVE"
)

// ConnectedAccount is a stored authorization (typically an OAuth grant)
// binding a user scope to a toolkit. Only ACTIVE accounts are usable for
// execution. Scope may be empty when the broker endpoint that produced the
// record does not report the owner.
type ConnectedAccount struct {
	ID           string        `json:"id"`
	Toolkit      string        `json:"toolkit"`
	Scope        string        `json:"scope,omitempty"`
	Status       AccountStatus `json:"status"`
	AuthConfigID string        `json:"auth_config_id,omitempty"`
	Disabled     bool          `json:"disabled,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

// IsUsable reports whether the account can back an execution.
func (a ConnectedAccount) IsUsable() bool {
	return a.Status == AccountStatusActive && !a.Disabled
}

// ── Routing sessions ─────────────────────────────────────────

// RoutingSession is a remote, broker-held execution context scoped to a
// user and an optional set of toolkit→account pins. The session cache owns
// every instance for the process lifetime.
type RoutingSession struct {
	ID          string            `json:"id"`
	Scope       string            `json:"scope"`
	AccountPins map[string]string `json:"account_pins,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
}

// SessionToolkit is one entry of a routing session's toolkit listing.
type SessionToolkit struct {
	Slug     string `json:"slug"`
	IsActive bool   `json:"is_active"`
}

// ── Results ──────────────────────────────────────────────────

// ExecutionResult is the normalized outcome of a tool execution. Failures
// are values, never panics: every failure path across the public boundary
// is an ExecutionResult with Successful=false.
type ExecutionResult struct {
	Successful bool           `json:"successful"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Failure builds a failed ExecutionResult from an error message.
func Failure(msg string) *ExecutionResult {
	return &ExecutionResult{Successful: false, Error: msg}
}

// ConnectionStatus reports whether any account is active for a toolkit
// under a scope.
type ConnectionStatus struct {
	Toolkit   string `json:"toolkit"`
	Connected bool   `json:"connected"`
	Scope     string `json:"scope"`
}

// ── Policy configuration ─────────────────────────────────────

// PolicyConfig is the per-deployment policy: credential, allow/block lists,
// read-only flag and behavior tags. Immutable after Normalize.
type PolicyConfig struct {
	APIKey          string   `json:"-" yaml:"api_key"`
	AllowedToolkits []string `json:"allowed_toolkits,omitempty" yaml:"allowed_toolkits"`
	BlockedToolkits []string `json:"blocked_toolkits,omitempty" yaml:"blocked_toolkits"`
	AllowedTools    []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	BlockedTools    []string `json:"blocked_tools,omitempty" yaml:"blocked_tools"`
	ReadOnly        bool     `json:"read_only" yaml:"read_only"`
	BehaviorTags    []string `json:"behavior_tags,omitempty" yaml:"behavior_tags"`
}

// Normalize canonicalizes every list (case, trim, dedup, sort) in place
// and returns the config for chaining. Called once at load time.
func (c *PolicyConfig) Normalize() *PolicyConfig {
	c.AllowedToolkits = NormalizeToolkitSlugs(c.AllowedToolkits)
	c.BlockedToolkits = NormalizeToolkitSlugs(c.BlockedToolkits)
	c.AllowedTools = NormalizeToolSlugs(c.AllowedTools)
	c.BlockedTools = NormalizeToolSlugs(c.BlockedTools)

	seen := make(map[string]bool, len(c.BehaviorTags))
	var tags []string
	for _, t := range c.BehaviorTags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	sort.Strings(tags)
	c.BehaviorTags = tags
	return c
}
