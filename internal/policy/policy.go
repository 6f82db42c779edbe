// Package policy implements the deployment policy engine: pure functions
// deciding whether a toolkit or a tool slug may be used, given allow/block
// lists, a heuristic read-only classifier, and explicit overrides.
//
// The read-only classifier is a keyword heuristic over the tokens of a
// tool slug. It is a safety net against obviously destructive actions, not
// a security boundary: it can both over- and under-match, and the
// user-facing error text says so.
package policy

import (
	"fmt"
	"strings"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// destructiveVerbs are slug tokens that mark a tool as state-changing for
// the read-only heuristic. Deliberately conservative; an operator can
// always override a false positive through the tool allow-list.
var destructiveVerbs = map[string]bool{
	"ADD":     true,
	"ARCHIVE": true,
	"CANCEL":  true,
	"CLEAR":   true,
	"CREATE":  true,
	"DELETE":  true,
	"DESTROY": true,
	"DISABLE": true,
	"EXECUTE": true,
	"INSERT":  true,
	"MERGE":   true,
	"MOVE":    true,
	"PATCH":   true,
	"POST":    true,
	"PUBLISH": true,
	"PURGE":   true,
	"PUT":     true,
	"REMOVE":  true,
	"REPLY":   true,
	"SEND":    true,
	"SET":     true,
	"SUBMIT":  true,
	"TRASH":   true,
	"UPDATE":  true,
	"UPLOAD":  true,
	"WRITE":   true,
}

// Engine evaluates deployment policy. It holds a normalized, immutable
// config and makes no remote calls.
type Engine struct {
	cfg *models.PolicyConfig

	allowedToolkits map[string]bool
	blockedToolkits map[string]bool
	allowedTools    map[string]bool
	blockedTools    map[string]bool
}

// NewEngine builds a policy engine from a normalized config.
func NewEngine(cfg *models.PolicyConfig) *Engine {
	return &Engine{
		cfg:             cfg,
		allowedToolkits: toSet(cfg.AllowedToolkits),
		blockedToolkits: toSet(cfg.BlockedToolkits),
		allowedTools:    toSet(cfg.AllowedTools),
		blockedTools:    toSet(cfg.BlockedTools),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// Config returns the engine's policy configuration.
func (e *Engine) Config() *models.PolicyConfig { return e.cfg }

// ReadOnly reports whether read-only mode is enabled.
func (e *Engine) ReadOnly() bool { return e.cfg.ReadOnly }

// IsToolkitAllowed reports whether a toolkit may be used. The block-list
// wins over the allow-list; with no allow-list configured, the default is
// allow.
func (e *Engine) IsToolkitAllowed(toolkit string) bool {
	toolkit = models.NormalizeToolkitSlug(toolkit)
	if e.blockedToolkits[toolkit] {
		return false
	}
	if len(e.allowedToolkits) == 0 {
		return true
	}
	return e.allowedToolkits[toolkit]
}

// ToolRestriction returns nil when a tool slug may be executed, or an
// error describing why it may not. Checks run in order: tool allow-list,
// tool block-list, then the read-only heuristic.
func (e *Engine) ToolRestriction(toolSlug string) error {
	slug := models.NormalizeToolSlug(toolSlug)

	if len(e.allowedTools) > 0 && !e.allowedTools[slug] {
		return fmt.Errorf("tool %s is not allowed: it is not in the configured tool allow-list", slug)
	}
	if e.blockedTools[slug] {
		return fmt.Errorf("tool %s is not allowed: it is in the configured tool block-list", slug)
	}
	if e.cfg.ReadOnly && !e.allowedTools[slug] && LooksDestructive(slug) {
		return fmt.Errorf("tool %s is blocked by readOnlyMode: its name suggests a state-changing action. "+
			"This is a keyword heuristic, not a guarantee. If the call is intentional, add %s to the tool allow-list to override",
			slug, slug)
	}
	return nil
}

// LooksDestructive reports whether any token of a normalized tool slug is
// a known destructive verb. Heuristic only.
func LooksDestructive(toolSlug string) bool {
	for _, tok := range strings.Split(models.NormalizeToolSlug(toolSlug), "_") {
		if destructiveVerbs[tok] {
			return true
		}
	}
	return false
}
