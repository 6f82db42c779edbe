// Package executor orchestrates tool execution against the Tool Router
// broker:
//
//	policy check → account resolution → session acquisition →
//	meta multi-execute → failure classification → bounded recovery →
//	normalized result.
//
// Every failure path is an ExecutionResult with Successful=false; no error
// or panic escapes the public methods.
package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/policy"
	"github.com/toolbridge/toolbridge/internal/resolver"
	"github.com/toolbridge/toolbridge/internal/sessioncache"
	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Broker meta-tools layered over individual tool slugs.
const (
	metaToolMultiExecute = "TOOLROUTER_MULTI_EXECUTE_TOOL"
	metaToolSearch       = "TOOLROUTER_SEARCH_TOOLS"
)

// defaultScope is the broker's degenerate fallback identity. The adapter
// never defaults to it; it only matters for recognizing when the broker
// silently did.
const defaultScope = "default"

// Engine is the execution engine.
type Engine struct {
	policy   *policy.Engine
	cache    *sessioncache.Cache
	resolver *resolver.Resolver
	broker   contracts.BrokerClient
}

// NewEngine creates an execution engine.
func NewEngine(p *policy.Engine, c *sessioncache.Cache, r *resolver.Resolver, b contracts.BrokerClient) *Engine {
	return &Engine{policy: p, cache: c, resolver: r, broker: b}
}

// SearchOptions narrows a tool search.
type SearchOptions struct {
	Toolkits []string
	Limit    int
	Scope    string
}

// Execute runs one tool call for a scope, optionally pinned to an explicit
// connected account.
func (e *Engine) Execute(ctx context.Context, toolSlug string, args map[string]any, scope, explicitAccountID string) (result *models.ExecutionResult) {
	// The adapter's public boundary returns results, never panics.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("tool", toolSlug).Msg("execution panicked")
			result = models.Failure(fmt.Sprintf("internal error executing %s: %v", toolSlug, r))
		}
	}()

	if scope == "" {
		return models.Failure("a user scope is required for tool execution; no default is applied")
	}

	slug := models.NormalizeToolSlug(toolSlug)
	if slug == "" {
		return models.Failure("a tool slug is required")
	}
	if err := e.policy.ToolRestriction(slug); err != nil {
		return models.Failure(err.Error())
	}

	toolkit := models.ToolkitForTool(slug)
	if !e.policy.IsToolkitAllowed(toolkit) {
		return models.Failure(fmt.Sprintf("toolkit %s is not allowed by deployment policy", toolkit))
	}

	accountID, err := e.resolver.Resolve(ctx, toolkit, scope, explicitAccountID)
	if err != nil {
		return models.Failure(err.Error())
	}

	var pins map[string]string
	if accountID != "" {
		pins = map[string]string{toolkit: accountID}
	}
	session, err := e.cache.Get(ctx, scope, pins)
	if err != nil {
		return models.Failure(fmt.Sprintf("acquire routing session: %v", err))
	}

	if args == nil {
		args = map[string]any{}
	}
	metaArgs := map[string]any{
		"tool_calls": []any{
			map[string]any{
				"tool_slug": slug,
				"arguments": args,
			},
		},
	}

	meta, metaErr := e.broker.ExecuteMetaTool(ctx, session.ID, metaToolMultiExecute, metaArgs)
	call := unwrapMultiExecute(meta)

	if metaErr == nil && call != nil && call.Successful {
		return &models.ExecutionResult{Successful: true, Data: call.Payload()}
	}

	combined := combineErrors(metaErr, meta, call)
	log.Debug().
		Str("tool", slug).
		Str("scope", scope).
		Str("error", combined).
		Msg("tool execution failed, considering recovery")

	if recovered, ok := e.recoverExecution(ctx, slug, toolkit, args, scope, accountID, combined); ok {
		return recovered
	}
	return models.Failure(combined)
}

// Search runs the broker's tool-search meta-tool through a scope-keyed
// session.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (result *models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("tool search panicked")
			result = models.Failure(fmt.Sprintf("internal error searching tools: %v", r))
		}
	}()

	if opts.Scope == "" {
		return models.Failure("a user scope is required for tool search; no default is applied")
	}

	toolkits := models.NormalizeToolkitSlugs(opts.Toolkits)
	for _, tk := range toolkits {
		if !e.policy.IsToolkitAllowed(tk) {
			return models.Failure(fmt.Sprintf("toolkit %s is not allowed by deployment policy", tk))
		}
	}

	session, err := e.cache.Get(ctx, opts.Scope, nil)
	if err != nil {
		return models.Failure(fmt.Sprintf("acquire routing session: %v", err))
	}

	args := map[string]any{"query": query}
	if len(toolkits) > 0 {
		args["toolkits"] = toolkits
	}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}

	call, err := e.broker.ExecuteMetaTool(ctx, session.ID, metaToolSearch, args)
	if err != nil {
		return models.Failure(fmt.Sprintf("tool search failed: %v", err))
	}
	if !call.Successful {
		return models.Failure(call.Error)
	}
	return &models.ExecutionResult{Successful: true, Data: call.Payload()}
}

// unwrapMultiExecute extracts the single nested per-call result from the
// multi-execute envelope. Returns nil when the envelope carries none.
func unwrapMultiExecute(meta *contracts.CallResult) *contracts.CallResult {
	if meta == nil {
		return nil
	}
	payload := meta.Payload()
	if payload == nil {
		return nil
	}
	results, ok := payload["results"].([]any)
	if !ok || len(results) == 0 {
		return nil
	}
	item, ok := results[0].(map[string]any)
	if !ok {
		return nil
	}

	call := &contracts.CallResult{}
	call.Successful, _ = item["successful"].(bool)
	if data, ok := item["data"].(map[string]any); ok {
		call.Data = data
	}
	if preview, ok := item["data_preview"].(map[string]any); ok {
		call.DataPreview = preview
	}
	call.Error, _ = item["error"].(string)
	return call
}

// combineErrors merges the meta-call error and the nested per-call error
// into one text for classification and for the caller.
func combineErrors(metaErr error, meta, call *contracts.CallResult) string {
	var parts []string
	if metaErr != nil {
		parts = append(parts, metaErr.Error())
	}
	if meta != nil && meta.Error != "" {
		parts = append(parts, meta.Error)
	}
	if call != nil && call.Error != "" {
		parts = append(parts, call.Error)
	}
	switch len(parts) {
	case 0:
		return "tool execution failed with no error detail from the broker"
	case 1:
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		if p != out {
			out += ": " + p
		}
	}
	return out
}
