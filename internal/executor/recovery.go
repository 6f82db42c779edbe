package executor

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Trigger phrases for the two recovery strategies. These match observed
// broker error strings, not a stable protocol; revisit them whenever the
// broker's error contract changes.
const (
	defaultEntityMarker    = "no connected account found for entity id default"
	restrictedAccessMarker = "only allowed to access"
	missingFieldsMarker    = "following fields are missing:"
)

// maxHintLength is the longest backtick-quoted literal accepted as a
// plausible identifier replacement.
const maxHintLength = 64

var backtickLiteral = regexp.MustCompile("`([^`]+)`")

// recoverExecution attempts at most one bounded recovery for a failed
// execution. The second return value reports whether a recovery ran; when
// it did, its result (success or failure) replaces the original failure.
func (e *Engine) recoverExecution(ctx context.Context, slug, toolkit string, args map[string]any, scope, accountID, errText string) (*models.ExecutionResult, bool) {
	// Direct-fallback: the broker silently resolved to its default
	// identity instead of the requested scope. Re-issue the call against
	// the lower-level execute operation with the scope and pin explicit.
	if scope != defaultScope && mentionsDefaultEntity(errText) {
		pin := accountID
		if pin == "" {
			resolved, err := e.resolver.Resolve(ctx, toolkit, scope, "")
			if err != nil || resolved == "" {
				return nil, false
			}
			pin = resolved
		}
		log.Info().
			Str("tool", slug).
			Str("scope", scope).
			Str("account", pin).
			Msg("broker fell back to default identity, retrying with explicit binding")
		return e.executeDirect(ctx, slug, scope, pin, args), true
	}

	// Hinted-identifier retry: the broker rejected a single-value identity
	// token and its error quotes the value it would accept.
	if suggestsRestrictedIdentifier(errText) {
		hint, ok := extractBacktickHint(errText)
		if !ok {
			return nil, false
		}
		retryArgs, ok := injectHint(args, hint, errText)
		if !ok {
			return nil, false
		}
		log.Info().
			Str("tool", slug).
			Str("scope", scope).
			Str("hint", hint).
			Msg("retrying with broker-hinted identifier")
		return e.executeDirect(ctx, slug, scope, accountID, retryArgs), true
	}

	return nil, false
}

// executeDirect runs a tool through the broker's lower-level execute
// operation, bypassing the session meta-tool entirely.
func (e *Engine) executeDirect(ctx context.Context, slug, scope, accountID string, args map[string]any) *models.ExecutionResult {
	call, err := e.broker.ExecuteTool(ctx, slug, contracts.ExecuteRequest{
		Scope:     scope,
		AccountID: accountID,
		Arguments: args,
	})
	if err != nil {
		return models.Failure(err.Error())
	}
	if !call.Successful {
		return models.Failure(call.Error)
	}
	return &models.ExecutionResult{Successful: true, Data: call.Payload()}
}

// injectHint places the hinted literal into the arguments. With exactly
// one string-valued field the hint replaces it; with zero string fields
// the hint fills the single field a companion "missing fields" error
// names. Any other shape means the injection target is ambiguous, so no
// retry happens.
func injectHint(args map[string]any, hint, errText string) (map[string]any, bool) {
	var target string
	switch keys := stringArgKeys(args); len(keys) {
	case 1:
		target = keys[0]
	case 0:
		field, ok := extractMissingField(errText)
		if !ok {
			return nil, false
		}
		target = field
	default:
		return nil, false
	}

	retry := make(map[string]any, len(args)+1)
	for k, v := range args {
		retry[k] = v
	}
	retry[target] = hint
	return retry, true
}

// ── Heuristic text parsers ───────────────────────────────────
//
// Pure functions over normalized error text. All of them can have false
// positives and negatives; each feeds exactly one boolean or optional
// value into the recovery flow and nothing else.

// mentionsDefaultEntity reports whether the error says the broker resolved
// to its default identity.
func mentionsDefaultEntity(text string) bool {
	return strings.Contains(strings.ToLower(text), defaultEntityMarker)
}

// suggestsRestrictedIdentifier reports whether the error looks like a
// rejected single-value identity token.
func suggestsRestrictedIdentifier(text string) bool {
	return strings.Contains(strings.ToLower(text), restrictedAccessMarker)
}

// extractBacktickHint returns the error's backtick-quoted literal when
// there is exactly one distinct candidate short enough and free of
// whitespace to be a plausible replacement value.
func extractBacktickHint(text string) (string, bool) {
	matches := backtickLiteral.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var candidates []string
	for _, m := range matches {
		lit := m[1]
		if len(lit) == 0 || len(lit) > maxHintLength || strings.ContainsAny(lit, " \t\n\r") {
			continue
		}
		if !seen[lit] {
			seen[lit] = true
			candidates = append(candidates, lit)
		}
	}
	if len(candidates) != 1 {
		return "", false
	}
	return candidates[0], true
}

// stringArgKeys returns the keys of string-valued arguments, in map order.
func stringArgKeys(args map[string]any) []string {
	var keys []string
	for k, v := range args {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// extractMissingField parses a "following fields are missing: {...}"
// fragment and returns the single field it names. Several names, or none,
// yield no target.
func extractMissingField(text string) (string, bool) {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, missingFieldsMarker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(missingFieldsMarker):]
	open := strings.Index(rest, "{")
	if open < 0 {
		return "", false
	}
	closing := strings.Index(rest[open:], "}")
	if closing < 0 {
		return "", false
	}
	inner := rest[open+1 : open+closing]

	var fields []string
	for _, part := range strings.Split(inner, ",") {
		field := strings.Trim(strings.TrimSpace(part), `'"`)
		if field != "" {
			fields = append(fields, field)
		}
	}
	if len(fields) != 1 {
		return "", false
	}
	return fields[0], true
}
