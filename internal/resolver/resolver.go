// Package resolver decides which connected account an execution binds to.
//
// Given a toolkit and a user scope, the resolver either validates an
// explicitly requested account id against ownership and status invariants,
// or picks the scope's single ACTIVE account. It never chooses silently
// between several candidates; ambiguity is always surfaced to the caller.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/toolbridge/toolbridge/internal/connections"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Resolver resolves account bindings using the connection engine's
// account-listing capability.
type Resolver struct {
	connections *connections.Engine
}

// New creates an account resolver.
func New(c *connections.Engine) *Resolver {
	return &Resolver{connections: c}
}

// Resolve returns the account id to pin for (toolkit, scope), or "" when
// no account is connected and the broker should resolve (or fail)
// naturally. explicitID, when non-empty, is validated rather than
// discovered.
func (r *Resolver) Resolve(ctx context.Context, toolkit, scope, explicitID string) (string, error) {
	toolkit = models.NormalizeToolkitSlug(toolkit)
	if scope == "" {
		return "", fmt.Errorf("account resolution requires an explicit scope")
	}
	if explicitID != "" {
		return r.verifyExplicit(ctx, toolkit, scope, explicitID)
	}
	return r.pickSingle(ctx, toolkit, scope)
}

// verifyExplicit validates a caller-supplied account id: it must belong to
// the requested toolkit, be ACTIVE, and be owned by the requested scope.
// When the broker does not report the owner, membership in the scope's
// ACTIVE listing is required before the id is trusted (fail closed).
func (r *Resolver) verifyExplicit(ctx context.Context, toolkit, scope, id string) (string, error) {
	account, err := r.connections.GetAccount(ctx, id)
	if err != nil {
		return "", fmt.Errorf("connected account %s: %w", id, err)
	}

	if account.Toolkit != toolkit {
		return "", fmt.Errorf("connected account %s belongs to toolkit %s, not %s", id, account.Toolkit, toolkit)
	}
	if !account.IsUsable() {
		return "", fmt.Errorf("connected account %s is not active (status %s)", id, account.Status)
	}

	if account.Scope != "" {
		if account.Scope != scope {
			return "", fmt.Errorf("connected account %s belongs to scope %s, not %s", id, account.Scope, scope)
		}
		return id, nil
	}

	// Owner unreported by the broker: only trust the id if it shows up in
	// this scope's own ACTIVE listing.
	accounts, err := r.connections.ActiveAccounts(ctx, []string{toolkit}, scope)
	if err != nil {
		return "", fmt.Errorf("verify account %s ownership: %w", id, err)
	}
	for _, a := range accounts {
		if a.ID == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("connected account %s is not connected for scope %s", id, scope)
}

// pickSingle lists ACTIVE accounts for (toolkit, scope). Zero matches is
// not an error, the execution proceeds unpinned. Exactly one match is the
// pin. More is an ambiguity error naming every candidate.
func (r *Resolver) pickSingle(ctx context.Context, toolkit, scope string) (string, error) {
	accounts, err := r.connections.ActiveAccounts(ctx, []string{toolkit}, scope)
	if err != nil {
		return "", fmt.Errorf("list %s accounts for scope %s: %w", toolkit, scope, err)
	}

	switch len(accounts) {
	case 0:
		return "", nil
	case 1:
		return accounts[0].ID, nil
	default:
		ids := make([]string, len(accounts))
		for i, a := range accounts {
			ids[i] = a.ID
		}
		return "", fmt.Errorf("multiple active %s accounts for scope %s: %s; pass an explicit connected account id to choose one",
			toolkit, scope, strings.Join(ids, ", "))
	}
}
