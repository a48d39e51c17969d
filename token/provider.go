// Package token defines the bearer-token provider interface the core
// consumes (spec §6). The OAuth2 device-code dance and token persistence
// are external collaborators; this module only ever calls through this
// interface.
package token

import "context"

// Provider yields a currently-valid bearer token, refreshing on demand.
// Implementations must be safe for concurrent use.
type Provider interface {
	// CurrentToken returns the token currently believed valid, without
	// forcing a refresh.
	CurrentToken(ctx context.Context) (string, error)
	// Refresh forces a token refresh and returns the new token. Called by
	// the retry harness after an auth-expired classification.
	Refresh(ctx context.Context) (string, error)
}

// Static is a Provider that always returns the same token; useful for
// tests and for callers that manage refresh externally.
type Static string

// CurrentToken implements Provider.
func (s Static) CurrentToken(context.Context) (string, error) { return string(s), nil }

// Refresh implements Provider.
func (s Static) Refresh(context.Context) (string, error) { return string(s), nil }
