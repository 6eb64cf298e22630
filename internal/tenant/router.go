package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// Router resolves opaque webhook tokens to active integrations.
type Router struct {
	store *Store
}

func NewRouter(store *Store) *Router {
	return &Router{store: store}
}

// Resolve looks up the unique active Integration for (provider, token) and
// unseals its credentials. It has no side effects.
func (r *Router) Resolve(ctx context.Context, id provider.ID, token string) (*Resolved, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	in, sealed, err := r.store.lookupActive(ctx, token, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	creds, err := r.store.sealer.Open(in.ID, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: integration %s: %v", ErrConfiguration, in.ID, err)
	}
	return &Resolved{Integration: *in, Credentials: creds}, nil
}

// ResolveID unseals an integration by id for background work that already
// holds the id. Inactive integrations are returned with Active false so
// callers can decide whether to proceed.
func (r *Router) ResolveID(ctx context.Context, integrationID string) (*Resolved, error) {
	in, sealed, err := r.store.sealedByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	creds, err := r.store.sealer.Open(in.ID, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: integration %s: %v", ErrConfiguration, in.ID, err)
	}
	return &Resolved{Integration: *in, Credentials: creds}, nil
}
