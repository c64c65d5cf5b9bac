package services

import (
	"context"
	"errors"
	"fmt"

	"live-auction/internal/domain"
	"live-auction/pkg/logger"
)

// IdentityRegistry is the part of the connection registry the gatekeeper
// writes to.
type IdentityRegistry interface {
	AttachIdentity(connID string, identity domain.Identity) error
	Join(connID, room string) (bool, error)
}

// Gatekeeper authenticates connections at handshake. A connection that
// presents no token, or a token that fails verification, stays connected as
// an anonymous watcher.
type Gatekeeper struct {
	verifier domain.IdentityVerifier
	registry IdentityRegistry
	log      logger.Logger
}

// NewGatekeeper builds a gatekeeper. With a nil verifier every token is
// rejected.
func NewGatekeeper(verifier domain.IdentityVerifier, registry IdentityRegistry, log logger.Logger) *Gatekeeper {
	return &Gatekeeper{verifier: verifier, registry: registry, log: log}
}

// Authenticate returns nil, nil for an empty token.
func (g *Gatekeeper) Authenticate(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, nil
	}
	if g.verifier == nil {
		return nil, fmt.Errorf("%w: no identity verifier configured", domain.ErrAuthenticationFailed)
	}

	identity, err := g.verifier.VerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, err)
	}
	if identity == nil || identity.UserID == "" {
		return nil, domain.ErrAuthenticationFailed
	}
	return identity, nil
}

// Admit authenticates token and, on success, attaches the identity to the
// connection and joins its user room. Failures are logged and the connection
// is left anonymous.
func (g *Gatekeeper) Admit(ctx context.Context, connID, token string) *domain.Identity {
	identity, err := g.Authenticate(ctx, token)
	if err != nil {
		g.log.Warn("Connection authentication failed, continuing as anonymous",
			"connection_id", connID, "error", err)
		return nil
	}
	if identity == nil {
		return nil
	}

	if err := g.registry.AttachIdentity(connID, *identity); err != nil {
		g.log.Error("Failed to attach identity", "connection_id", connID, "error", err)
		return nil
	}
	if _, err := g.registry.Join(connID, domain.UserRoom(identity.UserID)); err != nil {
		g.log.Error("Failed to join user room", "connection_id", connID, "error", err)
	}

	g.log.Info("Connection authenticated", "connection_id", connID, "user_id", identity.UserID)
	return identity
}
