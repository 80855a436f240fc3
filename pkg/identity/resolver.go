package identity

import (
	"context"
	"fmt"

	"github.com/arkon-ai/arkon/internal/tracing"
	"github.com/rs/zerolog"
)

// Resolver turns request credentials into an identity. Resolution order is
// fixed: signed token, then legacy opaque token, then anonymous by source
// IP. Signed-token verification is authoritative; legacy is consulted only
// after it fails. No attempt mutates any state, so a failed path leaves
// nothing behind.
type Resolver struct {
	signer *Signer
	legacy *LegacyStore
	logger zerolog.Logger
}

// NewResolver creates an identity resolver.
func NewResolver(signer *Signer, legacy *LegacyStore, logger zerolog.Logger) (*Resolver, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if legacy == nil {
		return nil, fmt.Errorf("legacy store is required")
	}

	return &Resolver{
		signer: signer,
		legacy: legacy,
		logger: logger,
	}, nil
}

// Resolve produces exactly one identity for the given credentials. It never
// returns an error: any failure falls through to the anonymous identity.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) Identity {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if creds.Token != "" {
		if claims, err := r.signer.Verify(creds.Token); err == nil {
			logger.Debug().Str("user_id", claims.UserID).Msg("Resolved signed token")
			return claims.Identity()
		} else {
			logger.Debug().Err(err).Msg("Signed token verification failed, trying legacy")
		}

		claims, ok, err := r.legacy.Lookup(ctx, creds.Token)
		if err != nil {
			// Storage failure: treat as unresolvable, not fatal
			logger.Warn().Err(err).Msg("Legacy token lookup failed")
		} else if ok {
			logger.Debug().Str("user_id", claims.UserID).Msg("Resolved legacy token")
			return claims.Identity()
		}
	}

	logger.Debug().Str("source_ip", creds.SourceIP).Msg("Falling back to anonymous identity")
	return AnonymousIdentity{SourceIP: creds.SourceIP}
}
