// Package auth authenticates bearer credentials of the form <id>.<secret>
// against argon2id-hashed API keys, with a short-TTL token cache and a
// per-key-id failure lockout.
package auth

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/metrics"
	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/types"
)

const (
	cacheTTL     = 60 * time.Second
	cacheMaxSize = 1000
	maxPartLen   = 128
)

var (
	bearerRe = regexp.MustCompile(`^Bearer\s+(.+)$`)
	partRe   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Authenticator resolves bearer tokens to authenticated contexts.
type Authenticator struct {
	store   storage.Store
	cache   *tokenCache
	lockout *lockoutTracker
	now     func() time.Time
}

// NewAuthenticator builds an Authenticator over the given store.
func NewAuthenticator(store storage.Store) *Authenticator {
	return &Authenticator{
		store:   store,
		cache:   newTokenCache(cacheTTL, cacheMaxSize),
		lockout: newLockoutTracker(),
		now:     time.Now,
	}
}

// Authenticate parses and verifies an Authorization header value. It returns
// the resolved context or a typed error suitable for the response envelope.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*types.AuthContext, error) {
	m := bearerRe.FindStringSubmatch(authorization)
	if m == nil {
		metrics.AuthFailures.Inc()
		return nil, apperr.Unauthorized()
	}
	token := m[1]

	id, secret, ok := splitToken(token)
	if !ok {
		metrics.AuthFailures.Inc()
		return nil, apperr.Unauthorized()
	}

	now := a.now()
	if authCtx, hit := a.cache.get(token, now); hit {
		return authCtx, nil
	}

	// Lockout is checked before any database or argon2 work.
	if a.lockout.locked(id, now) {
		metrics.AuthFailures.Inc()
		return nil, apperr.New(http.StatusTooManyRequests, apperr.CodeAuthLockout,
			"Too many failed authentication attempts")
	}

	key, err := a.store.GetAPIKey(ctx, id)
	if err != nil {
		logger := log.WithComponent("auth")
		logger.Error().Err(err).Msg("API key lookup failed")
		return nil, apperr.Internal()
	}
	if key == nil || key.Revoked() || !VerifySecret(secret, key.SecretHash) {
		a.lockout.recordFailure(id, now)
		metrics.AuthFailures.Inc()
		return nil, apperr.Unauthorized()
	}

	a.lockout.reset(id)
	authCtx := types.AuthContext{
		TenantID: key.TenantID,
		KeyID:    key.ID,
		Scopes:   key.Scopes,
	}
	a.cache.put(token, authCtx, now)
	cp := authCtx
	return &cp, nil
}

// InvalidateCache drops all cached tokens, e.g. after revoking a key.
func (a *Authenticator) InvalidateCache() {
	a.cache.invalidate()
}

// splitToken separates <id>.<secret> and validates both parts against the
// accepted alphabet and length bound.
func splitToken(token string) (id, secret string, ok bool) {
	i := strings.IndexByte(token, '.')
	if i < 0 {
		return "", "", false
	}
	id, secret = token[:i], token[i+1:]
	if len(id) == 0 || len(id) > maxPartLen || len(secret) == 0 || len(secret) > maxPartLen {
		return "", "", false
	}
	if !partRe.MatchString(id) || !partRe.MatchString(secret) {
		return "", "", false
	}
	return id, secret, true
}
