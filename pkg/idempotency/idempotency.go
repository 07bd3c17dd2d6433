// Package idempotency caches write responses keyed by (tenant,
// Idempotency-Key) so client retries replay the original outcome instead of
// repeating the write.
package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/canonical"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/metrics"
	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/types"
)

const (
	// RecordTTL is how long a stored response can be replayed.
	RecordTTL = 24 * time.Hour
	// SweepInterval is how often expired records are purged in bulk.
	SweepInterval = 6 * time.Hour
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateKey checks an Idempotency-Key header value.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return apperr.New(http.StatusBadRequest, apperr.CodeInvalidIdempotencyKey,
			"Idempotency-Key must be 1-128 characters of [A-Za-z0-9_-]")
	}
	return nil
}

// Manager implements the lookup and store protocol around write handlers.
type Manager struct {
	store storage.Store
	now   func() time.Time
}

// NewManager builds a Manager over the given store.
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Lookup resolves a key before the handler runs. It returns the cached
// response body when the same request was already processed, a typed 422
// when the key is reused with a different body, or (nil, nil) when the
// handler should proceed.
func (m *Manager) Lookup(ctx context.Context, tenantID, key string, body []byte) (json.RawMessage, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	rec, err := m.store.GetIdempotency(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	now := m.now()
	if !rec.ExpiresAt.After(now) {
		// Expired records are deleted on encounter so the key is reusable
		// before the sweeper runs.
		if err := m.store.DeleteIdempotency(ctx, tenantID, key); err != nil {
			return nil, err
		}
		return nil, nil
	}

	hash, err := canonical.RequestHash(body)
	if err != nil {
		hash = ""
	}
	if rec.RequestHash == hash || rec.RequestHash == canonical.LegacyRequestHash(body) {
		metrics.IdempotencyReplays.Inc()
		return rec.ResponseBody, nil
	}
	return nil, apperr.New(http.StatusUnprocessableEntity, apperr.CodeIdempotencyKeyMismatch,
		"Idempotency-Key was already used with a different request body")
}

// Store records the handler's response after a successful write. Concurrent
// retries race benignly; the first stored record wins.
func (m *Manager) Store(ctx context.Context, tenantID, key string, body []byte, response json.RawMessage) error {
	hash, err := canonical.RequestHash(body)
	if err != nil {
		hash = canonical.LegacyRequestHash(body)
	}
	now := m.now()
	return m.store.PutIdempotency(ctx, &types.IdempotencyRecord{
		TenantID:     tenantID,
		Key:          key,
		RequestHash:  hash,
		ResponseBody: response,
		CreatedAt:    now,
		ExpiresAt:    now.Add(RecordTTL),
	})
}

// Sweeper periodically purges expired records until the context is done.
func (m *Manager) Sweeper(ctx context.Context) {
	logger := log.WithComponent("idempotency-sweeper")
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.SweepIdempotency(ctx, m.now())
			if err != nil {
				logger.Error().Err(err).Msg("Sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("removed", n).Msg("Swept expired idempotency records")
			}
		}
	}
}
