// Package quota enforces the per-tenant daily usage limits. Each check is a
// single counter upsert that returns the new value, so enforcement has no
// read-modify-write race across instances.
package quota

import (
	"context"
	"net/http"
	"time"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/metrics"
	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/types"
)

// Limits holds the configured per-day maxima. Zero or negative disables the
// corresponding check.
type Limits struct {
	WritesPerDay      int64
	EmbedTokensPerDay int64
	SearchesPerDay    int64
}

// Checker applies daily quotas against the store's counters.
type Checker struct {
	store  storage.Store
	limits Limits
	now    func() time.Time
}

// NewChecker builds a Checker with the given limits.
func NewChecker(store storage.Store, limits Limits) *Checker {
	return &Checker{store: store, limits: limits, now: time.Now}
}

// ConsumeWrite counts one write of the given serialized size. It returns a
// typed 429 when the day's write budget is exhausted.
func (c *Checker) ConsumeWrite(ctx context.Context, tenantID string, bytes int64) error {
	writes, err := c.store.IncrementWriteQuota(ctx, tenantID, types.UTCDay(c.now()), bytes)
	if err != nil {
		return err
	}
	if c.limits.WritesPerDay > 0 && writes > c.limits.WritesPerDay {
		metrics.QuotaDenials.WithLabelValues("writes").Inc()
		return apperr.New(http.StatusTooManyRequests, apperr.CodeQuotaWrites,
			"Daily write quota exceeded")
	}
	return nil
}

// ConsumeSearch counts one search.
func (c *Checker) ConsumeSearch(ctx context.Context, tenantID string) error {
	searches, err := c.store.IncrementQuota(ctx, tenantID, types.UTCDay(c.now()), types.QuotaSearches, 1)
	if err != nil {
		return err
	}
	if c.limits.SearchesPerDay > 0 && searches > c.limits.SearchesPerDay {
		metrics.QuotaDenials.WithLabelValues("searches").Inc()
		return apperr.New(http.StatusTooManyRequests, apperr.CodeQuotaSearches,
			"Daily search quota exceeded")
	}
	return nil
}

// RecordEmbedTokens adds an approximate token count consumed by the embedding
// worker. The worker records usage after the fact, so exceeding the budget
// fails the job rather than the original write.
func (c *Checker) RecordEmbedTokens(ctx context.Context, tenantID string, tokens int64) error {
	total, err := c.store.IncrementQuota(ctx, tenantID, types.UTCDay(c.now()), types.QuotaEmbedTokens, tokens)
	if err != nil {
		return err
	}
	if c.limits.EmbedTokensPerDay > 0 && total > c.limits.EmbedTokensPerDay {
		metrics.QuotaDenials.WithLabelValues("embed_tokens").Inc()
		return apperr.New(http.StatusTooManyRequests, apperr.CodeQuotaEmbedTokens,
			"Daily embedding token quota exceeded")
	}
	return nil
}

// ApproxTokens estimates the provider token count for a text.
func ApproxTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}
