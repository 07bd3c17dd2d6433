// Package worker runs the embedding queue consumer: claim one job at a time,
// embed the referenced version, store the vector, and retry with backoff on
// transient failures.
package worker

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/agentos-dev/agentos/pkg/embedder"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/memory"
	"github.com/agentos-dev/agentos/pkg/metrics"
	"github.com/agentos-dev/agentos/pkg/quota"
	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/types"
)

const (
	defaultPollInterval = time.Second
	maxBackoff          = 32 * time.Second
	maxLastErrorBytes   = 256
	requeueMaxLimit     = 1000
)

// Worker consumes embedding jobs from the store.
type Worker struct {
	store        storage.Store
	embed        embedder.Embedder
	quota        *quota.Checker
	pollInterval time.Duration
	logger       zerolog.Logger
	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds a Worker. pollInterval <= 0 uses the 1-second default.
func New(store storage.Store, embed embedder.Embedder, q *quota.Checker, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		store:        store,
		embed:        embed,
		quota:        q,
		pollInterval: pollInterval,
		logger:       log.WithComponent("worker"),
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run processes jobs until the context is canceled, idling between polls when
// the queue is empty.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("Embedding worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("Embedding worker stopped")
			return
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("Worker iteration failed")
			w.sleep(ctx, w.pollInterval)
			continue
		}
		if !processed {
			w.sleep(ctx, w.pollInterval)
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimEmbeddingJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.handleFailure(ctx, job, err)
		return true, nil
	}

	if err := w.store.CompleteEmbeddingJob(ctx, job.VersionID); err != nil {
		return true, err
	}
	metrics.EmbedJobsTotal.WithLabelValues("succeeded").Inc()
	w.logger.Debug().Str("version_id", job.VersionID).Int("attempts", job.Attempts).
		Msg("Embedded version")
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *types.EmbeddingJob) error {
	v, err := w.store.GetVersion(ctx, job.VersionID)
	if err != nil {
		return fmt.Errorf("load version: %w", err)
	}
	if v == nil {
		return fmt.Errorf("version %s not found", job.VersionID)
	}

	text := memory.EmbedText(v.Path, v.Value, v.Tags)

	timer := metrics.NewTimer()
	vec, err := w.embed.Embed(ctx, text)
	timer.ObserveDuration(metrics.EmbedDuration)
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("embedder returned empty vector")
	}

	if err := w.store.UpsertEmbedding(ctx, &types.Embedding{
		VersionID: v.ID,
		TenantID:  v.TenantID,
		Agent:     v.Agent,
		Path:      v.Path,
		Model:     w.embed.Model(),
		Vector:    vec,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	if err := w.quota.RecordEmbedTokens(ctx, v.TenantID, quota.ApproxTokens(text)); err != nil {
		// Usage accounting failures are logged but do not undo the embedding.
		w.logger.Warn().Err(err).Str("tenant_id", v.TenantID).Msg("Embed token accounting failed")
	}
	return nil
}

// handleFailure records a short error and either requeues with backoff or
// marks the job terminally failed.
func (w *Worker) handleFailure(ctx context.Context, job *types.EmbeddingJob, cause error) {
	lastError := cause.Error()
	if len(lastError) > maxLastErrorBytes {
		cut := maxLastErrorBytes
		for cut > 0 && !utf8.RuneStart(lastError[cut]) {
			cut--
		}
		lastError = lastError[:cut]
	}

	if job.Attempts >= types.MaxJobAttempts {
		metrics.EmbedJobsTotal.WithLabelValues("failed").Inc()
		w.logger.Error().Str("version_id", job.VersionID).Int("attempts", job.Attempts).
			Str("last_error", lastError).Msg("Embedding job failed terminally")
		if err := w.store.FailEmbeddingJob(ctx, job.VersionID, lastError); err != nil {
			w.logger.Error().Err(err).Str("version_id", job.VersionID).Msg("Failed to mark job failed")
		}
		return
	}

	metrics.EmbedJobsTotal.WithLabelValues("retried").Inc()
	w.logger.Warn().Str("version_id", job.VersionID).Int("attempts", job.Attempts).
		Str("last_error", lastError).Msg("Embedding job requeued")
	if err := w.store.ReleaseEmbeddingJob(ctx, job.VersionID, lastError); err != nil {
		w.logger.Error().Err(err).Str("version_id", job.VersionID).Msg("Failed to requeue job")
		return
	}
	w.sleep(ctx, backoff(job.Attempts))
}

// backoff returns min(2^attempts seconds, 32s).
func backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Requeue resets jobs in the given status back to queued. Used by the admin
// requeue operation; limit is clamped to 1000.
func (w *Worker) Requeue(ctx context.Context, status types.JobStatus, limit int) (int, error) {
	if limit <= 0 || limit > requeueMaxLimit {
		limit = requeueMaxLimit
	}
	return w.store.RequeueEmbeddingJobs(ctx, status, limit)
}
