package retry

import (
	"context"
	"fmt"
	"time"

	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/envelope"
	"ibex/internal/logger"
	pkgerrors "ibex/pkg/errors"
	"ibex/pkg/metrics"
	"ibex/pkg/models"
	"ibex/pkg/tracing"
)

// Resubmitter runs a claimed envelope back through routing and
// dispatch. The pipeline implements it.
type Resubmitter interface {
	Resubmit(ctx context.Context, env *models.Envelope) error
}

// Service is the retry sweep: it claims due FAILED envelopes in
// batches and resubmits each one independently.
type Service struct {
	envelopes   envelope.Repository
	resubmitter Resubmitter
	cfg         config.RetryConfig
	logger      logger.Logger
}

func NewService(envelopes envelope.Repository, resubmitter Resubmitter, cfg config.RetryConfig, log logger.Logger) *Service {
	return &Service{
		envelopes:   envelopes,
		resubmitter: resubmitter,
		cfg:         cfg,
		logger:      log,
	}
}

// ProcessPendingRetries claims one batch of due envelopes and
// resubmits them. Claimed rows are already QUEUED, so a concurrent
// sweep cannot double-process; a crash between claim and resubmit is
// recovered by RequeueStaleClaims on a later pass.
func (s *Service) ProcessPendingRetries(ctx context.Context) error {
	ctx, span := tracing.GetTracer("retry-service").Start(ctx, "retry.process_pending")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RetrySweepDuration.Observe(time.Since(start).Seconds())
	}()

	if s.cfg.StaleClaimSeconds > 0 {
		cutoff := time.Now().Add(-time.Duration(s.cfg.StaleClaimSeconds) * time.Second)
		requeued, err := s.envelopes.RequeueStaleClaims(ctx, cutoff)
		if err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to requeue stale claims", "error", err)
		} else if requeued > 0 {
			s.logger.WarnwCtx(ctx, "Requeued stale retry claims", "count", requeued)
		}
	}

	// A crash between the exhausting schedule and its dead-letter write
	// leaves a FAILED row with a spent budget; the claim query skips it,
	// so the sweep finishes the transition here.
	exhausted, err := s.envelopes.DeadLetterExhausted(ctx)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to dead-letter exhausted envelopes", "error", err)
	} else if exhausted > 0 {
		metrics.DeadLetterEnvelopesTotal.WithLabelValues("exhausted").Add(float64(exhausted))
		s.logger.WarnwCtx(ctx, "Dead-lettered envelopes with spent retry budget", "count", exhausted)
	}

	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = constants.DefaultRetryBatchSize
	}

	claimed, err := s.envelopes.ClaimDueRetries(ctx, time.Now(), batch)
	if err != nil {
		return fmt.Errorf("failed to claim due retries: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	s.logger.InfowCtx(ctx, "Claimed envelopes for retry", "count", len(claimed))

	for i := range claimed {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.resubmitOne(ctx, &claimed[i])
	}

	return nil
}

// resubmitOne is one isolated unit of work. Failures are absorbed:
// the pipeline's failure path has already scheduled the next attempt
// or dead-lettered the envelope.
func (s *Service) resubmitOne(ctx context.Context, env *models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RetrySweepEnvelopesTotal.WithLabelValues("panic").Inc()
			s.logger.ErrorwCtx(ctx, "Panic during retry resubmission",
				"envelope_id", env.ID,
				"panic", r,
			)
		}
	}()

	err := s.resubmitter.Resubmit(ctx, env)
	if err == nil {
		metrics.RetrySweepEnvelopesTotal.WithLabelValues("resubmitted").Inc()
		return
	}

	if pkgerrors.IsRetryable(err) {
		metrics.RetrySweepEnvelopesTotal.WithLabelValues("rescheduled").Inc()
	} else {
		metrics.RetrySweepEnvelopesTotal.WithLabelValues("failed").Inc()
	}
	s.logger.WarnwCtx(ctx, "Retry resubmission failed",
		"envelope_id", env.ID,
		"retry_count", env.RetryCount,
		"error", err,
	)
}
