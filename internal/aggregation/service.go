package aggregation

import (
	"context"
	"fmt"
	"time"

	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/internal/events"
	"ibex/internal/logger"
	"ibex/pkg/cel"
	pkgerrors "ibex/pkg/errors"
	"ibex/pkg/lease"
	"ibex/pkg/metrics"
	"ibex/pkg/models"
	"ibex/pkg/tracing"
)

// Service correlates messages sharing (correlation id, aggregation
// key) into instances and decides completion. Member addition for one
// key is serialized by a per-key Redis lease; the store's conditional
// updates are the correctness backstop when the lease is lost.
type Service struct {
	defs      DefinitionRepository
	repo      Repository
	leases    *lease.Manager
	evaluator *cel.Evaluator
	publisher events.Publisher
	cfg       config.AggregationConfig
	logger    logger.Logger
}

func NewService(defs DefinitionRepository, repo Repository, leases *lease.Manager, publisher events.Publisher, cfg config.AggregationConfig, log logger.Logger) (*Service, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	return &Service{
		defs:      defs,
		repo:      repo,
		leases:    leases,
		evaluator: evaluator,
		publisher: publisher,
		cfg:       cfg,
		logger:    log,
	}, nil
}

// AddMember records an envelope in the instance for (correlationID,
// key), creating the instance on first arrival, and runs the
// completion check. A member arriving for a closed instance is
// recorded with inclusion cleared and reported via AddResult.Closed.
func (s *Service) AddMember(ctx context.Context, correlationID, key string, env *models.Envelope, payload map[string]interface{}) (*AddResult, error) {
	ctx, span := tracing.GetTracer("aggregation-service").Start(ctx, "aggregation.add_member")
	defer span.End()

	def, err := s.defs.GetByKey(ctx, key)
	if err != nil {
		metrics.AggregationMembersTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load aggregation definition '%s': %w", key, err)
	}
	if !def.Enabled {
		metrics.AggregationMembersTotal.WithLabelValues("rejected").Inc()
		return nil, pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("aggregation definition '%s' is disabled", key))
	}
	if payload == nil {
		payload = env.Payload
	}

	keyLease, err := s.acquireKeyLease(ctx, correlationID, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), constants.StoreTimeout)
		defer cancel()
		if err := keyLease.Release(releaseCtx); err != nil {
			s.logger.DebugwCtx(ctx, "Failed to release aggregation lease", "error", err)
		}
	}()

	expected := 0
	if def.CompletionMode == CompletionSize {
		expected = def.ExpectedCount
	}
	timeoutAt := time.Now().UTC().Add(time.Duration(def.TimeoutSeconds) * time.Second)

	inst, err := s.repo.GetOrCreateInstance(ctx, correlationID, key, expected, timeoutAt)
	if err != nil {
		metrics.AggregationMembersTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if inst.Status.Terminal() {
		member, _, err := s.repo.AddMember(ctx, inst.ID, env.ID, payload, def.AllowDuplicates, false)
		if err != nil && !pkgerrors.IsConflict(err) {
			metrics.AggregationMembersTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.AggregationMembersTotal.WithLabelValues("late").Inc()
		s.logger.WarnwCtx(ctx, "Member arrived for closed aggregation instance",
			"correlation_id", correlationID,
			"aggregation_key", key,
			"instance_status", inst.Status,
		)
		return &AddResult{Instance: inst, Member: member, Closed: true}, nil
	}

	member, inst, err := s.repo.AddMember(ctx, inst.ID, env.ID, payload, def.AllowDuplicates, true)
	if err != nil {
		if pkgerrors.IsConflict(err) {
			metrics.AggregationMembersTotal.WithLabelValues("duplicate").Inc()
			return nil, pkgerrors.ErrConflict.WithCause(err).WithDetail("message", "duplicate aggregation member")
		}
		metrics.AggregationMembersTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.AggregationMembersTotal.WithLabelValues("added").Inc()

	completed, err := s.checkCompletion(ctx, def, inst)
	if err != nil {
		return nil, err
	}

	return &AddResult{Instance: inst, Member: member, Completed: completed}, nil
}

// checkCompletion runs after every add. Completion merges the included
// members and closes the instance; losing the closing race to another
// writer is not an error.
func (s *Service) checkCompletion(ctx context.Context, def *Definition, inst *Instance) (bool, error) {
	done, err := s.completionSatisfied(ctx, def, inst)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Completion condition evaluation failed",
			"aggregation_key", def.Key,
			"error", err,
		)
		return false, nil
	}
	if !done {
		return false, nil
	}

	members, err := s.repo.GetMembers(ctx, inst.ID, true)
	if err != nil {
		return false, err
	}

	merged := Merge(def, members)
	if err := s.repo.TransitionInstance(ctx, inst.ID, InstanceCollecting, InstanceComplete, merged); err != nil {
		if pkgerrors.IsConflict(err) {
			return false, nil
		}
		return false, err
	}

	metrics.AggregationInstancesTotal.WithLabelValues(string(InstanceComplete)).Inc()
	s.publisher.Publish(ctx, models.EventTypeAggregationCompleted, map[string]interface{}{
		"correlation_id":  inst.CorrelationID,
		"aggregation_key": inst.Key,
		"collected":       inst.CurrentCount,
		"expected":        inst.ExpectedCount,
		"partial":         false,
		"result":          merged,
	})
	s.logger.InfowCtx(ctx, "Aggregation instance completed",
		"correlation_id", inst.CorrelationID,
		"aggregation_key", inst.Key,
		"members", inst.CurrentCount,
	)
	return true, nil
}

func (s *Service) completionSatisfied(ctx context.Context, def *Definition, inst *Instance) (bool, error) {
	switch def.CompletionMode {
	case CompletionSize:
		return def.ExpectedCount > 0 && inst.CurrentCount >= def.ExpectedCount, nil
	case CompletionCondition:
		if def.CompletionCondition == "" {
			return false, nil
		}
		members, err := s.repo.GetMembers(ctx, inst.ID, true)
		if err != nil {
			return false, err
		}
		memberPayloads := make([]interface{}, len(members))
		var lastPayload map[string]interface{}
		for i, m := range members {
			memberPayloads[i] = m.Payload
			lastPayload = m.Payload
		}
		return s.evaluator.EvaluateCompletion(ctx, def.CompletionCondition, cel.CompletionVars{
			Count:          inst.CurrentCount,
			Expected:       inst.ExpectedCount,
			ElapsedSeconds: int(time.Since(inst.StartedAt).Seconds()),
			Payload:        lastPayload,
			Members:        memberPayloads,
		})
	default:
		return false, nil
	}
}

// Cancel transitions COLLECTING -> CANCELLED. Cancelling an already
// terminal instance is a no-op.
func (s *Service) Cancel(ctx context.Context, correlationID, key string) (*Instance, error) {
	inst, err := s.repo.GetInstance(ctx, correlationID, key)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, nil
	}

	if err := s.repo.TransitionInstance(ctx, inst.ID, InstanceCollecting, InstanceCancelled, nil); err != nil {
		if pkgerrors.IsConflict(err) {
			return s.repo.GetInstanceByID(ctx, inst.ID)
		}
		return nil, err
	}

	metrics.AggregationInstancesTotal.WithLabelValues(string(InstanceCancelled)).Inc()
	s.publisher.Publish(ctx, models.EventTypeAggregationCancelled, map[string]interface{}{
		"correlation_id":  inst.CorrelationID,
		"aggregation_key": inst.Key,
		"collected":       inst.CurrentCount,
	})
	return s.repo.GetInstanceByID(ctx, inst.ID)
}

// ProcessTimeouts forces overdue COLLECTING instances to TIMEOUT.
// Partial results are emitted only when the definition asks for them.
// One instance's failure does not stop the sweep.
func (s *Service) ProcessTimeouts(ctx context.Context) error {
	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = constants.DefaultTimeoutBatchSize
	}

	instances, err := s.repo.FindTimedOut(ctx, time.Now(), batch)
	if err != nil {
		return fmt.Errorf("failed to find timed-out instances: %w", err)
	}

	for i := range instances {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.timeoutInstance(ctx, &instances[i]); err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to time out aggregation instance",
				"correlation_id", instances[i].CorrelationID,
				"aggregation_key", instances[i].Key,
				"error", err,
			)
		}
	}

	if open, err := s.repo.CountOpen(ctx); err == nil {
		metrics.SetAggregationOpenInstances(open)
	}

	return nil
}

func (s *Service) timeoutInstance(ctx context.Context, inst *Instance) error {
	def, err := s.defs.GetByKey(ctx, inst.Key)
	if err != nil {
		return err
	}

	var merged map[string]interface{}
	if def.EmitPartialOnTimeout {
		members, err := s.repo.GetMembers(ctx, inst.ID, true)
		if err != nil {
			return err
		}
		merged = Merge(def, members)
	}

	if err := s.repo.TransitionInstance(ctx, inst.ID, InstanceCollecting, InstanceTimeout, merged); err != nil {
		if pkgerrors.IsConflict(err) {
			// Completed or cancelled between the scan and here.
			return nil
		}
		return err
	}

	metrics.AggregationInstancesTotal.WithLabelValues(string(InstanceTimeout)).Inc()

	payload := map[string]interface{}{
		"correlation_id":  inst.CorrelationID,
		"aggregation_key": inst.Key,
		"collected":       inst.CurrentCount,
		"expected":        inst.ExpectedCount,
		"partial":         true,
	}
	if merged != nil {
		payload["result"] = merged
	}
	s.publisher.Publish(ctx, models.EventTypeAggregationTimedOut, payload)

	s.logger.WarnwCtx(ctx, "Aggregation instance timed out",
		"correlation_id", inst.CorrelationID,
		"aggregation_key", inst.Key,
		"collected", inst.CurrentCount,
		"expected", inst.ExpectedCount,
		"partial_emitted", merged != nil,
	)
	return nil
}

// acquireKeyLease blocks until the per-key lease is held or the
// context ends, polling on a short interval.
func (s *Service) acquireKeyLease(ctx context.Context, correlationID, key string) (*lease.Lease, error) {
	ttl := s.cfg.LockTTL
	if ttl <= 0 {
		ttl = constants.DefaultAggregationLockTTL
	}
	name := constants.AggregationLockPrefix + correlationID + ":" + key

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		l, acquired, err := s.leases.Acquire(ctx, name, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire aggregation lease: %w", err)
		}
		if acquired {
			return l, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
