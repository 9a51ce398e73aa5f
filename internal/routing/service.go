package routing

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"ibex/internal/config"
	"ibex/internal/logger"
	"ibex/pkg/cel"
	pkgerrors "ibex/pkg/errors"
	"ibex/pkg/metrics"
	"ibex/pkg/models"
	"ibex/pkg/tracing"
)

// Service is the content-based router. Rules live in PostgreSQL and
// are served from an in-process snapshot refreshed on a jittered
// interval; evaluation never touches the database.
type Service struct {
	repo          Repository
	rules         []Rule
	rulesMu       sync.RWMutex
	routingConfig config.RoutingConfig
	evaluator     *cel.Evaluator
	logger        logger.Logger
}

func NewService(repo Repository, cfg config.RoutingConfig, log logger.Logger) (*Service, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	return &Service{
		repo:          repo,
		routingConfig: cfg,
		rules:         make([]Rule, 0),
		evaluator:     evaluator,
		logger:        log,
	}, nil
}

// Route selects the destinations for an envelope. No match stores the
// message in the unmatched sink and returns ErrNoRoute; the caller
// dead-letters the envelope.
func (s *Service) Route(ctx context.Context, env *models.Envelope) (*Decision, error) {
	ctx, span := tracing.GetTracer("routing-service").Start(ctx, "routing.route")
	defer span.End()

	start := time.Now()
	now := start.UTC()

	candidates := s.matchingRules(env.Type, now)

	for i := range candidates {
		rule := &candidates[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		decision, matched := s.evaluateRule(ctx, rule, env)
		if !matched {
			continue
		}

		duration := time.Since(start)
		s.recordDecision(ctx, env.ID, rule, decision, duration)
		metrics.RoutingDecisionsTotal.WithLabelValues("matched", string(rule.Strategy)).Inc()
		metrics.ObserveRoutingEvaluation(duration, "matched")
		return decision, nil
	}

	duration := time.Since(start)
	metrics.UnmatchedMessagesTotal.Inc()
	metrics.ObserveRoutingEvaluation(duration, "unmatched")
	s.recordDecision(ctx, env.ID, nil, nil, duration)

	if err := s.repo.StoreUnmatched(ctx, &UnmatchedMessage{
		EnvelopeID:  env.ID,
		MessageType: env.Type,
		TenantID:    env.TenantID,
		Payload:     env.Payload,
		ReceivedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("failed to store unmatched message: %w", err)
	}

	s.logger.WarnwCtx(ctx, "No routing rule matched message",
		"message_type", env.Type,
		"tenant_id", env.TenantID,
	)
	return nil, pkgerrors.ErrNoRoute.WithDetail("message_type", env.Type)
}

// matchingRules returns the snapshot rules whose pattern matches and
// whose effective window includes now, ordered by priority, then
// pattern specificity, then age.
func (s *Service) matchingRules(messageType string, now time.Time) []Rule {
	snapshot := s.getActiveRules()

	matched := make([]Rule, 0, len(snapshot))
	for _, rule := range snapshot {
		if !MatchesPattern(rule.Pattern, messageType) {
			continue
		}
		if !rule.EffectiveAt(now) {
			continue
		}
		matched = append(matched, rule)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		si, sj := Specificity(matched[i].Pattern), Specificity(matched[j].Pattern)
		if si != sj {
			return si > sj
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	return matched
}

// evaluateRule resolves a rule against the envelope. Expression
// failure or a non-true result is a non-match, never an error:
// evaluation continues with the next candidate.
func (s *Service) evaluateRule(ctx context.Context, rule *Rule, env *models.Envelope) (*Decision, bool) {
	var destinations []string

	switch rule.Strategy {
	case StrategyDirect:
		if len(rule.Destinations) == 0 {
			return nil, false
		}
		destinations = rule.Destinations[:1]

	case StrategyContentBased:
		if rule.RouteExpression == "" || len(rule.Destinations) == 0 {
			return nil, false
		}
		ok, err := s.evaluator.EvaluateRoute(ctx, rule.RouteExpression, env)
		if err != nil {
			s.logEvaluationError(ctx, rule, err)
			return nil, false
		}
		if !ok {
			return nil, false
		}
		destinations = rule.Destinations[:1]

	case StrategyMulticast, StrategyRecipientList:
		if len(rule.Destinations) == 0 {
			return nil, false
		}
		destinations = rule.Destinations

	case StrategyDynamic:
		if rule.RouteExpression == "" {
			return nil, false
		}
		result, err := s.evaluator.EvaluateDynamic(ctx, rule.RouteExpression, env)
		if err != nil {
			s.logEvaluationError(ctx, rule, err)
			return nil, false
		}
		switch v := result.(type) {
		case string:
			if v != "" {
				destinations = []string{v}
			}
		case []string:
			destinations = v
		}
		if len(destinations) == 0 {
			return nil, false
		}

	default:
		s.logger.WarnwCtx(ctx, "Unknown routing strategy, skipping rule",
			"rule_id", rule.ID,
			"strategy", rule.Strategy,
		)
		return nil, false
	}

	return &Decision{
		Matched:      true,
		RuleID:       rule.ID,
		RuleVersion:  rule.Version,
		Pattern:      rule.Pattern,
		Strategy:     rule.Strategy,
		Destinations: destinations,
		Payload:      s.transformPayload(ctx, rule, env),
	}, true
}

// transformPayload applies the rule's transformation expression.
// Failure falls back to the original payload.
func (s *Service) transformPayload(ctx context.Context, rule *Rule, env *models.Envelope) map[string]interface{} {
	if rule.TransformExpression == "" {
		return env.Payload
	}

	result, err := s.evaluator.EvaluateTransform(ctx, rule.TransformExpression, env)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Transformation failed, using original payload",
			"rule_id", rule.ID,
			"error", err,
		)
		return env.Payload
	}

	transformed, ok := result.(map[string]interface{})
	if !ok {
		s.logger.WarnwCtx(ctx, "Transformation did not produce an object, using original payload",
			"rule_id", rule.ID,
		)
		return env.Payload
	}
	return transformed
}

// recordDecision writes the audit row best-effort: failure is logged
// and swallowed.
func (s *Service) recordDecision(ctx context.Context, envelopeID string, rule *Rule, decision *Decision, duration time.Duration) {
	record := &RouteDecision{
		EnvelopeID: envelopeID,
		Matched:    false,
		Duration:   duration,
		DecidedAt:  time.Now().UTC(),
	}
	if rule != nil && decision != nil {
		record.RuleID = rule.ID
		record.RuleVersion = rule.Version
		record.Pattern = rule.Pattern
		record.Strategy = string(rule.Strategy)
		record.Destinations = decision.Destinations
		record.Matched = true
	}

	if err := s.repo.RecordDecision(ctx, record); err != nil {
		s.logger.DebugwCtx(ctx, "Failed to record route decision",
			"envelope_id", envelopeID,
			"error", err,
		)
	}
}

func (s *Service) logEvaluationError(ctx context.Context, rule *Rule, err error) {
	s.logger.WarnwCtx(ctx, "Route expression evaluation failed, treating as non-match",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"error", err,
	)
}

func (s *Service) getActiveRules() []Rule {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()

	rules := make([]Rule, len(s.rules))
	copy(rules, s.rules)
	return rules
}

// ReloadRules refreshes the snapshot after a jittered delay, so a
// fleet of replicas reacting to the same config event does not hit
// the database at once.
func (s *Service) ReloadRules(ctx context.Context) error {
	return s.reload(ctx, false)
}

// ReloadRulesNow refreshes the snapshot immediately.
func (s *Service) ReloadRulesNow(ctx context.Context) error {
	return s.reload(ctx, true)
}

func (s *Service) reload(ctx context.Context, skipJitter bool) error {
	if err := s.applyJitter(ctx, skipJitter); err != nil {
		return err
	}

	rules, err := s.repo.GetActiveRules(ctx)
	if err != nil {
		return err
	}

	s.updateRules(ctx, rules)
	return nil
}

func (s *Service) applyJitter(ctx context.Context, skipJitter bool) error {
	if skipJitter || s.routingConfig.Reload.JitterMaxMilliseconds == 0 {
		return nil
	}

	jitter := time.Duration(rand.Intn(s.routingConfig.Reload.JitterMaxMilliseconds)) * time.Millisecond
	s.logger.DebugwCtx(ctx, "Reload scheduled with jitter",
		"jitter_ms", jitter.Milliseconds(),
	)

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) updateRules(ctx context.Context, rules []Rule) {
	s.rulesMu.Lock()
	s.rules = rules
	s.rulesMu.Unlock()

	metrics.SetRoutingActiveRules(len(rules))
	s.logger.InfowCtx(ctx, "Successfully reloaded routing rules",
		"rules_count", len(rules),
	)
}

func (s *Service) StartReloader(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(s.routingConfig.Reload.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	if err := s.ReloadRulesNow(ctx); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to reload routing rules",
			"error", err,
		)
	}

	for {
		select {
		case <-ticker.C:
			if err := s.ReloadRules(ctx); err != nil {
				s.logger.ErrorwCtx(ctx, "Failed to reload routing rules",
					"error", err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
