package management

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"ibex/internal/aggregation"
	"ibex/internal/constants"
	"ibex/internal/deduplication"
	"ibex/internal/envelope"
	"ibex/internal/routing"
	pkgerrors "ibex/pkg/errors"
	"ibex/pkg/models"
)

type service struct {
	repo                Repository
	versioningRepo      VersioningRepository
	configEventProducer *ConfigEventProducer
	definitions         aggregation.DefinitionRepository
	aggregator          Aggregator
	envelopes           envelope.Repository
	dedup               DedupAdmin
	auditEnabled        bool
}

type ServiceOption func(*service)

func WithVersioning(versioningRepo VersioningRepository) ServiceOption {
	return func(s *service) {
		s.versioningRepo = versioningRepo
		s.auditEnabled = true
	}
}

func WithConfigEvents(configEventProducer *ConfigEventProducer) ServiceOption {
	return func(s *service) {
		s.configEventProducer = configEventProducer
	}
}

func WithAggregation(definitions aggregation.DefinitionRepository, aggregator Aggregator) ServiceOption {
	return func(s *service) {
		s.definitions = definitions
		s.aggregator = aggregator
	}
}

func WithDeadLetters(envelopes envelope.Repository) ServiceOption {
	return func(s *service) {
		s.envelopes = envelopes
	}
}

func WithDeduplication(dedup DedupAdmin) ServiceOption {
	return func(s *service) {
		s.dedup = dedup
	}
}

func NewService(repo Repository, opts ...ServiceOption) Service {
	s := &service{
		repo:         repo,
		auditEnabled: false,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.versioningRepo != nil {
		s.auditEnabled = true
	}

	return s
}

func (s *service) CreateRoutingRule(ctx context.Context, req CreateRoutingRuleRequest) (*routing.Rule, error) {
	if err := ValidateRoutingRule(req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	rule := &routing.Rule{
		Name:                req.Name,
		Pattern:             req.Pattern,
		Strategy:            routing.Strategy(req.Strategy),
		Destinations:        req.Destinations,
		RouteExpression:     req.RouteExpression,
		TransformExpression: req.TransformExpression,
		Priority:            req.Priority,
		Active:              getActiveValue(req.Active),
		EffectiveFrom:       req.EffectiveFrom,
		EffectiveTo:         req.EffectiveTo,
	}

	if err := s.repo.CreateRoutingRule(ctx, rule); err != nil {
		if pkgerrors.IsConflict(err) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	s.createVersionAndAudit(ctx, rule, models.ActionCreate, nil)
	s.publishRoutingEvent(ctx, models.ActionCreate, rule.ID)

	return rule, nil
}

func (s *service) ListRoutingRules(ctx context.Context) ([]routing.Rule, error) {
	rules, err := s.repo.ListRoutingRules(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return rules, nil
}

func (s *service) GetRoutingRule(ctx context.Context, id string) (*routing.Rule, error) {
	rule, err := s.repo.GetRoutingRule(ctx, id)
	if err != nil {
		return nil, s.handleNotFoundError(err, id)
	}
	return rule, nil
}

func (s *service) UpdateRoutingRule(ctx context.Context, id string, req UpdateRoutingRuleRequest) (*routing.Rule, error) {
	if err := ValidateUpdateRoutingRule(req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	rule, err := s.repo.GetRoutingRule(ctx, id)
	if err != nil {
		return nil, s.handleNotFoundError(err, id)
	}

	oldValue, _ := toMap(rule)
	applyRoutingRuleUpdate(rule, req)

	// The boolean-result requirement for condition expressions depends on
	// the merged strategy, so it is re-checked after applying the update.
	if err := validateRuleExpressions(rule.Strategy, rule.RouteExpression, rule.TransformExpression); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	if err := s.repo.UpdateRoutingRule(ctx, rule); err != nil {
		return nil, s.handleNotFoundError(err, id)
	}

	s.createVersionAndAudit(ctx, rule, models.ActionUpdate, oldValue)
	s.publishRoutingEvent(ctx, models.ActionUpdate, rule.ID)

	return rule, nil
}

func (s *service) SetRoutingRuleActive(ctx context.Context, id string, active bool) (*routing.Rule, error) {
	old, err := s.repo.GetRoutingRule(ctx, id)
	if err != nil {
		return nil, s.handleNotFoundError(err, id)
	}

	oldValue, _ := toMap(old)
	rule, err := s.repo.SetRoutingRuleActive(ctx, id, active)
	if err != nil {
		return nil, s.handleNotFoundError(err, id)
	}

	s.createVersionAndAudit(ctx, rule, models.ActionToggle, oldValue)
	s.publishRoutingEvent(ctx, models.ActionToggle, rule.ID)

	return rule, nil
}

func (s *service) DeleteRoutingRule(ctx context.Context, id string) error {
	rule, err := s.repo.GetRoutingRule(ctx, id)
	if err != nil {
		return s.handleNotFoundError(err, id)
	}

	oldValue, _ := toMap(rule)

	if err := s.repo.DeleteRoutingRule(ctx, id); err != nil {
		return s.handleNotFoundError(err, id)
	}

	if s.auditEnabled && s.versioningRepo != nil {
		auditLog := buildAuditLog(id, RuleTypeRouting, models.ActionDelete, oldValue, nil, getChangedBy(ctx))
		_ = s.versioningRepo.CreateAuditLog(ctx, auditLog)
	}

	s.publishRoutingEvent(ctx, models.ActionDelete, id)
	return nil
}

func (s *service) GetRuleVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	if s.versioningRepo == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "versioning not enabled")
	}
	versions, err := s.versioningRepo.GetVersions(ctx, ruleID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return versions, nil
}

func (s *service) GetAuditLogs(ctx context.Context, ruleID *string, ruleType string, limit int) ([]AuditLog, error) {
	if s.versioningRepo == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "audit logging not enabled")
	}
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	logs, err := s.versioningRepo.GetAuditLogs(ctx, ruleID, ruleType, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return logs, nil
}

func (s *service) CreateAggregationDefinition(ctx context.Context, req CreateAggregationDefinitionRequest) (*aggregation.Definition, error) {
	if err := ValidateAggregationDefinition(req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}
	if s.definitions == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "aggregation not configured")
	}

	def := &aggregation.Definition{
		Key:                  req.Key,
		Description:          req.Description,
		Strategy:             aggregation.DefStrategy(req.Strategy),
		CompletionMode:       aggregation.CompletionMode(req.CompletionMode),
		ExpectedCount:        req.ExpectedCount,
		CompletionCondition:  req.CompletionCondition,
		TimeoutSeconds:       req.TimeoutSeconds,
		AllowDuplicates:      req.AllowDuplicates,
		PreserveOrder:        req.PreserveOrder,
		EmitPartialOnTimeout: req.EmitPartialOnTimeout,
		BatchSize:            req.BatchSize,
		WindowSeconds:        req.WindowSeconds,
		SlideSeconds:         req.SlideSeconds,
		Enabled:              getActiveValue(req.Enabled),
	}

	if err := s.definitions.Create(ctx, def); err != nil {
		if pkgerrors.IsConflict(err) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	s.publishAggregationEvent(ctx, models.ActionCreate, def.ID)
	return def, nil
}

func (s *service) ListAggregationDefinitions(ctx context.Context) ([]aggregation.Definition, error) {
	if s.definitions == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "aggregation not configured")
	}
	defs, err := s.definitions.List(ctx, false)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return defs, nil
}

func (s *service) GetAggregationDefinition(ctx context.Context, key string) (*aggregation.Definition, error) {
	if s.definitions == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "aggregation not configured")
	}
	def, err := s.definitions.GetByKey(ctx, key)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.ErrNotFound.WithDetail("key", key)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return def, nil
}

func (s *service) UpdateAggregationDefinition(ctx context.Context, key string, req UpdateAggregationDefinitionRequest) (*aggregation.Definition, error) {
	if err := ValidateUpdateAggregationDefinition(req); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	def, err := s.GetAggregationDefinition(ctx, key)
	if err != nil {
		return nil, err
	}

	applyDefinitionUpdate(def, req)

	if err := s.definitions.Update(ctx, def); err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.ErrNotFound.WithDetail("key", key)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	s.publishAggregationEvent(ctx, models.ActionUpdate, def.ID)
	return def, nil
}

func (s *service) DeleteAggregationDefinition(ctx context.Context, key string) error {
	def, err := s.GetAggregationDefinition(ctx, key)
	if err != nil {
		return err
	}

	if err := s.definitions.Delete(ctx, def.ID); err != nil {
		if pkgerrors.IsNotFound(err) {
			return pkgerrors.ErrNotFound.WithDetail("key", key)
		}
		return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	s.publishAggregationEvent(ctx, models.ActionDelete, def.ID)
	return nil
}

func (s *service) CancelAggregationInstance(ctx context.Context, correlationID, key string) (*aggregation.Instance, error) {
	if s.aggregator == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "aggregation not configured")
	}
	inst, err := s.aggregator.Cancel(ctx, correlationID, key)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return inst, nil
}

func (s *service) ListDeadLetters(ctx context.Context, filter ListFilter) ([]models.Envelope, error) {
	if s.envelopes == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "envelope store not configured")
	}
	limit := filter.Limit
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	envs, err := s.envelopes.ListByStatus(ctx, models.StatusDeadLetter, filter.TenantID, filter.MessageType, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return envs, nil
}

func (s *service) GetDeadLetter(ctx context.Context, id string) (*DeadLetterDetail, error) {
	if s.envelopes == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "envelope store not configured")
	}

	env, err := s.envelopes.GetByID(ctx, id)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	transitions, err := s.envelopes.GetTransitions(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	return &DeadLetterDetail{Envelope: env, Transitions: transitions}, nil
}

// RequeueDeadLetter puts a dead-lettered envelope back into the retry
// pool with fresh counters and an immediately due attempt; the next
// sweep picks it up. The conditional update refuses envelopes in any
// other state.
func (s *service) RequeueDeadLetter(ctx context.Context, id string) (*models.Envelope, error) {
	if s.envelopes == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "envelope store not configured")
	}

	env, err := s.envelopes.Requeue(ctx, id, constants.ActorManagement)
	if err != nil {
		if pkgerrors.IsNotFound(err) || pkgerrors.IsConflict(err) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	return env, nil
}

func (s *service) DeleteDeadLetter(ctx context.Context, id string) error {
	if s.envelopes == nil {
		return pkgerrors.ErrInternal.WithDetail("message", "envelope store not configured")
	}

	env, err := s.envelopes.GetByID(ctx, id)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return pkgerrors.ErrNotFound.WithDetail("id", id)
		}
		return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	if env.Status != models.StatusDeadLetter {
		return pkgerrors.ErrConflict.WithDetail("message", "envelope is not dead-lettered")
	}

	if err := s.envelopes.Delete(ctx, id); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return nil
}

func (s *service) ListUnmatched(ctx context.Context, reviewed *bool, limit, offset int) ([]routing.UnmatchedMessage, error) {
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := s.repo.ListUnmatched(ctx, reviewed, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return msgs, nil
}

func (s *service) MarkUnmatchedReviewed(ctx context.Context, id int64) error {
	if err := s.repo.MarkUnmatchedReviewed(ctx, id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return pkgerrors.ErrNotFound.WithDetail("id", id)
		}
		return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return nil
}

func (s *service) GetDedupFields(ctx context.Context) ([]string, error) {
	if s.dedup == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "deduplication not configured")
	}
	return s.dedup.GetFieldsToHash(), nil
}

// UpdateDedupFields applies the new hash field list locally and
// broadcasts it so every guard instance converges on the same config.
func (s *service) UpdateDedupFields(ctx context.Context, req UpdateDedupFieldsRequest) ([]string, error) {
	if err := ValidateDedupFields(req.FieldsToHash); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}
	if s.dedup == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "deduplication not configured")
	}

	if err := s.dedup.UpdateFieldsToHash(req.FieldsToHash); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	if s.configEventProducer != nil {
		metadata := map[string]interface{}{
			"fields_to_hash": req.FieldsToHash,
		}
		_ = s.configEventProducer.PublishDedupConfigEvent(ctx, models.ActionUpdate, getChangedBy(ctx), metadata)
	}

	return s.dedup.GetFieldsToHash(), nil
}

func (s *service) GetDedupStats(ctx context.Context, tenantID, messageType string) ([]deduplication.StatEntry, error) {
	if s.dedup == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "deduplication not configured")
	}
	stats, err := s.dedup.Stats(ctx, tenantID, messageType)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return stats, nil
}

func (s *service) PurgeDedupRecords(ctx context.Context) (int64, error) {
	if s.dedup == nil {
		return 0, pkgerrors.ErrInternal.WithDetail("message", "deduplication not configured")
	}
	purged, err := s.dedup.PurgeExpired(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return purged, nil
}

func (s *service) handleNotFoundError(err error, id string) error {
	if err == nil {
		return nil
	}
	if pkgerrors.IsNotFound(err) || strings.Contains(err.Error(), "not found") {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
}

func (s *service) createVersionAndAudit(ctx context.Context, rule *routing.Rule, action string, oldValue map[string]interface{}) {
	if !s.auditEnabled || s.versioningRepo == nil {
		return
	}

	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return
	}

	version := &RuleVersion{
		RuleID:    rule.ID,
		RuleType:  RuleTypeRouting,
		RuleData:  string(ruleJSON),
		Version:   rule.Version,
		ChangedBy: getChangedBy(ctx),
	}
	if err := s.versioningRepo.CreateVersion(ctx, version); err != nil {
		return
	}

	newValue, err := toMap(rule)
	if err != nil {
		return
	}

	auditLog := buildAuditLog(rule.ID, RuleTypeRouting, action, oldValue, newValue, getChangedBy(ctx))
	_ = s.versioningRepo.CreateAuditLog(ctx, auditLog)
}

func (s *service) publishRoutingEvent(ctx context.Context, action, ruleID string) {
	if s.configEventProducer != nil {
		_ = s.configEventProducer.PublishRoutingRuleEvent(ctx, action, ruleID, getChangedBy(ctx))
	}
}

func (s *service) publishAggregationEvent(ctx context.Context, action, definitionID string) {
	if s.configEventProducer != nil {
		_ = s.configEventProducer.PublishAggregationDefinitionEvent(ctx, action, definitionID, getChangedBy(ctx))
	}
}

func buildAuditLog(ruleID, ruleType, action string, oldValue, newValue map[string]interface{}, changedBy string) *AuditLog {
	return &AuditLog{
		RuleID:    &ruleID,
		RuleType:  ruleType,
		Action:    action,
		OldValue:  oldValue,
		NewValue:  newValue,
		ChangedBy: changedBy,
	}
}

func applyRoutingRuleUpdate(rule *routing.Rule, req UpdateRoutingRuleRequest) {
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Pattern != nil {
		rule.Pattern = *req.Pattern
	}
	if req.Strategy != nil {
		rule.Strategy = routing.Strategy(*req.Strategy)
	}
	if req.Destinations != nil {
		rule.Destinations = *req.Destinations
	}
	if req.RouteExpression != nil {
		rule.RouteExpression = *req.RouteExpression
	}
	if req.TransformExpression != nil {
		rule.TransformExpression = *req.TransformExpression
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if req.EffectiveFrom != nil {
		rule.EffectiveFrom = req.EffectiveFrom
	}
	if req.EffectiveTo != nil {
		rule.EffectiveTo = req.EffectiveTo
	}
}

func applyDefinitionUpdate(def *aggregation.Definition, req UpdateAggregationDefinitionRequest) {
	if req.Description != nil {
		def.Description = *req.Description
	}
	if req.Strategy != nil {
		def.Strategy = aggregation.DefStrategy(*req.Strategy)
	}
	if req.CompletionMode != nil {
		def.CompletionMode = aggregation.CompletionMode(*req.CompletionMode)
	}
	if req.ExpectedCount != nil {
		def.ExpectedCount = *req.ExpectedCount
	}
	if req.CompletionCondition != nil {
		def.CompletionCondition = *req.CompletionCondition
	}
	if req.TimeoutSeconds != nil {
		def.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.AllowDuplicates != nil {
		def.AllowDuplicates = *req.AllowDuplicates
	}
	if req.PreserveOrder != nil {
		def.PreserveOrder = *req.PreserveOrder
	}
	if req.EmitPartialOnTimeout != nil {
		def.EmitPartialOnTimeout = *req.EmitPartialOnTimeout
	}
	if req.BatchSize != nil {
		def.BatchSize = *req.BatchSize
	}
	if req.WindowSeconds != nil {
		def.WindowSeconds = *req.WindowSeconds
	}
	if req.SlideSeconds != nil {
		def.SlideSeconds = *req.SlideSeconds
	}
	if req.Enabled != nil {
		def.Enabled = *req.Enabled
	}
	def.UpdatedAt = time.Now()
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func getActiveValue(flag *bool) bool {
	if flag == nil {
		return true
	}
	return *flag
}

func getChangedBy(ctx context.Context) string {
	if userID := ctx.Value("user_id"); userID != nil {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return "system"
}
