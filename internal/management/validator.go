package management

import (
	"fmt"
	"strings"

	"ibex/internal/aggregation"
	"ibex/internal/routing"
	"ibex/pkg/cel"
)

func ValidateRoutingRule(req CreateRoutingRuleRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := validatePattern(req.Pattern); err != nil {
		return err
	}

	strategy := routing.Strategy(req.Strategy)
	if !routing.ValidStrategy(strategy) {
		return fmt.Errorf("invalid strategy: %s. Allowed: DIRECT, CONTENT_BASED, MULTICAST, RECIPIENT_LIST, DYNAMIC", req.Strategy)
	}

	if strategy != routing.StrategyDynamic && len(req.Destinations) == 0 {
		return fmt.Errorf("destinations are required for %s strategy", req.Strategy)
	}
	for _, dest := range req.Destinations {
		if err := validateDestination(dest); err != nil {
			return err
		}
	}

	if strategy == routing.StrategyContentBased && req.RouteExpression == "" {
		return fmt.Errorf("route_expression is required for CONTENT_BASED strategy")
	}
	if strategy == routing.StrategyDynamic && req.RouteExpression == "" {
		return fmt.Errorf("route_expression is required for DYNAMIC strategy")
	}

	if req.EffectiveFrom != nil && req.EffectiveTo != nil && !req.EffectiveTo.After(*req.EffectiveFrom) {
		return fmt.Errorf("effective_to must be after effective_from")
	}

	return validateRuleExpressions(strategy, req.RouteExpression, req.TransformExpression)
}

func ValidateUpdateRoutingRule(req UpdateRoutingRuleRequest) error {
	if req.Pattern != nil {
		if err := validatePattern(*req.Pattern); err != nil {
			return err
		}
	}
	if req.Strategy != nil && !routing.ValidStrategy(routing.Strategy(*req.Strategy)) {
		return fmt.Errorf("invalid strategy: %s. Allowed: DIRECT, CONTENT_BASED, MULTICAST, RECIPIENT_LIST, DYNAMIC", *req.Strategy)
	}
	if req.Destinations != nil {
		for _, dest := range *req.Destinations {
			if err := validateDestination(dest); err != nil {
				return err
			}
		}
	}

	var routeExpr, transformExpr string
	if req.RouteExpression != nil {
		routeExpr = *req.RouteExpression
	}
	if req.TransformExpression != nil {
		transformExpr = *req.TransformExpression
	}

	// An update may change the expression without restating the strategy,
	// so the boolean-result check for condition rules is applied by the
	// service once the effective strategy is known. Here only DYNAMIC is
	// exempted when stated explicitly.
	strategy := routing.StrategyDynamic
	if req.Strategy != nil {
		strategy = routing.Strategy(*req.Strategy)
	}
	return validateRuleExpressions(strategy, routeExpr, transformExpr)
}

// validatePattern accepts exact message types, a namespace with a
// trailing wildcard ("contract.*"), or the bare catch-all "*".
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if pattern == "*" {
		return nil
	}
	if idx := strings.Index(pattern, "*"); idx >= 0 {
		if !strings.HasSuffix(pattern, ".*") || idx != len(pattern)-1 {
			return fmt.Errorf("invalid pattern: %s. Wildcards are only allowed as a trailing '.*'", pattern)
		}
	}
	return nil
}

func validateDestination(dest string) error {
	if strings.HasPrefix(dest, "aggregate:") || strings.HasPrefix(dest, "handler:") || strings.HasPrefix(dest, "topic:") {
		if len(strings.SplitN(dest, ":", 2)[1]) == 0 {
			return fmt.Errorf("invalid destination: %s. Target name is empty", dest)
		}
		return nil
	}
	return fmt.Errorf("invalid destination: %s. Allowed prefixes: aggregate:, handler:, topic:", dest)
}

func validateRuleExpressions(strategy routing.Strategy, routeExpr, transformExpr string) error {
	if routeExpr == "" && transformExpr == "" {
		return nil
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	if routeExpr != "" {
		// Dynamic expressions return destination names, every other
		// strategy uses the expression as a boolean match condition.
		validate := evaluator.ValidateRouteExpression
		if strategy == routing.StrategyDynamic {
			validate = evaluator.ValidateExpression
		}
		if err := validate(routeExpr); err != nil {
			return fmt.Errorf("invalid route expression: %w", err)
		}
	}
	if transformExpr != "" {
		if err := evaluator.ValidateTransformExpression(transformExpr); err != nil {
			return fmt.Errorf("invalid transform expression: %w", err)
		}
	}
	return nil
}

func ValidateAggregationDefinition(req CreateAggregationDefinitionRequest) error {
	if req.Key == "" {
		return fmt.Errorf("key is required")
	}
	if !aggregation.ValidStrategy(aggregation.DefStrategy(req.Strategy)) {
		return fmt.Errorf("invalid strategy: %s. Allowed: COLLECT_ALL, BATCH, TIME_WINDOW, SLIDING_WINDOW", req.Strategy)
	}
	if req.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}

	switch aggregation.CompletionMode(req.CompletionMode) {
	case aggregation.CompletionSize:
		if req.ExpectedCount <= 0 {
			return fmt.Errorf("expected_count must be positive for SIZE completion")
		}
	case aggregation.CompletionCondition:
		if req.CompletionCondition == "" {
			return fmt.Errorf("completion_condition is required for CONDITION completion")
		}
	default:
		return fmt.Errorf("invalid completion_mode: %s. Allowed: SIZE, CONDITION", req.CompletionMode)
	}

	switch aggregation.DefStrategy(req.Strategy) {
	case aggregation.StrategyBatch:
		if req.BatchSize <= 0 {
			return fmt.Errorf("batch_size must be positive for BATCH strategy")
		}
	case aggregation.StrategyTimeWindow:
		if req.WindowSeconds <= 0 {
			return fmt.Errorf("window_seconds must be positive for TIME_WINDOW strategy")
		}
	case aggregation.StrategySlidingWindow:
		if req.WindowSeconds <= 0 {
			return fmt.Errorf("window_seconds must be positive for SLIDING_WINDOW strategy")
		}
		if req.SlideSeconds <= 0 || req.SlideSeconds > req.WindowSeconds {
			return fmt.Errorf("slide_seconds must be positive and no larger than window_seconds")
		}
	}

	return validateCompletionCondition(req.CompletionCondition)
}

func ValidateUpdateAggregationDefinition(req UpdateAggregationDefinitionRequest) error {
	if req.Strategy != nil && !aggregation.ValidStrategy(aggregation.DefStrategy(*req.Strategy)) {
		return fmt.Errorf("invalid strategy: %s. Allowed: COLLECT_ALL, BATCH, TIME_WINDOW, SLIDING_WINDOW", *req.Strategy)
	}
	if req.CompletionMode != nil {
		switch aggregation.CompletionMode(*req.CompletionMode) {
		case aggregation.CompletionSize, aggregation.CompletionCondition:
		default:
			return fmt.Errorf("invalid completion_mode: %s. Allowed: SIZE, CONDITION", *req.CompletionMode)
		}
	}
	if req.ExpectedCount != nil && *req.ExpectedCount < 0 {
		return fmt.Errorf("expected_count must be non-negative")
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if req.BatchSize != nil && *req.BatchSize < 0 {
		return fmt.Errorf("batch_size must be non-negative")
	}
	if req.WindowSeconds != nil && *req.WindowSeconds < 0 {
		return fmt.Errorf("window_seconds must be non-negative")
	}
	if req.SlideSeconds != nil && *req.SlideSeconds < 0 {
		return fmt.Errorf("slide_seconds must be non-negative")
	}

	if req.CompletionCondition != nil {
		return validateCompletionCondition(*req.CompletionCondition)
	}
	return nil
}

func validateCompletionCondition(condition string) error {
	if condition == "" {
		return nil
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	if err := evaluator.ValidateCompletionExpression(condition); err != nil {
		return fmt.Errorf("invalid completion condition: %w", err)
	}
	return nil
}

// ValidateDedupFields checks the fields_to_hash list. Payload keys are
// free-form, so only emptiness is rejected here.
func ValidateDedupFields(fields []string) error {
	if len(fields) == 0 {
		return fmt.Errorf("fields_to_hash cannot be empty")
	}
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("fields_to_hash entries cannot be empty")
		}
	}
	return nil
}
