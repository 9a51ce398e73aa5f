package cel

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"ibex/pkg/models"
)

// Evaluator compiles and runs the CEL expressions attached to routing
// rules (match conditions, dynamic destinations, transformations) and
// aggregation definitions (completion conditions).
type Evaluator struct {
	routeEnv      *cel.Env
	completionEnv *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	// Transformations lean on string helpers (upperAscii, split, ...).
	routeEnv, err := cel.NewEnv(
		ext.Strings(),
		cel.Variable("id", cel.StringType),
		cel.Variable("message_type", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("correlation_id", cel.StringType),
		cel.Variable("routing_key", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	completionEnv, err := cel.NewEnv(
		ext.Strings(),
		cel.Variable("count", cel.IntType),
		cel.Variable("expected", cel.IntType),
		cel.Variable("elapsed_seconds", cel.IntType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("members", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL completion environment: %w", err)
	}

	return &Evaluator{routeEnv: routeEnv, completionEnv: completionEnv}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.routeEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// ValidateRouteExpression additionally requires a boolean result, since
// a route condition decides match/non-match.
func (e *Evaluator) ValidateRouteExpression(expression string) error {
	ast, issues := e.routeEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("route expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// ValidateTransformExpression checks a transformation compiles; any
// result type is allowed, non-map results are ignored at apply time.
func (e *Evaluator) ValidateTransformExpression(expression string) error {
	_, issues := e.routeEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateCompletionExpression(expression string) error {
	ast, issues := e.completionEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("completion expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// EvaluateRoute runs a route condition against an envelope.
func (e *Evaluator) EvaluateRoute(ctx context.Context, expression string, env *models.Envelope) (bool, error) {
	ast, issues := e.routeEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return false, fmt.Errorf("route expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.routeEnv.Program(ast)
	if err != nil {
		return false, fmt.Errorf("failed to create CEL program: %w", err)
	}

	result, _, err := program.ContextEval(ctx, envelopeVars(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateDynamic runs a dynamic-destination expression and normalizes
// the result to a string or []string.
func (e *Evaluator) EvaluateDynamic(ctx context.Context, expression string, env *models.Envelope) (interface{}, error) {
	ast, issues := e.routeEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.routeEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	result, _, err := program.ContextEval(ctx, envelopeVars(env))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	if native, convErr := result.ConvertToNative(reflect.TypeOf([]string{})); convErr == nil {
		return native, nil
	}
	if native, convErr := result.ConvertToNative(reflect.TypeOf("")); convErr == nil {
		return native, nil
	}

	return nil, fmt.Errorf("dynamic expression must return string or list of strings, got %T", result.Value())
}

// EvaluateTransform rewrites an envelope payload; map results convert
// to map[string]interface{}, anything else comes back as produced.
func (e *Evaluator) EvaluateTransform(ctx context.Context, expression string, env *models.Envelope) (interface{}, error) {
	ast, issues := e.routeEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.routeEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	result, _, err := program.ContextEval(ctx, envelopeVars(env))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	if native, convErr := result.ConvertToNative(reflect.TypeOf(map[string]interface{}{})); convErr == nil {
		return native, nil
	}

	return result.Value(), nil
}

// CompletionVars are the inputs visible to a completion condition.
type CompletionVars struct {
	Count          int
	Expected       int
	ElapsedSeconds int
	Payload        map[string]interface{}
	Members        []interface{}
}

// EvaluateCompletion decides whether an aggregation instance is done.
func (e *Evaluator) EvaluateCompletion(ctx context.Context, expression string, vars CompletionVars) (bool, error) {
	ast, issues := e.completionEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return false, fmt.Errorf("completion expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.completionEnv.Program(ast)
	if err != nil {
		return false, fmt.Errorf("failed to create CEL program: %w", err)
	}

	payload := vars.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	members := vars.Members
	if members == nil {
		members = []interface{}{}
	}

	result, _, err := program.ContextEval(ctx, map[string]interface{}{
		"count":           vars.Count,
		"expected":        vars.Expected,
		"elapsed_seconds": vars.ElapsedSeconds,
		"payload":         payload,
		"members":         members,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) CompileExpression(expression string) (cel.Program, error) {
	ast, issues := e.routeEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.routeEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return program, nil
}

func envelopeVars(env *models.Envelope) map[string]interface{} {
	payload := env.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return map[string]interface{}{
		"id":             env.ID,
		"message_type":   env.Type,
		"tenant_id":      env.TenantID,
		"correlation_id": env.CorrelationID,
		"routing_key":    env.RoutingKey,
		"source":         env.Source,
		"retry_count":    env.RetryCount,
		"payload":        payload,
	}
}
