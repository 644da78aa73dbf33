// Package cel builds the CEL compilation environment used to parse and
// evaluate the predicates and data expressions in an ActionSet: one cel.Env
// built once at configuration load time, one compiled cel.Ast per
// expression kept in the RuntimeActionSet, and a fresh, cheap-to-build
// cel.Program per evaluation so that the requestBodyJSON /
// responseBodyJSON functions can close over that request's buffered bodies.
package cel

import (
	"fmt"

	celgo "github.com/google/cel-go/cel"
)

// NewEnv builds the one CEL environment reused for the lifetime of a loaded
// configuration.
func NewEnv() (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("request", celgo.DynType),
		celgo.Variable("response", celgo.DynType),
		celgo.Variable("source", celgo.DynType),
		celgo.Variable("destination", celgo.DynType),
		celgo.Variable("connection", celgo.DynType),
		celgo.Variable("metadata", celgo.DynType),
		celgo.Variable("auth", celgo.DynType),
		celgo.Variable("ratelimit", celgo.DynType),
	}
	opts = append(opts, functionDeclarations()...)

	env, err := celgo.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel: building environment: %w", err)
	}
	return env, nil
}

// Compile parses and type-checks a predicate or data-value expression.
// Unresolved attribute names are permitted at compile time; they resolve
// at runtime to missing, and only a syntax/type error rejects the expression.
func Compile(env *celgo.Env, expr string) (*celgo.Ast, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compiling %q: %w", expr, issues.Err())
	}
	return ast, nil
}

// Program builds the per-request evaluable form of a compiled expression,
// binding that request's buffered bodies to requestBodyJSON/responseBodyJSON.
func Program(env *celgo.Env, ast *celgo.Ast, requestBody, responseBody []byte) (celgo.Program, error) {
	prg, err := env.Program(ast, BodyFunctionBindings(requestBody, responseBody))
	if err != nil {
		return nil, fmt.Errorf("cel: building program: %w", err)
	}
	return prg, nil
}
