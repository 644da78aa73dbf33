// Package compile turns a decoded internal/config.PluginConfig into the
// compiled, pre-validated form the executor drives at request time. Every
// predicate and data expression is parsed to a CEL cel.Ast once here;
// service references are resolved to config.Service records; an unresolved
// reference or a CEL syntax error rejects the whole configuration load.
package compile

import (
	celgo "github.com/google/cel-go/cel"

	"github.com/kuadrant/wasm-policy-shim/internal/config"
)

// CompiledExpr is a parsed-and-checked CEL expression plus its source, kept
// for phase detection and for error messages.
type CompiledExpr struct {
	Source string
	Ast    *celgo.Ast
}

// ActionKind tags the variant of a RuntimeAction. A config.Action against a
// ratelimit service configured for Kuadrant check-and-report compiles to two
// RuntimeActions — one ActionKindRateLimitCheck, one ActionKindRateLimitReport
// — since check and report are two independent calls on two different
// lifecycle phases.
type ActionKind int

const (
	ActionKindAuthCheck ActionKind = iota
	ActionKindRateLimitStandard
	ActionKindRateLimitCheck
	ActionKindRateLimitReport
)

// DataItem is the compiled form of config.DataItem.
type DataItem struct {
	Key         string
	Static      bool
	StaticValue string
	Expr        CompiledExpr
}

// ConditionalDataBlock is the compiled form of config.ConditionalDataBlock.
type ConditionalDataBlock struct {
	Predicates []CompiledExpr
	Data       []DataItem
}

// RuntimeAction is one gRPC call site in the executor's pipeline.
type RuntimeAction struct {
	Kind ActionKind

	Service     string
	ServiceSpec config.Service

	// Scope is used by AuthCheck and RateLimitStandard. RateLimitCheck uses
	// CheckScope (compiled here into Scope) and RateLimitReport uses
	// ReportScope (likewise); the split keeps RuntimeAction from needing two
	// scope fields the executor would have to pick between by Kind.
	Scope string

	Predicates      []CompiledExpr
	Data            []DataItem
	ConditionalData []ConditionalDataBlock

	// ReportData is set only for ActionKindRateLimitReport: the expression
	// producing hits_addend.
	ReportData *CompiledExpr

	Phase Phase
}

// RuntimeActionSet is the compiled form of config.ActionSet.
type RuntimeActionSet struct {
	Name            string
	Hostnames       []string
	RoutePredicates []CompiledExpr
	Actions         []*RuntimeAction
}

// Compiled is the output of compiling a whole PluginConfig: the shared CEL
// environment (reused to build a fresh cel.Program per evaluation) and the
// compiled action sets in configuration order.
type Compiled struct {
	Env        *celgo.Env
	ActionSets []*RuntimeActionSet
}
