// Package executor implements the per-request pipeline state machine
//: a single-threaded cooperative state machine driven by the
// HTTP lifecycle callbacks, threading auth/rate-limit call data across all
// four phases and ultimately concluding with Continue or a DirectResponse.
package executor

import (
	"fmt"
	"time"

	celgo "github.com/google/cel-go/cel"
	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"

	"github.com/kuadrant/wasm-policy-shim/internal/attrs"
	kcel "github.com/kuadrant/wasm-policy-shim/internal/cel"
	"github.com/kuadrant/wasm-policy-shim/internal/authclient"
	"github.com/kuadrant/wasm-policy-shim/internal/compile"
	"github.com/kuadrant/wasm-policy-shim/internal/config"
	"github.com/kuadrant/wasm-policy-shim/internal/host"
	"github.com/kuadrant/wasm-policy-shim/internal/metrics"
	"github.com/kuadrant/wasm-policy-shim/internal/ratelimitclient"
)

// OutcomeKind tags the result of advancing the pipeline.
type OutcomeKind int

const (
	// OutcomeContinue means the host should keep processing the
	// transaction normally (request-phase done, or the cursor is parked
	// waiting on a later phase).
	OutcomeContinue OutcomeKind = iota
	// OutcomeSuspended means a gRPC call is in flight; the host should
	// pause the filter chain until OnGrpcResponse is called.
	OutcomeSuspended
	// OutcomeDirectResponse is terminal: short-circuit with Status/Headers/Body.
	OutcomeDirectResponse
)

// Outcome is the result the executor hands back to the httpctx caller after
// each lifecycle callback.
type Outcome struct {
	Kind    OutcomeKind
	Status  uint32
	Headers [][2]string
	Body    []byte
}

type pendingCall struct {
	Token  uint32
	Action *compile.RuntimeAction
}

// Executor drives one HTTP transaction's pipeline
// RequestExecutor). It is owned by exactly one httpctx.HttpContext.
type Executor struct {
	Host     host.Host
	Env      *celgo.Env
	Resolver *attrs.Resolver
	State    *attrs.State
	Metrics  *metrics.Counters
	Log      logr.Logger

	// Now returns the wall-clock time attached to outgoing Check requests.
	// Overridable in tests; defaults to time.Now.
	Now func() time.Time

	// Resume is invoked with the Outcome of resuming the pipeline after a
	// gRPC response arrives asynchronously
	// on a later host-driven tick than the Advance call that suspended).
	// httpctx sets this to apply the outcome against the real ABI (send a
	// direct response or resume the paused filter iteration); tests can
	// leave it nil and instead inspect the return value of OnGrpcResponse
	// directly.
	Resume func(Outcome)

	Pipeline        []*compile.RuntimeAction
	Cursor          int
	Pending         *pendingCall
	DeferredHeaders [][2]string

	ReqBody  []byte
	RespBody []byte
}

// New builds an Executor for one request from the RuntimeActionSets the
// ActionSetIndex matched for this hostname. The pipeline is the
// concatenation of all actions across the matching RuntimeActionSets, in
// configured order.
func New(env *celgo.Env, matched []*compile.RuntimeActionSet, h host.Host, m *metrics.Counters, log logr.Logger) *Executor {
	state := attrs.NewState()
	var pipeline []*compile.RuntimeAction
	for _, as := range matched {
		pipeline = append(pipeline, as.Actions...)
	}
	return &Executor{
		Host:     h,
		Env:      env,
		Resolver: &attrs.Resolver{Host: h, State: state},
		State:    state,
		Metrics:  m,
		Log:      log,
		Now:      time.Now,
		Pipeline: pipeline,
	}
}

// MatchRoutePredicates evaluates an action set's route-level predicates
// against the already-resolved hostname match
// predicates gate whether an ActionSet's actions even enter the pipeline).
func MatchRoutePredicates(env *celgo.Env, resolver *attrs.Resolver, as *compile.RuntimeActionSet) bool {
	for _, p := range as.RoutePredicates {
		prg, err := kcel.Program(env, p.Ast, nil, nil)
		if err != nil {
			return false
		}
		out, _, err := prg.Eval(kcel.NewActivation(resolver))
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		if !ok || !b {
			return false
		}
	}
	return true
}

func (e *Executor) programFor(ast *celgo.Ast) (celgo.Program, error) {
	return kcel.Program(e.Env, ast, e.ReqBody, e.RespBody)
}

func (e *Executor) evalBool(c compile.CompiledExpr) (bool, error) {
	prg, err := e.programFor(c.Ast)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(kcel.NewActivation(e.Resolver))
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("executor: %q did not evaluate to a bool", c.Source)
	}
	return b, nil
}

// evaluatePredicates short-circuits to false both on an explicit false and
// on an evaluation error.
func (e *Executor) evaluatePredicates(predicates []compile.CompiledExpr) bool {
	for _, p := range predicates {
		ok, err := e.evalBool(p)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func (e *Executor) evalDataItem(d compile.DataItem) (string, bool) {
	if d.Static {
		return d.StaticValue, true
	}
	prg, err := e.programFor(d.Expr.Ast)
	if err != nil {
		return "", false
	}
	out, _, err := prg.Eval(kcel.NewActivation(e.Resolver))
	if err != nil {
		return "", false
	}
	s, ok := kcel.CoerceToDescriptorString(out)
	return s, ok
}

// buildDescriptors evaluates an action's data and conditional_data into
// descriptor entries; a dropped item doesn't abort the action.
func (e *Executor) buildDescriptors(action *compile.RuntimeAction) []ratelimitclient.Descriptor {
	var out []ratelimitclient.Descriptor
	for _, d := range action.Data {
		if v, ok := e.evalDataItem(d); ok {
			out = append(out, ratelimitclient.Descriptor{Key: d.Key, Value: v})
		}
	}
	for _, block := range action.ConditionalData {
		if !e.evaluatePredicates(block.Predicates) {
			continue
		}
		for _, d := range block.Data {
			if v, ok := e.evalDataItem(d); ok {
				out = append(out, ratelimitclient.Descriptor{Key: d.Key, Value: v})
			}
		}
	}
	return out
}

func (e *Executor) reportHitsAddend(action *compile.RuntimeAction) (uint32, error) {
	if action.ReportData == nil {
		return 0, fmt.Errorf("executor: RateLimitReport action has no report_data")
	}
	prg, err := e.programFor(action.ReportData.Ast)
	if err != nil {
		return 0, err
	}
	out, _, err := prg.Eval(kcel.NewActivation(e.Resolver))
	if err != nil {
		return 0, err
	}
	switch v := out.Value().(type) {
	case int64:
		return uint32(v), nil
	case uint64:
		return uint32(v), nil
	case float64:
		return uint32(v), nil
	default:
		return 0, fmt.Errorf("executor: report_data %q did not evaluate to a number", action.ReportData.Source)
	}
}

func (e *Executor) buildRequestContext(contextExtensions map[string]string) authclient.RequestContext {
	method, _ := e.Host.GetHttpRequestHeader(":method")
	path, _ := e.Host.GetHttpRequestHeader(":path")
	authority, _ := e.Host.GetHttpRequestHeader(":authority")
	scheme, _ := e.Host.GetHttpRequestHeader(":scheme")
	sourceAddr, _, _ := e.Host.GetProperty([]string{"source", "address"})
	destAddr, _, _ := e.Host.GetProperty([]string{"destination", "address"})

	return authclient.RequestContext{
		Method:             method,
		Path:               path,
		Host:               authority,
		Scheme:             scheme,
		Headers:            e.Host.HttpRequestHeaders(),
		SourceAddress:      string(sourceAddr),
		DestinationAddress: string(destAddr),
		ContextExtensions:  contextExtensions,
	}
}

func toExtensions(descriptors []ratelimitclient.Descriptor) map[string]string {
	if len(descriptors) == 0 {
		return nil
	}
	m := make(map[string]string, len(descriptors))
	for _, d := range descriptors {
		m[d.Key] = d.Value
	}
	return m
}

func (e *Executor) handleFailure(action *compile.RuntimeAction) Outcome {
	if e.Metrics != nil {
		e.Metrics.IncErrors()
	}
	e.Log.Info("service call failed", "service", action.Service, "failure_mode", action.ServiceSpec.FailureMode)
	// A Report call never short-circuits the request, whatever the failure mode.
	if action.ServiceSpec.FailureMode == config.FailureModeDeny && action.Kind != compile.ActionKindRateLimitReport {
		return Outcome{Kind: OutcomeDirectResponse, Status: 503}
	}
	return Outcome{Kind: OutcomeContinue}
}

// dispatchWithRetry retries the synchronous DispatchGrpcCall hostcall a
// bounded number of times: a host can reject a dispatch immediately (e.g.
// its outbound call queue is momentarily full) independent of the eventual
// async transport outcome delivered to on_grpc_response, which this retry
// does not and cannot cover.
func dispatchWithRetry(h host.Host, cluster, service, method string, md [][2]string, msg []byte, timeout time.Duration, cb host.GrpcCallback) (uint32, error) {
	var token uint32
	err := retry.Do(
		func() error {
			t, err := h.DispatchGrpcCall(cluster, service, method, md, msg, timeout, cb)
			if err != nil {
				return err
			}
			token = t
			return nil
		},
		retry.Attempts(3),
		retry.Delay(0),
	)
	return token, err
}
