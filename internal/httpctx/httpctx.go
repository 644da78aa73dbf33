// Package httpctx implements the per-transaction Proxy-Wasm HTTP context: it
// resolves a request's hostname against the compiled action sets, filters by
// route predicates, builds an executor.Executor for whatever matched, and
// translates each lifecycle callback — and the asynchronous gRPC resume that
// can fire in between them — into the Proxy-Wasm ABI's
// continue/pause/send-response vocabulary.
package httpctx

import (
	celgo "github.com/google/cel-go/cel"
	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm/types"

	"github.com/kuadrant/wasm-policy-shim/internal/attrs"
	"github.com/kuadrant/wasm-policy-shim/internal/compile"
	"github.com/kuadrant/wasm-policy-shim/internal/executor"
	"github.com/kuadrant/wasm-policy-shim/internal/host"
	"github.com/kuadrant/wasm-policy-shim/internal/metrics"
)

// Plugin is the subset of rootctx.PluginContext an HttpContext needs. It is
// declared here, not imported from internal/rootctx, so the dependency runs
// one way (rootctx depends on httpctx, not the reverse); rootctx.PluginContext
// satisfies it structurally.
type Plugin interface {
	PluginHost() host.Host
	PluginMetrics() *metrics.Counters
	CelEnv() *celgo.Env
	ResolveHostname(hostname string) []*compile.RuntimeActionSet
	NewExecutor(matched []*compile.RuntimeActionSet) *executor.Executor
}

// HttpContext drives one HTTP transaction through whatever pipeline its
// hostname resolves to, or does nothing at all if nothing matches.
type HttpContext struct {
	types.DefaultHttpContext

	plugin Plugin
	exec   *executor.Executor

	// pausedPhase records which lifecycle phase last returned ActionPause so
	// the async gRPC callback — which fires on a later host tick with no
	// phase argument of its own — knows whether to resume the request or
	// response half of the filter chain.
	pausedPhase compile.Phase
	concluded   bool
}

var _ types.HttpContext = (*HttpContext)(nil)

// New builds an HttpContext bound to p. The pipeline isn't resolved until
// the first request-headers callback, once the request's hostname is known.
func New(p Plugin) *HttpContext {
	return &HttpContext{plugin: p}
}

// resolvePipeline matches the request's :authority against the compiled
// hostname index and keeps only the action sets whose route predicates (if
// any) also pass.
func (c *HttpContext) resolvePipeline() []*compile.RuntimeActionSet {
	h := c.plugin.PluginHost()
	authority, _ := h.GetHttpRequestHeader(":authority")
	candidates := c.plugin.ResolveHostname(authority)
	if len(candidates) == 0 {
		return nil
	}

	resolver := &attrs.Resolver{Host: h, State: attrs.NewState()}
	env := c.plugin.CelEnv()

	matched := make([]*compile.RuntimeActionSet, 0, len(candidates))
	for _, as := range candidates {
		if executor.MatchRoutePredicates(env, resolver, as) {
			matched = append(matched, as)
		}
	}
	return matched
}

// OnHttpRequestHeaders resolves the pipeline for this transaction and runs
// it as far as it will go without blocking.
func (c *HttpContext) OnHttpRequestHeaders(numHeaders int, endOfStream bool) types.Action {
	matched := c.resolvePipeline()
	m := c.plugin.PluginMetrics()
	if len(matched) == 0 {
		if m != nil {
			m.IncMisses()
		}
		return types.ActionContinue
	}
	if m != nil {
		m.IncHits()
	}

	c.exec = c.plugin.NewExecutor(matched)
	c.exec.Resume = c.resume
	return c.runPhase(compile.PhaseRequestHeaders)
}

// OnHttpRequestBody continues the pipeline once the request body is
// available to the CEL environment's requestBodyJSON() function.
func (c *HttpContext) OnHttpRequestBody(bodySize int, endOfStream bool) types.Action {
	if c.exec == nil {
		return types.ActionContinue
	}
	if !endOfStream {
		return types.ActionPause
	}
	body, err := c.plugin.PluginHost().GetHttpRequestBody(0, bodySize)
	if err == nil {
		c.exec.ReqBody = body
	}
	return c.runPhase(compile.PhaseRequestBody)
}

// OnHttpResponseHeaders continues the pipeline for any action gated on
// response headers.
func (c *HttpContext) OnHttpResponseHeaders(numHeaders int, endOfStream bool) types.Action {
	if c.exec == nil {
		return types.ActionContinue
	}
	return c.runPhase(compile.PhaseResponseHeaders)
}

// OnHttpResponseBody continues the pipeline for RateLimitReport actions
// whose hits_addend reads the response body.
func (c *HttpContext) OnHttpResponseBody(bodySize int, endOfStream bool) types.Action {
	if c.exec == nil {
		return types.ActionContinue
	}
	if !endOfStream {
		return types.ActionPause
	}
	body, err := c.plugin.PluginHost().GetHttpResponseBody(0, bodySize)
	if err == nil {
		c.exec.RespBody = body
	}
	return c.runPhase(compile.PhaseResponseBody)
}

func (c *HttpContext) runPhase(phase compile.Phase) types.Action {
	if c.concluded {
		// The pipeline already ran to completion or sent a direct response
		// on an earlier callback; re-entering Advance here would just
		// re-apply the same final outcome (and its headers) a second time.
		return types.ActionContinue
	}
	return c.apply(phase, c.exec.Advance(phase))
}

// resume is the executor's Resume hook: it fires from inside the gRPC
// dispatch callback, asynchronously with respect to whichever lifecycle
// callback suspended the pipeline, so it must re-derive the paused phase
// from pausedPhase rather than take one as an argument.
func (c *HttpContext) resume(outcome executor.Outcome) {
	action := c.apply(c.pausedPhase, outcome)
	if action == types.ActionContinue {
		c.resumeHost()
	}
}

func (c *HttpContext) resumeHost() {
	h := c.plugin.PluginHost()
	switch c.pausedPhase {
	case compile.PhaseRequestHeaders, compile.PhaseRequestBody:
		h.ResumeHttpRequest()
	default:
		h.ResumeHttpResponse()
	}
}

// apply translates one Outcome into the ABI's vocabulary, applying any
// headers the pipeline accumulated along the way.
func (c *HttpContext) apply(phase compile.Phase, outcome executor.Outcome) types.Action {
	h := c.plugin.PluginHost()

	switch outcome.Kind {
	case executor.OutcomeDirectResponse:
		c.concluded = true
		h.SendHttpResponse(outcome.Status, outcome.Headers, outcome.Body)
		return types.ActionPause

	case executor.OutcomeSuspended:
		c.pausedPhase = phase
		return types.ActionPause

	default:
		addHeaders(h, phase, outcome.Headers)
		if !c.concluded && c.exec.Cursor >= len(c.exec.Pipeline) {
			c.concluded = true
			if m := c.plugin.PluginMetrics(); m != nil {
				m.IncAllowed()
			}
		}
		return types.ActionContinue
	}
}

// addHeaders appends the pipeline's accumulated headers to whichever half of
// the transaction is still mutable at phase: the upstream request up through
// PhaseRequestBody, the downstream response from PhaseResponseHeaders on.
func addHeaders(h host.Host, phase compile.Phase, headers [][2]string) {
	for _, kv := range headers {
		if phase <= compile.PhaseRequestBody {
			h.AddHttpRequestHeader(kv[0], kv[1])
		} else {
			h.AddHttpResponseHeader(kv[0], kv[1])
		}
	}
}

// OnHttpStreamDone releases anything the transaction held; there is nothing
// to release today, but the callback is where it would happen.
func (c *HttpContext) OnHttpStreamDone() {}
