package executor

import (
	"fmt"
	"time"

	"github.com/kuadrant/wasm-policy-shim/internal/authclient"
	"github.com/kuadrant/wasm-policy-shim/internal/compile"
	"github.com/kuadrant/wasm-policy-shim/internal/config"
	"github.com/kuadrant/wasm-policy-shim/internal/host"
	"github.com/kuadrant/wasm-policy-shim/internal/ratelimitclient"
)

// defaultGrpcTimeout is used when a service's timeout_ms is unset.
const defaultGrpcTimeout = 2 * time.Second

func serviceTimeout(svc config.Service) time.Duration {
	if svc.TimeoutMillis > 0 {
		return time.Duration(svc.TimeoutMillis) * time.Millisecond
	}
	return defaultGrpcTimeout
}

// Advance runs the pipeline forward from e.Cursor as far as it can go without
// blocking: it stops at the first action whose Phase is later than the
// current lifecycle phase (parking the cursor there for a later callback to
// resume), at the first action it has dispatched a gRPC call for (suspending
// until OnGrpcResponse fires), or at the end of the pipeline.
func (e *Executor) Advance(phase compile.Phase) Outcome {
	if e.Pending != nil {
		return Outcome{Kind: OutcomeSuspended}
	}

	for e.Cursor < len(e.Pipeline) {
		action := e.Pipeline[e.Cursor]
		if action.Phase > phase {
			return Outcome{Kind: OutcomeContinue}
		}

		if !e.evaluatePredicates(action.Predicates) {
			e.Cursor++
			continue
		}

		descriptors := e.buildDescriptors(action)
		if action.Kind != compile.ActionKindRateLimitReport && isRateLimit(action.Kind) && len(descriptors) == 0 {
			// A rate-limit check/standard action with no descriptor entries is
			// a no-op, not a call. Auth actions always call regardless of
			// data, and a Report action's only payload is hits_addend, so it
			// always fires once reached even with zero descriptors.
			e.Cursor++
			continue
		}

		outcome, dispatched := e.dispatch(action, descriptors)
		if !dispatched {
			// dispatch already folded a synchronous failure through
			// handleFailure; outcome is authoritative.
			if outcome.Kind == OutcomeDirectResponse {
				if e.Metrics != nil {
					e.Metrics.IncDenied()
				}
				e.Cursor = len(e.Pipeline)
				return outcome
			}
			e.Cursor++
			continue
		}
		return outcome
	}

	return Outcome{Kind: OutcomeContinue, Headers: e.DeferredHeaders}
}

func isRateLimit(k compile.ActionKind) bool {
	switch k {
	case compile.ActionKindRateLimitStandard, compile.ActionKindRateLimitCheck, compile.ActionKindRateLimitReport:
		return true
	default:
		return false
	}
}

// dispatch builds and sends the gRPC message for action. dispatched=false
// means no call is in flight and outcome is final for this action (either a
// handled failure or, in principle, nothing to wait on).
func (e *Executor) dispatch(action *compile.RuntimeAction, descriptors []ratelimitclient.Descriptor) (outcome Outcome, dispatched bool) {
	var (
		service, method string
		message         []byte
	)

	switch action.Kind {
	case compile.ActionKindAuthCheck:
		rc := e.buildRequestContext(toExtensions(descriptors))
		msg, err := authclient.BuildCheckRequest(rc, e.Now())
		if err != nil {
			return e.handleFailure(action), false
		}
		service, method, message = authclient.ServiceName, authclient.MethodName, msg

	case compile.ActionKindRateLimitStandard:
		msg, err := ratelimitclient.BuildShouldRateLimitRequest(action.Scope, descriptors)
		if err != nil {
			return e.handleFailure(action), false
		}
		service, method, message = ratelimitclient.ServiceName, ratelimitclient.MethodShouldRateLimit, msg

	case compile.ActionKindRateLimitCheck:
		service, method = ratelimitclient.KuadrantServiceName, ratelimitclient.MethodCheckRateLimit
		message = ratelimitclient.BuildCheckRateLimitRequest(action.Scope, descriptors)

	case compile.ActionKindRateLimitReport:
		hits, err := e.reportHitsAddend(action)
		if err != nil {
			if e.Metrics != nil {
				e.Metrics.IncErrors()
			}
			// report_data failing to evaluate shouldn't fail the whole
			// response; treat it like the action had no data to report.
			return Outcome{Kind: OutcomeContinue}, false
		}
		service, method = ratelimitclient.KuadrantServiceName, ratelimitclient.MethodReport
		message = ratelimitclient.BuildReportRequest(action.Scope, descriptors, hits)

	default:
		return e.handleFailure(action), false
	}

	// token is assigned only after DispatchGrpcCall returns, but the
	// closure can still capture it by reference: the host never invokes cb
	// before the dispatching hostcall itself returns (single-threaded
	// cooperative model).
	var token uint32
	cb := func(status host.GrpcStatus, headerPairs, trailerPairs int) {
		out := e.OnGrpcResponse(token, status)
		if e.Resume != nil {
			e.Resume(out)
		}
	}
	t, err := dispatchWithRetry(e.Host, action.ServiceSpec.Endpoint, service, method, nil, message, serviceTimeout(action.ServiceSpec), cb)
	if err != nil {
		return e.handleFailure(action), false
	}
	token = t
	e.Pending = &pendingCall{Token: token, Action: action}
	return Outcome{Kind: OutcomeSuspended}, true
}

// OnGrpcResponse resumes the pipeline after a dispatched gRPC call completes.
// token must match the in-flight call; a mismatch means a stale or cancelled
// callback fired and is ignored.
func (e *Executor) OnGrpcResponse(token uint32, status host.GrpcStatus) Outcome {
	if e.Pending == nil || e.Pending.Token != token {
		return Outcome{Kind: OutcomeContinue}
	}
	action := e.Pending.Action
	e.Pending = nil

	if status.Code != 0 {
		return e.concludeAction(action, e.handleFailure(action))
	}

	raw, err := e.Host.GetGrpcReceiveBuffer()
	if err != nil {
		return e.concludeAction(action, e.handleFailure(action))
	}

	outcome, err := e.integrateResponse(action, raw)
	if err != nil {
		return e.concludeAction(action, e.handleFailure(action))
	}
	return e.concludeAction(action, outcome)
}

// concludeAction advances or terminates the cursor after one action's
// response has been integrated, then resumes Advance at that action's phase
// so a parked later-phase action in the same lifecycle callback still gets a
// chance to run before control returns to the host.
func (e *Executor) concludeAction(action *compile.RuntimeAction, outcome Outcome) Outcome {
	if outcome.Kind == OutcomeDirectResponse {
		if e.Metrics != nil {
			e.Metrics.IncDenied()
		}
		e.Cursor = len(e.Pipeline)
		return outcome
	}
	e.Cursor++
	return e.Advance(action.Phase)
}

// integrateResponse decodes a raw gRPC response per action.Kind and merges it
// into executor state, or returns a terminal DirectResponse on deny/over-limit.
func (e *Executor) integrateResponse(action *compile.RuntimeAction, raw []byte) (Outcome, error) {
	switch action.Kind {
	case compile.ActionKindAuthCheck:
		out, err := authclient.ParseCheckResponse(raw)
		if err != nil {
			return Outcome{}, err
		}
		if !out.Allowed {
			return Outcome{Kind: OutcomeDirectResponse, Status: out.DeniedStatusCode, Headers: out.DeniedHeaders, Body: []byte(out.DeniedBody)}, nil
		}
		if out.DynamicMetadata != nil {
			e.State.RecordAuthMetadata(out.DynamicMetadata)
		}
		e.DeferredHeaders = append(e.DeferredHeaders, out.HeadersToAdd...)
		return Outcome{Kind: OutcomeContinue}, nil

	case compile.ActionKindRateLimitStandard, compile.ActionKindRateLimitCheck:
		var (
			out *ratelimitclient.Outcome
			err error
		)
		if action.Kind == compile.ActionKindRateLimitStandard {
			out, err = ratelimitclient.ParseShouldRateLimitResponse(raw)
		} else {
			out, err = ratelimitclient.ParseCheckRateLimitResponse(raw)
		}
		if err != nil {
			return Outcome{}, err
		}
		if out.OverLimit {
			return Outcome{Kind: OutcomeDirectResponse, Status: 429, Headers: out.ResponseHeaders}, nil
		}
		if out.DynamicMetadata != nil {
			e.State.RecordRatelimitMetadata(out.DynamicMetadata)
		}
		e.DeferredHeaders = append(e.DeferredHeaders, out.ResponseHeaders...)
		return Outcome{Kind: OutcomeContinue}, nil

	case compile.ActionKindRateLimitReport:
		if err := ratelimitclient.ParseReportResponse(raw); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeContinue}, nil

	default:
		return Outcome{}, fmt.Errorf("executor: unknown action kind %d", action.Kind)
	}
}
