package scenario

import (
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm/types"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kuadrant/wasm-policy-shim/internal/host"
	"github.com/kuadrant/wasm-policy-shim/internal/kuadrantpb"
	"github.com/kuadrant/wasm-policy-shim/internal/rootctx"
	"github.com/kuadrant/wasm-policy-shim/internal/testhost"
)

// newTransaction loads raw as the plugin configuration and returns an
// HttpContext bound to it plus the fake host backing it, reproducing the
// on_configure -> on_http_request_headers sequence a real Envoy worker
// drives.
func newTransaction(raw string) (types.HttpContext, *testhost.Fake) {
	fake := testhost.New()
	fake.PluginConfiguration = []byte(raw)
	vm := &rootctx.VMContext{Host: fake}
	p := vm.NewPluginContext(1).(*rootctx.PluginContext)
	status := p.OnPluginStart(len(raw))
	Expect(status).To(Equal(types.OnPluginStartStatusOK))
	return p.NewHttpContext(1), fake
}

func onlyPending(fake *testhost.Fake) uint32 {
	ExpectWithOffset(1, fake.Pending).To(HaveLen(1))
	for tok := range fake.Pending {
		return tok
	}
	return 0
}

var _ = Describe("zero descriptors", func() {
	// Mirrors rlp-a: an action set matches but its only action's data is
	// gated behind a conditional block whose predicate never holds, so it
	// issues no call at all and the request sails through.
	const cfg = `
services:
  rl:
    kind: ratelimit
    endpoint: ratelimit-cluster
    failure_mode: deny
action_sets:
  - name: zero-descriptors
    route_rule_conditions:
      hostnames: ["test.a.rlp.com"]
    actions:
      - service: rl
        scope: limit_to_be_activated
        conditional_data:
          - predicates: ["false"]
            data:
              - static:
                  key: unreachable
                  value: never
`

	It("continues without dispatching a call and counts a hit/allow", func() {
		ctx, fake := newTransaction(cfg)
		fake.ReqHeaders = [][2]string{{":authority", "test.a.rlp.com"}, {":path", "/get"}}

		action := ctx.OnHttpRequestHeaders(0, true)

		Expect(action).To(Equal(types.ActionContinue))
		Expect(fake.Pending).To(BeEmpty())
		Expect(fake.Metrics["hits"]).To(BeEquivalentTo(1))
		Expect(fake.Metrics["allowed"]).To(BeEquivalentTo(1))
		Expect(fake.DirectResponse).To(BeNil())
	})
})

var _ = Describe("route predicate false", func() {
	// Mirrors rlp-b: the action set's own route predicate excludes this
	// path, so nothing in the pipeline ever runs for this hostname.
	const cfg = `
services:
  rl:
    kind: ratelimit
    endpoint: ratelimit-cluster
    failure_mode: deny
action_sets:
  - name: unknown-path-only
    route_rule_conditions:
      hostnames: ["test.b.rlp.com"]
      predicates: ["request.url_path.startsWith('/unknown-path')"]
    actions:
      - service: rl
        scope: limit_to_be_activated
        data:
          - static:
              key: k
              value: v
`

	It("misses and continues", func() {
		ctx, fake := newTransaction(cfg)
		fake.ReqHeaders = [][2]string{{":authority", "test.b.rlp.com"}, {":path", "/get"}}
		fake.Properties["request.url_path"] = "/get"

		action := ctx.OnHttpRequestHeaders(0, true)

		Expect(action).To(Equal(types.ActionContinue))
		Expect(fake.Pending).To(BeEmpty())
		Expect(fake.Metrics["misses"]).To(BeEquivalentTo(1))
		Expect(fake.Metrics["hits"]).To(BeEquivalentTo(0))
	})
})

var _ = Describe("multi-data descriptor", func() {
	// Mirrors rlp-c: a single action's data draws from three different
	// attribute sources at once (a connection property and two request
	// headers), producing one descriptor with three entries. The rate-limit
	// service is the one that actually enforces the limit; a third call
	// within its window comes back OVER_LIMIT and this module denies it.
	const cfg = `
services:
  rl:
    kind: ratelimit
    endpoint: ratelimit-cluster
    failure_mode: deny
action_sets:
  - name: multi-data
    route_rule_conditions:
      hostnames: ["test.c.rlp.com"]
    actions:
      - service: rl
        scope: limit_to_be_activated
        data:
          - expression:
              key: source_address
              value: source.address
          - expression:
              key: custom_header
              value: request.headers['my-custom-header-01']
          - expression:
              key: user_id
              value: request.headers['x-dyn-user-id']
`

	It("sends all three descriptor entries and denies the third request with 429", func() {
		fake := testhost.New()
		fake.PluginConfiguration = []byte(cfg)
		vm := &rootctx.VMContext{Host: fake}
		p := vm.NewPluginContext(1).(*rootctx.PluginContext)
		status := p.OnPluginStart(len(cfg))
		Expect(status).To(Equal(types.OnPluginStartStatusOK))

		fake.Properties["source.address"] = "50.0.0.1:0"

		issueRequest := func(contextID uint32, code ratelimitv3.RateLimitResponse_Code) {
			fake.DirectResponse = nil
			fake.ReqHeaders = [][2]string{
				{":authority", "test.c.rlp.com"},
				{":path", "/get"},
				{"x-forwarded-for", "50.0.0.1"},
				{"my-custom-header-01", "v"},
				{"x-dyn-user-id", "bob"},
			}
			ctx := p.NewHttpContext(contextID)
			action := ctx.OnHttpRequestHeaders(0, true)
			Expect(action).To(Equal(types.ActionPause))

			token := onlyPending(fake)

			var req ratelimitv3.RateLimitRequest
			Expect(proto.Unmarshal(fake.Pending[token].Message, &req)).To(Succeed())
			Expect(req.GetDomain()).To(Equal("limit_to_be_activated"))
			Expect(req.GetDescriptors()).To(HaveLen(1))
			entries := req.GetDescriptors()[0].GetEntries()
			Expect(entries).To(ConsistOf(
				&ratelimitv3.RateLimitDescriptor_Entry{Key: "source_address", Value: "50.0.0.1:0"},
				&ratelimitv3.RateLimitDescriptor_Entry{Key: "custom_header", Value: "v"},
				&ratelimitv3.RateLimitDescriptor_Entry{Key: "user_id", Value: "bob"},
			))

			resp, err := proto.Marshal(&ratelimitv3.RateLimitResponse{OverallCode: code})
			Expect(err).NotTo(HaveOccurred())
			fake.Respond(token, host.GrpcStatus{}, resp)
		}

		issueRequest(1, ratelimitv3.RateLimitResponse_OK)
		Expect(fake.DirectResponse).To(BeNil())

		issueRequest(2, ratelimitv3.RateLimitResponse_OK)
		Expect(fake.DirectResponse).To(BeNil())

		issueRequest(3, ratelimitv3.RateLimitResponse_OVER_LIMIT)
		Expect(fake.DirectResponse).NotTo(BeNil())
		Expect(fake.DirectResponse.Status).To(BeEquivalentTo(429))
		Expect(fake.Metrics["denied"]).To(BeEquivalentTo(1))
	})
})

var _ = Describe("auth then ratelimit", func() {
	// Mirrors multi: a denied auth check short-circuits before the
	// rate-limit action ever runs; an allowed one carries auth.identity.userid
	// into the rate-limit call's data.
	const cfg = `
services:
  authz:
    kind: auth
    endpoint: authz-cluster
    failure_mode: deny
  rl:
    kind: ratelimit
    endpoint: ratelimit-cluster
    failure_mode: deny
action_sets:
  - name: multi
    route_rule_conditions:
      hostnames: ["test.a.multi.com"]
    actions:
      - service: authz
        scope: default
      - service: rl
        scope: chat-tokens
        data:
          - expression:
              key: user_id
              value: auth.identity.userid
`

	It("denies with 401 when the auth service denies the request", func() {
		ctx, fake := newTransaction(cfg)
		fake.ReqHeaders = [][2]string{{":authority", "test.a.multi.com"}, {":path", "/get"}}

		action := ctx.OnHttpRequestHeaders(0, true)
		Expect(action).To(Equal(types.ActionPause))

		token := onlyPending(fake)
		denied, err := proto.Marshal(&authv3.CheckResponse{
			HttpResponse: &authv3.CheckResponse_DeniedResponse{
				DeniedResponse: &authv3.DeniedHttpResponse{
					Status: &typev3.HttpStatus{Code: typev3.StatusCode_Unauthorized},
				},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		fake.Respond(token, host.GrpcStatus{}, denied)

		Expect(fake.DirectResponse).NotTo(BeNil())
		Expect(fake.DirectResponse.Status).To(BeEquivalentTo(401))
		Expect(fake.Pending).To(BeEmpty(), "the rate-limit action never runs after a denial")
	})

	It("carries the authenticated identity into the rate-limit call", func() {
		ctx, fake := newTransaction(cfg)
		fake.ReqHeaders = [][2]string{
			{":authority", "test.a.multi.com"},
			{":path", "/get"},
			{"authorization", "APIKEY IAMALICE"},
		}

		action := ctx.OnHttpRequestHeaders(0, true)
		Expect(action).To(Equal(types.ActionPause))

		authToken := onlyPending(fake)
		identity, err := structpb.NewStruct(map[string]interface{}{
			"identity": map[string]interface{}{"userid": "alice"},
		})
		Expect(err).NotTo(HaveOccurred())
		okResp, err := proto.Marshal(&authv3.CheckResponse{
			HttpResponse:    &authv3.CheckResponse_OkResponse{OkResponse: &authv3.OkHttpResponse{}},
			DynamicMetadata: identity,
		})
		Expect(err).NotTo(HaveOccurred())
		fake.Respond(authToken, host.GrpcStatus{}, okResp)

		Expect(fake.Pending).To(HaveLen(1), "the rate-limit call should now be in flight")
		rlToken := onlyPending(fake)
		var rlReq ratelimitv3.RateLimitRequest
		Expect(proto.Unmarshal(fake.Pending[rlToken].Message, &rlReq)).To(Succeed())
		Expect(rlReq.GetDescriptors()).To(HaveLen(1))
		rlEntries := rlReq.GetDescriptors()[0].GetEntries()
		Expect(rlEntries).To(HaveLen(1))
		Expect(rlEntries[0].GetKey()).To(Equal("user_id"))
		Expect(rlEntries[0].GetValue()).To(Equal("alice"))

		rlResp, err := proto.Marshal(&ratelimitv3.RateLimitResponse{OverallCode: ratelimitv3.RateLimitResponse_OK})
		Expect(err).NotTo(HaveOccurred())
		fake.Respond(rlToken, host.GrpcStatus{}, rlResp)

		Expect(fake.ResumedRequests).To(Equal(1))
		Expect(fake.Metrics["allowed"]).To(BeEquivalentTo(1))
	})
})

var _ = Describe("unreachable second action, failure_mode deny", func() {
	// Mirrors "unreachable service, failure_mode=deny": the first action
	// succeeds, the second's transport fails outright and its
	// failure_mode=deny turns that into a direct 503.
	const cfg = `
services:
  authz:
    kind: auth
    endpoint: authz-cluster
    failure_mode: deny
  rl:
    kind: ratelimit
    endpoint: unreachable-cluster
    failure_mode: deny
action_sets:
  - name: fail-on-second-action
    route_rule_conditions:
      hostnames: ["fail-on-second-action.example.com"]
    actions:
      - service: authz
        scope: default
      - service: rl
        scope: chat-tokens
        data:
          - static:
              key: k
              value: v
`

	It("short-circuits with a 5xx and counts errors and denials", func() {
		ctx, fake := newTransaction(cfg)
		fake.ReqHeaders = [][2]string{{":authority", "fail-on-second-action.example.com"}, {":path", "/get"}}

		action := ctx.OnHttpRequestHeaders(0, true)
		Expect(action).To(Equal(types.ActionPause))

		authToken := onlyPending(fake)
		okResp, err := proto.Marshal(&authv3.CheckResponse{
			HttpResponse: &authv3.CheckResponse_OkResponse{OkResponse: &authv3.OkHttpResponse{}},
		})
		Expect(err).NotTo(HaveOccurred())
		fake.Respond(authToken, host.GrpcStatus{}, okResp)

		rlToken := onlyPending(fake)
		fake.Respond(rlToken, host.GrpcStatus{Code: 14, Message: "unavailable"}, nil)

		Expect(fake.DirectResponse).NotTo(BeNil())
		Expect(fake.DirectResponse.Status).To(BeEquivalentTo(503))
		Expect(fake.Metrics["errors"]).To(BeEquivalentTo(1))
		Expect(fake.Metrics["denied"]).To(BeEquivalentTo(1))
	})
})

var _ = Describe("response-body report", func() {
	// Mirrors response-body report: the request phase issues a Kuadrant
	// CheckRateLimit, then the response phase reports hits_addend read out
	// of the upstream's JSON body.
	const cfg = `
services:
  rl:
    kind: ratelimit
    endpoint: ratelimit-cluster
    failure_mode: allow
action_sets:
  - name: reported
    route_rule_conditions:
      hostnames: ["*.example.com"]
    actions:
      - service: rl
        check_scope: chat-tokens-check
        report_scope: chat-tokens-report
        report_data: responseBodyJSON("/usage/total_tokens")
        data:
          - static:
              key: user
              value: bob
`

	It("checks on request and reports the observed token usage on response", func() {
		ctx, fake := newTransaction(cfg)
		fake.ReqHeaders = [][2]string{{":authority", "api.example.com"}, {":path", "/chat"}}

		action := ctx.OnHttpRequestHeaders(0, true)
		Expect(action).To(Equal(types.ActionPause))

		checkToken := onlyPending(fake)
		checkResp := (&kuadrantpb.CheckRateLimitResponse{OverallCode: kuadrantpb.ResponseCodeOK}).Marshal()
		fake.Respond(checkToken, host.GrpcStatus{}, checkResp)

		Expect(fake.ResumedRequests).To(Equal(1))
		Expect(fake.Pending).To(BeEmpty(), "nothing more to do until the response body arrives")

		fake.RespHeaders = [][2]string{{":status", "200"}}
		headersAction := ctx.OnHttpResponseHeaders(0, false)
		Expect(headersAction).To(Equal(types.ActionContinue))

		fake.RespBody = []byte(`{"usage":{"total_tokens":24}}`)
		bodyAction := ctx.OnHttpResponseBody(len(fake.RespBody), true)
		Expect(bodyAction).To(Equal(types.ActionPause))

		reportToken := onlyPending(fake)
		Expect(fake.Pending[reportToken].Message).To(Equal((&kuadrantpb.ReportRequest{
			Domain:      "chat-tokens-report",
			Descriptors: []kuadrantpb.RateLimitDescriptor{{}},
			HitsAddend:  24,
		}).Marshal()))
		reportResp := (&kuadrantpb.ReportResponse{OverallCode: kuadrantpb.ResponseCodeOK}).Marshal()
		fake.Respond(reportToken, host.GrpcStatus{}, reportResp)

		Expect(fake.ResumedResponses).To(Equal(1))
		Expect(fake.DirectResponse).To(BeNil())
	})
})
