// Package authclient builds envoy.service.auth.v3.Authorization/Check
// requests from executor state and decodes responses. Wire
// messages are the real envoyproxy/go-control-plane generated types,
// serialized with google.golang.org/protobuf/proto for bit-exact
// compatibility with the published Envoy schema.
package authclient

import (
	"fmt"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ServiceName and MethodName identify the gRPC method dispatched via the
// host's gRPC-call hostcall.
const (
	ServiceName = "envoy.service.auth.v3.Authorization"
	MethodName  = "Check"
)

// RequestContext carries the per-request HTTP attributes a Check call's
// AttributeContext is built from.
type RequestContext struct {
	Method             string
	Path               string
	Host               string
	Scheme             string
	Headers            [][2]string
	SourceAddress      string
	SourcePort         uint32
	DestinationAddress string
	DestinationPort    uint32
	// ContextExtensions carries an AuthAction's evaluated `data` items: the
	// config shape documents `data` generically on Action, and AttributeContext
	// already has a context_extensions map for exactly this purpose, so an
	// AuthAction's data items are forwarded there rather than discarded.
	ContextExtensions map[string]string
}

// BuildCheckRequest builds and serializes a CheckRequest.
func BuildCheckRequest(rc RequestContext, now time.Time) ([]byte, error) {
	headers := make(map[string]string, len(rc.Headers))
	for _, kv := range rc.Headers {
		headers[kv[0]] = kv[1]
	}

	req := &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Request: &authv3.AttributeContext_Request{
				Time: timestamppb.New(now),
				Http: &authv3.AttributeContext_HttpRequest{
					Method:  rc.Method,
					Path:    rc.Path,
					Host:    rc.Host,
					Scheme:  rc.Scheme,
					Headers: headers,
				},
			},
			Source:            peer(rc.SourceAddress, rc.SourcePort),
			Destination:       peer(rc.DestinationAddress, rc.DestinationPort),
			ContextExtensions: rc.ContextExtensions,
		},
	}
	b, err := proto.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("authclient: encode CheckRequest: %w", err)
	}
	return b, nil
}

func peer(address string, port uint32) *authv3.AttributeContext_Peer {
	if address == "" {
		return nil
	}
	return &authv3.AttributeContext_Peer{
		Address: &corev3.Address{
			Address: &corev3.Address_SocketAddress{
				SocketAddress: &corev3.SocketAddress{
					Address:       address,
					PortSpecifier: &corev3.SocketAddress_PortValue{PortValue: port},
				},
			},
		},
	}
}

// CheckOutcome is the decoded, executor-facing form of a CheckResponse.
type CheckOutcome struct {
	Allowed          bool
	DeniedStatusCode uint32
	DeniedHeaders    [][2]string
	DeniedBody       string
	HeadersToAdd     [][2]string
	HeadersToRemove  []string
	// DynamicMetadata is the decoded google.protobuf.Struct, flattened by
	// internal/attrs.State.RecordAuthMetadata into auth.* attribute keys.
	DynamicMetadata map[string]any
}

// ParseCheckResponse decodes a CheckResponse
// merges into executor state and continues the pipeline; DeniedHttpResponse
// short-circuits with its status/headers/body).
func ParseCheckResponse(raw []byte) (*CheckOutcome, error) {
	var resp authv3.CheckResponse
	if err := proto.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("authclient: decode CheckResponse: %w", err)
	}

	out := &CheckOutcome{}
	if resp.GetDynamicMetadata() != nil {
		out.DynamicMetadata = resp.GetDynamicMetadata().AsMap()
	}

	switch r := resp.GetHttpResponse().(type) {
	case *authv3.CheckResponse_OkResponse:
		out.Allowed = true
		if r.OkResponse != nil {
			for _, h := range r.OkResponse.GetHeaders() {
				out.HeadersToAdd = append(out.HeadersToAdd, [2]string{h.GetHeader().GetKey(), h.GetHeader().GetValue()})
			}
			out.HeadersToRemove = r.OkResponse.GetHeadersToRemove()
		}
	case *authv3.CheckResponse_DeniedResponse:
		out.Allowed = false
		out.DeniedStatusCode = 403
		if r.DeniedResponse != nil {
			if r.DeniedResponse.GetStatus() != nil {
				out.DeniedStatusCode = uint32(r.DeniedResponse.GetStatus().GetCode())
			}
			out.DeniedBody = r.DeniedResponse.GetBody()
			for _, h := range r.DeniedResponse.GetHeaders() {
				out.DeniedHeaders = append(out.DeniedHeaders, [2]string{h.GetHeader().GetKey(), h.GetHeader().GetValue()})
			}
		}
	default:
		// No typed HttpResponse: fall back to the gRPC status field.
		out.Allowed = resp.GetStatus() == nil || resp.GetStatus().GetCode() == 0
		if !out.Allowed {
			out.DeniedStatusCode = 403
		}
	}
	return out, nil
}
