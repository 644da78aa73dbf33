// Package ratelimitclient builds rate-limit service requests from executor
// state and decodes responses: the standard
// envoy.service.ratelimit.v3.RateLimitService/ShouldRateLimit RPC, and the
// Kuadrant check-and-report extension's CheckRateLimit/Report RPCs.
package ratelimitclient

import (
	"fmt"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"google.golang.org/protobuf/proto"

	"github.com/kuadrant/wasm-policy-shim/internal/kuadrantpb"
)

// Standard RPC identity.
const (
	ServiceName          = "envoy.service.ratelimit.v3.RateLimitService"
	MethodShouldRateLimit = "ShouldRateLimit"
)

// Kuadrant extension RPC identity.
const (
	KuadrantServiceName    = "kuadrant.service.ratelimit.v1.RateLimitService"
	MethodCheckRateLimit   = "CheckRateLimit"
	MethodReport           = "Report"
)

// Descriptor is one data-item-produced key/value pair for a single
// descriptor entry set.
type Descriptor struct {
	Key   string
	Value string
}

// BuildShouldRateLimitRequest builds and serializes the standard
// RateLimitRequest: {domain: scope, descriptors: [{entries: data}], hits_addend: 1}.
func BuildShouldRateLimitRequest(scope string, descriptors []Descriptor) ([]byte, error) {
	entries := make([]*ratelimitv3.RateLimitDescriptor_Entry, 0, len(descriptors))
	for _, d := range descriptors {
		entries = append(entries, &ratelimitv3.RateLimitDescriptor_Entry{Key: d.Key, Value: d.Value})
	}
	req := &ratelimitv3.RateLimitRequest{
		Domain: scope,
		Descriptors: []*ratelimitv3.RateLimitDescriptor{
			{Entries: entries},
		},
		HitsAddend: 1,
	}
	b, err := proto.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ratelimitclient: encode RateLimitRequest: %w", err)
	}
	return b, nil
}

// Outcome is the decoded, executor-facing form of a RateLimitResponse.
type Outcome struct {
	OverLimit        bool
	ResponseHeaders  [][2]string
	DynamicMetadata  map[string]any
}

// ParseShouldRateLimitResponse decodes a RateLimitResponse: OVER_LIMIT
// short-circuits 429, OK continues.
func ParseShouldRateLimitResponse(raw []byte) (*Outcome, error) {
	var resp ratelimitv3.RateLimitResponse
	if err := proto.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("ratelimitclient: decode RateLimitResponse: %w", err)
	}
	out := &Outcome{OverLimit: resp.GetOverallCode() == ratelimitv3.RateLimitResponse_OVER_LIMIT}
	for _, h := range resp.GetResponseHeadersToAdd() {
		out.ResponseHeaders = append(out.ResponseHeaders, [2]string{h.GetHeader().GetKey(), h.GetHeader().GetValue()})
	}
	if resp.GetDynamicMetadata() != nil {
		out.DynamicMetadata = resp.GetDynamicMetadata().AsMap()
	}
	return out, nil
}

// BuildCheckRateLimitRequest builds the Kuadrant extension's check call:
// hits_addend is always 1.
func BuildCheckRateLimitRequest(checkScope string, descriptors []Descriptor) []byte {
	req := &kuadrantpb.CheckRateLimitRequest{
		Domain:      checkScope,
		Descriptors: []kuadrantpb.RateLimitDescriptor{{Entries: toKuadrantEntries(descriptors)}},
		HitsAddend:  1,
	}
	return req.Marshal()
}

// ParseCheckRateLimitResponse decodes the Kuadrant extension's check response.
func ParseCheckRateLimitResponse(raw []byte) (*Outcome, error) {
	resp, err := kuadrantpb.UnmarshalCheckRateLimitResponse(raw)
	if err != nil {
		return nil, err
	}
	out := &Outcome{OverLimit: resp.OverallCode == kuadrantpb.ResponseCodeOverLimit}
	for _, e := range resp.ResponseHeadersToAdd {
		out.ResponseHeaders = append(out.ResponseHeaders, [2]string{e.Key, e.Value})
	}
	return out, nil
}

// BuildReportRequest builds the Kuadrant extension's report call: hitsAddend
// is the coerced value of the action's report_data expression (typically
// total_tokens).
func BuildReportRequest(reportScope string, descriptors []Descriptor, hitsAddend uint32) []byte {
	req := &kuadrantpb.ReportRequest{
		Domain:      reportScope,
		Descriptors: []kuadrantpb.RateLimitDescriptor{{Entries: toKuadrantEntries(descriptors)}},
		HitsAddend:  hitsAddend,
	}
	return req.Marshal()
}

// ParseReportResponse decodes the Kuadrant extension's report response. A
// Report call never short-circuits the request; the executor
// only needs to know the call completed.
func ParseReportResponse(raw []byte) error {
	_, err := kuadrantpb.UnmarshalReportResponse(raw)
	return err
}

func toKuadrantEntries(descriptors []Descriptor) []kuadrantpb.RateLimitDescriptorEntry {
	out := make([]kuadrantpb.RateLimitDescriptorEntry, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, kuadrantpb.RateLimitDescriptorEntry{Key: d.Key, Value: d.Value})
	}
	return out
}
