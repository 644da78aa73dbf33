package ratelimitclient

import (
	"testing"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/kuadrant/wasm-policy-shim/internal/kuadrantpb"
)

func TestBuildShouldRateLimitRequestRoundTrips(t *testing.T) {
	b, err := BuildShouldRateLimitRequest("chat-tokens", []Descriptor{{Key: "user", Value: "bob"}})
	require.NoError(t, err)

	var decoded ratelimitv3.RateLimitRequest
	require.NoError(t, proto.Unmarshal(b, &decoded))
	assert.Equal(t, "chat-tokens", decoded.GetDomain())
	require.Len(t, decoded.GetDescriptors(), 1)
	assert.Equal(t, "user", decoded.GetDescriptors()[0].GetEntries()[0].GetKey())
	assert.Equal(t, uint32(1), decoded.GetHitsAddend())
}

func TestParseShouldRateLimitResponseOverLimit(t *testing.T) {
	resp := &ratelimitv3.RateLimitResponse{OverallCode: ratelimitv3.RateLimitResponse_OVER_LIMIT}
	b, err := proto.Marshal(resp)
	require.NoError(t, err)

	out, err := ParseShouldRateLimitResponse(b)
	require.NoError(t, err)
	assert.True(t, out.OverLimit)
}

func TestCheckAndReportRequestsCarryDistinctScopes(t *testing.T) {
	checkBytes := BuildCheckRateLimitRequest("check-scope", []Descriptor{{Key: "user", Value: "bob"}})
	reportBytes := BuildReportRequest("report-scope", []Descriptor{{Key: "user", Value: "bob"}}, 24)
	assert.NotEqual(t, checkBytes, reportBytes)
}

func TestBuildCheckRateLimitRequestIsWiredToKuadrantpb(t *testing.T) {
	wire := BuildCheckRateLimitRequest("d", nil)
	want := (&kuadrantpb.CheckRateLimitRequest{Domain: "d", Descriptors: []kuadrantpb.RateLimitDescriptor{{}}, HitsAddend: 1}).Marshal()
	assert.Equal(t, want, wire)
}
