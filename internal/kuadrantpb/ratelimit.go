// Package kuadrantpb implements the wire messages for the Kuadrant
// check-and-report rate-limit extension:
// kuadrant.service.ratelimit.v1.RateLimitService's CheckRateLimit and Report
// RPCs. No published Go package exists for this Kuadrant-specific extension,
// so these are hand-written, wire-compatible with the descriptor shape
// envoy.service.ratelimit.v3 already uses (same domain/descriptors/entries
// layout plus hits_addend) and marshaled with the real protobuf wire-format
// encoder (google.golang.org/protobuf/encoding/protowire) rather than a
// fabricated dependency or a vendored fake.
package kuadrantpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RateLimitDescriptorEntry mirrors
// envoy.service.ratelimit.v3.RateLimitDescriptor_Entry field for field.
type RateLimitDescriptorEntry struct {
	Key   string
	Value string
}

// RateLimitDescriptor is one descriptor: a set of entries the rate-limit
// service matches against its configured limits.
type RateLimitDescriptor struct {
	Entries []RateLimitDescriptorEntry
}

// CheckRateLimitRequest is the request message for CheckRateLimit.
type CheckRateLimitRequest struct {
	Domain      string
	Descriptors []RateLimitDescriptor
	HitsAddend  uint32
}

// ReportRequest is the request message for Report: same shape as
// CheckRateLimitRequest, kept as a distinct type since the two RPCs are
// semantically different calls (check may or may not increment the
// counter a second time; report always does).
type ReportRequest struct {
	Domain      string
	Descriptors []RateLimitDescriptor
	HitsAddend  uint32
}

// ResponseCode mirrors envoy.service.ratelimit.v3.RateLimitResponse_Code.
type ResponseCode int32

const (
	ResponseCodeUnknown   ResponseCode = 0
	ResponseCodeOK        ResponseCode = 1
	ResponseCodeOverLimit ResponseCode = 2
)

// CheckRateLimitResponse is the response message for CheckRateLimit.
type CheckRateLimitResponse struct {
	OverallCode          ResponseCode
	ResponseHeadersToAdd []RateLimitDescriptorEntry
}

// ReportResponse is the response message for Report. A Report call never
// short-circuits the request, so the executor only checks that the response
// decodes; the decoded overall code is not used.
type ReportResponse struct {
	OverallCode ResponseCode
}

const (
	fieldDomain      protowire.Number = 1
	fieldDescriptors protowire.Number = 2
	fieldHitsAddend  protowire.Number = 3

	fieldDescriptorEntries protowire.Number = 1
	fieldEntryKey          protowire.Number = 1
	fieldEntryValue        protowire.Number = 2

	fieldOverallCode          protowire.Number = 1
	fieldResponseHeadersToAdd protowire.Number = 2
)

// Marshal encodes req onto the wire.
func (req *CheckRateLimitRequest) Marshal() []byte {
	return marshalRequest(req.Domain, req.Descriptors, req.HitsAddend)
}

// Marshal encodes req onto the wire.
func (req *ReportRequest) Marshal() []byte {
	return marshalRequest(req.Domain, req.Descriptors, req.HitsAddend)
}

func marshalRequest(domain string, descriptors []RateLimitDescriptor, hitsAddend uint32) []byte {
	var b []byte
	b = appendStringField(b, fieldDomain, domain)
	for _, d := range descriptors {
		b = appendBytesField(b, fieldDescriptors, marshalDescriptor(d))
	}
	b = appendVarintField(b, fieldHitsAddend, uint64(hitsAddend))
	return b
}

func marshalDescriptor(d RateLimitDescriptor) []byte {
	var b []byte
	for _, e := range d.Entries {
		b = appendBytesField(b, fieldDescriptorEntries, marshalEntry(e))
	}
	return b
}

func marshalEntry(e RateLimitDescriptorEntry) []byte {
	var b []byte
	b = appendStringField(b, fieldEntryKey, e.Key)
	b = appendStringField(b, fieldEntryValue, e.Value)
	return b
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Marshal encodes resp onto the wire.
func (resp *CheckRateLimitResponse) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, fieldOverallCode, uint64(resp.OverallCode))
	for _, e := range resp.ResponseHeadersToAdd {
		b = appendBytesField(b, fieldResponseHeadersToAdd, marshalEntry(e))
	}
	return b
}

// Marshal encodes resp onto the wire.
func (resp *ReportResponse) Marshal() []byte {
	return appendVarintField(nil, fieldOverallCode, uint64(resp.OverallCode))
}

// UnmarshalCheckRateLimitResponse decodes a CheckRateLimitResponse.
func UnmarshalCheckRateLimitResponse(b []byte) (*CheckRateLimitResponse, error) {
	resp := &CheckRateLimitResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("kuadrantpb: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldOverallCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("kuadrantpb: bad overall_code: %w", protowire.ParseError(n))
			}
			resp.OverallCode = ResponseCode(v)
			b = b[n:]
		case fieldResponseHeadersToAdd:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("kuadrantpb: bad header entry: %w", protowire.ParseError(n))
			}
			entry, err := unmarshalEntry(v)
			if err != nil {
				return nil, err
			}
			resp.ResponseHeadersToAdd = append(resp.ResponseHeadersToAdd, entry)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("kuadrantpb: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return resp, nil
}

// UnmarshalReportResponse decodes a ReportResponse.
func UnmarshalReportResponse(b []byte) (*ReportResponse, error) {
	resp := &ReportResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("kuadrantpb: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldOverallCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("kuadrantpb: bad overall_code: %w", protowire.ParseError(n))
			}
			resp.OverallCode = ResponseCode(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("kuadrantpb: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return resp, nil
}

func unmarshalEntry(b []byte) (RateLimitDescriptorEntry, error) {
	var e RateLimitDescriptorEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("kuadrantpb: bad entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldEntryKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("kuadrantpb: bad entry key: %w", protowire.ParseError(n))
			}
			e.Key = string(v)
			b = b[n:]
		case fieldEntryValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("kuadrantpb: bad entry value: %w", protowire.ParseError(n))
			}
			e.Value = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("kuadrantpb: bad entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
