// Package attrs implements the concrete attribute universe the policy
// engine's CEL expressions evaluate against: a cel.Resolver backed by
// internal/host.Host for request, response, connection and
// dynamic-metadata attributes, plus per-request State accumulating
// auth.* and ratelimit.* from service responses.
package attrs

import (
	"strings"

	celattr "github.com/kuadrant/wasm-policy-shim/internal/cel"
	"github.com/kuadrant/wasm-policy-shim/internal/host"
)

// State is the part of the attribute universe that isn't host-backed: it
// accumulates across the pipeline as service responses arrive (the
// auth.* and ratelimit.* attribute rows, and the auth_context they feed).
type State struct {
	Auth      map[string]any
	Ratelimit map[string]any
}

// NewState returns an empty per-request State.
func NewState() *State {
	return &State{Auth: map[string]any{}, Ratelimit: map[string]any{}}
}

// RecordAuthMetadata flattens a CheckResponse's dynamic_metadata fields
// (a protobuf Struct decoded to map[string]any) into dotted auth.* keys.
// Existing keys are never overwritten: action effects apply in pipeline
// order and the executor enforces write-once by calling this once per
// Check response, but the flattener itself stays defensive.
func (s *State) RecordAuthMetadata(fields map[string]any) {
	flattenInto(s.Auth, "", fields)
}

// RecordRatelimitMetadata flattens a RateLimitResponse's headers/metadata
// into dotted ratelimit.* keys, populated on allow.
func (s *State) RecordRatelimitMetadata(fields map[string]any) {
	flattenInto(s.Ratelimit, "", fields)
}

func flattenInto(dst map[string]any, prefix string, v any) {
	if m, ok := v.(map[string]any); ok {
		for k, child := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(dst, key, child)
		}
		return
	}
	if prefix == "" {
		return
	}
	if _, exists := dst[prefix]; exists {
		return
	}
	dst[prefix] = v
}

// metadataLookupDepth bounds how many extra segments under
// metadata.filter_metadata.<filter> are treated as a non-terminal container
// before the path is reported missing; dynamic metadata in practice nests
// at most a few levels deep.
const metadataLookupDepth = 8

// Resolver implements internal/cel.Resolver against a live Host and the
// per-request State.
type Resolver struct {
	Host  host.Host
	State *State
}

var _ celattr.Resolver = (*Resolver)(nil)

// Resolve implements internal/cel.Resolver, dispatching each attribute
// root to its source: host-backed properties, request/response headers,
// or the per-request auth/ratelimit state.
func (r *Resolver) Resolve(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	switch path[0] {
	case "auth":
		return resolveFlat(r.State.Auth, path[1:])
	case "ratelimit":
		return resolveFlat(r.State.Ratelimit, path[1:])
	case "request":
		return r.resolveHTTP(path[1:], true)
	case "response":
		return r.resolveHTTP(path[1:], false)
	case "source", "destination", "connection":
		return r.resolveProperty(path)
	case "metadata":
		return r.resolveMetadata(path[1:])
	default:
		return nil, true
	}
}

func resolveFlat(m map[string]any, rest []string) (any, bool) {
	if len(rest) == 0 {
		return nil, false // the bare root is a container
	}
	key := strings.Join(rest, ".")
	if v, ok := m[key]; ok {
		return v, true
	}
	prefix := key + "."
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			return nil, false
		}
	}
	return nil, true
}

func (r *Resolver) resolveHTTP(rest []string, isRequest bool) (any, bool) {
	if len(rest) == 0 {
		return nil, false // "request"/"response" alone is a container
	}
	if rest[0] == "headers" {
		if len(rest) == 1 {
			return nil, false // "request.headers" alone is a container
		}
		name := strings.Join(rest[1:], ".")
		var v string
		var ok bool
		if isRequest {
			v, ok = r.Host.GetHttpRequestHeader(name)
		} else {
			v, ok = r.Host.GetHttpResponseHeader(name)
		}
		if !ok {
			return nil, true
		}
		return v, true
	}

	full := append([]string{rootName(isRequest)}, rest...)
	return r.resolveProperty(full)
}

func rootName(isRequest bool) string {
	if isRequest {
		return "request"
	}
	return "response"
}

// resolveProperty handles the flat, single-level host attributes under
// request/response/source/destination/connection that aren't headers
// (path, url_path, host, method, scheme, remote_address, address, port,
// and similar). A GetProperty miss at this depth is treated as terminal:
// these roots don't nest deeper than one or two segments in practice.
func (r *Resolver) resolveProperty(path []string) (any, bool) {
	if len(path) < 2 {
		return nil, false
	}
	raw, ok, err := r.Host.GetProperty(path)
	if err != nil || !ok {
		return nil, true
	}
	return string(raw), true
}

func (r *Resolver) resolveMetadata(rest []string) (any, bool) {
	if len(rest) == 0 {
		return nil, false // "metadata" alone is a container
	}
	if rest[0] != "filter_metadata" {
		return nil, true // no other metadata namespace is modeled
	}
	if len(rest) < 3 {
		return nil, false // need at least a filter name and one key
	}
	full := append([]string{"metadata"}, rest...)
	raw, ok, err := r.Host.GetProperty(full)
	if err == nil && ok {
		return string(raw), true
	}
	if len(rest) >= metadataLookupDepth {
		return nil, true
	}
	return nil, false
}
