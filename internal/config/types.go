// Package config defines the shape of the plugin configuration document
// and decodes it from the bytes the host hands to on_configure.
package config

// FailureMode selects how a service's transport failures are handled.
type FailureMode string

const (
	// FailureModeDeny short-circuits the request with a 5xx response.
	FailureModeDeny FailureMode = "deny"
	// FailureModeAllow lets the pipeline advance as if the action had not run.
	FailureModeAllow FailureMode = "allow"
)

// ServiceKind distinguishes the two classes of out-of-band policy service.
type ServiceKind string

const (
	ServiceKindAuth      ServiceKind = "auth"
	ServiceKindRateLimit ServiceKind = "ratelimit"
)

// Service describes one named out-of-band policy service.
type Service struct {
	Kind        ServiceKind `json:"kind"`
	Endpoint    string      `json:"endpoint"`
	FailureMode FailureMode `json:"failure_mode"`
	// TimeoutMillis bounds the gRPC call the host dispatches on our behalf.
	TimeoutMillis uint32 `json:"timeout_ms"`
}

// Observability carries the optional operational knobs.
type Observability struct {
	// HeaderIdentifier names a request header for correlating a decision
	// across services. It is decoded with the configuration, but no log line
	// or counter reads it.
	HeaderIdentifier string `json:"header_identifier,omitempty"`
	// DefaultLogLevel gates the zap level enabler wrapping the host log hostcall.
	// One of trace, debug, info, warn, error, critical. Empty means "info".
	DefaultLogLevel string `json:"default_log_level,omitempty"`
	// TracingService names a tracing service. It is decoded with the
	// configuration, but dispatched gRPC calls carry no initial metadata
	// derived from it, and this module does not implement a tracer itself.
	TracingService string `json:"tracing_service,omitempty"`
}

// PluginConfig is the top-level, immutable-after-load configuration document.
type PluginConfig struct {
	Services      map[string]Service `json:"services"`
	ActionSets    []ActionSet        `json:"action_sets"`
	Observability *Observability     `json:"observability,omitempty"`
}

// RouteRuleConditions gates an ActionSet by hostname and route-level predicates.
type RouteRuleConditions struct {
	// Hostnames is a list of literal or wildcard hostname patterns.
	// An empty list matches any host.
	Hostnames  []string `json:"hostnames,omitempty"`
	Predicates []string `json:"predicates,omitempty"`
}

// ActionSet is a named, hostname-gated, ordered sequence of Actions.
type ActionSet struct {
	Name                string              `json:"name"`
	RouteRuleConditions RouteRuleConditions `json:"route_rule_conditions"`
	Actions             []Action            `json:"actions"`
}

// ConditionalDataBlock emits its Data entries only when all of its Predicates
// evaluate true.
type ConditionalDataBlock struct {
	Predicates []string   `json:"predicates,omitempty"`
	Data       []DataItem `json:"data"`
}

// Action is a single gRPC call specification: its target service, an opaque
// scope string, gating predicates, and the data it sends.
//
// CheckScope/ReportScope are only meaningful when Service names a ratelimit
// service that is configured for the Kuadrant check-and-report extension;
// Scope is used for every other action kind.
type Action struct {
	Service         string                  `json:"service"`
	Scope           string                  `json:"scope,omitempty"`
	CheckScope      string                  `json:"check_scope,omitempty"`
	ReportScope     string                  `json:"report_scope,omitempty"`
	ReportData      *Expression             `json:"report_data,omitempty"`
	Predicates      []string                `json:"predicates,omitempty"`
	ConditionalData []ConditionalDataBlock  `json:"conditional_data,omitempty"`
	Data            []DataItem              `json:"data,omitempty"`
}

// Expression is a single CEL expression string.
type Expression string

// DataItem is either a static key/value pair or a CEL-computed one. Exactly
// one of Expression or Static must be set; the decoder enforces this.
type DataItem struct {
	Expression *KeyExpr   `json:"expression,omitempty"`
	Static     *KeyStatic `json:"static,omitempty"`
}

type KeyExpr struct {
	Key   string     `json:"key"`
	Value Expression `json:"value"`
}

type KeyStatic struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
