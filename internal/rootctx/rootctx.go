// Package rootctx implements the VM and plugin Proxy-Wasm contexts: loading
// and compiling the configuration document on_configure hands us, building
// the hostname index over compiled action sets, and handing each new HTTP
// transaction a freshly-bound executor.
package rootctx

import (
	"fmt"

	celgo "github.com/google/cel-go/cel"
	"github.com/go-logr/logr"
	"github.com/mitchellh/hashstructure"
	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm/types"

	"github.com/kuadrant/wasm-policy-shim/internal/compile"
	"github.com/kuadrant/wasm-policy-shim/internal/config"
	"github.com/kuadrant/wasm-policy-shim/internal/executor"
	"github.com/kuadrant/wasm-policy-shim/internal/host"
	"github.com/kuadrant/wasm-policy-shim/internal/hostname"
	"github.com/kuadrant/wasm-policy-shim/internal/httpctx"
	"github.com/kuadrant/wasm-policy-shim/internal/metrics"
	"github.com/kuadrant/wasm-policy-shim/internal/wasmlog"
)

// VMContext is the single root context for the lifetime of the Wasm VM.
type VMContext struct {
	types.DefaultVMContext
	Host host.Host
}

var _ types.VMContext = (*VMContext)(nil)

// NewPluginContext builds the per-configuration plugin context. A Wasm VM
// can host more than one configured filter instance (e.g. one per Envoy
// listener filter chain); each gets its own PluginContext and its own
// compiled configuration.
func (v *VMContext) NewPluginContext(contextID uint32) types.PluginContext {
	h := v.Host
	if h == nil {
		h = host.ProxyWasm{}
	}
	return &PluginContext{Host: h}
}

// PluginContext owns one loaded configuration: the compiled action sets, the
// hostname index over them, the counters defined for this VM, and the
// logger gated by the configured log level.
type PluginContext struct {
	types.DefaultPluginContext

	Host host.Host

	Compiled *compile.Compiled
	Index    *hostname.Index
	Metrics  *metrics.Counters
	Log      logr.Logger

	configHash uint64
}

var (
	_ types.PluginContext = (*PluginContext)(nil)
	_ httpctx.Plugin      = (*PluginContext)(nil)
)

// OnPluginStart decodes, validates and compiles the configuration document.
// A configuration that hashes identically to the one already loaded is a
// no-op: hosts can re-deliver on_configure with an unchanged document on
// unrelated listener updates.
func (p *PluginContext) OnPluginStart(pluginConfigurationSize int) types.OnPluginStartStatus {
	raw, err := p.Host.GetPluginConfiguration()
	if err != nil {
		p.logStartupError("read plugin configuration", err)
		return types.OnPluginStartStatusFailed
	}

	cfg, err := config.Decode(raw)
	if err != nil {
		p.logStartupError("decode plugin configuration", err)
		return types.OnPluginStartStatusFailed
	}

	hash, err := hashstructure.Hash(cfg, hashstructure.FormatV2, nil)
	if err != nil {
		p.logStartupError("hash plugin configuration", err)
		return types.OnPluginStartStatusFailed
	}
	if p.Compiled != nil && hash == p.configHash {
		p.Log.V(1).Info("configuration unchanged, keeping compiled action sets")
		return types.OnPluginStartStatusOK
	}

	compiled, err := compile.Config(cfg)
	if err != nil {
		p.logStartupError("compile plugin configuration", err)
		return types.OnPluginStartStatusFailed
	}

	idx := hostname.New()
	for _, as := range compiled.ActionSets {
		insertActionSet(idx, as)
	}

	logLevel := ""
	if cfg.Observability != nil {
		logLevel = cfg.Observability.DefaultLogLevel
	}
	log := wasmlog.New(p.Host, logLevel)

	m, err := metrics.New(p.Host)
	if err != nil {
		p.logStartupError("define counter metrics", err)
		return types.OnPluginStartStatusFailed
	}

	p.Compiled = compiled
	p.Index = idx
	p.Metrics = m
	p.Log = log
	p.configHash = hash
	m.IncConfigs()
	log.Info("configuration loaded", "action_sets", len(compiled.ActionSets))
	return types.OnPluginStartStatusOK
}

func (p *PluginContext) logStartupError(step string, err error) {
	msg := fmt.Sprintf("%s: %v", step, err)
	p.Host.Log(host.LogLevelError, msg)
}

// insertActionSet registers as under every hostname pattern its
// RouteRuleConditions names, or under "any host" if none are given.
func insertActionSet(idx *hostname.Index, as *compile.RuntimeActionSet) {
	if len(as.Hostnames) == 0 {
		idx.Insert("", as)
		return
	}
	for _, h := range as.Hostnames {
		idx.Insert(h, as)
	}
}

// NewHttpContext hands the new transaction a fresh httpctx.HttpContext wired
// to this plugin; the pipeline itself isn't bound until the first
// request-headers callback resolves the request's hostname.
func (p *PluginContext) NewHttpContext(contextID uint32) types.HttpContext {
	return httpctx.New(p)
}

// PluginHost, PluginMetrics and CelEnv satisfy httpctx.Plugin without
// colliding with the Host/Metrics field names above.
func (p *PluginContext) PluginHost() host.Host            { return p.Host }
func (p *PluginContext) PluginMetrics() *metrics.Counters { return p.Metrics }
func (p *PluginContext) CelEnv() *celgo.Env               { return p.Compiled.Env }

// ResolveHostname returns the ordered RuntimeActionSets whose hostname
// patterns accept hostname. Route predicates are not evaluated here; the
// caller (httpctx) filters on them.
func (p *PluginContext) ResolveHostname(hostnameValue string) []*compile.RuntimeActionSet {
	raw := p.Index.Lookup(hostnameValue)
	out := make([]*compile.RuntimeActionSet, 0, len(raw))
	for _, v := range raw {
		as, ok := v.(*compile.RuntimeActionSet)
		if !ok {
			continue
		}
		out = append(out, as)
	}
	return out
}

// NewExecutor builds the executor for one matched hostname.
func (p *PluginContext) NewExecutor(matched []*compile.RuntimeActionSet) *executor.Executor {
	return executor.New(p.Compiled.Env, matched, p.Host, p.Metrics, p.Log)
}
