package compile

import (
	"fmt"

	celgo "github.com/google/cel-go/cel"

	kcel "github.com/kuadrant/wasm-policy-shim/internal/cel"
	"github.com/kuadrant/wasm-policy-shim/internal/config"
)

// Config compiles a whole PluginConfig into its runtime form. It builds one
// CEL environment for the lifetime of this configuration load and reuses
// it to compile every action set's expressions.
func Config(cfg *config.PluginConfig) (*Compiled, error) {
	env, err := kcel.NewEnv()
	if err != nil {
		return nil, err
	}

	sets := make([]*RuntimeActionSet, 0, len(cfg.ActionSets))
	for _, as := range cfg.ActionSets {
		rs, err := actionSet(env, cfg.Services, as)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}

	return &Compiled{Env: env, ActionSets: sets}, nil
}

func actionSet(env *celgo.Env, services map[string]config.Service, as config.ActionSet) (*RuntimeActionSet, error) {
	routePredicates, err := compileExprs(env, as.RouteRuleConditions.Predicates)
	if err != nil {
		return nil, fmt.Errorf("compile: action set %q: route predicate: %w", as.Name, err)
	}

	var actions []*RuntimeAction
	for i, a := range as.Actions {
		svc, ok := services[a.Service]
		if !ok {
			return nil, fmt.Errorf("compile: action set %q action %d: service %q is not defined", as.Name, i, a.Service)
		}
		compiled, err := action(env, svc, a)
		if err != nil {
			return nil, fmt.Errorf("compile: action set %q action %d: %w", as.Name, i, err)
		}
		actions = append(actions, compiled...)
	}

	return &RuntimeActionSet{
		Name:            as.Name,
		Hostnames:       as.RouteRuleConditions.Hostnames,
		RoutePredicates: routePredicates,
		Actions:         actions,
	}, nil
}

// action compiles one config.Action into one or two RuntimeActions,
// depending on whether its target service is an auth service, a plain
// rate-limit service, or a rate-limit service used in the Kuadrant
// check-and-report style (ReportScope or ReportData set).
func action(env *celgo.Env, svc config.Service, a config.Action) ([]*RuntimeAction, error) {
	predicates, err := compileExprs(env, a.Predicates)
	if err != nil {
		return nil, fmt.Errorf("predicate: %w", err)
	}
	data, err := compileDataItems(env, a.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	condData, err := compileConditionalData(env, a.ConditionalData)
	if err != nil {
		return nil, fmt.Errorf("conditional_data: %w", err)
	}

	switch svc.Kind {
	case config.ServiceKindAuth:
		phase := detectPhase(collectSources(predicates, data, condData, nil))
		return []*RuntimeAction{{
			Kind:            ActionKindAuthCheck,
			Service:         a.Service,
			ServiceSpec:     svc,
			Scope:           a.Scope,
			Predicates:      predicates,
			Data:            data,
			ConditionalData: condData,
			Phase:           phase,
		}}, nil

	case config.ServiceKindRateLimit:
		if a.ReportScope != "" || a.ReportData != nil {
			if a.ReportData == nil {
				return nil, fmt.Errorf("report_scope set without report_data")
			}
			reportExpr, err := compileExpr(env, string(*a.ReportData))
			if err != nil {
				return nil, fmt.Errorf("report_data: %w", err)
			}
			checkPhase := detectPhase(collectSources(predicates, data, condData, nil))
			// The Report call always fires on the response side even if its
			// hits_addend expression happens to reference only request data.
			reportPhase := maxPhase(detectPhase([]string{reportExpr.Source}), PhaseResponseHeaders)

			return []*RuntimeAction{
				{
					Kind:            ActionKindRateLimitCheck,
					Service:         a.Service,
					ServiceSpec:     svc,
					Scope:           a.CheckScope,
					Predicates:      predicates,
					Data:            data,
					ConditionalData: condData,
					Phase:           checkPhase,
				},
				{
					Kind:        ActionKindRateLimitReport,
					Service:     a.Service,
					ServiceSpec: svc,
					Scope:       a.ReportScope,
					ReportData:  &reportExpr,
					Phase:       reportPhase,
				},
			}, nil
		}

		phase := detectPhase(collectSources(predicates, data, condData, nil))
		return []*RuntimeAction{{
			Kind:            ActionKindRateLimitStandard,
			Service:         a.Service,
			ServiceSpec:     svc,
			Scope:           a.Scope,
			Predicates:      predicates,
			Data:            data,
			ConditionalData: condData,
			Phase:           phase,
		}}, nil

	default:
		return nil, fmt.Errorf("service %q has unknown kind %q", a.Service, svc.Kind)
	}
}

func compileExpr(env *celgo.Env, expr string) (CompiledExpr, error) {
	ast, err := kcel.Compile(env, expr)
	if err != nil {
		return CompiledExpr{}, err
	}
	return CompiledExpr{Source: expr, Ast: ast}, nil
}

func compileExprs(env *celgo.Env, exprs []string) ([]CompiledExpr, error) {
	out := make([]CompiledExpr, 0, len(exprs))
	for _, e := range exprs {
		c, err := compileExpr(env, e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func compileDataItems(env *celgo.Env, items []config.DataItem) ([]DataItem, error) {
	out := make([]DataItem, 0, len(items))
	for _, it := range items {
		switch {
		case it.Static != nil:
			out = append(out, DataItem{Key: it.Static.Key, Static: true, StaticValue: it.Static.Value})
		case it.Expression != nil:
			c, err := compileExpr(env, string(it.Expression.Value))
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", it.Expression.Key, err)
			}
			out = append(out, DataItem{Key: it.Expression.Key, Expr: c})
		default:
			return nil, fmt.Errorf("data item has neither expression nor static value")
		}
	}
	return out, nil
}

func compileConditionalData(env *celgo.Env, blocks []config.ConditionalDataBlock) ([]ConditionalDataBlock, error) {
	out := make([]ConditionalDataBlock, 0, len(blocks))
	for _, b := range blocks {
		predicates, err := compileExprs(env, b.Predicates)
		if err != nil {
			return nil, fmt.Errorf("predicate: %w", err)
		}
		data, err := compileDataItems(env, b.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, ConditionalDataBlock{Predicates: predicates, Data: data})
	}
	return out, nil
}

// collectSources gathers the raw expression text of everything that feeds a
// single action's phase decision.
func collectSources(predicates []CompiledExpr, data []DataItem, condData []ConditionalDataBlock, extra []CompiledExpr) []string {
	var out []string
	for _, p := range predicates {
		out = append(out, p.Source)
	}
	for _, d := range data {
		if !d.Static {
			out = append(out, d.Expr.Source)
		}
	}
	for _, b := range condData {
		for _, p := range b.Predicates {
			out = append(out, p.Source)
		}
		for _, d := range b.Data {
			if !d.Static {
				out = append(out, d.Expr.Source)
			}
		}
	}
	for _, e := range extra {
		out = append(out, e.Source)
	}
	return out
}
