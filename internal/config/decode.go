package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"sigs.k8s.io/yaml"
)

// Decode parses a plugin configuration document. The host may hand us either
// JSON or YAML bytes; sigs.k8s.io/yaml normalizes either into JSON first, and
// we then decode with DisallowUnknownFields so an unrecognized top-level (or
// nested) field rejects the whole configuration outright.
func Decode(raw []byte) (*PluginConfig, error) {
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("config: not valid JSON or YAML: %w", err)
	}

	var cfg PluginConfig
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := validateShape(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// validateShape enforces structural rules that a JSON schema alone can't
// express: exactly one of DataItem.Expression/Static, required names,
// endpoints and services, unique action-set names, and known enum values.
// A nested "actions" key inside a data item is not checked here; Decode's
// DisallowUnknownFields already rejects it.
func validateShape(cfg *PluginConfig) error {
	for svcName, svc := range cfg.Services {
		switch svc.Kind {
		case ServiceKindAuth, ServiceKindRateLimit:
		default:
			return fmt.Errorf("service %q: unknown kind %q", svcName, svc.Kind)
		}
		switch svc.FailureMode {
		case FailureModeDeny, FailureModeAllow:
		default:
			return fmt.Errorf("service %q: unknown failure_mode %q", svcName, svc.FailureMode)
		}
		if svc.Endpoint == "" {
			return fmt.Errorf("service %q: endpoint is required", svcName)
		}
	}

	seen := map[string]bool{}
	for i, as := range cfg.ActionSets {
		if as.Name == "" {
			return fmt.Errorf("action_sets[%d]: name is required", i)
		}
		if seen[as.Name] {
			return fmt.Errorf("action_sets[%d]: duplicate name %q", i, as.Name)
		}
		seen[as.Name] = true

		for j, act := range as.Actions {
			if act.Service == "" {
				return fmt.Errorf("action_sets[%d].actions[%d]: service is required", i, j)
			}
			if err := validateDataItems(act.Data); err != nil {
				return fmt.Errorf("action_sets[%d].actions[%d]: %w", i, j, err)
			}
			for k, block := range act.ConditionalData {
				if err := validateDataItems(block.Data); err != nil {
					return fmt.Errorf("action_sets[%d].actions[%d].conditional_data[%d]: %w", i, j, k, err)
				}
			}
		}
	}
	return nil
}

func validateDataItems(items []DataItem) error {
	for i, item := range items {
		hasExpr := item.Expression != nil
		hasStatic := item.Static != nil
		if hasExpr == hasStatic {
			return fmt.Errorf("data[%d]: exactly one of expression or static must be set", i)
		}
	}
	return nil
}
