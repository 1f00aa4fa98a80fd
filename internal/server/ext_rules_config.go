package server

import (
	"context"
	"errors"
	"os"

	orgunitservices "github.com/jacksonlee411/Blossom-Console/modules/orgunit/services"
	"gopkg.in/yaml.v3"
)

// ExtRuleSource supplies the tenant-configured extension field rules applied
// before a write patch is submitted.
type ExtRuleSource interface {
	RulesForTenant(ctx context.Context, tenantID string) ([]orgunitservices.ExtFieldRule, error)
}

type extRuleConfigEntry struct {
	FieldKey   string `yaml:"field_key"`
	Expr       string `yaml:"expr"`
	ReasonCode string `yaml:"reason_code"`
}

type extRulesFile struct {
	Version  int                             `yaml:"version"`
	Defaults []extRuleConfigEntry            `yaml:"defaults"`
	Tenants  map[string][]extRuleConfigEntry `yaml:"tenants"`
}

type extRuleConfigSource struct {
	defaults []orgunitservices.ExtFieldRule
	byTenant map[string][]orgunitservices.ExtFieldRule
}

func loadExtRuleConfig(path string) (*extRuleConfigSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f extRulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Version != 1 {
		return nil, errors.New("ext rules: unsupported version")
	}

	src := &extRuleConfigSource{
		defaults: convertExtRuleEntries(f.Defaults),
		byTenant: make(map[string][]orgunitservices.ExtFieldRule, len(f.Tenants)),
	}
	for tenantID, entries := range f.Tenants {
		src.byTenant[tenantID] = convertExtRuleEntries(entries)
	}
	return src, nil
}

// RulesForTenant returns the tenant's overrides followed by the defaults;
// both apply.
func (s *extRuleConfigSource) RulesForTenant(_ context.Context, tenantID string) ([]orgunitservices.ExtFieldRule, error) {
	rules := append([]orgunitservices.ExtFieldRule(nil), s.byTenant[tenantID]...)
	return append(rules, s.defaults...), nil
}

func convertExtRuleEntries(entries []extRuleConfigEntry) []orgunitservices.ExtFieldRule {
	out := make([]orgunitservices.ExtFieldRule, 0, len(entries))
	for _, e := range entries {
		out = append(out, orgunitservices.ExtFieldRule{
			FieldKey:   e.FieldKey,
			Expr:       e.Expr,
			ReasonCode: e.ReasonCode,
		})
	}
	return out
}
