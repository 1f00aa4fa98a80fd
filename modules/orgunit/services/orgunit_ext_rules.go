package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ExtFieldRule is a tenant-configured guard evaluated before an extension
// field value is submitted to the kernel. Expr is a CEL expression over
// `ctx` (map[string]string) that must evaluate to bool; false blocks the
// write with ReasonCode.
type ExtFieldRule struct {
	FieldKey   string `json:"field_key"`
	Expr       string `json:"expr"`
	ReasonCode string `json:"reason_code"`
}

type ExtRuleViolation struct {
	FieldKey   string `json:"field_key"`
	ReasonCode string `json:"reason_code"`
}

var extRuleCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

var extRuleProgramCache sync.Map

// EvaluateExtFieldRules runs every rule whose field appears in the patch's
// ext payload. Violations are collected, not short-circuited, so the caller
// can report all of them at once. A rule that fails to compile or evaluate is
// an error, not a violation.
func EvaluateExtFieldRules(rules []ExtFieldRule, patch WritePatch, ruleCtx map[string]string) ([]ExtRuleViolation, error) {
	ext, ok := patch["ext"].(map[string]any)
	if !ok || len(ext) == 0 {
		return nil, nil
	}

	violations := []ExtRuleViolation{}
	for _, rule := range rules {
		fieldKey := strings.TrimSpace(rule.FieldKey)
		if fieldKey == "" {
			continue
		}
		value, touched := ext[fieldKey]
		if !touched {
			continue
		}

		ctxMap := make(map[string]string, len(ruleCtx)+2)
		for k, v := range ruleCtx {
			ctxMap[k] = v
		}
		ctxMap["field_key"] = fieldKey
		ctxMap["value"] = fmt.Sprintf("%v", value)

		allowed, err := evalExtRuleExpr(rule.Expr, ctxMap)
		if err != nil {
			return nil, fmt.Errorf("ext rule %s: %w", fieldKey, err)
		}
		if !allowed {
			reason := strings.TrimSpace(rule.ReasonCode)
			if reason == "" {
				reason = "EXT_FIELD_RULE_DENIED"
			}
			violations = append(violations, ExtRuleViolation{FieldKey: fieldKey, ReasonCode: reason})
		}
	}
	if len(violations) == 0 {
		return nil, nil
	}
	return violations, nil
}

func evalExtRuleExpr(expr string, ctxMap map[string]string) (bool, error) {
	program, err := loadOrCompileExtRuleProgram(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("expression output not bool")
	}
	return v, nil
}

func loadOrCompileExtRuleProgram(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := extRuleProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := extRuleCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("expression output type mismatch")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	extRuleProgramCache.Store(expr, program)
	return program, nil
}
