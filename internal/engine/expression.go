package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"

	"github.com/ignite/repricer/internal/domain"
)

// ExpressionEvaluator runs EXPRESSION conditions: JSON-logic documents
// applied to {"product": ..., "signal": ...}.
type ExpressionEvaluator struct{}

// Facts builds the data document an expression sees.
func Facts(product domain.ProductRef, sig domain.MarketSignal) map[string]interface{} {
	return map[string]interface{}{
		"product": toMap(product),
		"signal":  toMap(sig),
	}
}

// Eval applies logic to facts and requires a boolean result.
func (ExpressionEvaluator) Eval(logic json.RawMessage, facts map[string]interface{}) (bool, error) {
	data, err := json.Marshal(facts)
	if err != nil {
		return false, fmt.Errorf("marshal facts: %w", err)
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(logic), bytes.NewReader(data), &out); err != nil {
		return false, fmt.Errorf("apply expression: %w", err)
	}

	switch strings.TrimSpace(out.String()) {
	case "true":
		return true, nil
	case "false", "null", "":
		return false, nil
	default:
		return false, fmt.Errorf("expression returned %s, want boolean", strings.TrimSpace(out.String()))
	}
}

func toMap(v interface{}) map[string]interface{} {
	b, _ := json.Marshal(v)
	var m map[string]interface{}
	json.Unmarshal(b, &m)
	return m
}

// Validate rejects documents that are not well-formed JSON-logic.
func (ExpressionEvaluator) Validate(logic json.RawMessage) error {
	if !jsonlogic.IsValid(bytes.NewReader(logic)) {
		return fmt.Errorf("invalid json-logic expression")
	}
	return nil
}
