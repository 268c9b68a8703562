package domain

import (
	"encoding/json"
	"fmt"
)

// ConditionKind tags the variant held by a ConditionSpec.
type ConditionKind string

const (
	CondPriceChange        ConditionKind = "PRICE_CHANGE"
	CondBuyBoxLoss         ConditionKind = "BUY_BOX_LOSS"
	CondBuyBoxWin          ConditionKind = "BUY_BOX_WIN"
	CondCompetitorStockout ConditionKind = "COMPETITOR_STOCKOUT"
	CondInventoryThreshold ConditionKind = "INVENTORY_THRESHOLD"
	CondSchedule           ConditionKind = "SCHEDULE"
	CondManual             ConditionKind = "MANUAL"
	CondExpression         ConditionKind = "EXPRESSION"
)

// PriceDirection narrows a PRICE_CHANGE condition.
type PriceDirection string

const (
	DirectionAny  PriceDirection = "ANY"
	DirectionUp   PriceDirection = "UP"
	DirectionDown PriceDirection = "DOWN"
)

// ThresholdOperator compares inventory against a level.
type ThresholdOperator string

const (
	OpBelow ThresholdOperator = "BELOW"
	OpAbove ThresholdOperator = "ABOVE"
)

// LogicalOperator joins a secondary condition onto the running result.
type LogicalOperator string

const (
	LogicAnd LogicalOperator = "AND"
	LogicOr  LogicalOperator = "OR"
)

// ConditionSpec is a tagged variant: Kind selects which payload is set.
// Kinds without parameters (BUY_BOX_LOSS, SCHEDULE, ...) carry none.
type ConditionSpec struct {
	Kind        ConditionKind      `json:"kind"`
	PriceChange *PriceChangeParams `json:"price_change,omitempty"`
	Inventory   *InventoryParams   `json:"inventory,omitempty"`
	Expression  *ExpressionParams  `json:"expression,omitempty"`
}

type PriceChangeParams struct {
	Direction        PriceDirection `json:"direction,omitempty"`
	MinChangePercent float64        `json:"min_change_percent,omitempty"`
	MinChangeAmount  float64        `json:"min_change_amount,omitempty"`
	SellerIDs        []string       `json:"seller_ids,omitempty"`
}

type InventoryParams struct {
	Operator ThresholdOperator `json:"operator"`
	Level    int               `json:"level"`
}

// ExpressionParams holds a JSON-logic document evaluated against
// {"product": ..., "signal": ...}. It must evaluate to a boolean.
type ExpressionParams struct {
	Logic json.RawMessage `json:"logic"`
}

// SecondaryCondition is folded left to right onto the primary result.
type SecondaryCondition struct {
	Operator  LogicalOperator `json:"operator"`
	Condition ConditionSpec   `json:"condition"`
}

// TriggerConditions decide when a rule fires for a product.
type TriggerConditions struct {
	Primary             ConditionSpec        `json:"primary"`
	Secondary           []SecondaryCondition `json:"secondary,omitempty"`
	CooldownMinutes     int                  `json:"cooldown_minutes"`
	MaxExecutionsPerDay int                  `json:"max_executions_per_day"`
}

// Validate checks that the payload matches the kind.
func (c ConditionSpec) Validate(field string) error {
	payloads := 0
	if c.PriceChange != nil {
		payloads++
	}
	if c.Inventory != nil {
		payloads++
	}
	if c.Expression != nil {
		payloads++
	}

	switch c.Kind {
	case CondPriceChange:
		if c.PriceChange == nil {
			// an empty payload means "any move"
			break
		}
		switch c.PriceChange.Direction {
		case "", DirectionAny, DirectionUp, DirectionDown:
		default:
			return invalid(field+".price_change.direction", "unknown direction %q", c.PriceChange.Direction)
		}
		if c.PriceChange.MinChangePercent < 0 {
			return invalid(field+".price_change.min_change_percent", "must not be negative")
		}
		if c.PriceChange.MinChangeAmount < 0 {
			return invalid(field+".price_change.min_change_amount", "must not be negative")
		}
	case CondInventoryThreshold:
		if c.Inventory == nil {
			return invalid(field+".inventory", "required for %s", c.Kind)
		}
		if c.Inventory.Operator != OpBelow && c.Inventory.Operator != OpAbove {
			return invalid(field+".inventory.operator", "must be BELOW or ABOVE")
		}
		if c.Inventory.Level < 0 {
			return invalid(field+".inventory.level", "must not be negative")
		}
	case CondExpression:
		if c.Expression == nil || len(c.Expression.Logic) == 0 {
			return invalid(field+".expression.logic", "required for %s", c.Kind)
		}
		if !json.Valid(c.Expression.Logic) {
			return invalid(field+".expression.logic", "not valid JSON")
		}
	case CondBuyBoxLoss, CondBuyBoxWin, CondCompetitorStockout, CondSchedule, CondManual:
	case "":
		return invalid(field+".kind", "required")
	default:
		return invalid(field+".kind", "unknown condition kind %q", c.Kind)
	}

	if payloads > 1 {
		return invalid(field, "only one payload may be set")
	}
	if payloads == 1 && !c.payloadMatchesKind() {
		return invalid(field, "payload does not match kind %s", c.Kind)
	}
	return nil
}

func (c ConditionSpec) payloadMatchesKind() bool {
	switch {
	case c.PriceChange != nil:
		return c.Kind == CondPriceChange
	case c.Inventory != nil:
		return c.Kind == CondInventoryThreshold
	case c.Expression != nil:
		return c.Kind == CondExpression
	}
	return true
}

// Validate checks the whole trigger block.
func (t TriggerConditions) Validate(field string) error {
	if err := t.Primary.Validate(field + ".primary"); err != nil {
		return err
	}
	for i, s := range t.Secondary {
		f := fmt.Sprintf("%s.secondary[%d]", field, i)
		if s.Operator != LogicAnd && s.Operator != LogicOr {
			return invalid(f+".operator", "must be AND or OR")
		}
		if err := s.Condition.Validate(f + ".condition"); err != nil {
			return err
		}
	}
	if t.CooldownMinutes < 0 {
		return invalid(field+".cooldown_minutes", "must not be negative")
	}
	if t.MaxExecutionsPerDay < 0 {
		return invalid(field+".max_executions_per_day", "must not be negative")
	}
	return nil
}
