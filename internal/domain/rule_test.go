package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRule() RepricingRule {
	return RepricingRule{
		Name:   "Beat lowest FBA",
		Type:   RuleCompetitive,
		Status: RuleActive,
		Target: TargetConfiguration{Categories: []string{"kitchen"}},
		Triggers: TriggerConditions{
			Primary:         ConditionSpec{Kind: CondPriceChange, PriceChange: &PriceChangeParams{Direction: DirectionDown}},
			CooldownMinutes: 30,
		},
		Actions: RuleActions{
			Primary: ActionSpec{Kind: ActMatchCompetitor, Match: &MatchParams{Target: MatchLowest, OffsetAmount: -0.01}},
		},
		Constraints: RuleConstraints{
			Pricing: PricingConstraints{MinPrice: 5, MaxPrice: 50, MinMarginPercent: 10},
		},
	}
}

func TestRepricingRule_Validate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *RepricingRule)
		field string
	}{
		{"valid", func(r *RepricingRule) {}, ""},
		{"missing name", func(r *RepricingRule) { r.Name = " " }, "name"},
		{"bad type", func(r *RepricingRule) { r.Type = "FANCY" }, "type"},
		{"no selector", func(r *RepricingRule) { r.Target = TargetConfiguration{} }, "target_configuration"},
		{"missing primary kind", func(r *RepricingRule) { r.Triggers.Primary = ConditionSpec{} }, "trigger_conditions.primary.kind"},
		{"bad secondary operator", func(r *RepricingRule) {
			r.Triggers.Secondary = []SecondaryCondition{{Operator: "XOR", Condition: ConditionSpec{Kind: CondManual}}}
		}, "trigger_conditions.secondary[0].operator"},
		{"inventory without payload", func(r *RepricingRule) {
			r.Triggers.Primary = ConditionSpec{Kind: CondInventoryThreshold}
		}, "trigger_conditions.primary.inventory"},
		{"payload for wrong kind", func(r *RepricingRule) {
			r.Triggers.Primary = ConditionSpec{Kind: CondBuyBoxLoss, Inventory: &InventoryParams{Operator: OpBelow}}
		}, "trigger_conditions.primary"},
		{"expression not json", func(r *RepricingRule) {
			r.Triggers.Primary = ConditionSpec{Kind: CondExpression, Expression: &ExpressionParams{Logic: json.RawMessage(`{"<":`)}}
		}, "trigger_conditions.primary.expression.logic"},
		{"negative cooldown", func(r *RepricingRule) { r.Triggers.CooldownMinutes = -1 }, "trigger_conditions.cooldown_minutes"},
		{"match without target", func(r *RepricingRule) { r.Actions.Primary.Match.Target = "" }, "actions.primary.match.target"},
		{"email without recipients", func(r *RepricingRule) {
			r.Actions.Notifications = []NotificationSpec{{Channel: ChannelEmail, On: []NotifyOn{NotifyOnFailed}, Template: "x"}}
		}, "actions.notifications[0].recipients"},
		{"min above max", func(r *RepricingRule) { r.Constraints.Pricing.MinPrice = 60 }, "constraints.pricing.min_price"},
		{"margin out of range", func(r *RepricingRule) { r.Constraints.Pricing.MinMarginPercent = 100 }, "constraints.pricing.min_margin_percent"},
		{"decrease 100%", func(r *RepricingRule) { r.Constraints.Execution.MaxPriceDecreasePercent = 100 }, "constraints.execution.max_price_decrease_percent"},
		{"bad blackout", func(r *RepricingRule) {
			r.Constraints.Execution.BlackoutWindows = []BlackoutWindow{{Start: "25:00", End: "02:00"}}
		}, "constraints.execution.blackout_windows[0].start"},
		{"scheduled without schedule", func(r *RepricingRule) { r.Type = RuleScheduled }, "schedule"},
		{"bad failure action", func(r *RepricingRule) { r.Actions.FailureAction = "PANIC" }, "actions.failure_action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.edit(&r)
			err := r.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestRepricingRule_Evaluable(t *testing.T) {
	r := validRule()
	r.IsActive = true
	assert.True(t, r.Evaluable())
	r.Status = RulePaused
	assert.False(t, r.Evaluable())
	r.Status = RuleActive
	r.IsActive = false
	assert.False(t, r.Evaluable())
}

func TestTargetConfiguration_Selects(t *testing.T) {
	p := ProductRef{ID: "p1", ASIN: "B001", Category: "kitchen", Supplier: "acme", Tags: []string{"clearance"}}

	assert.True(t, TargetConfiguration{ProductIDs: []string{"p1"}}.Selects(p))
	assert.True(t, TargetConfiguration{ASINs: []string{"B001"}}.Selects(p))
	assert.True(t, TargetConfiguration{Suppliers: []string{"acme"}}.Selects(p))
	assert.True(t, TargetConfiguration{Tags: []string{"clearance"}}.Selects(p))
	assert.True(t, TargetConfiguration{AllProducts: true}.Selects(p))
	assert.False(t, TargetConfiguration{Categories: []string{"garden"}}.Selects(p))

	assert.False(t, TargetConfiguration{AllProducts: true, ExcludeASINs: []string{"B001"}}.Selects(p))
	assert.False(t, TargetConfiguration{Categories: []string{"kitchen"}, ExcludeTags: []string{"clearance"}}.Selects(p))
	assert.False(t, TargetConfiguration{ProductIDs: []string{"p1"}, ExcludeProductIDs: []string{"p1"}}.Selects(p))
}

func TestCompetitionConstraints_Counts(t *testing.T) {
	cc := CompetitionConstraints{ExcludedSellerIDs: []string{"S9"}, ExcludeUntrusted: true, MinSellerRating: 4}
	assert.True(t, cc.Counts(Competitor{SellerID: "S1", SellerRating: 4.5}))
	assert.False(t, cc.Counts(Competitor{SellerID: "S9"}))
	assert.False(t, cc.Counts(Competitor{SellerID: "S2", Tags: []string{UntrustedTag}}))
	assert.False(t, cc.Counts(Competitor{SellerID: "S3", SellerRating: 3.2}))
	assert.True(t, cc.Counts(Competitor{SellerID: "S4"}), "unknown rating passes")
}

func TestRulePerformance_Fold(t *testing.T) {
	var p RulePerformance
	p = p.Fold(1, 2)
	assert.Equal(t, 1.0, p.WinRate)
	p = p.Fold(0, 0)
	assert.InDelta(t, 0.5, p.WinRate, 1e-9)
	assert.InDelta(t, 1.0, p.AverageMarginDelta, 1e-9)
	assert.Equal(t, 2, p.Samples)
}
