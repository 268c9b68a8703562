package engine

import (
	"context"
	"fmt"

	"github.com/ignite/repricer/internal/domain"
)

// Pricer turns a rule action into a candidate price.
type Pricer struct {
	optimizer *Optimizer
}

func NewPricer(optimizer *Optimizer) *Pricer {
	return &Pricer{optimizer: optimizer}
}

// Candidate computes the price an action proposes for product. offers are
// the competitors that pass the rule's trust filter.
func (p *Pricer) Candidate(ctx context.Context, rule *domain.RepricingRule, action domain.ActionSpec, product domain.ProductRef, offers []domain.CompetitorOffer) (domain.PriceOptimizationResult, error) {
	cur := product.CurrentPrice
	switch action.Kind {
	case domain.ActOptimize:
		return p.optimizer.Optimize(ctx, OptimizationRequest(rule, action, product, offers))
	case domain.ActMatchCompetitor:
		return matchCompetitor(action.Match, cur, offers)
	case domain.ActAdjustPercent:
		if action.Adjust == nil {
			return domain.PriceOptimizationResult{}, fmt.Errorf("adjust percent: missing parameters")
		}
		return fixed(cur, domain.ApplyPercent(cur, action.Adjust.Percent), action.Kind,
			fmt.Sprintf("adjust by %+.2f%%", action.Adjust.Percent)), nil
	case domain.ActAdjustAmount:
		if action.Adjust == nil {
			return domain.PriceOptimizationResult{}, fmt.Errorf("adjust amount: missing parameters")
		}
		return fixed(cur, domain.RoundCents(cur+action.Adjust.Amount), action.Kind,
			fmt.Sprintf("adjust by %+.2f", action.Adjust.Amount)), nil
	case domain.ActSetPrice:
		if action.SetPrice == nil {
			return domain.PriceOptimizationResult{}, fmt.Errorf("set price: missing parameters")
		}
		return fixed(cur, domain.RoundCents(action.SetPrice.Price), action.Kind, "fixed price"), nil
	}
	return domain.PriceOptimizationResult{}, fmt.Errorf("unknown action kind %q", action.Kind)
}

// OptimizationRequest builds the optimizer input from a rule's pricing
// constraints and the product state.
func OptimizationRequest(rule *domain.RepricingRule, action domain.ActionSpec, product domain.ProductRef, offers []domain.CompetitorOffer) domain.PriceOptimizationRequest {
	req := domain.PriceOptimizationRequest{
		ProductID:         product.ID,
		ASIN:              product.ASIN,
		CurrentPrice:      product.CurrentPrice,
		CostPrice:         product.CostPrice,
		MAPPrice:          product.MAPPrice,
		InventoryLevel:    product.InventoryLevel,
		SalesVelocity:     product.SalesVelocity,
		ReplenishmentRate: product.ReplenishmentRate,
		Competitors:       offers,
	}
	if rule != nil {
		pc := rule.Constraints.Pricing
		req.MinPrice = pc.MinPrice
		req.MaxPrice = pc.MaxPrice
		req.MinMarginPercent = pc.MinMarginPercent
		req.MaxMarginPercent = pc.MaxMarginPercent
		req.MinProfit = pc.MinProfit
		req.RespectMAP = pc.RespectMAP
	}
	if action.Optimize != nil {
		req.Goals = action.Optimize.Goals
		req.TargetMarginPercent = action.Optimize.TargetMarginPercent
	}
	return req
}

func matchCompetitor(m *domain.MatchParams, cur float64, offers []domain.CompetitorOffer) (domain.PriceOptimizationResult, error) {
	lowest, ok := lowestOffer(offers)
	if !ok {
		return domain.PriceOptimizationResult{}, violation("competition", "no competitor offers to match")
	}
	ref, label := lowest, "lowest competitor"
	var params domain.MatchParams
	if m != nil {
		params = *m
	}
	if params.Target == domain.MatchBuyBox {
		for _, o := range offers {
			if o.IsBuyBoxWinner {
				ref, label = o, "buy box winner"
				break
			}
		}
	}
	price := domain.RoundCents(ref.Price*(1+params.OffsetPercent/100) + params.OffsetAmount)
	return fixed(cur, price, domain.ActMatchCompetitor,
		fmt.Sprintf("match %s %s at %.2f", label, ref.SellerID, ref.Price)), nil
}

func fixed(cur, price float64, kind domain.ActionKind, why string) domain.PriceOptimizationResult {
	return domain.PriceOptimizationResult{
		RecommendedPrice:   price,
		CurrentPrice:       cur,
		PriceChange:        domain.RoundCents(price - cur),
		PriceChangePercent: domain.PercentChange(cur, price),
		Confidence:         1,
		Reasoning:          []string{why},
		Source:             kind,
	}
}

// Offers converts competitors that the rule counts into optimizer offers.
func Offers(cc domain.CompetitionConstraints, competitors []domain.Competitor) []domain.CompetitorOffer {
	out := make([]domain.CompetitorOffer, 0, len(competitors))
	for _, c := range competitors {
		if c.Status != "" && c.Status != domain.CompetitorActive {
			continue
		}
		if !cc.Counts(c) || c.CurrentPrice <= 0 {
			continue
		}
		out = append(out, domain.CompetitorOffer{
			SellerID:        c.SellerID,
			Price:           c.CurrentPrice,
			IsBuyBoxWinner:  c.BuyBoxWinner,
			FulfillmentType: c.FulfillmentType,
			IsPrimeEligible: c.IsPrimeEligible,
		})
	}
	return out
}
