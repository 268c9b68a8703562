package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/logger"
)

const (
	axisMargin      = "margin"
	axisCompetitive = "competitive"
	axisInventory   = "inventory"
	axisTrend       = "trend"
	axisVolume      = "volume"

	bandSteps = 12
	tieEps    = 1e-9
)

// goalWeights encode goal alignment: the primary goal's axis weighs most.
var goalWeights = map[domain.Goal]map[string]float64{
	domain.GoalProfitMaximization: {axisMargin: 0.45, axisCompetitive: 0.20, axisInventory: 0.20, axisTrend: 0.15},
	domain.GoalBuyBoxWin:          {axisCompetitive: 0.45, axisMargin: 0.25, axisInventory: 0.15, axisTrend: 0.15},
	domain.GoalInventoryTurnover:  {axisInventory: 0.45, axisCompetitive: 0.20, axisMargin: 0.20, axisTrend: 0.15},
	domain.GoalMarketShare:        {axisCompetitive: 0.35, axisVolume: 0.20, axisMargin: 0.15, axisInventory: 0.15, axisTrend: 0.15},
}

// Optimizer runs the weighted-candidate price search.
type Optimizer struct {
	forecast ForecastProvider
	log      *logger.Logger
}

// NewOptimizer creates an optimizer. forecast may be nil.
func NewOptimizer(forecast ForecastProvider) *Optimizer {
	return &Optimizer{forecast: forecast, log: logger.With("component", "optimizer")}
}

type candidate struct {
	price  float64
	score  float64
	scores map[string]float64
}

type bounds struct {
	floor, ceil float64
	floorWhy    string
}

// Optimize recommends a price inside the feasible region. It returns a
// *ConstraintViolation wrapping ErrNoFeasiblePrice when the pricing
// constraints cannot all hold at once.
func (o *Optimizer) Optimize(ctx context.Context, req domain.PriceOptimizationRequest) (domain.PriceOptimizationResult, error) {
	if err := req.Validate(); err != nil {
		return domain.PriceOptimizationResult{}, err
	}
	goals := req.Goals.WithDefaults()
	cur := req.CurrentPrice
	band := goals.RiskTolerance.Band()

	b := feasibleBounds(req)
	if b.floor > b.ceil+domain.CentEpsilon {
		return domain.PriceOptimizationResult{}, &ConstraintViolation{
			Constraint: "pricing",
			Detail:     fmt.Sprintf("floor %.2f (%s) is above ceiling %.2f", b.floor, b.floorWhy, b.ceil),
			Err:        ErrNoFeasiblePrice,
		}
	}

	lowest, hasComp := lowestOffer(req.Competitors)
	prices := candidatePrices(req, band, lowest, hasComp, b)

	var reasoning, risks []string
	weights := copyWeights(goalWeights[goals.PrimaryGoal])
	reasoning = append(reasoning, fmt.Sprintf("goal %s, %s band ±%.0f%%", goals.PrimaryGoal, goals.RiskTolerance, band*100))

	if req.CostPrice <= 0 {
		delete(weights, axisMargin)
		reasoning = append(reasoning, "margin axis omitted: cost unknown")
	}
	if !hasComp {
		delete(weights, axisCompetitive)
		risks = append(risks, "no competitor data; buy-box position unknown")
	}
	pressure, hasInv := inventoryPressure(req)
	if !hasInv {
		delete(weights, axisInventory)
	}
	trend, hasTrend := o.trend(ctx, req, goals)
	if !hasTrend {
		delete(weights, axisTrend)
		reasoning = append(reasoning, "trend axis omitted: forecast unavailable")
	}

	minP, maxP := prices[0], prices[len(prices)-1]
	cands := make([]candidate, 0, len(prices))
	for _, p := range prices {
		s := map[string]float64{}
		rel := clamp((p-cur)/(cur*band), -1, 1)
		if _, ok := weights[axisMargin]; ok {
			s[axisMargin] = marginScore(p, req)
		}
		if _, ok := weights[axisCompetitive]; ok {
			s[axisCompetitive] = competitiveScore(p, lowest)
		}
		if _, ok := weights[axisInventory]; ok {
			s[axisInventory] = 0.5 - 0.5*pressure*rel
		}
		if _, ok := weights[axisTrend]; ok {
			s[axisTrend] = 0.5 + 0.5*trend.Direction*trend.Confidence*rel
		}
		if _, ok := weights[axisVolume]; ok {
			s[axisVolume] = 1
			if maxP > minP {
				s[axisVolume] = 1 - (p-minP)/(maxP-minP)
			}
		}
		cands = append(cands, candidate{price: p, score: weighted(s, weights), scores: s})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, c := cands[i], cands[j]
		if math.Abs(a.score-c.score) > tieEps {
			return a.score > c.score
		}
		da, dc := math.Abs(a.price-cur), math.Abs(c.price-cur)
		if math.Abs(da-dc) > tieEps {
			return da < dc
		}
		return a.price < c.price
	})

	best := cands[0]
	res := domain.PriceOptimizationResult{
		RecommendedPrice:   best.price,
		CurrentPrice:       cur,
		PriceChange:        domain.RoundCents(best.price - cur),
		PriceChangePercent: domain.PercentChange(cur, best.price),
		Confidence:         confidence(cands),
		Source:             domain.ActOptimize,
	}
	for a := range weights {
		res.Axes = append(res.Axes, a)
	}
	sort.Strings(res.Axes)

	if hasComp {
		reasoning = append(reasoning, fmt.Sprintf("lowest competitor %.2f", lowest.Price))
		if best.price > lowest.Price+domain.CentEpsilon {
			risks = append(risks, "priced above lowest competitor; buy box unlikely")
		}
	}
	if hasInv && pressure != 0 {
		dir := "lower"
		if pressure < 0 {
			dir = "higher"
		}
		reasoning = append(reasoning, fmt.Sprintf("inventory pressure %.2f favours %s prices", pressure, dir))
	}
	if b.floor > 0 && domain.SamePrice(best.price, b.floor) {
		reasoning = append(reasoning, fmt.Sprintf("held at floor %.2f (%s)", b.floor, b.floorWhy))
		risks = append(risks, "price sits on the constraint floor")
	}
	if math.Abs(res.PriceChangePercent) > 10 {
		risks = append(risks, fmt.Sprintf("large move of %.1f%%", res.PriceChangePercent))
	}
	res.Reasoning = reasoning
	res.Risks = risks

	res.ExpectedOutcomes = domain.ExpectedOutcomes{
		UnitProfit:   domain.RoundCents(best.price - req.CostPrice),
		BuyBoxLikely: hasComp && best.price <= lowest.Price+domain.CentEpsilon,
	}
	if req.CostPrice > 0 {
		res.ExpectedOutcomes.MarginPercent = domain.MarginPercent(best.price, req.CostPrice)
	}
	if req.SalesVelocity > 0 {
		res.ExpectedOutcomes.DaysOfCover = float64(req.InventoryLevel) / req.SalesVelocity
	}

	for i := 1; i < len(cands) && i <= 3; i++ {
		res.Alternatives = append(res.Alternatives, domain.PriceAlternative{
			Price: cands[i].price,
			Score: math.Round(cands[i].score*1e4) / 1e4,
		})
	}
	return res, nil
}

func (o *Optimizer) trend(ctx context.Context, req domain.PriceOptimizationRequest, goals domain.BusinessGoals) (domain.TrendSignal, bool) {
	if o.forecast == nil || req.ASIN == "" {
		return domain.TrendSignal{}, false
	}
	t, err := o.forecast.Trend(ctx, req.ASIN, goals.TimeHorizon.Days())
	if err != nil {
		o.log.Warn("forecast unavailable", "asin", req.ASIN, "error", err)
		return domain.TrendSignal{}, false
	}
	t.Direction = clamp(t.Direction, -1, 1)
	t.Confidence = clamp(t.Confidence, 0, 1)
	return t, true
}

func feasibleBounds(req domain.PriceOptimizationRequest) bounds {
	b := bounds{floor: 0.01, ceil: math.Inf(1), floorWhy: "minimum price unit"}
	raise := func(v float64, why string) {
		if v > b.floor {
			b.floor, b.floorWhy = v, why
		}
	}
	if req.MinPrice > 0 {
		raise(req.MinPrice, "min price")
	}
	if req.MinMarginPercent > 0 && req.CostPrice > 0 {
		raise(domain.PriceForMargin(req.CostPrice, req.MinMarginPercent), fmt.Sprintf("%.0f%% margin floor", req.MinMarginPercent))
	}
	if req.MinProfit > 0 {
		raise(domain.RoundCents(req.CostPrice+req.MinProfit), "min profit")
	}
	if req.RespectMAP && req.MAPPrice > 0 {
		raise(req.MAPPrice, "MAP")
	}
	if req.MaxPrice > 0 {
		b.ceil = req.MaxPrice
	}
	if req.MaxMarginPercent > 0 && req.CostPrice > 0 {
		b.ceil = math.Min(b.ceil, domain.MaxPriceForMargin(req.CostPrice, req.MaxMarginPercent))
	}
	return b
}

// candidatePrices spans the risk band, adds the competitive and target
// margin points that fall inside it, clamps everything into the feasible
// region and returns the distinct cent values in ascending order.
func candidatePrices(req domain.PriceOptimizationRequest, band float64, lowest domain.CompetitorOffer, hasComp bool, b bounds) []float64 {
	cur := req.CurrentPrice
	lo, hi := cur*(1-band), cur*(1+band)

	raw := make([]float64, 0, bandSteps+6)
	for i := 0; i <= bandSteps; i++ {
		raw = append(raw, lo+(hi-lo)*float64(i)/bandSteps)
	}
	raw = append(raw, cur)

	inBand := func(p float64) bool { return p >= lo-domain.CentEpsilon && p <= hi+domain.CentEpsilon }
	if hasComp {
		for _, p := range []float64{lowest.Price - 0.01, lowest.Price} {
			if inBand(p) {
				raw = append(raw, p)
			}
		}
		for _, c := range req.Competitors {
			if c.IsBuyBoxWinner && inBand(c.Price-0.01) {
				raw = append(raw, c.Price-0.01)
			}
		}
	}
	if req.TargetMarginPercent > 0 && req.CostPrice > 0 {
		if p := domain.PriceForMargin(req.CostPrice, req.TargetMarginPercent); inBand(p) {
			raw = append(raw, p)
		}
	}

	seen := make(map[int64]bool, len(raw))
	out := make([]float64, 0, len(raw))
	for _, p := range raw {
		p = domain.RoundCents(clamp(p, b.floor, b.ceil))
		cents := int64(math.Round(p * 100))
		if seen[cents] {
			continue
		}
		seen[cents] = true
		out = append(out, p)
	}
	sort.Float64s(out)
	return out
}

func lowestOffer(offers []domain.CompetitorOffer) (domain.CompetitorOffer, bool) {
	var best domain.CompetitorOffer
	found := false
	for _, o := range offers {
		if o.Price <= 0 {
			continue
		}
		if !found || o.Price < best.Price {
			best, found = o, true
		}
	}
	return best, found
}

func marginScore(p float64, req domain.PriceOptimizationRequest) float64 {
	m := domain.MarginPercent(p, req.CostPrice)
	if req.MinMarginPercent > 0 && domain.RoundCents(p) < domain.PriceForMargin(req.CostPrice, req.MinMarginPercent) {
		return 0
	}
	if req.TargetMarginPercent > 0 {
		return clamp(1-math.Abs(m-req.TargetMarginPercent)/math.Max(req.TargetMarginPercent, 1), 0, 1)
	}
	return clamp(m/40, 0, 1)
}

// competitiveScore peaks just under the lowest competitor, drops slowly for
// deeper undercuts and quickly above it.
func competitiveScore(p float64, lowest domain.CompetitorOffer) float64 {
	gap := (p - lowest.Price) / lowest.Price
	switch {
	case math.Abs(p-lowest.Price) < domain.CentEpsilon:
		return 0.85
	case gap < 0:
		return 1 - math.Min(0.3, -gap*3)
	default:
		return math.Max(0, 0.6-gap*6)
	}
}

// inventoryPressure is in [-1,1]: positive means overstock (favour lower
// prices), negative means demand outruns supply (favour higher prices).
func inventoryPressure(req domain.PriceOptimizationRequest) (float64, bool) {
	inv, vel := float64(req.InventoryLevel), req.SalesVelocity
	if inv <= 0 && vel <= 0 {
		return 0, false
	}
	if vel <= 0 {
		return 1, true
	}
	if req.ReplenishmentRate > 0 && vel > req.ReplenishmentRate {
		return -math.Min(1, (vel-req.ReplenishmentRate)/req.ReplenishmentRate), true
	}
	cover := inv / vel
	switch {
	case cover > 60:
		return math.Min(1, (cover-60)/60), true
	case cover < 14:
		return -math.Min(1, (14-cover)/14), true
	}
	return 0, true
}

func weighted(scores, weights map[string]float64) float64 {
	axes := make([]string, 0, len(weights))
	for a := range weights {
		axes = append(axes, a)
	}
	sort.Strings(axes)
	var total, wsum float64
	for _, a := range axes {
		total += weights[a] * scores[a]
		wsum += weights[a]
	}
	if wsum == 0 {
		return 0
	}
	return total / wsum
}

// confidence is the winner's lead over the runner-up relative to the spread
// of all scores.
func confidence(sorted []candidate) float64 {
	if len(sorted) < 2 {
		return 1
	}
	best, second, worst := sorted[0].score, sorted[1].score, sorted[len(sorted)-1].score
	if best-worst < tieEps {
		return 0
	}
	return math.Round(clamp((best-second)/(best-worst), 0, 1)*1e4) / 1e4
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
