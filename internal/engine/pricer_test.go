package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/domain"
)

func TestPricer_Candidate(t *testing.T) {
	pr := NewPricer(NewOptimizer(nil))
	rule := testRule("r1")
	product := testProduct("p1", 20, 10)
	offers := []domain.CompetitorOffer{
		{SellerID: "low", Price: 18},
		{SellerID: "bb", Price: 19, IsBuyBoxWinner: true},
	}

	tests := []struct {
		name   string
		action domain.ActionSpec
		want   float64
	}{
		{"adjust percent", domain.ActionSpec{Kind: domain.ActAdjustPercent, Adjust: &domain.AdjustParams{Percent: -5}}, 19},
		{"adjust amount", domain.ActionSpec{Kind: domain.ActAdjustAmount, Adjust: &domain.AdjustParams{Amount: 1.25}}, 21.25},
		{"set price", domain.ActionSpec{Kind: domain.ActSetPrice, SetPrice: &domain.SetPriceParams{Price: 17.499}}, 17.5},
		{"match lowest", domain.ActionSpec{Kind: domain.ActMatchCompetitor, Match: &domain.MatchParams{Target: domain.MatchLowest, OffsetAmount: -0.01}}, 17.99},
		{"match buy box", domain.ActionSpec{Kind: domain.ActMatchCompetitor, Match: &domain.MatchParams{Target: domain.MatchBuyBox}}, 19},
		{"match percent offset", domain.ActionSpec{Kind: domain.ActMatchCompetitor, Match: &domain.MatchParams{Target: domain.MatchLowest, OffsetPercent: -10}}, 16.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := pr.Candidate(context.Background(), rule, tt.action, product, offers)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.RecommendedPrice)
			assert.Equal(t, tt.action.Kind, res.Source)
			assert.Equal(t, 1.0, res.Confidence)
		})
	}
}

func TestPricer_MatchWithoutOffers(t *testing.T) {
	pr := NewPricer(NewOptimizer(nil))
	action := domain.ActionSpec{Kind: domain.ActMatchCompetitor, Match: &domain.MatchParams{Target: domain.MatchBuyBox}}
	_, err := pr.Candidate(context.Background(), testRule("r1"), action, testProduct("p1", 20, 10), nil)
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))
}

func TestPricer_BuyBoxTargetFallsBackToLowest(t *testing.T) {
	pr := NewPricer(NewOptimizer(nil))
	action := domain.ActionSpec{Kind: domain.ActMatchCompetitor, Match: &domain.MatchParams{Target: domain.MatchBuyBox}}
	res, err := pr.Candidate(context.Background(), testRule("r1"), action, testProduct("p1", 20, 10),
		[]domain.CompetitorOffer{{SellerID: "a", Price: 21}, {SellerID: "b", Price: 19.5}})
	require.NoError(t, err)
	assert.Equal(t, 19.5, res.RecommendedPrice)
}

func TestOptimizationRequest_CarriesRuleConstraints(t *testing.T) {
	rule := testRule("r1")
	rule.Constraints.Pricing = domain.PricingConstraints{MinPrice: 5, MaxPrice: 50, MinMarginPercent: 12, MinProfit: 1, RespectMAP: true}
	action := domain.ActionSpec{Kind: domain.ActOptimize, Optimize: &domain.OptimizeParams{
		Goals:               domain.BusinessGoals{PrimaryGoal: domain.GoalProfitMaximization},
		TargetMarginPercent: 30,
	}}
	p := testProduct("p1", 20, 10)
	p.MAPPrice = 15

	req := OptimizationRequest(rule, action, p, nil)
	assert.Equal(t, 5.0, req.MinPrice)
	assert.Equal(t, 50.0, req.MaxPrice)
	assert.Equal(t, 12.0, req.MinMarginPercent)
	assert.True(t, req.RespectMAP)
	assert.Equal(t, 15.0, req.MAPPrice)
	assert.Equal(t, 30.0, req.TargetMarginPercent)
	assert.Equal(t, domain.GoalProfitMaximization, req.Goals.PrimaryGoal)
}

func TestOffers_AppliesTrustFilter(t *testing.T) {
	cc := domain.CompetitionConstraints{
		ExcludedSellerIDs: []string{"banned"},
		ExcludeUntrusted:  true,
		MinSellerRating:   4,
	}
	comps := []domain.Competitor{
		{SellerID: "ok", CurrentPrice: 10, Status: domain.CompetitorActive, SellerRating: 4.5},
		{SellerID: "banned", CurrentPrice: 9, Status: domain.CompetitorActive},
		{SellerID: "shady", CurrentPrice: 8, Status: domain.CompetitorActive, Tags: []string{domain.UntrustedTag}},
		{SellerID: "poor", CurrentPrice: 7, Status: domain.CompetitorActive, SellerRating: 3.2},
		{SellerID: "gone", CurrentPrice: 6, Status: domain.CompetitorInactive},
		{SellerID: "unpriced", Status: domain.CompetitorActive},
	}
	offers := Offers(cc, comps)
	require.Len(t, offers, 1)
	assert.Equal(t, "ok", offers[0].SellerID)
}
