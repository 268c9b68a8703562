package main

import (
	"github.com/spf13/cobra"

	"github.com/ignite/repricer/internal/domain"
)

var (
	optRuleID string
	optGoals  domain.BusinessGoals
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize <product-id>",
	Short: "Recommend a price for one product",
	Args:  cobra.ExactArgs(1),
	RunE:  runOptimize,
}

func init() {
	f := optimizeCmd.Flags()
	f.StringVar(&optRuleID, "rule", "", "rule whose constraints bound the recommendation")
	f.StringVar((*string)(&optGoals.PrimaryGoal), "goal", "", "primary goal (default buy_box_win)")
	f.StringVar((*string)(&optGoals.RiskTolerance), "risk", "", "risk tolerance (default moderate)")
	f.StringVar((*string)(&optGoals.TimeHorizon), "horizon", "", "time horizon (default medium)")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Engine.OptimizeProduct(cmd.Context(), args[0], optRuleID, optGoals)
	if err != nil {
		return err
	}
	return printJSON(res)
}
