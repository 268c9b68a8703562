package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ignite/repricer/internal/engine"
	"github.com/ignite/repricer/internal/service/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate and seed rule packs",
}

var validateCmd = &cobra.Command{
	Use:   "validate <pack.yaml>",
	Short: "Check a rule pack without touching any store",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var seedCmd = &cobra.Command{
	Use:   "seed <pack.yaml>",
	Short: "Create or update the rules of a pack",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	rulesCmd.AddCommand(validateCmd, seedCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	pack, err := rules.LoadPack(args[0])
	if err != nil {
		return err
	}
	notifier, err := engine.NewNotifier()
	if err != nil {
		return err
	}
	svc := rules.NewService(nil,
		rules.WithNotificationChecker(notifier),
		rules.WithExpressionChecker(engine.ExpressionEvaluator{}),
	)

	failures := svc.ValidatePack(pack)
	idx := make([]int, 0, len(failures))
	for i := range failures {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		name := pack.Rules[i].Name
		if name == "" {
			name = pack.Rules[i].ID
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  rule %d (%s): %v\n", i, name, failures[i])
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d rules invalid", len(failures), len(pack.Rules))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rules OK\n", len(pack.Rules))
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	pack, err := rules.LoadPack(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Rules.Seed(cmd.Context(), pack)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %s: %d created, %d updated\n", args[0], res.Created, res.Updated)
	return nil
}
