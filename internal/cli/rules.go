package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tick-alerts/internal/app"
)

var (
	ruleSymbol    string
	ruleCondition string
	ruleThreshold float64
	ruleChannels  []string
	ruleCooldown  time.Duration
	ruleInactive  bool
	ruleListSym   string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a new alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleSymbol == "" {
			return errors.New("--symbol is required")
		}
		if ruleCondition == "" {
			return errors.New("--condition is required")
		}

		id, err := getApp().AddRule(cmd.Context(), app.RuleAddOptions{
			Symbol:    ruleSymbol,
			Condition: ruleCondition,
			Threshold: ruleThreshold,
			Channels:  ruleChannels,
			Cooldown:  ruleCooldown,
			Inactive:  ruleInactive,
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListRules(cmd.Context(), ruleListSym)
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <rule-id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveRule(cmd.Context(), args[0])
	},
}

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle <rule-id>",
	Short: "Enable or disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ToggleRule(cmd.Context(), args[0])
	},
}

func init() {
	rulesAddCmd.Flags().StringVar(&ruleSymbol, "symbol", "", "Trading pair symbol, e.g. BTCUSDT")
	rulesAddCmd.Flags().StringVar(&ruleCondition, "condition", "", "Condition type: price_above, price_below, percent_change, volume_spike, whale_activity")
	rulesAddCmd.Flags().Float64Var(&ruleThreshold, "threshold", 0, "Condition threshold (price, percent, or notional depending on type)")
	rulesAddCmd.Flags().StringSliceVar(&ruleChannels, "channels", []string{"telegram"}, "Notification channels")
	rulesAddCmd.Flags().DurationVar(&ruleCooldown, "cooldown", 5*time.Minute, "Minimum interval between repeated alerts for this rule")
	rulesAddCmd.Flags().BoolVar(&ruleInactive, "inactive", false, "Create the rule in disabled state")

	rulesListCmd.Flags().StringVar(&ruleListSym, "symbol", "", "Only list rules for this symbol")

	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesToggleCmd)
}
