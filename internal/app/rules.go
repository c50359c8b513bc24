package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"tick-alerts/internal/rules"
)

// RuleAddOptions describe a rule to create.
type RuleAddOptions struct {
	Symbol    string
	Condition string
	Threshold float64
	Channels  []string
	Cooldown  time.Duration
	Inactive  bool
}

// withRegistry loads the registry, runs fn, and flushes the document when
// fn mutated it.
func (a *App) withRegistry(ctx context.Context, fn func(*rules.Registry) (bool, error)) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	registry, err := a.newRegistry(ctx, store)
	if err != nil {
		return err
	}

	mutated, err := fn(registry)
	if err != nil {
		return err
	}
	if mutated {
		return registry.Flush(ctx)
	}
	return nil
}

// AddRule creates and persists a new alert rule, returning its ID.
func (a *App) AddRule(ctx context.Context, opts RuleAddOptions) (string, error) {
	condition, err := rules.ConditionFromRecord(rules.ConditionType(opts.Condition), opts.Threshold)
	if err != nil {
		return "", err
	}

	channels := make([]rules.Channel, 0, len(opts.Channels))
	for _, ch := range opts.Channels {
		channels = append(channels, rules.Channel(strings.ToLower(ch)))
	}

	var id string
	err = a.withRegistry(ctx, func(registry *rules.Registry) (bool, error) {
		id, err = registry.Create(rules.Rule{
			Symbol:    strings.ToUpper(opts.Symbol),
			Condition: condition,
			Channels:  channels,
			Active:    !opts.Inactive,
			Cooldown:  opts.Cooldown,
		})
		return err == nil, err
	})
	if err != nil {
		return "", err
	}

	a.Logger.Info().Str("rule_id", id).Str("symbol", opts.Symbol).Msg("rule created")
	return id, nil
}

// ListRules prints the stored rules, optionally filtered by symbol.
func (a *App) ListRules(ctx context.Context, symbol string) error {
	return a.withRegistry(ctx, func(registry *rules.Registry) (bool, error) {
		list := registry.List(strings.ToUpper(symbol))
		if len(list) == 0 {
			fmt.Fprintln(os.Stdout, "no rules found")
			return false, nil
		}

		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tSymbol\tCondition\tChannels\tCooldown\tActive\tLast triggered")

		for _, rule := range list {
			last := "-"
			if rule.LastTriggeredAt != nil {
				last = rule.LastTriggeredAt.UTC().Format(time.RFC3339)
			}
			channels := make([]string, 0, len(rule.Channels))
			for _, ch := range rule.Channels {
				channels = append(channels, string(ch))
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
				rule.ID,
				rule.Symbol,
				rule.Condition.Kind(),
				strings.Join(channels, ","),
				rule.Cooldown,
				rule.Active,
				last,
			)
		}

		writer.Flush()
		return false, nil
	})
}

// RemoveRule deletes a rule by ID.
func (a *App) RemoveRule(ctx context.Context, id string) error {
	err := a.withRegistry(ctx, func(registry *rules.Registry) (bool, error) {
		if err := registry.Remove(id); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	a.Logger.Info().Str("rule_id", id).Msg("rule removed")
	return nil
}

// ToggleRule flips a rule's active flag and reports the new state.
func (a *App) ToggleRule(ctx context.Context, id string) error {
	var active bool
	err := a.withRegistry(ctx, func(registry *rules.Registry) (bool, error) {
		var err error
		active, err = registry.Toggle(id)
		return err == nil, err
	})
	if err != nil {
		return err
	}

	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Fprintf(os.Stdout, "rule %s %s\n", id, state)
	return nil
}
