package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"satchel/engine/actors"
	"satchel/policy"
)

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage wallet connections",
	}
	cmd.AddCommand(profileAddCmd())
	cmd.AddCommand(profileListCmd())
	return cmd
}

func profileAddCmd() *cobra.Command {
	var (
		label      string
		commands   []string
		budgetMsat int64
		period     string
		singleUse  int64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a connection and print its connection string",
		RunE: func(cmd *cobra.Command, args []string) error {
			spending, err := buildPolicy(budgetMsat, period, singleUse)
			if err != nil {
				return err
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			relay := ""
			if relays := actors.MakeOrGetConfig().GetStringSlice("relays"); len(relays) > 0 {
				relay = relays[0]
			}
			profile, uri, err := svc.minter(relay).Mint(label, commands, spending)
			if err != nil {
				return err
			}
			fmt.Printf("profile %d (%s) for %s\n", profile.Index, profile.Label, profile.ClientPub)
			fmt.Printf("\n%s\n\nHand this connection string to the controlling app. It will not be shown again.\n", uri)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "human name for this connection")
	cmd.Flags().StringSliceVar(&commands, "commands", []string{"pay_invoice"}, "methods this connection may invoke")
	cmd.Flags().Int64Var(&budgetMsat, "budget-msat", 0, "budget per period; 0 means every payment needs approval")
	cmd.Flags().StringVar(&period, "period", "day", "budget period: day, week, month, year or a number of seconds")
	cmd.Flags().Int64Var(&singleUse, "single-use-msat", 0, "make this a single use connection for the given amount")
	return cmd
}

func profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			profiles, err := svc.profiles.All()
			if err != nil {
				return err
			}
			for _, p := range profiles {
				state := "enabled"
				if !p.Active() {
					state = "disabled"
				}
				fmt.Printf("%3d  %-20s %s  %s  commands: %s\n", p.Index, p.Label, p.ClientPub, state, strings.Join(p.AvailableCommands(), ","))
			}
			return nil
		},
	}
}

func buildPolicy(budgetMsat int64, period string, singleUse int64) (policy.SpendingPolicy, error) {
	if singleUse > 0 {
		return policy.SpendingPolicy{Kind: policy.PolicySingleUse, AmountMsat: singleUse}, nil
	}
	if budgetMsat <= 0 {
		return policy.SpendingPolicy{Kind: policy.PolicyRequireApproval}, nil
	}
	p := policy.SpendingPolicy{Kind: policy.PolicyBudgeted, BudgetMsat: budgetMsat}
	switch strings.ToLower(period) {
	case "day":
		p.Period = policy.BudgetPeriod{Kind: policy.PeriodDay}
	case "week":
		p.Period = policy.BudgetPeriod{Kind: policy.PeriodWeek}
	case "month":
		p.Period = policy.BudgetPeriod{Kind: policy.PeriodMonth}
	case "year":
		p.Period = policy.BudgetPeriod{Kind: policy.PeriodYear}
	default:
		var seconds int64
		if _, err := fmt.Sscanf(period, "%d", &seconds); err != nil || seconds <= 0 {
			return policy.SpendingPolicy{}, fmt.Errorf("unknown budget period %q", period)
		}
		p.Period = policy.BudgetPeriod{Kind: policy.PeriodSeconds, Seconds: seconds}
	}
	return p, nil
}
