package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/config"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/store"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the stored rule set and fire log",
	}
	cmd.AddCommand(newRulesShowCommand(rootOpts))
	cmd.AddCommand(newRulesFiresCommand(rootOpts))
	return cmd
}

func newRulesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the active rule set",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			stored, err := st.ActiveRuleSet(context.Background())
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			if stored == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no rule set saved")
				return nil
			}

			if rootOpts.Format == "json" {
				formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
				return formatter.JSON(stored)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# revision %d, saved %s\n%s",
				stored.Revision, stored.UpdatedAt.Format("2006-01-02 15:04:05"), stored.Canonical)
			return nil
		},
	}
}

func newRulesFiresCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "fires",
		Short:         "Print recent rule fires, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			fires, err := st.RecentFires(context.Background(), limit)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}

			if rootOpts.Format == "json" {
				formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
				return formatter.JSON(fires)
			}
			if len(fires) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no fires recorded")
				return nil
			}
			for _, fire := range fires {
				status := "ok"
				if !fire.Success {
					status = "FAILED: " + fire.ErrorSummary
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-24s %s\n",
					fire.FiredAt.Format("2006-01-02 15:04:05"), fire.RuleID, fire.ChatID, status)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of fires to show")
	return cmd
}

func openStore(rootOpts *RootOptions) (*store.Store, error) {
	cfg, err := config.Load(rootOpts.Config)
	if err != nil {
		return nil, NewExitError(ExitCommandError, err.Error())
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("open store: %v", err))
	}
	return st, nil
}
