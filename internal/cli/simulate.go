package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/config"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/store"
)

// SimulateOptions holds the flags describing the simulated message.
type SimulateOptions struct {
	Chat   string
	Sender string
	Text   string
	Event  string
	Group  bool
}

// NewSimulateCommand creates the simulate command: a dry run of one
// message against the stored rule set. Nothing executes; cooldowns and
// the fire log are untouched.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	simOpts := &SimulateOptions{}

	cmd := &cobra.Command{
		Use:           "simulate",
		Short:         "Dry-run a message against the active rule set",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(rootOpts, simOpts, cmd)
		},
	}

	cmd.Flags().StringVar(&simOpts.Chat, "chat", "", "chat JID the message arrives in")
	cmd.Flags().StringVar(&simOpts.Sender, "sender", "", "sender JID")
	cmd.Flags().StringVar(&simOpts.Text, "text", "", "message text")
	cmd.Flags().StringVar(&simOpts.Event, "event", "", "event type token (default MESSAGES_UPSERT)")
	cmd.Flags().BoolVar(&simOpts.Group, "group", false, "treat the chat as a group chat")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func runSimulate(opts *RootOptions, simOpts *SimulateOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("open store: %v", err))
	}
	defer st.Close()

	// Collaborators stay nil-free but unused: TestMessage never executes.
	engine := rules.NewEngine(st, rules.NewExecutor(nil, nil, nil, nil), nil)
	if err := engine.Init(context.Background()); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	chatType := rules.ChatTypeDirect
	if simOpts.Group {
		chatType = rules.ChatTypeGroup
	}
	sender := simOpts.Sender
	if sender == "" {
		sender = simOpts.Chat
	}

	result := engine.TestMessage(&rules.IncomingMessage{
		Event:    simOpts.Event,
		ChatID:   simOpts.Chat,
		ChatType: chatType,
		SenderID: sender,
		Text:     simOpts.Text,
	})

	if opts.Format == "json" {
		return formatter.JSON(result)
	}

	for _, er := range result.EvaluatedRules {
		marker := "✗"
		if er.Matched {
			marker = "✓"
		}
		fmt.Fprintf(formatter.Writer, "%s %s: %s\n", marker, er.RuleID, er.Reason)
		if er.StoppedChain {
			fmt.Fprintln(formatter.Writer, "  (stops evaluation)")
		}
	}
	if len(result.ActionsPreview) > 0 {
		fmt.Fprintln(formatter.Writer, "\nActions that would run:")
		for _, preview := range result.ActionsPreview {
			fmt.Fprintf(formatter.Writer, "  - %s\n", preview)
		}
	} else {
		fmt.Fprintln(formatter.Writer, "\nNo actions would run.")
	}
	return nil
}
