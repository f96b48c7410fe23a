package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "Validate a rule-set file without saving it",
		Long: `Validate a rule-set YAML file against the schema and semantic rules.

Checks syntax, shape (types, enums, required fields), duplicate rule
ids, per-action required fields, and regex pattern compilation.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	source, err := os.ReadFile(path)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("read %s: %v", path, err))
	}

	result := rules.Validate(string(source))

	if opts.Format == "json" {
		if err := formatter.JSON(result); err != nil {
			return err
		}
		if !result.Valid {
			return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
		}
		return nil
	}

	if result.Valid {
		fmt.Fprintf(formatter.Writer, "✓ %d rule(s) valid\n", result.RuleCount)
		return nil
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, ve := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s\n", ve.Error())
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}
