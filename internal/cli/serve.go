package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/config"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/homeassistant"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/httpapi"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/store"
	"github.com/bakeable/ha-add-on-whatsapp-api/internal/whatsapp"
)

// NewServeCommand creates the serve command: the long-running webhook
// server plus rule engine.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the webhook server and rule engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts)
		},
	}
	return cmd
}

func runServe(opts *RootOptions) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("open store: %v", err))
	}
	defer st.Close()

	log := slog.Default()

	ha := homeassistant.New(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, cfg.HATimeout())
	wa := whatsapp.New(cfg.WhatsApp.URL, cfg.WhatsApp.APIKey, cfg.WhatsApp.Instance, cfg.WATimeout())
	executor := rules.NewExecutor(ha, wa, cfg.HomeAssistant.AllowedServices, log)
	engine := rules.NewEngine(st, executor, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrapRules(ctx, engine, cfg.RulesFile, log); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	if err := engine.Init(ctx); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.New(engine, log).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// bootstrapRules seeds the store from a rules file on first start. An
// already-populated store wins: the file is only a starting point, the
// store is the source of truth afterwards.
func bootstrapRules(ctx context.Context, engine *rules.Engine, rulesFile string, log *slog.Logger) error {
	if rulesFile == "" {
		return nil
	}
	if err := engine.Init(ctx); err != nil {
		return err
	}
	if _, revision := engine.ActiveRuleSet(); revision > 0 {
		return nil
	}

	source, err := os.ReadFile(rulesFile)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("rules file not found, starting with empty rule set", "path", rulesFile)
			return nil
		}
		return fmt.Errorf("read rules file %s: %w", rulesFile, err)
	}

	result, err := engine.SaveRules(ctx, string(source))
	if err != nil {
		return err
	}
	if !result.Valid {
		for _, ve := range result.Errors {
			log.Error("rules file invalid", "path", rulesFile, "problem", ve.Error())
		}
		return fmt.Errorf("rules file %s failed validation with %d error(s)", rulesFile, len(result.Errors))
	}
	log.Info("rules bootstrapped from file", "path", rulesFile, "rules", result.RuleCount)
	return nil
}
