package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// HomeCaller invokes a Home Assistant service. Implemented by
// internal/homeassistant.
type HomeCaller interface {
	CallService(ctx context.Context, service string, target *ServiceTarget, data map[string]any) error
}

// ReplySender sends a text message back into a chat and returns the
// provider's message id. Implemented by internal/whatsapp.
type ReplySender interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
}

// Executor dispatches a matched rule's actions to the two external
// collaborators. Actions run in declared order; each outcome is
// independent, so one failure never prevents later actions of the same
// rule.
type Executor struct {
	home    HomeCaller
	sender  ReplySender
	allowed map[string]struct{}
	log     *slog.Logger
}

// NewExecutor creates an executor. allowedServices is the Home
// Assistant service allowlist: an ha_service action whose service is
// not listed fails without the external call ever being made.
func NewExecutor(home HomeCaller, sender ReplySender, allowedServices []string, log *slog.Logger) *Executor {
	allowed := make(map[string]struct{}, len(allowedServices))
	for _, s := range allowedServices {
		allowed[s] = struct{}{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{home: home, sender: sender, allowed: allowed, log: log}
}

// Execute runs every action of the rule against the message and
// returns one outcome per action, in declared order. Wall-clock
// duration is measured around the external call. A panic inside a
// collaborator is recovered into a failed outcome.
func (x *Executor) Execute(ctx context.Context, rule *Rule, msg *IncomingMessage) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(rule.Actions))
	for i := range rule.Actions {
		action := &rule.Actions[i]
		outcome := ActionOutcome{Type: action.Type, Details: actionDetails(action, msg)}

		start := time.Now()
		err := x.runAction(ctx, action, msg)
		outcome.DurationMs = time.Since(start).Milliseconds()

		if err != nil {
			outcome.Error = err.Error()
			x.log.Warn("action failed",
				"rule_id", rule.ID,
				"action_type", action.Type,
				"error", err,
			)
		} else {
			outcome.Success = true
			x.log.Debug("action executed",
				"rule_id", rule.ID,
				"action_type", action.Type,
				"duration_ms", outcome.DurationMs,
			)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Preview renders the details line for every action without executing
// anything. Used by the dry-run surface.
func (x *Executor) Preview(rule *Rule, msg *IncomingMessage) []string {
	previews := make([]string, 0, len(rule.Actions))
	for i := range rule.Actions {
		previews = append(previews, actionDetails(&rule.Actions[i], msg))
	}
	return previews
}

// runAction dispatches one action. The variant set is closed: anything
// the switch does not cover was rejected by validation, so reaching
// the default arm means a rule bypassed SaveRules.
func (x *Executor) runAction(ctx context.Context, action *RuleAction, msg *IncomingMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	switch action.Type {
	case ActionHAService:
		if _, ok := x.allowed[action.Service]; !ok {
			return fmt.Errorf("service %q not in allowlist", action.Service)
		}
		return x.home.CallService(ctx, action.Service, action.Target, action.Data)

	case ActionReplyWhatsApp:
		_, err := x.sender.SendText(ctx, msg.ChatID, action.Text)
		return err

	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
}

// actionDetails renders the short human-readable description recorded
// in outcomes and fire logs.
func actionDetails(action *RuleAction, msg *IncomingMessage) string {
	switch action.Type {
	case ActionHAService:
		if action.Target != nil && action.Target.EntityID != "" {
			return fmt.Sprintf("Call %s on %s", action.Service, action.Target.EntityID)
		}
		return fmt.Sprintf("Call %s", action.Service)
	case ActionReplyWhatsApp:
		return fmt.Sprintf("Reply %q to %s", truncate(action.Text, 60), msg.ChatID)
	default:
		return fmt.Sprintf("Unknown action %q", action.Type)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "…"
}
