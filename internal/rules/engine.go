package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Store is the durable collaborator behind the engine: the versioned
// active rule set, the cooldown table, and the append-only fire log.
// Implemented by internal/store.
type Store interface {
	CooldownStore

	// ActiveRuleSet returns the persisted rule set, or nil when none
	// has been saved yet.
	ActiveRuleSet(ctx context.Context) (*StoredRuleSet, error)

	// SaveRuleSet persists a validated rule set (raw source, canonical
	// source, parsed JSON) and returns the incremented revision.
	SaveRuleSet(ctx context.Context, source, canonical string, parsed []byte) (int, error)

	// AppendRuleFire appends one immutable fire record.
	AppendRuleFire(ctx context.Context, fire *RuleFire) error
}

// snapshot is the immutable in-memory view of the active rule set.
// Swapped atomically on reload so concurrent readers always see a
// fully-formed set; never mutated in place.
type snapshot struct {
	revision int
	set      RuleSet
	// enabled rules, stable-sorted by ascending priority
	ordered []*Rule
}

// Engine ties the matcher, cooldown tracker, executor and store
// together. One ProcessMessage call is strictly sequential: ordered
// priorities and stop_on_match require a deterministic scan. Multiple
// calls may run concurrently; the store provides the atomicity for the
// shared cooldown and fire-log state.
type Engine struct {
	store     Store
	cooldowns *CooldownTracker
	executor  *Executor
	log       *slog.Logger
	now       func() time.Time

	current atomic.Pointer[snapshot]
}

// NewEngine creates an engine over the given collaborators. Call Init
// before processing messages.
func NewEngine(store Store, executor *Executor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     store,
		cooldowns: NewCooldownTracker(store),
		executor:  executor,
		log:       log,
		now:       time.Now,
	}
}

// Init loads the active rule set from the store into the in-memory
// cache. A store without a saved rule set yields an empty cache.
func (e *Engine) Init(ctx context.Context) error {
	return e.Reload(ctx)
}

// Reload refreshes the cached rule set from the store. A missing or
// corrupt persisted set is treated as an empty rule set: message
// processing must keep working, it just matches nothing. A live
// storage failure is returned as-is.
func (e *Engine) Reload(ctx context.Context) error {
	stored, err := e.store.ActiveRuleSet(ctx)
	if err != nil {
		return fmt.Errorf("load active rule set: %w", err)
	}

	snap := &snapshot{}
	if stored != nil {
		snap.revision = stored.Revision
		if err := json.Unmarshal(stored.Parsed, &snap.set); err != nil {
			e.log.Warn("stored rule set is corrupt, treating as empty",
				"revision", stored.Revision,
				"error", err,
			)
			snap.set = RuleSet{}
		}
	}
	snap.ordered = orderRules(snap.set.Rules)

	e.current.Store(snap)
	e.log.Info("rule set loaded",
		"revision", snap.revision,
		"rules", len(snap.set.Rules),
		"enabled", len(snap.ordered),
	)
	return nil
}

// SaveRules validates a candidate rule-set source and, when valid,
// persists it and swaps the cache to the new set. The validation
// result is returned either way; the caller decides how to surface it.
func (e *Engine) SaveRules(ctx context.Context, source string) (*ValidationResult, error) {
	result := Validate(source)
	if !result.Valid {
		return result, nil
	}

	var rs RuleSet
	if err := yamlDecode(result.NormalizedText, &rs); err != nil {
		return result, fmt.Errorf("decode validated rule set: %w", err)
	}
	parsed, err := json.Marshal(&rs)
	if err != nil {
		return result, fmt.Errorf("marshal rule set: %w", err)
	}

	revision, err := e.store.SaveRuleSet(ctx, source, result.NormalizedText, parsed)
	if err != nil {
		return result, fmt.Errorf("save rule set: %w", err)
	}

	snap := &snapshot{revision: revision, set: rs, ordered: orderRules(rs.Rules)}
	e.current.Store(snap)
	e.log.Info("rule set saved", "revision", revision, "rules", len(rs.Rules))
	return result, nil
}

// ActiveRuleSet returns the cached rule set and its revision.
func (e *Engine) ActiveRuleSet() (RuleSet, int) {
	snap := e.current.Load()
	if snap == nil {
		return RuleSet{}, 0
	}
	return snap.set, snap.revision
}

// ProcessMessage evaluates one inbound message against the cached rule
// set: enabled rules in priority order, cooldown check, match check,
// action execution, fire logging, stop-on-match. Returns the full
// audit trail. Storage failures propagate; everything user-authored
// (rule content, action outcomes) is contained.
func (e *Engine) ProcessMessage(ctx context.Context, msg *IncomingMessage) (*ExecutionResult, error) {
	result := &ExecutionResult{
		EvaluatedRules:  []EvaluatedRule{},
		ExecutedActions: []ActionOutcome{},
		Logs:            []string{},
	}

	snap := e.current.Load()
	if snap == nil || len(snap.ordered) == 0 {
		result.Logs = append(result.Logs, "no rules loaded")
		return result, nil
	}

	e.log.Debug("processing message",
		"event", msg.EventType(),
		"chat_id", msg.ChatID,
		"chat_type", msg.ChatType,
		"sender_id", msg.SenderID,
	)

	for _, rule := range snap.ordered {
		onCooldown, err := e.cooldowns.IsOnCooldown(ctx, rule.ID, msg.ChatID)
		if err != nil {
			return result, err
		}
		if onCooldown {
			result.EvaluatedRules = append(result.EvaluatedRules, EvaluatedRule{
				RuleID:          rule.ID,
				RuleName:        rule.DisplayName(),
				Matched:         false,
				Reason:          "on cooldown",
				SkippedCooldown: true,
			})
			result.Logs = append(result.Logs, fmt.Sprintf("rule %s skipped: on cooldown", rule.ID))
			continue
		}

		match := Match(rule, msg)
		if !match.Matches {
			result.EvaluatedRules = append(result.EvaluatedRules, EvaluatedRule{
				RuleID:   rule.ID,
				RuleName: rule.DisplayName(),
				Matched:  false,
				Reason:   match.Reason,
			})
			continue
		}

		e.log.Info("rule matched",
			"rule_id", rule.ID,
			"chat_id", msg.ChatID,
			"reason", match.Reason,
		)

		outcomes := e.executor.Execute(ctx, rule, msg)
		result.ExecutedActions = append(result.ExecutedActions, outcomes...)

		fire := e.buildFire(rule, msg, outcomes)
		if err := e.store.AppendRuleFire(ctx, fire); err != nil {
			return result, fmt.Errorf("append rule fire %s: %w", rule.ID, err)
		}

		stopped := rule.StopsOnMatch()
		result.EvaluatedRules = append(result.EvaluatedRules, EvaluatedRule{
			RuleID:       rule.ID,
			RuleName:     rule.DisplayName(),
			Matched:      true,
			Reason:       match.Reason,
			StoppedChain: stopped,
		})
		result.Logs = append(result.Logs, fmt.Sprintf("rule %s fired: %s", rule.ID, summarize(outcomes)))

		if rule.CooldownSeconds > 0 {
			if err := e.cooldowns.SetCooldown(ctx, rule.ID, msg.ChatID, rule.CooldownSeconds); err != nil {
				return result, err
			}
		}

		if stopped {
			break
		}
	}

	return result, nil
}

// TestMessage is the dry-run twin of ProcessMessage: identical
// matching and stop-on-match ordering, but it never consults
// cooldowns, never executes actions and never writes fire records.
func (e *Engine) TestMessage(msg *IncomingMessage) *TestResult {
	result := &TestResult{
		EvaluatedRules: []EvaluatedRule{},
		MatchedRules:   []MatchedRulePreview{},
		ActionsPreview: []string{},
	}

	snap := e.current.Load()
	if snap == nil {
		return result
	}

	for _, rule := range snap.ordered {
		match := Match(rule, msg)
		stopped := match.Matches && rule.StopsOnMatch()
		result.EvaluatedRules = append(result.EvaluatedRules, EvaluatedRule{
			RuleID:       rule.ID,
			RuleName:     rule.DisplayName(),
			Matched:      match.Matches,
			Reason:       match.Reason,
			StoppedChain: stopped,
		})
		if match.Matches {
			result.MatchedRules = append(result.MatchedRules, MatchedRulePreview{
				RuleID:   rule.ID,
				RuleName: rule.DisplayName(),
				Reason:   match.Reason,
			})
			result.ActionsPreview = append(result.ActionsPreview, e.executor.Preview(rule, msg)...)
		}
		if stopped {
			break
		}
	}

	return result
}

func (e *Engine) buildFire(rule *Rule, msg *IncomingMessage, outcomes []ActionOutcome) *RuleFire {
	fire := &RuleFire{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.DisplayName(),
		MessageRef:  msg.MessageID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		MatchedText: truncate(msg.Text, 200),
		Actions:     outcomes,
		Success:     true,
		EventType:   msg.EventType(),
		FiredAt:     e.now().UTC(),
	}

	var failures []string
	for _, o := range outcomes {
		if !o.Success {
			fire.Success = false
			failures = append(failures, fmt.Sprintf("%s: %s", o.Type, o.Error))
		}
	}
	fire.ErrorSummary = strings.Join(failures, "; ")
	return fire
}

// orderRules builds the working list for one evaluation pass: enabled
// rules only, stable-sorted by ascending priority so that equal
// priorities keep declaration order.
func orderRules(all []Rule) []*Rule {
	ordered := make([]*Rule, 0, len(all))
	for i := range all {
		if all[i].IsEnabled() {
			ordered = append(ordered, &all[i])
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EffectivePriority() < ordered[j].EffectivePriority()
	})
	return ordered
}

func summarize(outcomes []ActionOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Success {
			parts = append(parts, fmt.Sprintf("%s ok (%dms)", o.Type, o.DurationMs))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed: %s", o.Type, o.Error))
		}
	}
	if len(parts) == 0 {
		return "no actions"
	}
	return strings.Join(parts, ", ")
}
