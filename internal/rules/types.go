package rules

import "time"

// Event type tokens as delivered by the WhatsApp webhook.
// Rules that omit match.events subscribe to EventMessagesUpsert.
const (
	EventMessagesUpsert   = "MESSAGES_UPSERT"
	EventConnectionUpdate = "CONNECTION_UPDATE"
)

// DefaultPriority is assigned to rules that do not declare a priority.
// Lower priorities fire first.
const DefaultPriority = 100

// ChatType classifies the originating chat of a message.
type ChatType string

const (
	ChatTypeAny    ChatType = "any"
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// TextMode selects how text patterns are applied to a message.
type TextMode string

const (
	TextModeContains   TextMode = "contains"
	TextModeStartsWith TextMode = "starts_with"
	TextModeRegex      TextMode = "regex"
)

// ActionType identifies a rule action variant. The set is closed:
// the executor dispatches with an exhaustive switch and rejects
// anything else at validation time.
type ActionType string

const (
	ActionHAService     ActionType = "ha_service"
	ActionReplyWhatsApp ActionType = "reply_whatsapp"
)

// RuleSetVersion is the only supported rule-set schema version.
const RuleSetVersion = 1

// RuleSet is the full collection of automation rules plus its schema
// version. Exactly one rule set is active at a time; the store keeps a
// monotonic revision counter next to it.
type RuleSet struct {
	Version int    `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Rule is one declarative automation rule.
//
// Enabled, Priority and StopOnMatch are pointers so that an absent key
// can be told apart from an explicit zero value; use the accessor
// methods for the effective values.
type Rule struct {
	ID              string       `yaml:"id" json:"id"`
	Name            string       `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled         *bool        `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority        *int         `yaml:"priority,omitempty" json:"priority,omitempty"`
	StopOnMatch     *bool        `yaml:"stop_on_match,omitempty" json:"stop_on_match,omitempty"`
	CooldownSeconds int          `yaml:"cooldown_seconds,omitempty" json:"cooldown_seconds,omitempty"`
	Match           RuleMatch    `yaml:"match,omitempty" json:"match,omitempty"`
	Actions         []RuleAction `yaml:"actions" json:"actions"`
}

// IsEnabled reports whether the rule participates in matching.
// Rules are enabled unless explicitly disabled.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// EffectivePriority returns the declared priority or DefaultPriority.
func (r *Rule) EffectivePriority() int {
	if r.Priority == nil {
		return DefaultPriority
	}
	return *r.Priority
}

// StopsOnMatch reports whether a match halts evaluation of later
// rules. Defaults to true.
func (r *Rule) StopsOnMatch() bool {
	return r.StopOnMatch == nil || *r.StopOnMatch
}

// DisplayName returns the rule name, falling back to the id.
func (r *Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// RuleMatch describes the conditions a message must satisfy. Every
// field is optional; an absent field places no constraint on that
// dimension. A fully empty match block is an explicit catch-all for
// the default event type.
type RuleMatch struct {
	Events []string     `yaml:"events,omitempty" json:"events,omitempty"`
	Chat   *ChatMatch   `yaml:"chat,omitempty" json:"chat,omitempty"`
	Sender *SenderMatch `yaml:"sender,omitempty" json:"sender,omitempty"`
	Text   *TextMatch   `yaml:"text,omitempty" json:"text,omitempty"`
}

// ChatMatch constrains the originating chat.
type ChatMatch struct {
	Type ChatType `yaml:"type,omitempty" json:"type,omitempty"`
	IDs  []string `yaml:"ids,omitempty" json:"ids,omitempty"`
}

// SenderMatch constrains the message sender. IDs are compared exactly;
// Numbers are compared after phone extraction on both sides. When both
// are configured each must pass independently.
type SenderMatch struct {
	IDs     []string `yaml:"ids,omitempty" json:"ids,omitempty"`
	Numbers []string `yaml:"numbers,omitempty" json:"numbers,omitempty"`
}

// TextMatch constrains the message text. Patterns are OR-ed within the
// configured mode.
type TextMatch struct {
	Mode     TextMode `yaml:"mode" json:"mode"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// ServiceTarget names the Home Assistant entity a service call is
// aimed at.
type ServiceTarget struct {
	EntityID string `yaml:"entity_id" json:"entity_id"`
}

// RuleAction is one outbound action of a rule. Type selects the
// variant; the remaining fields belong to exactly one variant each
// (Service/Target/Data to ha_service, Text to reply_whatsapp).
// Validation enforces the per-variant required fields.
type RuleAction struct {
	Type ActionType `yaml:"type" json:"type"`

	// ha_service
	Service string         `yaml:"service,omitempty" json:"service,omitempty"`
	Target  *ServiceTarget `yaml:"target,omitempty" json:"target,omitempty"`
	Data    map[string]any `yaml:"data,omitempty" json:"data,omitempty"`

	// reply_whatsapp
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
}

// IncomingMessage is one inbound event, already decoded from the
// webhook wire format. It is ephemeral: the engine never persists it.
type IncomingMessage struct {
	Event      string   `json:"event,omitempty"`
	ChatID     string   `json:"chatId"`
	ChatType   ChatType `json:"chatType"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName,omitempty"`
	Text       string   `json:"text"`
	MessageID  string   `json:"messageId,omitempty"`
}

// EventType returns the message's event token, defaulting to
// EventMessagesUpsert when the webhook did not carry one.
func (m *IncomingMessage) EventType() string {
	if m.Event == "" {
		return EventMessagesUpsert
	}
	return m.Event
}

// MatchResult is the matcher's decision for one rule against one
// message. Reason is a human-readable trace for diagnostics, not a
// semantic output.
type MatchResult struct {
	Matches bool   `json:"matches"`
	Reason  string `json:"reason"`
}

// ActionOutcome records the result of executing a single action.
type ActionOutcome struct {
	Type       ActionType `json:"type"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	Details    string     `json:"details"`
	DurationMs int64      `json:"durationMs"`
}

// EvaluatedRule is one entry of the per-message audit trail.
type EvaluatedRule struct {
	RuleID          string `json:"ruleId"`
	RuleName        string `json:"ruleName"`
	Matched         bool   `json:"matched"`
	Reason          string `json:"reason"`
	SkippedCooldown bool   `json:"skippedCooldown,omitempty"`
	StoppedChain    bool   `json:"stoppedChain,omitempty"`
}

// ExecutionResult is the full audit trail of one ProcessMessage call.
type ExecutionResult struct {
	EvaluatedRules  []EvaluatedRule `json:"evaluatedRules"`
	ExecutedActions []ActionOutcome `json:"executedActions"`
	Logs            []string        `json:"logs"`
}

// MatchedRulePreview names a rule that matched during a dry run.
type MatchedRulePreview struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Reason   string `json:"reason"`
}

// TestResult is the outcome of a dry-run simulation: no cooldowns, no
// action execution, no fire records.
type TestResult struct {
	EvaluatedRules []EvaluatedRule      `json:"evaluatedRules"`
	MatchedRules   []MatchedRulePreview `json:"matchedRules"`
	ActionsPreview []string             `json:"actionsPreview"`
}

// RuleFire is one immutable append-only log record of a rule that
// matched and had its actions executed.
type RuleFire struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"ruleId"`
	RuleName     string          `json:"ruleName"`
	MessageRef   string          `json:"messageRef,omitempty"`
	ChatID       string          `json:"chatId"`
	SenderID     string          `json:"senderId"`
	MatchedText  string          `json:"matchedText"`
	Actions      []ActionOutcome `json:"actions"`
	Success      bool            `json:"success"`
	ErrorSummary string          `json:"errorSummary,omitempty"`
	EventType    string          `json:"eventType"`
	FiredAt      time.Time       `json:"firedAt"`
}

// StoredRuleSet is the persisted form of the active rule set: the raw
// source as authored, the canonical re-serialization, the parsed form
// as JSON, and the store's revision counter.
type StoredRuleSet struct {
	Revision  int       `json:"revision"`
	Source    string    `json:"source"`
	Canonical string    `json:"canonical"`
	Parsed    []byte    `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}
