package rules

import (
	"fmt"
	"strings"
)

// Match decides whether a single rule matches a single message.
//
// Evaluation runs a fixed sequence of short-circuiting AND gates:
// event, chat type, chat ids, sender ids, sender numbers, text. The
// first failing gate ends evaluation with Matches=false and a reason
// naming the gate. On success the reason is a comma-joined trace of
// every gate that was checked and the value that satisfied it.
//
// Pure: never mutates rule or message, never returns an error. A text
// pattern that is not a valid regex simply never matches.
func Match(rule *Rule, msg *IncomingMessage) MatchResult {
	var trace []string

	// Event gate. An omitted events list subscribes to the default
	// event type only.
	events := rule.Match.Events
	if len(events) == 0 {
		events = []string{EventMessagesUpsert}
	}
	event := msg.EventType()
	if !containsString(events, event) {
		return noMatch("event %s not in rule events %v", event, events)
	}
	trace = append(trace, "event="+event)

	if chat := rule.Match.Chat; chat != nil {
		if chat.Type != "" && chat.Type != ChatTypeAny {
			if chat.Type != msg.ChatType {
				return noMatch("chat type mismatch: want %s, got %s", chat.Type, msg.ChatType)
			}
			trace = append(trace, "chat type="+string(chat.Type))
		}
		if len(chat.IDs) > 0 {
			if !containsString(chat.IDs, msg.ChatID) {
				return noMatch("chat id %s not in rule chat ids", msg.ChatID)
			}
			trace = append(trace, "chat id="+msg.ChatID)
		}
	}

	if sender := rule.Match.Sender; sender != nil {
		// Exact id membership, no normalization.
		if len(sender.IDs) > 0 {
			if !containsString(sender.IDs, msg.SenderID) {
				return noMatch("sender id %s not in rule sender ids", msg.SenderID)
			}
			trace = append(trace, "sender id="+msg.SenderID)
		}
		// Phone comparison after extraction on both sides. Enforced
		// independently of the id gate: when both are configured, both
		// must pass.
		if len(sender.Numbers) > 0 {
			got := ExtractPhone(msg.SenderID)
			matched := ""
			for _, n := range sender.Numbers {
				if got != "" && got == ExtractPhone(n) {
					matched = got
					break
				}
			}
			if matched == "" {
				return noMatch("sender number %s not in rule sender numbers", got)
			}
			trace = append(trace, "sender number="+matched)
		}
	}

	if text := rule.Match.Text; text != nil && len(text.Patterns) > 0 {
		pattern, ok := matchText(text, msg.Text)
		if !ok {
			return noMatch("text %s: no pattern matched", text.Mode)
		}
		trace = append(trace, fmt.Sprintf("text %s %q", text.Mode, pattern))
	}

	return MatchResult{Matches: true, Reason: strings.Join(trace, ", ")}
}

// matchText applies the configured text mode. Patterns are OR-ed: the
// first one that matches wins. contains and starts_with compare
// normalized forms of both sides; regex runs case-insensitively
// against the raw message text.
func matchText(tm *TextMatch, text string) (pattern string, ok bool) {
	switch tm.Mode {
	case TextModeContains:
		normalized := Normalize(text)
		for _, p := range tm.Patterns {
			if strings.Contains(normalized, Normalize(p)) {
				return p, true
			}
		}
	case TextModeStartsWith:
		normalized := Normalize(text)
		for _, p := range tm.Patterns {
			if strings.HasPrefix(normalized, Normalize(p)) {
				return p, true
			}
		}
	case TextModeRegex:
		for _, p := range tm.Patterns {
			if matchRegex(p, text) {
				return p, true
			}
		}
	}
	return "", false
}

func noMatch(format string, args ...any) MatchResult {
	return MatchResult{Matches: false, Reason: fmt.Sprintf(format, args...)}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
