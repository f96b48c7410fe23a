package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for engine tests. Cooldowns are kept
// in a map keyed rule|scope, mirroring the SQLite primary key.
type fakeStore struct {
	stored    *StoredRuleSet
	loadErr   error
	saveErr   error
	appendErr error

	revision  int
	cooldowns map[string]time.Time
	fires     []*RuleFire
}

func newFakeStore() *fakeStore {
	return &fakeStore{cooldowns: make(map[string]time.Time)}
}

func (s *fakeStore) ActiveRuleSet(ctx context.Context) (*StoredRuleSet, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.stored, nil
}

func (s *fakeStore) SaveRuleSet(ctx context.Context, source, canonical string, parsed []byte) (int, error) {
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	s.revision++
	s.stored = &StoredRuleSet{
		Revision:  s.revision,
		Source:    source,
		Canonical: canonical,
		Parsed:    parsed,
		UpdatedAt: time.Now().UTC(),
	}
	return s.revision, nil
}

func (s *fakeStore) AppendRuleFire(ctx context.Context, fire *RuleFire) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.fires = append(s.fires, fire)
	return nil
}

func (s *fakeStore) PurgeExpiredCooldowns(ctx context.Context, now time.Time) error {
	for key, expires := range s.cooldowns {
		if !expires.After(now) {
			delete(s.cooldowns, key)
		}
	}
	return nil
}

func (s *fakeStore) CooldownActive(ctx context.Context, ruleID, scopeKey string, now time.Time) (bool, error) {
	expires, ok := s.cooldowns[ruleID+"|"+scopeKey]
	return ok && expires.After(now), nil
}

func (s *fakeStore) UpsertCooldown(ctx context.Context, ruleID, scopeKey string, expiresAt time.Time) error {
	s.cooldowns[ruleID+"|"+scopeKey] = expiresAt
	return nil
}

type fakeHome struct {
	calls []string
	err   error
}

func (h *fakeHome) CallService(ctx context.Context, service string, target *ServiceTarget, data map[string]any) error {
	h.calls = append(h.calls, service)
	return h.err
}

type fakeSender struct {
	sent []string
	err  error
}

func (s *fakeSender) SendText(ctx context.Context, chatID, text string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, fmt.Sprintf("%s: %s", chatID, text))
	return "WAMID123", nil
}

type engineFixture struct {
	engine *Engine
	store  *fakeStore
	home   *fakeHome
	sender *fakeSender
	clock  time.Time
}

// newEngineFixture builds an initialized engine over the given rules
// with a deterministic clock the test can advance.
func newEngineFixture(t *testing.T, ruleList ...Rule) *engineFixture {
	t.Helper()

	store := newFakeStore()
	if ruleList != nil {
		parsed, err := json.Marshal(&RuleSet{Version: RuleSetVersion, Rules: ruleList})
		require.NoError(t, err)
		store.stored = &StoredRuleSet{Revision: 1, Parsed: parsed, UpdatedAt: time.Now().UTC()}
		store.revision = 1
	}

	home := &fakeHome{}
	sender := &fakeSender{}
	executor := NewExecutor(home, sender, []string{"script.goodnight", "light.turn_off"}, nil)
	engine := NewEngine(store, executor, nil)

	f := &engineFixture{
		engine: engine,
		store:  store,
		home:   home,
		sender: sender,
		clock:  time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC),
	}
	engine.now = func() time.Time { return f.clock }
	engine.cooldowns.now = engine.now

	require.NoError(t, engine.Init(context.Background()))
	return f
}

func (f *engineFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func goodnightRule(id string, priority int) Rule {
	return Rule{
		ID:       id,
		Priority: &priority,
		Match: RuleMatch{
			Text: &TextMatch{Mode: TextModeContains, Patterns: []string{"goodnight"}},
		},
		Actions: []RuleAction{
			{Type: ActionHAService, Service: "script.goodnight"},
			{Type: ActionReplyWhatsApp, Text: "Sleep well!"},
		},
	}
}

func goodnightMessage() *IncomingMessage {
	return &IncomingMessage{
		MessageID: "MSG1",
		ChatID:    "31612345678@s.whatsapp.net",
		ChatType:  ChatTypeDirect,
		SenderID:  "31612345678@s.whatsapp.net",
		Text:      "goodnight!",
	}
}

func TestEngine_ProcessMessage_FiresMatchingRule(t *testing.T) {
	f := newEngineFixture(t, goodnightRule("gn", 100))

	result, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err)

	require.Len(t, result.EvaluatedRules, 1)
	assert.True(t, result.EvaluatedRules[0].Matched)
	assert.True(t, result.EvaluatedRules[0].StoppedChain)

	require.Len(t, result.ExecutedActions, 2)
	assert.True(t, result.ExecutedActions[0].Success)
	assert.True(t, result.ExecutedActions[1].Success)

	assert.Equal(t, []string{"script.goodnight"}, f.home.calls)
	assert.Equal(t, []string{"31612345678@s.whatsapp.net: Sleep well!"}, f.sender.sent)

	require.Len(t, f.store.fires, 1)
	fire := f.store.fires[0]
	assert.NotEmpty(t, fire.ID)
	assert.Equal(t, "gn", fire.RuleID)
	assert.Equal(t, "MSG1", fire.MessageRef)
	assert.Equal(t, "goodnight!", fire.MatchedText)
	assert.True(t, fire.Success)
	assert.Empty(t, fire.ErrorSummary)
	assert.Equal(t, f.clock, fire.FiredAt)
}

func TestEngine_ProcessMessage_PriorityOrderAndStopOnMatch(t *testing.T) {
	// Declared out of order on purpose: priority decides.
	f := newEngineFixture(t,
		goodnightRule("late", 100),
		goodnightRule("early", 50),
	)

	result, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err)

	require.Len(t, result.EvaluatedRules, 1, "stop_on_match defaults to true, the second rule is never evaluated")
	assert.Equal(t, "early", result.EvaluatedRules[0].RuleID)

	require.Len(t, f.store.fires, 1)
	assert.Equal(t, "early", f.store.fires[0].RuleID)
	assert.Len(t, f.home.calls, 1)
}

func TestEngine_ProcessMessage_StopOnMatchFalseContinues(t *testing.T) {
	noStop := false
	first := goodnightRule("first", 50)
	first.StopOnMatch = &noStop

	f := newEngineFixture(t, first, goodnightRule("second", 100))

	result, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err)

	require.Len(t, result.EvaluatedRules, 2)
	assert.False(t, result.EvaluatedRules[0].StoppedChain)
	assert.True(t, result.EvaluatedRules[1].StoppedChain)
	assert.Len(t, f.store.fires, 2)
	assert.Equal(t, []string{"script.goodnight", "script.goodnight"}, f.home.calls)
}

func TestEngine_ProcessMessage_SkipsDisabledRules(t *testing.T) {
	off := false
	disabled := goodnightRule("disabled", 10)
	disabled.Enabled = &off

	f := newEngineFixture(t, disabled, goodnightRule("enabled", 100))

	result, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err)

	require.Len(t, result.EvaluatedRules, 1)
	assert.Equal(t, "enabled", result.EvaluatedRules[0].RuleID)
}

func TestEngine_ProcessMessage_Cooldown(t *testing.T) {
	rule := goodnightRule("gn", 100)
	rule.CooldownSeconds = 60

	f := newEngineFixture(t, rule)
	ctx := context.Background()

	first, err := f.engine.ProcessMessage(ctx, goodnightMessage())
	require.NoError(t, err)
	require.Len(t, first.EvaluatedRules, 1)
	assert.True(t, first.EvaluatedRules[0].Matched)

	// Inside the window: skipped, no actions, no fire record.
	f.advance(30 * time.Second)
	second, err := f.engine.ProcessMessage(ctx, goodnightMessage())
	require.NoError(t, err)
	require.Len(t, second.EvaluatedRules, 1)
	assert.False(t, second.EvaluatedRules[0].Matched)
	assert.True(t, second.EvaluatedRules[0].SkippedCooldown)
	assert.Equal(t, "on cooldown", second.EvaluatedRules[0].Reason)
	assert.Empty(t, second.ExecutedActions)
	assert.Len(t, f.store.fires, 1)

	// Past the window: eligible again.
	f.advance(31 * time.Second)
	third, err := f.engine.ProcessMessage(ctx, goodnightMessage())
	require.NoError(t, err)
	assert.True(t, third.EvaluatedRules[0].Matched)
	assert.Len(t, f.store.fires, 2)
}

func TestEngine_ProcessMessage_CooldownIsPerChat(t *testing.T) {
	rule := goodnightRule("gn", 100)
	rule.CooldownSeconds = 60

	f := newEngineFixture(t, rule)
	ctx := context.Background()

	_, err := f.engine.ProcessMessage(ctx, goodnightMessage())
	require.NoError(t, err)

	other := goodnightMessage()
	other.ChatID = "31687654321@s.whatsapp.net"
	result, err := f.engine.ProcessMessage(ctx, other)
	require.NoError(t, err)

	require.Len(t, result.EvaluatedRules, 1)
	assert.True(t, result.EvaluatedRules[0].Matched, "the window is scoped to the originating chat")
}

func TestEngine_ProcessMessage_ActionFailureIsIsolated(t *testing.T) {
	f := newEngineFixture(t, goodnightRule("gn", 100))
	f.home.err = errors.New("service unavailable")

	result, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err, "an action failure is an outcome, not a processing error")

	require.Len(t, result.ExecutedActions, 2)
	assert.False(t, result.ExecutedActions[0].Success)
	assert.Contains(t, result.ExecutedActions[0].Error, "service unavailable")
	assert.True(t, result.ExecutedActions[1].Success, "the reply still goes out")

	require.Len(t, f.store.fires, 1)
	fire := f.store.fires[0]
	assert.False(t, fire.Success)
	assert.Contains(t, fire.ErrorSummary, "service unavailable")
}

func TestEngine_ProcessMessage_NoRulesLoaded(t *testing.T) {
	f := newEngineFixture(t)

	result, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err)
	assert.Empty(t, result.EvaluatedRules)
	assert.Empty(t, result.ExecutedActions)
	assert.Contains(t, result.Logs, "no rules loaded")
}

func TestEngine_ProcessMessage_FireLogFailurePropagates(t *testing.T) {
	f := newEngineFixture(t, goodnightRule("gn", 100))
	f.store.appendErr = errors.New("disk full")

	_, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestEngine_TestMessage_IsDryRun(t *testing.T) {
	rule := goodnightRule("gn", 100)
	rule.CooldownSeconds = 60

	f := newEngineFixture(t, rule)

	result := f.engine.TestMessage(goodnightMessage())

	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, "gn", result.MatchedRules[0].RuleID)
	require.Len(t, result.ActionsPreview, 2)
	assert.Contains(t, result.ActionsPreview[0], "script.goodnight")

	assert.Empty(t, f.home.calls, "dry run must not call Home Assistant")
	assert.Empty(t, f.sender.sent, "dry run must not send messages")
	assert.Empty(t, f.store.fires, "dry run must not record fires")
	assert.Empty(t, f.store.cooldowns, "dry run must not open cooldown windows")

	// And it ignores active cooldowns: after a real fire the dry run
	// still reports a match.
	_, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err)
	again := f.engine.TestMessage(goodnightMessage())
	assert.Len(t, again.MatchedRules, 1)
}

func TestEngine_SaveRules_RejectsInvalidWithoutPersisting(t *testing.T) {
	f := newEngineFixture(t, goodnightRule("gn", 100))

	result, err := f.engine.SaveRules(context.Background(), "version: 1\nrules:\n  - id: bad\n    actions: []\n")
	require.NoError(t, err)
	assert.False(t, result.Valid)

	_, revision := f.engine.ActiveRuleSet()
	assert.Equal(t, 1, revision, "an invalid save must not touch the store or the cache")
}

func TestEngine_SaveRules_PersistsAndSwapsCache(t *testing.T) {
	f := newEngineFixture(t, goodnightRule("gn", 100))

	source := `version: 1
rules:
  - id: lights-out
    actions:
      - type: ha_service
        service: light.turn_off
`
	result, err := f.engine.SaveRules(context.Background(), source)
	require.NoError(t, err)
	require.True(t, result.Valid, "errors: %v", result.Errors)

	set, revision := f.engine.ActiveRuleSet()
	assert.Equal(t, 2, revision)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, "lights-out", set.Rules[0].ID)

	// The new set is live immediately.
	processed, err := f.engine.ProcessMessage(context.Background(), goodnightMessage())
	require.NoError(t, err)
	require.Len(t, processed.EvaluatedRules, 1)
	assert.Equal(t, "lights-out", processed.EvaluatedRules[0].RuleID)
}

func TestEngine_Reload_CorruptStoredSetIsEmpty(t *testing.T) {
	store := newFakeStore()
	store.stored = &StoredRuleSet{Revision: 3, Parsed: []byte("{not json")}

	engine := NewEngine(store, NewExecutor(nil, nil, nil, nil), nil)
	require.NoError(t, engine.Init(context.Background()))

	set, revision := engine.ActiveRuleSet()
	assert.Equal(t, 3, revision)
	assert.Empty(t, set.Rules)
}

func TestEngine_Reload_StoreErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("database is locked")

	engine := NewEngine(store, NewExecutor(nil, nil, nil, nil), nil)
	err := engine.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}
