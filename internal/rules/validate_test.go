package rules

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRuleSet = `version: 1
rules:
  - id: goodnight
    name: Goodnight routine
    priority: 50
    cooldown_seconds: 300
    match:
      chat:
        type: direct
      sender:
        numbers:
          - "31612345678"
      text:
        mode: contains
        patterns:
          - goodnight
    actions:
      - type: ha_service
        service: script.goodnight
        target:
          entity_id: script.goodnight
      - type: reply_whatsapp
        text: "Goodnight! Lights are off."
`

func TestValidate_ValidRuleSet(t *testing.T) {
	result := Validate(validRuleSet)

	require.True(t, result.Valid, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.RuleCount)
	assert.NotEmpty(t, result.NormalizedText)

	// The canonical form must round-trip to the same rule set.
	var first, second RuleSet
	require.NoError(t, yamlDecode(validRuleSet, &first))
	require.NoError(t, yamlDecode(result.NormalizedText, &second))
	assert.Equal(t, first, second)

	// And re-validating the canonical form must be stable.
	again := Validate(result.NormalizedText)
	require.True(t, again.Valid)
	assert.Equal(t, result.NormalizedText, again.NormalizedText)
}

func TestValidate_SyntaxError(t *testing.T) {
	result := Validate("version: 1\nrules:\n\t- id: broken\n")

	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1, "a syntax failure short-circuits with exactly one error")
	assert.Equal(t, 0, result.RuleCount)
	assert.Greater(t, result.Errors[0].Line, 0, "yaml syntax errors carry a line number")
}

func TestValidate_DuplicateIDs(t *testing.T) {
	source := `version: 1
rules:
  - id: dup
    actions:
      - type: reply_whatsapp
        text: one
  - id: dup
    actions:
      - type: reply_whatsapp
        text: two
`
	result := Validate(source)

	require.False(t, result.Valid)
	found := false
	for _, ve := range result.Errors {
		if ve.Path == "rules.1.id" {
			found = true
			assert.Contains(t, ve.Message, "dup", "the error must name the duplicate id")
		}
	}
	assert.True(t, found, "expected an error at rules.1.id, got %v", result.Errors)
}

func TestValidate_WrongVersion(t *testing.T) {
	result := Validate("version: 2\nrules: []\n")
	require.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestValidate_MissingActionFields(t *testing.T) {
	source := `version: 1
rules:
  - id: incomplete
    actions:
      - type: ha_service
      - type: reply_whatsapp
`
	result := Validate(source)

	require.False(t, result.Valid)
	paths := make([]string, 0, len(result.Errors))
	for _, ve := range result.Errors {
		paths = append(paths, ve.Path)
	}
	assert.Contains(t, paths, "rules.0.actions.0.service")
	assert.Contains(t, paths, "rules.0.actions.1.text")
}

func TestValidate_NoActions(t *testing.T) {
	source := `version: 1
rules:
  - id: empty
    actions: []
`
	result := Validate(source)
	require.False(t, result.Valid, "a rule needs at least one action")
}

func TestValidate_BadRegexPattern(t *testing.T) {
	source := `version: 1
rules:
  - id: re
    match:
      text:
        mode: regex
        patterns:
          - "[unbalanced"
    actions:
      - type: reply_whatsapp
        text: ok
`
	result := Validate(source)

	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "rules.0.match.text.patterns.0", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "[unbalanced")
}

func TestValidate_BadEnumValue(t *testing.T) {
	source := `version: 1
rules:
  - id: enum
    match:
      text:
        mode: fuzzy
        patterns:
          - hello
    actions:
      - type: reply_whatsapp
        text: ok
`
	result := Validate(source)
	require.False(t, result.Valid, "mode must be one of contains|starts_with|regex")
}

// TestValidate_SemanticErrorsGolden pins the exact structured error
// list for a rule set that is shape-valid but semantically broken:
// this is what the editing UI renders.
func TestValidate_SemanticErrorsGolden(t *testing.T) {
	source := `version: 1
rules:
  - id: dup
    actions:
      - type: ha_service
  - id: dup
    match:
      text:
        mode: regex
        patterns:
          - "[unbalanced"
    actions:
      - type: reply_whatsapp
`
	result := Validate(source)
	require.False(t, result.Valid)

	payload, err := json.MarshalIndent(result.Errors, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "semantic_errors", append(payload, '\n'))
}
