package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// ValidationError locates one problem in a candidate rule set.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (e ValidationError) Error() string {
	switch {
	case e.Line > 0 && e.Path != "":
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Path, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationResult is the outcome of validating one candidate rule-set
// source text. Valid only when zero errors accumulated. On success
// NormalizedText holds the canonical re-serialization for round-trip
// storage.
type ValidationResult struct {
	Valid          bool              `json:"valid"`
	Errors         []ValidationError `json:"errors,omitempty"`
	RuleCount      int               `json:"ruleCount"`
	NormalizedText string            `json:"normalizedText,omitempty"`
}

// yamlLinePattern extracts the 1-based line number yaml.v3 embeds in
// its syntax error messages.
var yamlLinePattern = regexp.MustCompile(`(?:yaml: )?line (\d+):`)

// Validate checks a candidate rule-set source text in three stages:
// YAML syntax, schema conformance against the embedded CUE schema, and
// semantic checks the schema cannot express. A syntax failure
// short-circuits with a single error; the later stages accumulate
// every error they find.
func Validate(source string) *ValidationResult {
	result := &ValidationResult{}

	// Stage 1: syntax. One error entry with the parser's message and,
	// when derivable, a line number.
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(source), &root); err != nil {
		result.Errors = append(result.Errors, syntaxError(err))
		return result
	}

	// Stage 2: shape. Unify the document with the #RuleSet schema and
	// collect every conformance error with its path and position.
	result.Errors = append(result.Errors, schemaErrors(source)...)

	// Stage 3: decode and run semantic checks. A decode failure here
	// means the shape stage already reported the underlying problem;
	// only report it when it did not.
	var rs RuleSet
	if err := root.Decode(&rs); err != nil {
		if len(result.Errors) == 0 {
			result.Errors = append(result.Errors, syntaxError(err))
		}
		return result
	}
	result.RuleCount = len(rs.Rules)
	result.Errors = append(result.Errors, semanticErrors(&rs)...)

	if len(result.Errors) > 0 {
		return result
	}

	normalized, err := canonicalYAML(&rs)
	if err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "",
			Message: fmt.Sprintf("re-serialize rule set: %v", err),
		})
		return result
	}

	result.Valid = true
	result.NormalizedText = normalized
	return result
}

func syntaxError(err error) ValidationError {
	ve := ValidationError{Message: err.Error()}
	if m := yamlLinePattern.FindStringSubmatch(err.Error()); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			ve.Line = line
		}
	}
	return ve
}

// schemaErrors validates the YAML document against the embedded CUE
// schema and returns one error per violation.
func schemaErrors(source string) []ValidationError {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#RuleSet"))
	if err := schema.Err(); err != nil {
		return []ValidationError{{Message: fmt.Sprintf("internal schema error: %v", err)}}
	}

	file, err := cueyaml.Extract("rules.yaml", source)
	if err != nil {
		return cueValidationErrors(err)
	}
	data := ctx.BuildFile(file)
	if err := data.Err(); err != nil {
		return cueValidationErrors(err)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return cueValidationErrors(err)
	}
	return nil
}

func cueValidationErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		if pos := e.Position(); pos.IsValid() {
			ve.Line = pos.Line()
		}
		out = append(out, ve)
	}
	return out
}

// semanticErrors runs the checks the schema cannot express: duplicate
// rule ids, per-variant required action fields, and regex pattern
// compilation.
func semanticErrors(rs *RuleSet) []ValidationError {
	var errs []ValidationError

	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		rulePath := fmt.Sprintf("rules.%d", i)

		if seen[rule.ID] {
			errs = append(errs, ValidationError{
				Path:    rulePath + ".id",
				Message: fmt.Sprintf("duplicate rule id %q", rule.ID),
			})
		}
		seen[rule.ID] = true

		for j, action := range rule.Actions {
			actionPath := fmt.Sprintf("%s.actions.%d", rulePath, j)
			switch action.Type {
			case ActionHAService:
				if strings.TrimSpace(action.Service) == "" {
					errs = append(errs, ValidationError{
						Path:    actionPath + ".service",
						Message: "ha_service action requires a service",
					})
				}
			case ActionReplyWhatsApp:
				if action.Text == "" {
					errs = append(errs, ValidationError{
						Path:    actionPath + ".text",
						Message: "reply_whatsapp action requires a text",
					})
				}
			default:
				errs = append(errs, ValidationError{
					Path:    actionPath + ".type",
					Message: fmt.Sprintf("unknown action type %q", action.Type),
				})
			}
		}

		if text := rule.Match.Text; text != nil && text.Mode == TextModeRegex {
			for k, pattern := range text.Patterns {
				if _, err := regexp.Compile("(?i)" + pattern); err != nil {
					errs = append(errs, ValidationError{
						Path:    fmt.Sprintf("%s.match.text.patterns.%d", rulePath, k),
						Message: fmt.Sprintf("invalid regex %q: %v", pattern, err),
					})
				}
			}
		}
	}

	return errs
}

// yamlDecode decodes a YAML document into out. Thin wrapper so the
// engine does not import the yaml package directly.
func yamlDecode(source string, out any) error {
	return yaml.Unmarshal([]byte(source), out)
}

// canonicalYAML re-serializes a parsed rule set with stable key order
// and two-space indentation.
func canonicalYAML(rs *RuleSet) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rs); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
