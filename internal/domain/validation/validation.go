// Package validation runs the configured per-form field rules against a
// report. Rules are boolean expressions evaluated in the expression sandbox;
// a failing rule yields a localized error message for the sender.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/internal/domain/messaging"
	"github.com/cht/sentinel/internal/platform/sandbox"
	"github.com/cht/sentinel/pkg/doc"
)

// Failure is one failed rule, carrying the error code recorded on the
// document and the localized reply message.
type Failure struct {
	Code    string
	Message string
}

// Validator evaluates validation rules in the sandbox.
type Validator struct {
	eval *sandbox.Evaluator
}

// New creates a validator over the given evaluator.
func New(eval *sandbox.Evaluator) *Validator {
	return &Validator{eval: eval}
}

// Validate runs every rule against the report and returns the failures in
// rule order. The rule expression sees the report as `doc`, its fields map
// as `fields` and the rule's property value as `value`. A rule that cannot
// be evaluated aborts with an error; configuration mistakes must surface,
// not silently pass reports.
func (v *Validator) Validate(ctx context.Context, d *doc.Document, rules []config.ValidationRule, locale string) ([]Failure, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	docCtx := make(map[string]any)
	b, _ := json.Marshal(d)
	_ = json.Unmarshal(b, &docCtx)

	var failures []Failure
	for _, rule := range rules {
		env := map[string]any{
			"doc":    docCtx,
			"fields": docCtx["fields"],
			"value":  propertyValue(d, docCtx, rule.Property),
		}
		ok, err := v.eval.EvaluateBool(ctx, rule.Rule, env)
		if err != nil {
			return nil, fmt.Errorf("validation rule for %q: %w", rule.Property, err)
		}
		if ok {
			continue
		}
		msg := messaging.MessageText(rule.Message, locale)
		failures = append(failures, Failure{
			Code:    "invalid_" + rule.Property,
			Message: messaging.RenderMessage(msg, d, nil),
		})
	}
	return failures, nil
}

// propertyValue resolves a rule's property against the report: form fields
// first, then the document's own top-level keys.
func propertyValue(d *doc.Document, docCtx map[string]any, property string) any {
	if d.Fields != nil {
		if v, ok := d.Fields[property]; ok {
			return v
		}
	}
	return docCtx[property]
}

// JoinMessages renders the reply for a set of failures: either every message
// joined into one, or just the first, per the form's join_responses flag.
func JoinMessages(failures []Failure, join bool) string {
	if len(failures) == 0 {
		return ""
	}
	if !join {
		return failures[0].Message
	}
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		if f.Message != "" {
			msgs = append(msgs, f.Message)
		}
	}
	return strings.Join(msgs, "  ")
}
