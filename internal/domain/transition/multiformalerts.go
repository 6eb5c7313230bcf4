package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/internal/domain/messaging"
	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
	"github.com/cht/sentinel/pkg/phone"
)

// multiFormAlerts correlates a report with the prior reports in its time
// window and raises an alert message once enough of them satisfy the rule's
// counting expression. Rules are independent; their messages and errors
// accumulate on the triggering document.
type multiFormAlerts struct {
	deps Deps
}

func (u *multiFormAlerts) Name() string     { return "multi_form_alerts" }
func (u *multiFormAlerts) Repeatable() bool { return false }

func (u *multiFormAlerts) Filter(d *doc.Document) bool {
	return d != nil &&
		d.Type == doc.TypeDataRecord &&
		d.Form != "" &&
		!d.HasRun(u.Name())
}

func (u *multiFormAlerts) OnMatch(ctx context.Context, change store.Change) (bool, error) {
	d := change.Doc
	changed := false
	for i := range u.deps.Settings.MultiFormAlerts {
		rule := &u.deps.Settings.MultiFormAlerts[i]
		if err := rule.Validate(); err != nil {
			return false, fmt.Errorf("multi_form_alerts: %w", err)
		}
		ruleChanged, err := u.runRule(ctx, d, rule)
		if err != nil {
			return false, fmt.Errorf("multi_form_alerts: %w", err)
		}
		changed = changed || ruleChanged
	}
	return changed, nil
}

func (u *multiFormAlerts) runRule(ctx context.Context, d *doc.Document, rule *config.AlertConfig) (bool, error) {
	counted, err := u.countReports(ctx, d, rule)
	if err != nil {
		return false, err
	}
	if len(counted) < rule.NumReportsThreshold {
		return false, nil
	}

	countedEnvs := make([]map[string]any, len(counted))
	for i, c := range counted {
		countedEnvs[i] = docEnv(c)
	}

	changed := false
	var phones []string
	seen := make(map[string]bool)
	addPhone := func(p string) {
		if !seen[p] {
			seen[p] = true
			phones = append(phones, p)
		}
	}

	for _, recipient := range rule.Recipients {
		if phone.IsPhoneShaped(recipient) {
			addPhone(recipient)
			continue
		}
		resolved, err := u.deps.Eval.Evaluate(ctx, recipient, map[string]any{
			"countedReports": countedEnvs,
		})
		if err != nil {
			d.AddError("invalid_recipient", fmt.Sprintf("Could not resolve alert recipient %q: %v", recipient, err))
			changed = true
			continue
		}
		bad := func() {
			d.AddError("invalid_recipient", fmt.Sprintf("Alert recipient %q did not yield a phone number", recipient))
			changed = true
		}
		switch v := resolved.(type) {
		case string:
			if !phone.IsPhoneShaped(v) {
				bad()
				continue
			}
			addPhone(v)
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok || !phone.IsPhoneShaped(s) {
					bad()
					continue
				}
				addPhone(s)
			}
		default:
			bad()
		}
	}

	extra := map[string]any{"countedReports": countedEnvs}
	for _, p := range phones {
		messaging.AddMessage(u.deps.Settings, d, messaging.MessageParams{
			Phone:   p,
			Message: messaging.RenderMessage(rule.Message, d, extra),
		})
		changed = true
	}
	return changed, nil
}

// countReports evaluates the rule's counting expression over the candidate
// sequence (the trigger first, then the windowed reports, each hydrated)
// until the threshold is met or the candidates run out. An expression error
// skips the candidate without failing the rule.
func (u *multiFormAlerts) countReports(ctx context.Context, d *doc.Document, rule *config.AlertConfig) ([]*doc.Document, error) {
	windowed, err := u.reportsInWindow(ctx, d, rule)
	if err != nil {
		return nil, err
	}

	candidates := make([]*doc.Document, 0, len(windowed)+1)
	if rule.HasForm(d.Form) {
		candidates = append(candidates, d)
	}
	candidates = append(candidates, windowed...)

	triggerEnv := docEnv(d)
	var counted []*doc.Document
	for _, candidate := range candidates {
		if len(counted) >= rule.NumReportsThreshold {
			break
		}
		hydrated := candidate
		if candidate != d {
			hydrated, err = u.deps.Lineage.FetchHydratedDoc(ctx, candidate.ID)
			if err != nil {
				return nil, fmt.Errorf("hydrate %q: %w", candidate.ID, err)
			}
		}
		ok, err := u.deps.Eval.EvaluateBool(ctx, rule.IsReportCounted, map[string]any{
			"report":       docEnv(hydrated),
			"latestReport": triggerEnv,
		})
		if err != nil {
			u.deps.Log.Warn().Err(err).Str("doc", hydrated.ID).Msg("is_report_counted evaluation failed")
			continue
		}
		if ok {
			counted = append(counted, hydrated)
		}
	}
	return counted, nil
}

// reportsInWindow fetches the reports reported in [trigger − N days,
// trigger), strictly before the trigger, honoring the rule's form filter.
func (u *multiFormAlerts) reportsInWindow(ctx context.Context, d *doc.Document, rule *config.AlertConfig) ([]*doc.Document, error) {
	start := d.ReportedDate - int64(rule.TimeWindowInDays)*(24*time.Hour).Milliseconds()
	rows, err := u.deps.Docs.Query(ctx, store.ViewReportsByReportedDate, store.ViewQuery{
		StartKey:    start,
		EndKey:      d.ReportedDate,
		IncludeDocs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("reports in window: %w", err)
	}
	var out []*doc.Document
	for _, row := range rows {
		if row.Doc == nil || row.Doc.ID == d.ID || !rule.HasForm(row.Doc.Form) {
			continue
		}
		out = append(out, row.Doc)
	}
	return out, nil
}
