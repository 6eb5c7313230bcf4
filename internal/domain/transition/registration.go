package transition

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cht/sentinel/internal/domain/messaging"
	"github.com/cht/sentinel/internal/domain/validation"
	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

const weeksOfGestation = 40

// registration processes configured registration forms: validates the
// report, computes birth or expected delivery dates from week offsets, and
// assigns a unique patient shortcode.
type registration struct {
	deps Deps
}

func (u *registration) Name() string { return "registration" }

// Registration runs again when a corrected report arrives without an id.
func (u *registration) Repeatable() bool { return true }

func (u *registration) Filter(d *doc.Document) bool {
	return d != nil &&
		d.Form != "" &&
		d.ClinicPhone() != "" &&
		d.PatientID == "" &&
		len(d.Errors) == 0
}

func (u *registration) OnMatch(ctx context.Context, change store.Change) (bool, error) {
	d := change.Doc
	cfg := u.deps.Settings.RegistrationForForm(d.Form)
	if cfg == nil {
		return false, nil
	}

	locale := messaging.GetLocale(u.deps.Settings, d)
	failures, err := u.deps.Validate.Validate(ctx, d, cfg.Validations, locale)
	if err != nil {
		return false, fmt.Errorf("registration: %w", err)
	}
	if len(failures) > 0 {
		for _, f := range failures {
			d.AddError(f.Code, f.Message)
		}
		messaging.AddMessage(u.deps.Settings, d, messaging.MessageParams{
			Phone:   d.ClinicPhone(),
			Message: validation.JoinMessages(failures, true),
		})
		return true, nil
	}

	if !idOnly(d) {
		switch cfg.Type {
		case "birth":
			setBirthDate(d, time.Now().UTC())
		case "pregnancy":
			setExpectedDate(d, time.Now().UTC())
		}
	}

	id, err := u.deps.IDs.NewUnique(ctx)
	if err != nil {
		return false, fmt.Errorf("registration: %w", err)
	}
	d.PatientID = id
	u.deps.Log.Info().Str("doc", d.ID).Str("patient_id", id).Msg("registered patient")
	return true, nil
}

// idOnly reports whether the registration asked for an id without schedule
// creation.
func idOnly(d *doc.Document) bool {
	return fieldBool(d, "getid") || fieldBool(d, "skip_schedule_creation")
}

// setBirthDate derives birth_date by subtracting the reported weeks-since-
// birth from the start of the current week.
func setBirthDate(d *doc.Document, now time.Time) {
	weeks, ok := fieldWeeks(d, "weeks_since_dob", "dob", "weeks_since_birth")
	if !ok {
		return
	}
	d.BirthDate = startOfWeek(now).AddDate(0, 0, -7*weeks).Format(time.RFC3339)
}

// setExpectedDate derives lmp_date and expected_date (lmp + 40 weeks) from
// the reported weeks since last menstrual period.
func setExpectedDate(d *doc.Document, now time.Time) {
	weeks, ok := fieldWeeks(d, "weeks_since_lmp", "last_menstrual_period", "lmp")
	if !ok {
		return
	}
	lmp := startOfWeek(now).AddDate(0, 0, -7*weeks)
	d.LMPDate = lmp.Format(time.RFC3339)
	d.ExpectedDate = lmp.AddDate(0, 0, 7*weeksOfGestation).Format(time.RFC3339)
}

func startOfWeek(t time.Time) time.Time {
	day := t.Truncate(24 * time.Hour)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

func fieldWeeks(d *doc.Document, names ...string) (int, bool) {
	for _, name := range names {
		switch v := d.Fields[name].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func fieldBool(d *doc.Document, name string) bool {
	switch v := d.Fields[name].(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		return v != nil
	}
}
