package transition

import (
	"context"
	"fmt"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/internal/domain/messaging"
	"github.com/cht/sentinel/internal/domain/validation"
	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

// acceptPatientReports links configured report forms to a registered
// patient: validates the report, replies to the sender, and silences the
// patient's sibling registrations' scheduled reminders per the form's
// silence rules.
type acceptPatientReports struct {
	deps Deps
}

func (u *acceptPatientReports) Name() string     { return "accept_patient_reports" }
func (u *acceptPatientReports) Repeatable() bool { return false }

func (u *acceptPatientReports) Filter(d *doc.Document) bool {
	return d != nil &&
		d.Type == doc.TypeDataRecord &&
		d.Form != "" &&
		d.ReportedDate != 0 &&
		!d.HasRun(u.Name()) &&
		u.deps.Settings.PatientReportForForm(d.Form) != nil &&
		d.ClinicPhone() != ""
}

func (u *acceptPatientReports) OnMatch(ctx context.Context, change store.Change) (bool, error) {
	d := change.Doc
	cfg := u.deps.Settings.PatientReportForForm(d.Form)
	if cfg == nil {
		return false, nil
	}

	locale := messaging.GetLocale(u.deps.Settings, d)
	failures, err := u.deps.Validate.Validate(ctx, d, cfg.Validations.List, locale)
	if err != nil {
		return false, fmt.Errorf("accept_patient_reports: %w", err)
	}
	if len(failures) > 0 {
		for _, f := range failures {
			d.AddError(f.Code, f.Message)
		}
		messaging.AddMessage(u.deps.Settings, d, messaging.MessageParams{
			Phone:   d.ClinicPhone(),
			Message: validation.JoinMessages(failures, cfg.Validations.JoinResponses),
		})
		return true, nil
	}

	patientID, _ := d.Fields["patient_id"].(string)
	patient, err := u.patientContact(ctx, patientID)
	if err != nil {
		return false, fmt.Errorf("accept_patient_reports: %w", err)
	}
	if patient == nil {
		u.rejectUnknownPatient(d, cfg, locale)
		return true, nil
	}

	registrations, err := u.registrations(ctx, patientID)
	if err != nil {
		return false, fmt.Errorf("accept_patient_reports: %w", err)
	}

	u.addAcceptedMessages(d, cfg, patient, locale)

	if cfg.SilenceType != "" {
		if err := u.silenceRegistrations(ctx, d, cfg, registrations); err != nil {
			return false, fmt.Errorf("accept_patient_reports: %w", err)
		}
	}
	return true, nil
}

// patientContact resolves a shortcode to the registered person document, or
// nil when the id is unknown.
func (u *acceptPatientReports) patientContact(ctx context.Context, patientID string) (*doc.Document, error) {
	if patientID == "" {
		return nil, nil
	}
	rows, err := u.deps.Docs.Query(ctx, store.ViewPatientByShortcode, store.ViewQuery{
		Key:         patientID,
		IncludeDocs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("patient %q: %w", patientID, err)
	}
	for _, row := range rows {
		if row.Doc != nil && row.Doc.Type != doc.TypeDataRecord {
			return row.Doc, nil
		}
	}
	// No person document; a registration report alone still counts as a
	// known patient.
	for _, row := range rows {
		if row.Doc != nil {
			return row.Doc, nil
		}
	}
	return nil, nil
}

func (u *acceptPatientReports) registrations(ctx context.Context, patientID string) ([]*doc.Document, error) {
	if patientID == "" {
		return nil, nil
	}
	rows, err := u.deps.Docs.Query(ctx, store.ViewRegisteredPatients, store.ViewQuery{
		Key:         patientID,
		IncludeDocs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("registrations for %q: %w", patientID, err)
	}
	var out []*doc.Document
	for _, row := range rows {
		if row.Doc != nil {
			out = append(out, row.Doc)
		}
	}
	return out, nil
}

// rejectUnknownPatient records the registration_not_found error and queues
// the rejection reply, honoring a configured message override.
func (u *acceptPatientReports) rejectUnknownPatient(d *doc.Document, cfg *config.PatientReportConfig, locale string) {
	msg := u.deps.Settings.Translate("sys.registration_not_found", locale)
	recipient := ""
	for _, m := range cfg.Messages {
		if m.EventType == "registration_not_found" {
			msg = messaging.MessageText(m.Message, locale)
			recipient = m.Recipient
			break
		}
	}
	msg = messaging.RenderMessage(msg, d, nil)
	d.AddError("sys.registration_not_found", msg)
	messaging.AddMessage(u.deps.Settings, d, messaging.MessageParams{
		Phone:   messaging.RecipientPhone(d, recipient),
		Message: msg,
	})
}

func (u *acceptPatientReports) addAcceptedMessages(d *doc.Document, cfg *config.PatientReportConfig, patient *doc.Document, locale string) {
	extra := map[string]any{"patient_name": patient.Name, "patient_id": patient.PatientID}
	for _, m := range cfg.Messages {
		if m.EventType != "report_accepted" {
			continue
		}
		messaging.AddMessage(u.deps.Settings, d, messaging.MessageParams{
			Phone:   messaging.RecipientPhone(d, m.Recipient),
			Message: messaging.RenderMessage(messaging.MessageText(m.Message, locale), d, extra),
		})
	}
}

// silenceRegistrations clears the silenceable reminder cohorts on every
// sibling registration, never the report being processed.
func (u *acceptPatientReports) silenceRegistrations(ctx context.Context, d *doc.Document, cfg *config.PatientReportConfig, registrations []*doc.Document) error {
	for _, reg := range registrations {
		if reg.ID == d.ID {
			continue
		}
		toClear, err := messaging.FindTasksToClear(reg, d.ReportedDate, cfg)
		if err != nil {
			return err
		}
		if len(toClear) == 0 {
			continue
		}
		for _, t := range toClear {
			messaging.SetTaskState(t, doc.StateCleared)
		}
		if _, err := u.deps.Docs.Put(ctx, reg); err != nil {
			return fmt.Errorf("silence registration %q: %w", reg.ID, err)
		}
		u.deps.Log.Info().
			Str("registration", reg.ID).
			Int("cleared", len(toClear)).
			Msg("silenced scheduled reminders")
	}
	return nil
}
