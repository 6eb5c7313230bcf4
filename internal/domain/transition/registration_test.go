package transition

import (
	"context"
	"testing"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/internal/domain/ids"
	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

func registrationDoc() *doc.Document {
	return &doc.Document{
		ID: "reg1", Type: doc.TypeDataRecord, Form: "BIR", From: "+254700000001",
		ReportedDate: 1000,
		Contact: &doc.Contact{
			ID: "chw", Type: "person", Phone: "+254700000001",
			Parent: &doc.Contact{
				ID: "clinic", Type: "clinic",
				Contact: &doc.Contact{Phone: "+254700000002"},
			},
		},
		Fields: map[string]any{"patient_name": "Amina", "weeks_since_birth": float64(2)},
	}
}

func registrationSettings() *config.Settings {
	return &config.Settings{
		Registrations: []config.RegistrationConfig{{
			Form: "BIR",
			Type: "birth",
			Validations: []config.ValidationRule{{
				Property: "patient_name",
				Rule:     `value != nil && len(value) > 0`,
				Message:  []config.LocalizedMessage{{Locale: "en", Content: "Name required"}},
			}},
		}},
	}
}

func TestRegistration_AssignsPatientID(t *testing.T) {
	m := store.NewMemory()
	d := registrationDoc()
	u := &registration{testDeps(m, registrationSettings())}

	if !u.Filter(d) {
		t.Fatal("filter rejected a valid registration")
	}
	changed, err := u.OnMatch(context.Background(), store.Change{ID: d.ID, Doc: d})
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("document should need saving")
	}
	if !ids.Valid(d.PatientID) {
		t.Errorf("patient_id %q is not a valid shortcode", d.PatientID)
	}
	if d.BirthDate == "" {
		t.Error("birth_date not set for a birth registration")
	}
}

func TestRegistration_Pregnancy(t *testing.T) {
	m := store.NewMemory()
	s := registrationSettings()
	s.Registrations[0].Type = "pregnancy"
	d := registrationDoc()
	d.Fields["weeks_since_lmp"] = float64(8)

	u := &registration{testDeps(m, s)}
	if _, err := u.OnMatch(context.Background(), store.Change{ID: d.ID, Doc: d}); err != nil {
		t.Fatal(err)
	}
	if d.LMPDate == "" || d.ExpectedDate == "" {
		t.Errorf("lmp_date = %q, expected_date = %q", d.LMPDate, d.ExpectedDate)
	}
}

func TestRegistration_ValidationFailure(t *testing.T) {
	m := store.NewMemory()
	d := registrationDoc()
	d.Fields["patient_name"] = ""

	u := &registration{testDeps(m, registrationSettings())}
	changed, err := u.OnMatch(context.Background(), store.Change{ID: d.ID, Doc: d})
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("failed validation still mutates the document")
	}
	if d.PatientID != "" {
		t.Error("patient_id must not be assigned on validation failure")
	}
	if !d.HasError("invalid_patient_name") {
		t.Errorf("errors = %+v", d.Errors)
	}
	if len(d.Tasks) != 1 || d.Tasks[0].Messages[0].To != "+254700000002" {
		t.Fatalf("reply not queued to the clinic phone: %+v", d.Tasks)
	}
	if d.Tasks[0].Messages[0].Message != "Name required" {
		t.Errorf("reply = %q", d.Tasks[0].Messages[0].Message)
	}
}

func TestRegistration_IDOnlySkipsDates(t *testing.T) {
	m := store.NewMemory()
	d := registrationDoc()
	d.Fields["getid"] = "x"

	u := &registration{testDeps(m, registrationSettings())}
	if _, err := u.OnMatch(context.Background(), store.Change{ID: d.ID, Doc: d}); err != nil {
		t.Fatal(err)
	}
	if d.BirthDate != "" {
		t.Error("id-only registration must not compute dates")
	}
	if !ids.Valid(d.PatientID) {
		t.Errorf("patient_id %q", d.PatientID)
	}
}

func TestRegistration_FilterGuards(t *testing.T) {
	u := &registration{testDeps(store.NewMemory(), registrationSettings())}

	withID := registrationDoc()
	withID.PatientID = "12344"
	if u.Filter(withID) {
		t.Error("already-registered report must not match")
	}

	withErrors := registrationDoc()
	withErrors.AddError("x", "broken")
	if u.Filter(withErrors) {
		t.Error("report with errors must not match")
	}

	noPhone := registrationDoc()
	noPhone.Contact = nil
	if u.Filter(noPhone) {
		t.Error("report without a clinic phone must not match")
	}
}

func TestRegistration_UnknownFormNoOp(t *testing.T) {
	d := registrationDoc()
	d.Form = "XYZ"
	u := &registration{testDeps(store.NewMemory(), registrationSettings())}

	changed, err := u.OnMatch(context.Background(), store.Change{ID: d.ID, Doc: d})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("unconfigured form must not need saving")
	}
}
