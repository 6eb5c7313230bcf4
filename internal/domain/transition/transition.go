// Package transition holds the rule units applied to each changed document.
// Units are stateless; each declares a pure Filter over the document and an
// OnMatch that may mutate it and touch other documents. The dispatcher runs
// them in the fixed order returned by Units.
package transition

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/internal/domain/ids"
	"github.com/cht/sentinel/internal/domain/lineage"
	"github.com/cht/sentinel/internal/domain/validation"
	"github.com/cht/sentinel/internal/platform/audit"
	"github.com/cht/sentinel/internal/platform/sandbox"
	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

// Unit is one rule module. Filter must be a pure predicate; OnMatch runs
// only when Filter is true and reports whether the document needs saving.
// Non-repeatable units additionally guard on their idempotency marker so a
// redelivered change never runs them twice.
type Unit interface {
	Name() string
	Repeatable() bool
	Filter(d *doc.Document) bool
	OnMatch(ctx context.Context, change store.Change) (bool, error)
}

// Deps is the collaborator set injected into every unit.
type Deps struct {
	Docs     store.Docs
	Audit    audit.Client
	Lineage  *lineage.Service
	IDs      *ids.Service
	Settings *config.Settings
	Eval     *sandbox.Evaluator
	Validate *validation.Validator
	Log      zerolog.Logger
}

// Units returns the pipeline in execution order. Order matters: contact
// association runs before registration, registration assigns patient_id
// before report acceptance matches on it, and the info-document upkeep runs
// last so it observes the final shape of the change.
func Units(deps Deps) []Unit {
	return []Unit{
		&updateClinics{deps},
		&registration{deps},
		&acceptPatientReports{deps},
		&defaultResponses{deps},
		&multiFormAlerts{deps},
		&infoDocument{deps},
	}
}

// docEnv projects a document onto the map shape exposed to sandboxed
// expressions.
func docEnv(d *doc.Document) map[string]any {
	m := make(map[string]any)
	b, _ := json.Marshal(d)
	_ = json.Unmarshal(b, &m)
	return m
}
