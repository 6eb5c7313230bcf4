package messaging

import (
	"fmt"
	"strings"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/pkg/doc"
)

// groupType identifies a cohort of scheduled tasks issued together. Value
// equality of the struct key gives the pair-by-value semantics the
// silencing algorithm needs.
type groupType struct {
	Group int
	Type  string
}

func clearable(t *doc.Task) bool {
	// Both scheduled and pending have not yet been seen by a gateway, so
	// both can still be cleared.
	return t.State == doc.StatePending || t.State == doc.StateScheduled
}

// FindTasksToClear computes which of a registration's scheduled tasks a
// just-accepted report silences. Only tasks of the configured silence types
// in states pending/scheduled are candidates. Without a silence_for window
// every candidate is cleared; with one, any (group, type) cohort that has at
// least one task due inside the window is cleared whole, including its tasks
// due after the window.
func FindTasksToClear(registration *doc.Document, reportedDate int64, cfg *config.PatientReportConfig) ([]*doc.Task, error) {
	var types []string
	for _, typ := range strings.Split(cfg.SilenceType, ",") {
		if typ = strings.TrimSpace(typ); typ != "" {
			types = append(types, typ)
		}
	}

	var underReview []*doc.Task
	for _, t := range FilterScheduledTasksByType(registration, types...) {
		if clearable(t) {
			underReview = append(underReview, t)
		}
	}

	if cfg.SilenceFor == "" {
		return underReview, nil
	}

	window, err := ParseHumanDuration(cfg.SilenceFor)
	if err != nil {
		return nil, fmt.Errorf("silence_for: %w", err)
	}
	silenceUntil := reportedDate + window.Milliseconds()

	cohorts := make(map[groupType]bool)
	for _, t := range underReview {
		if t.Due <= silenceUntil {
			cohorts[groupType{t.Group, t.Type}] = true
		}
	}

	var out []*doc.Task
	for _, t := range underReview {
		if cohorts[groupType{t.Group, t.Type}] {
			out = append(out, t)
		}
	}
	return out, nil
}
