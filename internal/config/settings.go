package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the rule-configuration surface consumed by the pipeline:
// per-form registration and patient-report rules, multi-form alert rules,
// outgoing phone handling and the translation table. It is loaded from a
// settings file and treated as read-only at runtime.
type Settings struct {
	Locale           string `mapstructure:"locale"`
	LocaleOutgoing   string `mapstructure:"locale_outgoing"`
	GatewayNumber    string `mapstructure:"gateway_number"`
	OutgoingDenyList string `mapstructure:"outgoing_deny_list"`

	OutgoingPhoneReplace *PhoneFilter  `mapstructure:"outgoing_phone_replace"`
	OutgoingPhoneFilters []PhoneFilter `mapstructure:"outgoing_phone_filters"`

	FormsOnlyMode    bool                   `mapstructure:"forms_only_mode"`
	DefaultResponses DefaultResponsesConfig `mapstructure:"default_responses"`

	Registrations  []RegistrationConfig  `mapstructure:"registrations"`
	PatientReports []PatientReportConfig `mapstructure:"patient_reports"`

	MultiFormAlerts []AlertConfig `mapstructure:"multi_form_alerts"`

	Translations map[string]map[string]string `mapstructure:"translations"`
}

// PhoneFilter is one outgoing phone rewrite rule. The replace rule matches an
// exact prefix; the filter list entries are regular expressions.
type PhoneFilter struct {
	Match   string `mapstructure:"match"`
	Replace string `mapstructure:"replace"`
}

// DefaultResponsesConfig gates the automated-reply unit by report date.
type DefaultResponsesConfig struct {
	StartDate string `mapstructure:"start_date"` // YYYY-MM-DD
}

// LocalizedMessage is one translation of a configured message body.
type LocalizedMessage struct {
	Content string `mapstructure:"content"`
	Locale  string `mapstructure:"locale"`
}

// EventMessage configures an outbound message for a named pipeline event
// (report_accepted, registration_not_found, ...).
type EventMessage struct {
	EventType string             `mapstructure:"event_type"`
	Recipient string             `mapstructure:"recipient"`
	Message   []LocalizedMessage `mapstructure:"message"`
}

// ValidationRule is one configured field rule: Rule is a sandboxed boolean
// expression over the report; Message is the reply sent when it fails.
type ValidationRule struct {
	Property string             `mapstructure:"property"`
	Rule     string             `mapstructure:"rule"`
	Message  []LocalizedMessage `mapstructure:"message"`
}

// ValidationsConfig groups a form's rules and reply behaviour.
type ValidationsConfig struct {
	JoinResponses bool             `mapstructure:"join_responses"`
	List          []ValidationRule `mapstructure:"list"`
}

// RegistrationConfig is the per-form registration rule.
type RegistrationConfig struct {
	Form        string           `mapstructure:"form"`
	Type        string           `mapstructure:"type"` // "birth", "pregnancy", ...
	Validations []ValidationRule `mapstructure:"validations"`
}

// PatientReportConfig is the per-form patient-report rule.
type PatientReportConfig struct {
	Form        string            `mapstructure:"form"`
	Validations ValidationsConfig `mapstructure:"validations"`
	SilenceType string            `mapstructure:"silence_type"` // comma-separated task types
	SilenceFor  string            `mapstructure:"silence_for"`  // e.g. "2 weeks"
	Messages    []EventMessage    `mapstructure:"messages"`
}

// AlertConfig is one multi-form alert rule.
type AlertConfig struct {
	IsReportCounted     string   `mapstructure:"is_report_counted"`
	NumReportsThreshold int      `mapstructure:"num_reports_threshold"`
	Message             string   `mapstructure:"message"`
	Recipients          []string `mapstructure:"recipients"`
	TimeWindowInDays    int      `mapstructure:"time_window_in_days"`
	Forms               []string `mapstructure:"forms"`
}

// Validate reports the first missing required field of an alert rule.
func (a *AlertConfig) Validate() error {
	switch {
	case a.IsReportCounted == "":
		return fmt.Errorf("alert rule: is_report_counted is required")
	case a.NumReportsThreshold <= 0:
		return fmt.Errorf("alert rule: num_reports_threshold is required")
	case a.Message == "":
		return fmt.Errorf("alert rule: message is required")
	case len(a.Recipients) == 0:
		return fmt.Errorf("alert rule: recipients is required")
	case a.TimeWindowInDays <= 0:
		return fmt.Errorf("alert rule: time_window_in_days is required")
	}
	return nil
}

// HasForm reports whether the rule applies to the given form. An empty Forms
// list applies to every form.
func (a *AlertConfig) HasForm(form string) bool {
	if len(a.Forms) == 0 {
		return true
	}
	for _, f := range a.Forms {
		if f == form {
			return true
		}
	}
	return false
}

// LoadSettings reads and parses the settings file (YAML or JSON).
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings %q: %w", path, err)
	}
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return s, nil
}

// formCodeMatches does a case-insensitive match of a form code with junk
// padding tolerated on either side.
func formCodeMatches(configured, test string) bool {
	if configured == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)^\W*` + regexp.QuoteMeta(configured) + `\W*$`)
	if err != nil {
		return false
	}
	return re.MatchString(test)
}

// RegistrationForForm returns the registration rule for a form code, or nil.
func (s *Settings) RegistrationForForm(form string) *RegistrationConfig {
	for i := range s.Registrations {
		if formCodeMatches(s.Registrations[i].Form, form) {
			return &s.Registrations[i]
		}
	}
	return nil
}

// PatientReportForForm returns the patient-report rule for a form code, or
// nil.
func (s *Settings) PatientReportForForm(form string) *PatientReportConfig {
	for i := range s.PatientReports {
		if s.PatientReports[i].Form == form {
			return &s.PatientReports[i]
		}
	}
	return nil
}

// Translate resolves a translation key for a locale, falling back to English
// and finally to the key itself so a misconfiguration still surfaces a
// visible message instead of dropping the reply.
func (s *Settings) Translate(key, locale string) string {
	if t, ok := s.Translations[locale]; ok {
		if msg, ok := t[key]; ok && msg != "" {
			return strings.TrimSpace(msg)
		}
	}
	if t, ok := s.Translations["en"]; ok {
		if msg, ok := t[key]; ok && msg != "" {
			return strings.TrimSpace(msg)
		}
	}
	return strings.TrimSpace(key)
}
