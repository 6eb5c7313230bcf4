// Package messaging is the outbound-message engine: immediate and scheduled
// task construction, the task state machine, outgoing phone rewriting, the
// deny list, and the reminder-silencing algorithm.
package messaging

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/pkg/doc"
	"github.com/cht/sentinel/pkg/phone"
)

// maxMessageLength is the single-SMS budget; longer bodies are truncated
// with a trailing ellipsis marker.
const maxMessageLength = 160

const ellipsis = "..."

// Truncate enforces the message length budget.
func Truncate(message string) string {
	runes := []rune(message)
	if len(runes) <= maxMessageLength {
		return message
	}
	return string(runes[:maxMessageLength-len(ellipsis)]) + ellipsis
}

// ApplyPhoneFilters rewrites an outgoing phone number: first the exact-prefix
// replace rule, then each configured regex filter in order.
func ApplyPhoneFilters(s *config.Settings, number string) string {
	if number == "" {
		return number
	}
	if r := s.OutgoingPhoneReplace; r != nil && r.Match != "" {
		if strings.HasPrefix(number, r.Match) {
			number = r.Replace + number[len(r.Match):]
		}
	}
	for _, f := range s.OutgoingPhoneFilters {
		if f.Match == "" {
			continue
		}
		re, err := regexp.Compile(f.Match)
		if err != nil {
			continue
		}
		number = re.ReplaceAllString(number, f.Replace)
	}
	return number
}

// IsOutgoingAllowed reports whether a message to the given sender may be
// scheduled. The deny list is a comma-separated set of case-insensitive
// prefixes. A sender matching the platform's own gateway number is always
// allowed so gateway traffic can never be denied by configuration.
func IsOutgoingAllowed(s *config.Settings, from string) bool {
	if from == "" {
		return true
	}
	if s.GatewayNumber != "" && phone.Matches(s.GatewayNumber, from) {
		return true
	}
	lower := strings.ToLower(from)
	for _, entry := range strings.Split(s.OutgoingDenyList, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(lower, entry) {
			return false
		}
	}
	return true
}

// SetTaskState transitions a task, appending exactly one state_history
// entry. Every state mutation in the engine routes through here.
func SetTaskState(t *doc.Task, state doc.State) {
	t.State = state
	t.StateHistory = append(t.StateHistory, doc.StateEntry{
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

// SetTaskStates transitions every scheduled task matching the predicate.
func SetTaskStates(d *doc.Document, state doc.State, match func(*doc.Task) bool) {
	for _, t := range d.ScheduledTasks {
		if match(t) {
			SetTaskState(t, state)
		}
	}
}

// MessageParams describes an immediate outbound message.
type MessageParams struct {
	Phone   string
	Message string
	State   doc.State // defaults to pending
}

// AddMessage appends an immediate task to doc.tasks. Empty messages are
// dropped; the phone passes through the outgoing filters first.
func AddMessage(s *config.Settings, d *doc.Document, p MessageParams) {
	if p.Message == "" {
		return
	}
	state := p.State
	if state == "" {
		state = doc.StatePending
	}
	task := &doc.Task{
		Messages: []doc.Message{{
			To:      ApplyPhoneFilters(s, p.Phone),
			Message: Truncate(p.Message),
			UUID:    uuid.New().String(),
		}},
	}
	SetTaskState(task, state)
	d.Tasks = append(d.Tasks, task)
}

// ScheduledParams describes a deferred outbound message.
type ScheduledParams struct {
	Due     int64 // epoch ms
	Phone   string
	Message string
	Type    string
	Group   int
}

// AddScheduledMessage appends a deferred task to doc.scheduled_tasks. The
// initial state is denied when the document's sender is deny-listed,
// scheduled otherwise.
func AddScheduledMessage(s *config.Settings, d *doc.Document, p ScheduledParams) {
	task := &doc.Task{
		Type:  p.Type,
		Group: p.Group,
		Due:   p.Due,
		Messages: []doc.Message{{
			To:      ApplyPhoneFilters(s, p.Phone),
			Message: Truncate(p.Message),
			UUID:    uuid.New().String(),
		}},
	}
	if !IsOutgoingAllowed(s, d.From) {
		SetTaskState(task, doc.StateDenied)
	} else {
		SetTaskState(task, doc.StateScheduled)
	}
	d.ScheduledTasks = append(d.ScheduledTasks, task)
}

// FilterScheduledTasksByType returns the scheduled tasks of any given type.
func FilterScheduledTasksByType(d *doc.Document, types ...string) []*doc.Task {
	var out []*doc.Task
	for _, t := range d.ScheduledTasks {
		for _, typ := range types {
			if t.Type == typ {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// FindScheduledTask returns the first scheduled task of the given type.
func FindScheduledTask(d *doc.Document, typ string) *doc.Task {
	for _, t := range d.ScheduledTasks {
		if t.Type == typ {
			return t
		}
	}
	return nil
}

// UpdateScheduledTask replaces the message body of the first scheduled task
// of the given type.
func UpdateScheduledTask(d *doc.Document, typ, message string) {
	t := FindScheduledTask(d, typ)
	if t == nil || len(t.Messages) == 0 {
		return
	}
	t.Messages[0].Message = Truncate(message)
}

// ClearScheduledMessages clears every scheduled task of the given types.
func ClearScheduledMessages(d *doc.Document, types []string) {
	SetTaskStates(d, doc.StateCleared, func(t *doc.Task) bool {
		for _, typ := range types {
			if t.Type == typ {
				return true
			}
		}
		return false
	})
}

// MuteScheduledMessages mutes every scheduled task currently in the
// scheduled state.
func MuteScheduledMessages(d *doc.Document) {
	SetTaskStates(d, doc.StateMuted, func(t *doc.Task) bool {
		return t.State == doc.StateScheduled
	})
}

// UnmuteScheduledMessages re-schedules muted tasks and drops any task whose
// due date elapsed while muted.
func UnmuteScheduledMessages(d *doc.Document, now time.Time) {
	SetTaskStates(d, doc.StateScheduled, func(t *doc.Task) bool {
		return t.State == doc.StateMuted
	})
	nowMS := now.UnixMilli()
	kept := d.ScheduledTasks[:0]
	for _, t := range d.ScheduledTasks {
		if t.Due > nowMS {
			kept = append(kept, t)
		}
	}
	d.ScheduledTasks = kept
}

// GetLocale resolves the locale of a report: explicit form locale first, the
// gateway payload's locale next, then the configured outgoing locale.
func GetLocale(s *config.Settings, d *doc.Document) string {
	if d.Locale != "" {
		return d.Locale
	}
	if d.SMSMessage != nil && d.SMSMessage.Locale != "" {
		return d.SMSMessage.Locale
	}
	if s.LocaleOutgoing != "" {
		return s.LocaleOutgoing
	}
	if s.Locale != "" {
		return s.Locale
	}
	return "en"
}

// RecipientPhone resolves a configured recipient keyword against a report's
// contact chain.
func RecipientPhone(d *doc.Document, recipient string) string {
	switch recipient {
	case "from":
		return d.From
	case "reporting_unit", "clinic", "":
		if p := d.ClinicPhone(); p != "" {
			return p
		}
		return d.From
	case "parent":
		if hc := d.HealthCenter(); hc != nil && hc.Contact != nil {
			return hc.Contact.Phone
		}
		return ""
	case "grandparent":
		if dh := d.District(); dh != nil && dh.Contact != nil {
			return dh.Contact.Phone
		}
		return ""
	default:
		// A literal phone-shaped recipient is used as-is.
		if phone.IsPhoneShaped(recipient) {
			return recipient
		}
		if p := d.ClinicPhone(); p != "" {
			return p
		}
		return d.From
	}
}
