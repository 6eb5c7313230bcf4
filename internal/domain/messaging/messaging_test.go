package messaging

import (
	"strings"
	"testing"
	"time"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/pkg/doc"
)

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 170)
	got := Truncate(long)
	if len(got) != 160 {
		t.Fatalf("len = %d, want 160", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated message must end with ellipsis marker")
	}
	if got[:157] != long[:157] {
		t.Errorf("truncation must keep the first 157 characters")
	}

	short := strings.Repeat("x", 160)
	if Truncate(short) != short {
		t.Error("160-character message must pass through untouched")
	}
}

func TestApplyPhoneFilters(t *testing.T) {
	s := &config.Settings{
		OutgoingPhoneReplace: &config.PhoneFilter{Match: "+997", Replace: "+254"},
		OutgoingPhoneFilters: []config.PhoneFilter{
			{Match: `^00`, Replace: `+`},
			{Match: `\s+`, Replace: ``},
		},
	}

	cases := []struct{ in, want string }{
		{"+997722123456", "+254722123456"}, // prefix replace
		{"00254 722 123", "+254722123"},    // regex filters in order
		{"", ""},
		{"+254722123456", "+254722123456"},
	}
	for _, c := range cases {
		if got := ApplyPhoneFilters(s, c.in); got != c.want {
			t.Errorf("ApplyPhoneFilters(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestApplyPhoneFilters_PrefixOnlyAtStart(t *testing.T) {
	s := &config.Settings{
		OutgoingPhoneReplace: &config.PhoneFilter{Match: "123", Replace: "999"},
	}
	if got := ApplyPhoneFilters(s, "+254123"); got != "+254123" {
		t.Errorf("replace rule must match only an exact prefix, got %q", got)
	}
}

func TestIsOutgoingAllowed(t *testing.T) {
	s := &config.Settings{
		GatewayNumber:    "+254777000000",
		OutgoingDenyList: "spam, +255, ",
	}

	cases := []struct {
		from string
		want bool
	}{
		{"", true},
		{"+254722123456", true},
		{"+255722123456", false}, // deny-list prefix
		{"SPAMMER", false},       // case-insensitive
		{"+254777000000", true},  // gateway: never denied
	}
	for _, c := range cases {
		if got := IsOutgoingAllowed(s, c.from); got != c.want {
			t.Errorf("IsOutgoingAllowed(%q) = %v, want %v", c.from, got, c.want)
		}
	}
}

func TestIsOutgoingAllowed_GatewayBeatsDenyList(t *testing.T) {
	// Loop prevention: the gateway's own number must never be denied even
	// when the deny list would match it.
	s := &config.Settings{
		GatewayNumber:    "+254777000000",
		OutgoingDenyList: "+254777",
	}
	if !IsOutgoingAllowed(s, "+254777000000") {
		t.Fatal("gateway number was denied by deny-list configuration")
	}
	if IsOutgoingAllowed(s, "+254777111222") {
		t.Error("non-gateway number with deny-listed prefix should be denied")
	}
}

func TestSetTaskState_AppendsHistory(t *testing.T) {
	task := &doc.Task{}
	SetTaskState(task, doc.StateScheduled)
	SetTaskState(task, doc.StateMuted)
	SetTaskState(task, doc.StateCleared)

	if len(task.StateHistory) != 3 {
		t.Fatalf("history = %d entries, want 3", len(task.StateHistory))
	}
	last := task.StateHistory[len(task.StateHistory)-1]
	if task.State != last.State {
		t.Errorf("state %q != last history state %q", task.State, last.State)
	}
}

func TestAddMessage(t *testing.T) {
	s := &config.Settings{}
	d := &doc.Document{}
	AddMessage(s, d, MessageParams{Phone: "+254722123456", Message: "hello"})

	if len(d.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(d.Tasks))
	}
	task := d.Tasks[0]
	if task.State != doc.StatePending {
		t.Errorf("state = %q, want pending", task.State)
	}
	if len(task.Messages) != 1 || task.Messages[0].To != "+254722123456" {
		t.Errorf("messages = %+v", task.Messages)
	}
	if task.Messages[0].UUID == "" {
		t.Error("message must carry a uuid")
	}

	AddMessage(s, d, MessageParams{Phone: "+254722123456", Message: ""})
	if len(d.Tasks) != 1 {
		t.Error("empty message must not append a task")
	}
}

func TestAddScheduledMessage_States(t *testing.T) {
	s := &config.Settings{OutgoingDenyList: "+255"}
	due := time.Now().Add(time.Hour).UnixMilli()

	allowed := &doc.Document{From: "+254722123456"}
	AddScheduledMessage(s, allowed, ScheduledParams{Due: due, Phone: "+254722123456", Message: "hi", Type: "reminder", Group: 1})
	if got := allowed.ScheduledTasks[0].State; got != doc.StateScheduled {
		t.Errorf("allowed sender: state = %q, want scheduled", got)
	}

	denied := &doc.Document{From: "+255722123456"}
	AddScheduledMessage(s, denied, ScheduledParams{Due: due, Phone: "+255722123456", Message: "hi"})
	if got := denied.ScheduledTasks[0].State; got != doc.StateDenied {
		t.Errorf("denied sender: state = %q, want denied", got)
	}
}

func scheduledTask(typ string, group int, due int64, state doc.State) *doc.Task {
	t := &doc.Task{Type: typ, Group: group, Due: due}
	SetTaskState(t, state)
	return t
}

func TestClearScheduledMessages(t *testing.T) {
	d := &doc.Document{ScheduledTasks: []*doc.Task{
		scheduledTask("reminder", 1, 1, doc.StateScheduled),
		scheduledTask("visit", 1, 1, doc.StateScheduled),
	}}
	ClearScheduledMessages(d, []string{"reminder"})

	if d.ScheduledTasks[0].State != doc.StateCleared {
		t.Error("reminder task should be cleared")
	}
	if d.ScheduledTasks[1].State != doc.StateScheduled {
		t.Error("visit task should be untouched")
	}
}

func TestMuteUnmute(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour).UnixMilli()
	future := now.Add(time.Hour).UnixMilli()

	d := &doc.Document{ScheduledTasks: []*doc.Task{
		scheduledTask("reminder", 1, past, doc.StateScheduled),
		scheduledTask("reminder", 1, future, doc.StateScheduled),
		scheduledTask("reminder", 2, future, doc.StateCleared),
	}}

	MuteScheduledMessages(d)
	if d.ScheduledTasks[0].State != doc.StateMuted || d.ScheduledTasks[1].State != doc.StateMuted {
		t.Fatal("scheduled tasks should be muted")
	}
	if d.ScheduledTasks[2].State != doc.StateCleared {
		t.Error("cleared task should not be muted")
	}

	UnmuteScheduledMessages(d, now)
	if len(d.ScheduledTasks) != 2 {
		t.Fatalf("tasks = %d, want 2 (stale task dropped)", len(d.ScheduledTasks))
	}
	for _, task := range d.ScheduledTasks {
		if task.Due <= now.UnixMilli() {
			t.Error("stale task survived unmute")
		}
	}
	if d.ScheduledTasks[0].State != doc.StateScheduled {
		t.Error("muted task should be scheduled again")
	}
}

func TestUpdateScheduledTask(t *testing.T) {
	d := &doc.Document{ScheduledTasks: []*doc.Task{
		{Type: "reminder", Messages: []doc.Message{{Message: "old"}}},
	}}
	UpdateScheduledTask(d, "reminder", "new body")
	if d.ScheduledTasks[0].Messages[0].Message != "new body" {
		t.Error("message body not replaced")
	}
	UpdateScheduledTask(d, "missing", "x") // no-op
}

func TestGetLocale(t *testing.T) {
	s := &config.Settings{Locale: "fr", LocaleOutgoing: "sw"}

	if got := GetLocale(s, &doc.Document{Locale: "ne"}); got != "ne" {
		t.Errorf("doc locale should win, got %q", got)
	}
	if got := GetLocale(s, &doc.Document{SMSMessage: &doc.SMSMessage{Locale: "hi"}}); got != "hi" {
		t.Errorf("sms_message locale should be second, got %q", got)
	}
	if got := GetLocale(s, &doc.Document{}); got != "sw" {
		t.Errorf("locale_outgoing should be third, got %q", got)
	}
	if got := GetLocale(&config.Settings{Locale: "fr"}, &doc.Document{}); got != "fr" {
		t.Errorf("locale should be fourth, got %q", got)
	}
	if got := GetLocale(&config.Settings{}, &doc.Document{}); got != "en" {
		t.Errorf("default should be en, got %q", got)
	}
}

func TestRecipientPhone(t *testing.T) {
	d := &doc.Document{
		From: "+254700000001",
		Contact: &doc.Contact{
			ID: "chw", Type: "person", Phone: "+254700000002",
			Parent: &doc.Contact{
				ID: "clinic", Type: "clinic",
				Contact: &doc.Contact{Phone: "+254700000003"},
				Parent: &doc.Contact{
					ID: "hc", Type: "health_center",
					Contact: &doc.Contact{Phone: "+254700000004"},
				},
			},
		},
	}

	cases := []struct{ recipient, want string }{
		{"from", "+254700000001"},
		{"reporting_unit", "+254700000003"},
		{"clinic", "+254700000003"},
		{"parent", "+254700000004"},
		{"+254711222333", "+254711222333"}, // literal phone
		{"", "+254700000003"},
	}
	for _, c := range cases {
		if got := RecipientPhone(d, c.recipient); got != c.want {
			t.Errorf("RecipientPhone(%q) = %q, want %q", c.recipient, got, c.want)
		}
	}
}
