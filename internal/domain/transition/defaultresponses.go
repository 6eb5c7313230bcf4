package transition

import (
	"context"
	"time"

	"github.com/cht/sentinel/internal/domain/messaging"
	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
	"github.com/cht/sentinel/pkg/phone"
)

// defaultResponses replies to inbound SMS that did not parse into a known
// form: an empty-message notice, a form-not-found notice in forms-only
// deployments, or a generic received acknowledgement. Messages sent by the
// gateway itself are never answered; that is the loop guard between the
// gateway and its own auto-replies.
type defaultResponses struct {
	deps Deps
}

func (u *defaultResponses) Name() string     { return "default_responses" }
func (u *defaultResponses) Repeatable() bool { return false }

func (u *defaultResponses) Filter(d *doc.Document) bool {
	return d != nil &&
		d.From != "" &&
		d.Type == doc.TypeDataRecord &&
		u.afterStartDate(d) &&
		!d.HasRun(u.Name()) &&
		!u.fromGateway(d)
}

func (u *defaultResponses) afterStartDate(d *doc.Document) bool {
	start := u.deps.Settings.DefaultResponses.StartDate
	if start == "" {
		return false
	}
	t, err := time.Parse("2006-01-02", start)
	if err != nil {
		u.deps.Log.Error().Str("start_date", start).Msg("invalid default_responses start date")
		return false
	}
	return d.ReportedDate > t.UnixMilli()
}

func (u *defaultResponses) fromGateway(d *doc.Document) bool {
	if d.SMSMessage == nil || d.SMSMessage.From == "" {
		return false
	}
	return phone.Matches(u.deps.Settings.GatewayNumber, d.SMSMessage.From)
}

func (u *defaultResponses) OnMatch(_ context.Context, change store.Change) (bool, error) {
	d := change.Doc

	var key string
	switch {
	case d.HasError("sys.empty"):
		key = "empty"
	case u.deps.Settings.FormsOnlyMode && d.HasError("sys.form_not_found"):
		key = "form_not_found"
	case d.HasError("sys.form_not_found"):
		key = "sms_received"
	case d.Form == "":
		key = "sms_received"
	}
	if key == "" {
		return true, nil
	}

	locale := messaging.GetLocale(u.deps.Settings, d)
	messaging.AddMessage(u.deps.Settings, d, messaging.MessageParams{
		Phone:   d.From,
		Message: u.deps.Settings.Translate(key, locale),
	})
	return true, nil
}
