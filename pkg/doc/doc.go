// Package doc defines the document model processed by the transition
// pipeline: reports, places and people, their contact lineage, outbound
// message tasks, and the per-unit execution markers used for idempotency.
package doc

import "time"

// ---------------------------------------------------------------------------
// Task states
// ---------------------------------------------------------------------------

// State is the lifecycle state of an outbound message task.
type State string

const (
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateMuted     State = "muted"
	StateDenied    State = "denied"
	StateCleared   State = "cleared"
	StateSent      State = "sent"
	StateFailed    State = "failed"
)

// StateEntry is one append-only state_history record.
type StateEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a single outbound SMS payload.
type Message struct {
	To      string `json:"to"`
	Message string `json:"message"`
	UUID    string `json:"uuid"`
}

// Task is an outbound message task. Immediate tasks live in doc.tasks,
// deferred ones in doc.scheduled_tasks with a due date, type and group.
type Task struct {
	Type         string       `json:"type,omitempty"`
	Group        int          `json:"group,omitempty"`
	Due          int64        `json:"due,omitempty"` // epoch ms
	State        State        `json:"state,omitempty"`
	StateHistory []StateEntry `json:"state_history,omitempty"`
	Messages     []Message    `json:"messages,omitempty"`
}

// ---------------------------------------------------------------------------
// Contact lineage
// ---------------------------------------------------------------------------

// Contact is one node of an ownership chain: a person or place, linked to its
// parent place. A minified contact carries only _id and the parent chain.
type Contact struct {
	ID      string   `json:"_id,omitempty"`
	Rev     string   `json:"_rev,omitempty"`
	Type    string   `json:"type,omitempty"`
	Name    string   `json:"name,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	RefID   string   `json:"refid,omitempty"`
	Contact *Contact `json:"contact,omitempty"`
	Parent  *Contact `json:"parent,omitempty"`
}

// AncestorOfType walks the parent chain (starting at c itself) and returns
// the first node of the given type, or nil.
func (c *Contact) AncestorOfType(t string) *Contact {
	for node := c; node != nil; node = node.Parent {
		if node.Type == t {
			return node
		}
	}
	return nil
}

// IDs returns the _id sequence of the chain starting at c.
func (c *Contact) IDs() []string {
	var out []string
	for node := c; node != nil; node = node.Parent {
		out = append(out, node.ID)
	}
	return out
}

// ---------------------------------------------------------------------------
// Errors and transition markers
// ---------------------------------------------------------------------------

// Error is a recorded processing failure on a document.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransitionInfo marks one transition unit as having executed on a document.
type TransitionInfo struct {
	OK    bool      `json:"ok"`
	RunAt time.Time `json:"run_at"`
}

// SMSMessage is the raw inbound gateway payload attached to a report.
type SMSMessage struct {
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`
	Locale  string `json:"locale,omitempty"`
}

// ---------------------------------------------------------------------------
// Document
// ---------------------------------------------------------------------------

// TypeDataRecord is the document type of an inbound report.
const TypeDataRecord = "data_record"

// TypeInfo is the document type of the -info sibling documents.
const TypeInfo = "info"

// Document is the mutable unit processed by the pipeline. Reports, places,
// people and info documents share this shape; unused fields stay empty.
type Document struct {
	ID           string `json:"_id,omitempty"`
	Rev          string `json:"_rev,omitempty"`
	Type         string `json:"type,omitempty"`
	Form         string `json:"form,omitempty"`
	ReportedDate int64  `json:"reported_date,omitempty"` // epoch ms
	From         string `json:"from,omitempty"`
	RefID        string `json:"refid,omitempty"`
	Locale       string `json:"locale,omitempty"`
	PatientID    string `json:"patient_id,omitempty"`

	// Place/person fields.
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`

	// Registration outputs.
	BirthDate    string `json:"birth_date,omitempty"`
	LMPDate      string `json:"lmp_date,omitempty"`
	ExpectedDate string `json:"expected_date,omitempty"`

	SMSMessage *SMSMessage `json:"sms_message,omitempty"`

	Contact *Contact `json:"contact,omitempty"`
	Parent  *Contact `json:"parent,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`

	Errors         []Error                   `json:"errors,omitempty"`
	Tasks          []*Task                   `json:"tasks,omitempty"`
	ScheduledTasks []*Task                   `json:"scheduled_tasks,omitempty"`
	Transitions    map[string]TransitionInfo `json:"transitions,omitempty"`

	// Info document fields.
	DocID                  string `json:"doc_id,omitempty"`
	InitialReplicationDate string `json:"initial_replication_date,omitempty"`
	LatestReplicationDate  string `json:"latest_replication_date,omitempty"`
}

// AddError records an error on the document, deduplicated by code. A missing
// code defaults to "invalid_report"; an empty message is dropped.
func (d *Document) AddError(code, message string) {
	if message == "" {
		return
	}
	if code == "" {
		code = "invalid_report"
	}
	for _, e := range d.Errors {
		if e.Code == code {
			return
		}
	}
	d.Errors = append(d.Errors, Error{Code: code, Message: message})
}

// HasError reports whether an error with the given code is recorded.
func (d *Document) HasError(code string) bool {
	for _, e := range d.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// RemoveErrors drops all errors with the given code.
func (d *Document) RemoveErrors(code string) {
	kept := d.Errors[:0]
	for _, e := range d.Errors {
		if e.Code != code {
			kept = append(kept, e)
		}
	}
	d.Errors = kept
}

// HasRun reports whether the named transition unit is marked as executed.
func (d *Document) HasRun(name string) bool {
	_, ok := d.Transitions[name]
	return ok
}

// MarkRun records an execution marker for the named transition unit.
func (d *Document) MarkRun(name string, ok bool, at time.Time) {
	if d.Transitions == nil {
		d.Transitions = make(map[string]TransitionInfo)
	}
	d.Transitions[name] = TransitionInfo{OK: ok, RunAt: at}
}

// Clinic returns the nearest clinic in the document's contact chain.
func (d *Document) Clinic() *Contact {
	if d.Contact == nil {
		return nil
	}
	return d.Contact.AncestorOfType("clinic")
}

// HealthCenter returns the nearest health_center in the contact chain.
func (d *Document) HealthCenter() *Contact {
	if d.Contact == nil {
		return nil
	}
	return d.Contact.AncestorOfType("health_center")
}

// District returns the district_hospital at the top of the contact chain.
func (d *Document) District() *Contact {
	if d.Contact == nil {
		return nil
	}
	return d.Contact.AncestorOfType("district_hospital")
}

// ClinicPhone returns the phone of the clinic's contact person, falling back
// to the document's own contact phone.
func (d *Document) ClinicPhone() string {
	if clinic := d.Clinic(); clinic != nil && clinic.Contact != nil && clinic.Contact.Phone != "" {
		return clinic.Contact.Phone
	}
	if d.Contact != nil {
		return d.Contact.Phone
	}
	return ""
}

// AsContact projects a place/person document onto a lineage chain node.
func (d *Document) AsContact() *Contact {
	if d == nil {
		return nil
	}
	return &Contact{
		ID:      d.ID,
		Rev:     d.Rev,
		Type:    d.Type,
		Name:    d.Name,
		Phone:   d.Phone,
		RefID:   d.RefID,
		Contact: d.Contact,
		Parent:  d.Parent,
	}
}
