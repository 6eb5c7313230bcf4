// Package audit is the read-side client for the document history trail. The
// pipeline uses it to backfill a document's original replication date from
// the trail's create action.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no trail exists for a document.
var ErrNotFound = errors.New("audit: trail not found")

// ActionCreate is the action name of the record written when a document is
// first replicated.
const ActionCreate = "create"

// Action is one recorded operation on a document.
type Action struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Trail is the ordered action history of one document.
type Trail struct {
	DocID   string   `json:"doc_id"`
	History []Action `json:"history"`
}

// CreatedAt returns the timestamp of the trail's create action, if present.
func (t *Trail) CreatedAt() (time.Time, bool) {
	for _, a := range t.History {
		if a.Action == ActionCreate {
			return a.Timestamp, true
		}
	}
	return time.Time{}, false
}

// Client reads audit trails.
type Client interface {
	// Trail returns the history for a document id, or ErrNotFound.
	Trail(ctx context.Context, docID string) (*Trail, error)
}

// Memory is an in-memory Client used by tests and single-node deployments
// without a history service.
type Memory struct {
	mu     sync.RWMutex
	trails map[string]*Trail
}

// NewMemory creates an empty in-memory audit client.
func NewMemory() *Memory {
	return &Memory{trails: make(map[string]*Trail)}
}

// Record appends an action to a document's trail.
func (m *Memory) Record(docID, action string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trails[docID]
	if !ok {
		t = &Trail{DocID: docID}
		m.trails[docID] = t
	}
	t.History = append(t.History, Action{Action: action, Timestamp: at})
}

// Trail implements Client.
func (m *Memory) Trail(_ context.Context, docID string) (*Trail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trails[docID]
	if !ok {
		return nil, fmt.Errorf("trail %q: %w", docID, ErrNotFound)
	}
	cp := &Trail{DocID: t.DocID, History: append([]Action(nil), t.History...)}
	return cp, nil
}
