package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cht/sentinel/pkg/doc"
)

// Memory is an in-memory Docs implementation that emulates the production
// secondary indexes over its document map. It is the test double used across
// the repo's test suites.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*doc.Document
	seq  int64

	// FailPutOnce makes the next Put return ErrConflict without applying
	// the write, then clears itself. Used to exercise conflict retries.
	FailPutOnce bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*doc.Document)}
}

func clone(d *doc.Document) *doc.Document {
	b, _ := json.Marshal(d)
	out := &doc.Document{}
	_ = json.Unmarshal(b, out)
	return out
}

// Seed inserts documents directly, assigning initial revisions. Intended for
// test setup; revision checks are bypassed.
func (m *Memory) Seed(docs ...*doc.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		c := clone(d)
		if c.Rev == "" {
			c.Rev = "1-seed"
		}
		d.Rev = c.Rev
		m.seq++
		m.docs[c.ID] = c
	}
}

// Get implements Docs.
func (m *Memory) Get(_ context.Context, id string) (*doc.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return clone(d), nil
}

// BulkGet implements Docs. Missing ids are skipped.
func (m *Memory) BulkGet(_ context.Context, ids []string) ([]*doc.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*doc.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.docs[id]; ok {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func nextRev(current string) string {
	gen := 0
	if i := strings.IndexByte(current, '-'); i > 0 {
		gen, _ = strconv.Atoi(current[:i])
	}
	return fmt.Sprintf("%d-mem", gen+1)
}

// Put implements Docs with optimistic concurrency on the revision token.
func (m *Memory) Put(_ context.Context, d *doc.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		return "", fmt.Errorf("put: document has no id")
	}
	if m.FailPutOnce {
		m.FailPutOnce = false
		return "", fmt.Errorf("put %q: %w", d.ID, ErrConflict)
	}
	existing, ok := m.docs[d.ID]
	if ok && existing.Rev != d.Rev {
		return "", fmt.Errorf("put %q: %w", d.ID, ErrConflict)
	}
	if !ok && d.Rev != "" {
		return "", fmt.Errorf("put %q: %w", d.ID, ErrConflict)
	}
	rev := nextRev(d.Rev)
	d.Rev = rev
	m.seq++
	m.docs[d.ID] = clone(d)
	return rev, nil
}

// singleKey normalizes a view key: the callers pass either a bare string or
// a one-element array key.
func singleKey(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case []any:
		if len(v) == 1 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	case []string:
		if len(v) == 1 {
			return v[0]
		}
	}
	return ""
}

func keyInt64(k any) (int64, bool) {
	switch v := k.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case []any:
		if len(v) == 1 {
			return keyInt64(v[0])
		}
	}
	return 0, false
}

var lineageTypes = map[string]bool{
	doc.TypeDataRecord:  true,
	"person":            true,
	"clinic":            true,
	"health_center":     true,
	"district_hospital": true,
}

// Query implements Docs by emulating each production index.
func (m *Memory) Query(_ context.Context, view string, q ViewQuery) ([]ViewRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []ViewRow
	switch view {
	case ViewDocsByIDLineage:
		id := singleKey(q.StartKey)
		target, ok := m.docs[id]
		if !ok || !lineageTypes[target.Type] {
			return nil, nil
		}
		ids := []string{id}
		if target.Type == doc.TypeDataRecord {
			ids = append(ids, target.Contact.IDs()...)
		} else {
			ids = append(ids, target.Parent.IDs()...)
		}
		for i, cid := range ids {
			row := ViewRow{ID: cid, Key: []any{id, i}}
			if d, ok := m.docs[cid]; ok {
				row.Doc = clone(d)
			}
			rows = append(rows, row)
		}

	case ViewRegisteredPatients:
		id := singleKey(q.Key)
		for _, d := range m.sorted() {
			if d.Type == doc.TypeDataRecord && d.PatientID != "" && d.PatientID == id {
				rows = append(rows, ViewRow{ID: d.ID, Key: id, Doc: clone(d)})
			}
		}

	case ViewPatientByShortcode:
		id := singleKey(q.Key)
		for _, d := range m.sorted() {
			if d.PatientID != "" && d.PatientID == id {
				rows = append(rows, ViewRow{ID: d.ID, Key: id, Doc: clone(d)})
			}
		}

	case ViewClinicByRefID:
		ref := singleKey(q.Key)
		for _, d := range m.sorted() {
			if d.Type == "clinic" && d.RefID != "" && d.RefID == ref {
				rows = append(rows, ViewRow{ID: d.ID, Key: ref, Doc: clone(d)})
			}
		}

	case ViewPeopleByPhone:
		p := singleKey(q.Key)
		for _, d := range m.sorted() {
			if d.Type == "person" && d.Phone != "" && d.Phone == p {
				rows = append(rows, ViewRow{ID: d.ID, Key: p, Doc: clone(d)})
			}
		}

	case ViewReportsByReportedDate:
		start, _ := keyInt64(q.StartKey)
		end, hasEnd := keyInt64(q.EndKey)
		for _, d := range m.sorted() {
			if d.Type != doc.TypeDataRecord || d.ReportedDate < start {
				continue
			}
			if hasEnd && d.ReportedDate >= end {
				continue
			}
			rows = append(rows, ViewRow{ID: d.ID, Key: d.ReportedDate, Doc: clone(d)})
		}
		sort.Slice(rows, func(i, j int) bool {
			a, _ := keyInt64(rows[i].Key)
			b, _ := keyInt64(rows[j].Key)
			return a < b
		})

	default:
		return nil, fmt.Errorf("query: unknown view %q", view)
	}

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// sorted returns the stored documents in a stable id order so view results
// are deterministic.
func (m *Memory) sorted() []*doc.Document {
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*doc.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.docs[id])
	}
	return out
}
