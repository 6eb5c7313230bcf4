// Package dispatch applies the ordered transition units to each changed
// document and persists the outcome. It is the glue between the change feed
// and the rule pipeline: per-document execution is strictly sequential,
// idempotency markers absorb redelivered changes, and revision conflicts are
// retried by reloading and re-running only unmarked units.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cht/sentinel/internal/domain/lineage"
	"github.com/cht/sentinel/internal/domain/transition"
	"github.com/cht/sentinel/internal/platform/store"
)

// maxConflictRetries bounds the reload-and-rerun loop on write conflicts.
const maxConflictRetries = 3

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Saved     int64 `json:"saved"`
	Conflicts int64 `json:"conflicts"`
	Failures  int64 `json:"failures"`
}

// Dispatcher runs the transition pipeline over single change events.
type Dispatcher struct {
	docs    store.Docs
	lineage *lineage.Service
	units   []transition.Unit
	log     zerolog.Logger

	processed atomic.Int64
	saved     atomic.Int64
	conflicts atomic.Int64
	failures  atomic.Int64
}

// New creates a dispatcher over the given store and unit pipeline.
func New(docs store.Docs, lin *lineage.Service, units []transition.Unit, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{docs: docs, lineage: lin, units: units, log: log}
}

// Stats returns the current counters.
func (p *Dispatcher) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Saved:     p.saved.Load(),
		Conflicts: p.conflicts.Load(),
		Failures:  p.failures.Load(),
	}
}

// Process handles one change event end to end. It reports whether the
// document was persisted. Deletions and design documents are skipped. An
// error means the pipeline aborted for this document and the event should be
// redelivered; the idempotency markers make that safe.
func (p *Dispatcher) Process(ctx context.Context, change store.Change) (bool, error) {
	if change.Deleted || strings.HasPrefix(change.ID, "_design") {
		return false, nil
	}
	p.processed.Add(1)

	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		persisted, err := p.processOnce(ctx, change)
		if err == nil {
			if persisted {
				p.saved.Add(1)
			}
			return persisted, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			p.failures.Add(1)
			return false, err
		}
		// Someone else updated the document; reload and re-run whatever
		// is not yet marked.
		p.conflicts.Add(1)
		lastErr = err
		p.log.Debug().Str("doc", change.ID).Int("attempt", attempt+1).Msg("write conflict, retrying")
	}
	p.failures.Add(1)
	return false, fmt.Errorf("dispatch %q: conflict retries exhausted: %w", change.ID, lastErr)
}

func (p *Dispatcher) processOnce(ctx context.Context, change store.Change) (bool, error) {
	d, err := p.lineage.FetchHydratedDoc(ctx, change.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between notification and load.
			return false, nil
		}
		return false, fmt.Errorf("dispatch %q: load: %w", change.ID, err)
	}
	loaded := store.Change{ID: change.ID, Seq: change.Seq, Doc: d}

	needsSave := false
	for _, unit := range p.units {
		if !unit.Repeatable() && d.HasRun(unit.Name()) {
			continue
		}
		if !unit.Filter(d) {
			continue
		}
		changed, err := unit.OnMatch(ctx, loaded)
		if err != nil {
			return false, fmt.Errorf("dispatch %q: unit %s: %w", change.ID, unit.Name(), err)
		}
		if !unit.Repeatable() {
			d.MarkRun(unit.Name(), changed, time.Now().UTC())
		}
		if changed {
			needsSave = true
			p.log.Debug().Str("doc", d.ID).Str("unit", unit.Name()).Msg("transition applied")
		}
	}

	if !needsSave {
		return false, nil
	}
	lineage.Minify(d)
	if _, err := p.docs.Put(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}
