// Package store defines the document-store boundary the pipeline runs
// against: fetch by id, bulk fetch, revision-conditioned writes and secondary
// index queries. Two implementations ship with it: a Postgres JSONB store for
// deployment and an in-memory store used by tests.
package store

import (
	"context"
	"errors"

	"github.com/cht/sentinel/pkg/doc"
)

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrConflict is returned by Put when the supplied revision is stale.
	// Callers reload and retry; the write is never applied.
	ErrConflict = errors.New("store: revision conflict")
)

// Secondary index names. The Postgres store maps these to SQL; the memory
// store emulates them over its document map.
const (
	ViewDocsByIDLineage       = "docs_by_id_lineage"
	ViewRegisteredPatients    = "registered_patients"
	ViewPatientByShortcode    = "patient_by_shortcode"
	ViewClinicByRefID         = "clinic_by_refid"
	ViewPeopleByPhone         = "people_by_phone"
	ViewReportsByReportedDate = "reports_by_reported_date"
)

// ViewQuery carries the query options of a secondary index lookup.
type ViewQuery struct {
	Key         any
	StartKey    any
	EndKey      any
	IncludeDocs bool
	Limit       int
}

// ViewRow is one secondary index result. Doc is nil unless IncludeDocs was
// set, or when the referenced document has since been deleted.
type ViewRow struct {
	ID  string
	Key any
	Doc *doc.Document
}

// Docs is the document-store client surface used by the pipeline.
type Docs interface {
	// Get fetches a document by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*doc.Document, error)
	// BulkGet fetches the given ids, skipping any that are absent.
	BulkGet(ctx context.Context, ids []string) ([]*doc.Document, error)
	// Put writes a document. The document's Rev must match the stored
	// revision (empty for a create); on success the returned revision is
	// also written back into d.Rev. A stale revision yields ErrConflict.
	Put(ctx context.Context, d *doc.Document) (string, error)
	// Query runs a secondary index lookup.
	Query(ctx context.Context, view string, q ViewQuery) ([]ViewRow, error)
}

// Change is one document-change notification. At-least-once delivery; the
// dispatcher's idempotency markers absorb redelivery.
type Change struct {
	ID      string
	Seq     int64
	Doc     *doc.Document
	Deleted bool
}

// Feed delivers document-change notifications.
type Feed interface {
	// Changes streams changes with Seq greater than since until ctx is
	// cancelled. The returned channel is closed on cancellation or error.
	Changes(ctx context.Context, since int64) (<-chan Change, error)
}
