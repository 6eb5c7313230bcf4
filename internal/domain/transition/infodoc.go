package transition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cht/sentinel/internal/platform/audit"
	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

// infoDocument maintains the -info sibling of every processed document:
// replication timestamps live there so the documents themselves stay
// untouched by bookkeeping writes.
type infoDocument struct {
	deps Deps
}

func (u *infoDocument) Name() string { return "maintain_info_document" }

// Runs on every change; the sibling's latest_replication_date must track
// each redelivery.
func (u *infoDocument) Repeatable() bool { return true }

func (u *infoDocument) Filter(d *doc.Document) bool {
	return d != nil &&
		!strings.HasPrefix(d.ID, "_design") &&
		d.Type != doc.TypeInfo
}

func (u *infoDocument) OnMatch(ctx context.Context, change store.Change) (bool, error) {
	infoID := change.ID + "-info"
	now := time.Now().UTC().Format(time.RFC3339)

	info, err := u.deps.Docs.Get(ctx, infoID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		info = &doc.Document{
			ID:                     infoID,
			Type:                   doc.TypeInfo,
			DocID:                  change.ID,
			InitialReplicationDate: u.initialReplicationDate(ctx, change.ID),
		}
	default:
		return false, fmt.Errorf("maintain_info_document: %w", err)
	}

	info.LatestReplicationDate = now
	if _, err := u.deps.Docs.Put(ctx, info); err != nil {
		return false, fmt.Errorf("maintain_info_document: save %q: %w", infoID, err)
	}
	// Only the sibling changed; the processed document does not need a save.
	return false, nil
}

// initialReplicationDate reads the create timestamp from the audit trail,
// falling back to "unknown" when no trail or create action exists.
func (u *infoDocument) initialReplicationDate(ctx context.Context, docID string) string {
	trail, err := u.deps.Audit.Trail(ctx, docID)
	if err != nil {
		if !errors.Is(err, audit.ErrNotFound) {
			u.deps.Log.Warn().Err(err).Str("doc", docID).Msg("audit trail lookup failed")
		}
		return "unknown"
	}
	created, ok := trail.CreatedAt()
	if !ok {
		return "unknown"
	}
	return created.UTC().Format(time.RFC3339)
}
