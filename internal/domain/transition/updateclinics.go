package transition

import (
	"context"
	"fmt"

	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

// updateClinics associates contact-less data records with their owning
// contact, looked up by refid first and sender phone second. It also writes
// the sender phone back onto the contact when it changed, so reminder
// schedules always have a current number to send to.
type updateClinics struct {
	deps Deps
}

func (u *updateClinics) Name() string     { return "update_clinics" }
func (u *updateClinics) Repeatable() bool { return false }

func (u *updateClinics) Filter(d *doc.Document) bool {
	return d != nil &&
		d.Type == doc.TypeDataRecord &&
		d.Contact == nil &&
		!d.HasRun(u.Name())
}

func (u *updateClinics) OnMatch(ctx context.Context, change store.Change) (bool, error) {
	d := change.Doc

	switch {
	case d.RefID != "":
		return u.byRefID(ctx, d)
	case d.From != "":
		return u.byPhone(ctx, d)
	default:
		return false, nil
	}
}

func (u *updateClinics) byRefID(ctx context.Context, d *doc.Document) (bool, error) {
	rows, err := u.deps.Docs.Query(ctx, store.ViewClinicByRefID, store.ViewQuery{
		Key:         d.RefID,
		IncludeDocs: true,
		Limit:       1,
	})
	if err != nil {
		return false, fmt.Errorf("update_clinics: clinic by refid %q: %w", d.RefID, err)
	}
	if len(rows) == 0 || rows[0].Doc == nil {
		return false, nil
	}
	clinic := rows[0].Doc

	if clinic.Contact == nil || clinic.Contact.ID == "" {
		// Clinic with no contact person: associate the place itself. The
		// dispatcher minifies lineage before persisting.
		d.Contact = &doc.Contact{Parent: clinic.AsContact()}
		d.RemoveErrors("sys.facility_not_found")
		return true, nil
	}

	contact, err := u.deps.Docs.Get(ctx, clinic.Contact.ID)
	if err != nil {
		return false, fmt.Errorf("update_clinics: contact %q: %w", clinic.Contact.ID, err)
	}
	return u.associate(ctx, d, contact)
}

func (u *updateClinics) byPhone(ctx context.Context, d *doc.Document) (bool, error) {
	rows, err := u.deps.Docs.Query(ctx, store.ViewPeopleByPhone, store.ViewQuery{
		Key:         d.From,
		IncludeDocs: true,
		Limit:       1,
	})
	if err != nil {
		return false, fmt.Errorf("update_clinics: person by phone: %w", err)
	}
	if len(rows) == 0 || rows[0].Doc == nil {
		return false, nil
	}
	return u.associate(ctx, d, rows[0].Doc)
}

func (u *updateClinics) associate(ctx context.Context, d *doc.Document, contact *doc.Document) (bool, error) {
	// Already associated with this exact contact revision and the phone
	// has not moved: nothing to do.
	if d.From == contact.Phone &&
		d.Contact != nil &&
		d.Contact.ID == contact.ID &&
		d.Contact.Rev == contact.Rev {
		return false, nil
	}

	if d.From != "" && contact.Phone != d.From {
		contact.Phone = d.From
		if _, err := u.deps.Docs.Put(ctx, contact); err != nil {
			return false, fmt.Errorf("update_clinics: save contact %q: %w", contact.ID, err)
		}
		u.deps.Log.Info().
			Str("contact", contact.ID).
			Str("phone", d.From).
			Msg("updated contact phone from report sender")
	}

	d.Contact = contact.AsContact()
	d.RemoveErrors("sys.facility_not_found")
	return true, nil
}
