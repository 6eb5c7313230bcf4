package lineage

import (
	"context"
	"reflect"
	"testing"

	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

func seedPlaces(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.Seed(
		&doc.Document{ID: "hc", Type: "health_center", Name: "Kisumu HC"},
		&doc.Document{
			ID: "clinic", Type: "clinic", Name: "Dunga Clinic",
			Contact: &doc.Contact{ID: "nurse"},
			Parent:  &doc.Contact{ID: "hc"},
		},
		&doc.Document{
			ID: "chw", Type: "person", Name: "Bob", Phone: "+254700000001",
			Parent: &doc.Contact{ID: "clinic", Parent: &doc.Contact{ID: "hc"}},
		},
		&doc.Document{ID: "nurse", Type: "person", Name: "Alice", Phone: "+254700000002"},
	)
	return m
}

func TestFetchHydratedDoc_Report(t *testing.T) {
	m := seedPlaces(t)
	m.Seed(&doc.Document{
		ID: "report", Type: doc.TypeDataRecord, Form: "V",
		Contact: &doc.Contact{
			ID: "chw",
			Parent: &doc.Contact{
				ID:     "clinic",
				Parent: &doc.Contact{ID: "hc"},
			},
		},
	})

	got, err := NewService(m).FetchHydratedDoc(context.Background(), "report")
	if err != nil {
		t.Fatal(err)
	}

	contact := got.Contact
	if contact == nil || contact.Name != "Bob" || contact.Phone != "+254700000001" {
		t.Fatalf("contact not hydrated: %+v", contact)
	}
	clinic := contact.Parent
	if clinic == nil || clinic.Name != "Dunga Clinic" {
		t.Fatalf("clinic not hydrated: %+v", clinic)
	}
	if clinic.Contact == nil || clinic.Contact.Name != "Alice" {
		t.Errorf("clinic contact person not bound: %+v", clinic.Contact)
	}
	if hc := clinic.Parent; hc == nil || hc.Name != "Kisumu HC" {
		t.Errorf("health center not hydrated: %+v", hc)
	}
}

func TestFetchHydratedDoc_Place(t *testing.T) {
	m := seedPlaces(t)

	got, err := NewService(m).FetchHydratedDoc(context.Background(), "clinic")
	if err != nil {
		t.Fatal(err)
	}
	if got.Parent == nil || got.Parent.Name != "Kisumu HC" {
		t.Fatalf("parent not hydrated: %+v", got.Parent)
	}
	if got.Contact == nil || got.Contact.Name != "Alice" {
		t.Errorf("contact person not bound: %+v", got.Contact)
	}
}

func TestFetchHydratedDoc_NoLineageFallsBackToGet(t *testing.T) {
	m := store.NewMemory()
	m.Seed(&doc.Document{ID: "info1", Type: doc.TypeInfo, DocID: "report"})

	got, err := NewService(m).FetchHydratedDoc(context.Background(), "info1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "info1" {
		t.Fatalf("got %q", got.ID)
	}

	if _, err := NewService(m).FetchHydratedDoc(context.Background(), "missing"); err == nil {
		t.Fatal("want error for missing document")
	}
}

func TestFetchHydratedDoc_MissingAncestorStaysStub(t *testing.T) {
	m := store.NewMemory()
	m.Seed(&doc.Document{
		ID: "report", Type: doc.TypeDataRecord,
		Contact: &doc.Contact{ID: "chw", Parent: &doc.Contact{ID: "gone"}},
	})
	m.Seed(&doc.Document{ID: "chw", Type: "person", Name: "Bob"})

	got, err := NewService(m).FetchHydratedDoc(context.Background(), "report")
	if err != nil {
		t.Fatal(err)
	}
	if got.Contact.Name != "Bob" {
		t.Fatalf("contact not hydrated: %+v", got.Contact)
	}
	stub := got.Contact.Parent
	if stub == nil || stub.ID != "gone" || stub.Name != "" {
		t.Errorf("missing ancestor should stay an id-only stub, got %+v", stub)
	}
}

func TestMinifyRoundTrip(t *testing.T) {
	hydrated := &doc.Contact{
		ID: "chw", Type: "person", Name: "Bob", Phone: "+254700000001",
		Parent: &doc.Contact{
			ID: "clinic", Type: "clinic", Name: "Dunga Clinic",
			Contact: &doc.Contact{ID: "nurse", Name: "Alice"},
			Parent:  &doc.Contact{ID: "hc", Type: "health_center"},
		},
	}

	min := MinifyContact(hydrated)
	if !reflect.DeepEqual(min.IDs(), hydrated.IDs()) {
		t.Fatalf("minify changed the id sequence: %v != %v", min.IDs(), hydrated.IDs())
	}
	if min.Name != "" || min.Phone != "" || min.Contact != nil {
		t.Errorf("minified chain carries more than ids: %+v", min)
	}

	// Minifying an already-minified chain is a no-op.
	if !reflect.DeepEqual(MinifyContact(min), min) {
		t.Error("minify is not idempotent")
	}
}

func TestMinifyDocument(t *testing.T) {
	d := &doc.Document{
		Contact: &doc.Contact{ID: "chw", Name: "Bob", Parent: &doc.Contact{ID: "clinic", Name: "Dunga"}},
		Parent:  &doc.Contact{ID: "clinic", Name: "Dunga"},
	}
	Minify(d)
	if d.Contact.Name != "" || d.Contact.Parent.Name != "" || d.Parent.Name != "" {
		t.Errorf("document lineage not minified: %+v", d)
	}
	if d.Contact.ID != "chw" || d.Contact.Parent.ID != "clinic" {
		t.Errorf("id sequence lost: %+v", d.Contact)
	}
}
