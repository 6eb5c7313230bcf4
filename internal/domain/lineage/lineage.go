// Package lineage hydrates and minifies contact chains. Documents are stored
// with minified lineage (ids only); processing needs the full chain with
// names, phones and contact people bound in.
package lineage

import (
	"context"
	"fmt"

	"github.com/cht/sentinel/internal/platform/store"
	"github.com/cht/sentinel/pkg/doc"
)

// Service resolves lineage against the document store.
type Service struct {
	docs store.Docs
}

// NewService creates a lineage service over the given store.
func NewService(docs store.Docs) *Service {
	return &Service{docs: docs}
}

// FetchHydratedDoc fetches a document and rebuilds its full contact chain.
// For a report the chain is bound at doc.Contact; for a place or person the
// chain becomes doc.Parent. Contacts missing from the store are kept as
// id-only stubs. Documents without lineage are returned as stored.
func (s *Service) FetchHydratedDoc(ctx context.Context, id string) (*doc.Document, error) {
	rows, err := s.docs.Query(ctx, store.ViewDocsByIDLineage, store.ViewQuery{
		StartKey:    []any{id},
		IncludeDocs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("lineage of %q: %w", id, err)
	}
	if len(rows) == 0 || rows[0].Doc == nil {
		return s.docs.Get(ctx, id)
	}

	target := rows[0].Doc
	chain := buildChain(rows[1:])
	if err := s.bindContacts(ctx, target, chain); err != nil {
		return nil, err
	}

	if target.Type == doc.TypeDataRecord {
		target.Contact = chain
	} else if chain != nil {
		target.Parent = chain
	}
	return target, nil
}

// buildChain turns ordered lineage rows into a linked contact chain. A row
// whose document has since gone missing contributes an id-only stub.
func buildChain(rows []store.ViewRow) *doc.Contact {
	var head, tail *doc.Contact
	for _, row := range rows {
		var node *doc.Contact
		if row.Doc != nil {
			node = row.Doc.AsContact()
		} else {
			node = &doc.Contact{ID: row.ID}
		}
		node.Parent = nil
		if tail == nil {
			head = node
		} else {
			tail.Parent = node
		}
		tail = node
	}
	return head
}

// bindContacts bulk-fetches the contact people referenced by the chain (and
// by the target itself, for places) and binds them in place of the minified
// stubs. Unresolvable references stay minified.
func (s *Service) bindContacts(ctx context.Context, target *doc.Document, chain *doc.Contact) error {
	var ids []string
	seen := make(map[string]bool)
	collect := func(c *doc.Contact) {
		if c != nil && c.ID != "" && c.Type == "" && !seen[c.ID] {
			seen[c.ID] = true
			ids = append(ids, c.ID)
		}
	}
	if target.Type != doc.TypeDataRecord {
		collect(target.Contact)
	}
	for node := chain; node != nil; node = node.Parent {
		collect(node.Contact)
	}
	if len(ids) == 0 {
		return nil
	}

	fetched, err := s.docs.BulkGet(ctx, ids)
	if err != nil {
		return fmt.Errorf("lineage contacts: %w", err)
	}
	byID := make(map[string]*doc.Document, len(fetched))
	for _, d := range fetched {
		byID[d.ID] = d
	}

	bind := func(c *doc.Contact) *doc.Contact {
		if c == nil {
			return nil
		}
		if full, ok := byID[c.ID]; ok {
			return full.AsContact()
		}
		return c
	}
	if target.Type != doc.TypeDataRecord {
		target.Contact = bind(target.Contact)
	}
	for node := chain; node != nil; node = node.Parent {
		node.Contact = bind(node.Contact)
	}
	return nil
}

// MinifyContact reduces a contact chain to its id sequence. Already-minified
// chains pass through unchanged.
func MinifyContact(c *doc.Contact) *doc.Contact {
	if c == nil {
		return nil
	}
	return &doc.Contact{ID: c.ID, Parent: MinifyContact(c.Parent)}
}

// Minify strips a document's lineage down to ids before persisting.
func Minify(d *doc.Document) {
	d.Contact = MinifyContact(d.Contact)
	d.Parent = MinifyContact(d.Parent)
}
