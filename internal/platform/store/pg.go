package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cht/sentinel/pkg/doc"
)

// NewPool opens a pgx pool against the document database.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id      text PRIMARY KEY,
	rev     text NOT NULL,
	seq     bigint NOT NULL,
	deleted boolean NOT NULL DEFAULT false,
	body    jsonb NOT NULL
);
CREATE SEQUENCE IF NOT EXISTS documents_seq;
CREATE INDEX IF NOT EXISTS documents_seq_idx ON documents (seq);
CREATE INDEX IF NOT EXISTS documents_type_idx ON documents ((body->>'type'));
CREATE INDEX IF NOT EXISTS documents_patient_id_idx ON documents ((body->>'patient_id'));
CREATE INDEX IF NOT EXISTS documents_reported_date_idx ON documents (((body->>'reported_date')::bigint));
`

// PG is the Postgres JSONB implementation of Docs and Feed. Documents are
// stored whole; revision tokens are "<generation>-<nonce>" strings checked on
// every write, and a global sequence orders the change feed.
type PG struct {
	pool         *pgxpool.Pool
	PollInterval time.Duration
}

// NewPG creates the store and its schema if missing.
func NewPG(ctx context.Context, pool *pgxpool.Pool) (*PG, error) {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PG{pool: pool, PollInterval: time.Second}, nil
}

func decode(body []byte) (*doc.Document, error) {
	d := &doc.Document{}
	if err := json.Unmarshal(body, d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

// Get implements Docs.
func (s *PG) Get(ctx context.Context, id string) (*doc.Document, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM documents WHERE id = $1 AND NOT deleted`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}
	return decode(body)
}

// BulkGet implements Docs. Missing ids are skipped.
func (s *PG) BulkGet(ctx context.Context, ids []string) ([]*doc.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM documents WHERE id = ANY($1) AND NOT deleted`, ids)
	if err != nil {
		return nil, fmt.Errorf("bulk get: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*doc.Document)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("bulk get: %w", err)
		}
		d, err := decode(body)
		if err != nil {
			return nil, err
		}
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk get: %w", err)
	}

	// Preserve the requested order.
	out := make([]*doc.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func newRev(current string) string {
	gen := 0
	if i := strings.IndexByte(current, '-'); i > 0 {
		gen, _ = strconv.Atoi(current[:i])
	}
	nonce := make([]byte, 4)
	_, _ = rand.Read(nonce)
	return fmt.Sprintf("%d-%s", gen+1, hex.EncodeToString(nonce))
}

// Put implements Docs with a revision-conditioned write.
func (s *PG) Put(ctx context.Context, d *doc.Document) (string, error) {
	if d.ID == "" {
		return "", fmt.Errorf("put: document has no id")
	}
	oldRev := d.Rev
	rev := newRev(oldRev)
	d.Rev = rev
	body, err := json.Marshal(d)
	if err != nil {
		d.Rev = oldRev
		return "", fmt.Errorf("put %q: encode: %w", d.ID, err)
	}

	var tag int64
	if oldRev == "" {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO documents (id, rev, seq, body)
			VALUES ($1, $2, nextval('documents_seq'), $3)
			ON CONFLICT (id) DO NOTHING
			RETURNING 1`, d.ID, rev, body).Scan(&tag)
	} else {
		err = s.pool.QueryRow(ctx, `
			UPDATE documents
			SET rev = $3, seq = nextval('documents_seq'), body = $4
			WHERE id = $1 AND rev = $2
			RETURNING 1`, d.ID, oldRev, rev, body).Scan(&tag)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		d.Rev = oldRev
		return "", fmt.Errorf("put %q: %w", d.ID, ErrConflict)
	}
	if err != nil {
		d.Rev = oldRev
		return "", fmt.Errorf("put %q: %w", d.ID, err)
	}
	return rev, nil
}

// Query implements Docs. The lineage index is resolved in Go by walking the
// target's minified chain; the flat indexes map directly to SQL.
func (s *PG) Query(ctx context.Context, view string, q ViewQuery) ([]ViewRow, error) {
	switch view {
	case ViewDocsByIDLineage:
		return s.lineageRows(ctx, singleKey(q.StartKey))
	case ViewRegisteredPatients:
		return s.flatQuery(ctx, q,
			`SELECT id, body FROM documents
			 WHERE body->>'type' = 'data_record' AND body->>'patient_id' = $1 AND NOT deleted
			 ORDER BY id`, singleKey(q.Key))
	case ViewPatientByShortcode:
		return s.flatQuery(ctx, q,
			`SELECT id, body FROM documents
			 WHERE body->>'patient_id' = $1 AND NOT deleted
			 ORDER BY id`, singleKey(q.Key))
	case ViewClinicByRefID:
		return s.flatQuery(ctx, q,
			`SELECT id, body FROM documents
			 WHERE body->>'type' = 'clinic' AND body->>'refid' = $1 AND NOT deleted
			 ORDER BY id`, singleKey(q.Key))
	case ViewPeopleByPhone:
		return s.flatQuery(ctx, q,
			`SELECT id, body FROM documents
			 WHERE body->>'type' = 'person' AND body->>'phone' = $1 AND NOT deleted
			 ORDER BY id`, singleKey(q.Key))
	case ViewReportsByReportedDate:
		start, _ := keyInt64(q.StartKey)
		end, _ := keyInt64(q.EndKey)
		return s.flatQuery(ctx, q,
			`SELECT id, body FROM documents
			 WHERE body->>'type' = 'data_record'
			   AND (body->>'reported_date')::bigint >= $1
			   AND (body->>'reported_date')::bigint < $2
			   AND NOT deleted
			 ORDER BY (body->>'reported_date')::bigint`, start, end)
	default:
		return nil, fmt.Errorf("query: unknown view %q", view)
	}
}

func (s *PG) flatQuery(ctx context.Context, q ViewQuery, sql string, args ...any) ([]ViewRow, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("view query: %w", err)
	}
	defer rows.Close()

	var out []ViewRow
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("view query: %w", err)
		}
		row := ViewRow{ID: id}
		if q.IncludeDocs {
			d, err := decode(body)
			if err != nil {
				return nil, err
			}
			row.Doc = d
			row.Key = d.ReportedDate
		}
		out = append(out, row)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("view query: %w", err)
	}
	return out, nil
}

func (s *PG) lineageRows(ctx context.Context, id string) ([]ViewRow, error) {
	target, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !lineageTypes[target.Type] {
		return nil, nil
	}

	ids := []string{id}
	if target.Type == doc.TypeDataRecord {
		ids = append(ids, target.Contact.IDs()...)
	} else {
		ids = append(ids, target.Parent.IDs()...)
	}

	fetched, err := s.BulkGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*doc.Document, len(fetched))
	for _, d := range fetched {
		byID[d.ID] = d
	}

	rows := make([]ViewRow, 0, len(ids))
	for i, cid := range ids {
		rows = append(rows, ViewRow{ID: cid, Key: []any{id, i}, Doc: byID[cid]})
	}
	return rows, nil
}

// Changes implements Feed by polling the sequence column.
func (s *PG) Changes(ctx context.Context, since int64) (<-chan Change, error) {
	out := make(chan Change)
	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := since
		for {
			next, err := s.emitSince(ctx, last, out)
			if err != nil {
				return
			}
			last = next
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (s *PG) emitSince(ctx context.Context, since int64, out chan<- Change) (int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, seq, deleted, body FROM documents
		WHERE seq > $1 ORDER BY seq LIMIT 100`, since)
	if err != nil {
		return since, err
	}
	defer rows.Close()

	last := since
	for rows.Next() {
		var (
			id      string
			seq     int64
			deleted bool
			body    []byte
		)
		if err := rows.Scan(&id, &seq, &deleted, &body); err != nil {
			return last, err
		}
		ch := Change{ID: id, Seq: seq, Deleted: deleted}
		if !deleted {
			d, err := decode(body)
			if err != nil {
				return last, err
			}
			ch.Doc = d
		}
		select {
		case out <- ch:
			last = seq
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
	return last, rows.Err()
}
