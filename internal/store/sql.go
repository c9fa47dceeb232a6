package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"datafair/internal/dataset"
	"datafair/internal/storage"
)

func serial(d storage.Dialect) string {
	if d == storage.Postgres {
		return "seq BIGSERIAL PRIMARY KEY"
	}
	return "seq INTEGER PRIMARY KEY AUTOINCREMENT"
}

func init() {
	storage.RegisterSchema("datasets", func(d storage.Dialect) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS datasets (
				id         TEXT PRIMARY KEY,
				kind       TEXT NOT NULL,
				status     TEXT NOT NULL,
				needs_work INTEGER NOT NULL DEFAULT 0,
				wait_until BIGINT NOT NULL DEFAULT 0,
				updated_at BIGINT NOT NULL,
				doc        TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS datasets_work_idx ON datasets (needs_work, updated_at)`,
		}
	})
	storage.RegisterSchema("lines", func(d storage.Dialect) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS dataset_lines (
				dataset_id TEXT NOT NULL,
				id         TEXT NOT NULL,
				ordinal    BIGINT NOT NULL,
				version    BIGINT NOT NULL,
				doc        TEXT NOT NULL,
				deleted    INTEGER NOT NULL DEFAULT 0,
				indexed    INTEGER NOT NULL DEFAULT 0,
				in_index   INTEGER NOT NULL DEFAULT 0,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (dataset_id, id)
			)`,
			`CREATE INDEX IF NOT EXISTS dataset_lines_ordinal_idx ON dataset_lines (dataset_id, ordinal)`,
			`CREATE INDEX IF NOT EXISTS dataset_lines_pending_idx ON dataset_lines (dataset_id, indexed)`,
			`CREATE TABLE IF NOT EXISTS dataset_line_seq (
				dataset_id   TEXT PRIMARY KEY,
				next_ordinal BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS dataset_line_revisions (
				` + serial(d) + `,
				dataset_id TEXT NOT NULL,
				line_id    TEXT NOT NULL,
				action     TEXT NOT NULL,
				doc        TEXT NOT NULL,
				at         BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS dataset_line_revisions_idx ON dataset_line_revisions (dataset_id, line_id)`,
		}
	})
	storage.RegisterSchema("journal", func(d storage.Dialect) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS dataset_journal (
				` + serial(d) + `,
				dataset_id TEXT NOT NULL,
				type       TEXT NOT NULL,
				data       TEXT NOT NULL,
				draft      INTEGER NOT NULL DEFAULT 0,
				at         BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS dataset_journal_idx ON dataset_journal (dataset_id, seq)`,
		}
	})
}

// NewSQL returns a Store backed by db. Call db.Bootstrap first.
func NewSQL(db *storage.DB) *Store {
	return &Store{
		Datasets: &sqlDatasets{db: db},
		Lines:    &sqlLines{db: db},
		Journal:  &sqlJournal{db: db},
		ping:     db.PingContext,
		close:    db.Close,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// toMillis maps the zero time to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

type sqlDatasets struct {
	db *storage.DB
}

func (s *sqlDatasets) Insert(ctx context.Context, ds *dataset.Dataset) error {
	doc, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO datasets (id, kind, status, needs_work, wait_until, updated_at, doc) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ds.ID, string(ds.Kind), string(ds.State()), boolInt(ds.NeedsWork()), toMillis(ds.WaitUntil), ds.UpdatedAt.UnixMilli(), string(doc))
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("%w: dataset %s exists", ErrConflict, ds.ID)
	}
	return err
}

func decodeDataset(id string, raw string) (*dataset.Dataset, error) {
	var ds dataset.Dataset
	if err := json.Unmarshal([]byte(raw), &ds); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", id, err)
	}
	return &ds, nil
}

func (s *sqlDatasets) Get(ctx context.Context, id string) (*dataset.Dataset, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT doc FROM datasets WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDataset(id, raw)
}

func (s *sqlDatasets) Update(ctx context.Context, id string, fn func(*dataset.Dataset) error) (*dataset.Dataset, error) {
	var out *dataset.Dataset
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT doc FROM datasets WHERE id = ?`+s.db.ForUpdate()), id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: dataset %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		ds, err := decodeDataset(id, raw)
		if err != nil {
			return err
		}
		if err := fn(ds); err != nil {
			return err
		}
		ds.ID = id
		doc, err := json.Marshal(ds)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			s.db.Rebind(`UPDATE datasets SET status = ?, needs_work = ?, wait_until = ?, updated_at = ?, doc = ? WHERE id = ?`),
			string(ds.State()), boolInt(ds.NeedsWork()), toMillis(ds.WaitUntil), ds.UpdatedAt.UnixMilli(), string(doc), id)
		if err != nil {
			return err
		}
		out = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlDatasets) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM datasets WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dataset %s", ErrNotFound, id)
	}
	return nil
}

func (s *sqlDatasets) ListActionable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT id FROM datasets WHERE needs_work = 1 AND wait_until <= ? ORDER BY updated_at, id LIMIT ?`),
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type sqlLines struct {
	db *storage.DB
}

const lineColumns = `id, ordinal, version, doc, deleted, indexed, in_index, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLine(r rowScanner) (*Line, error) {
	var (
		l                Line
		raw              string
		deleted, indexed int
		inIndex          int
		updated          int64
	)
	if err := r.Scan(&l.ID, &l.Ordinal, &l.Version, &raw, &deleted, &indexed, &inIndex, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &l.Doc); err != nil {
		return nil, fmt.Errorf("decode line %s: %w", l.ID, err)
	}
	l.Deleted, l.Indexed, l.InIndex = deleted == 1, indexed == 1, inIndex == 1
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}

func (s *sqlLines) Write(ctx context.Context, datasetID string, ops []LineOp, opts WriteOptions) ([]Line, error) {
	var out []Line
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO dataset_line_seq (dataset_id, next_ordinal) VALUES (?, 0) ON CONFLICT (dataset_id) DO NOTHING`),
			datasetID); err != nil {
			return err
		}
		var next int64
		if err := tx.QueryRowContext(ctx,
			s.db.Rebind(`SELECT next_ordinal FROM dataset_line_seq WHERE dataset_id = ?`+s.db.ForUpdate()),
			datasetID).Scan(&next); err != nil {
			return err
		}

		staged := map[string]*Line{}
		var order []string
		lookup := func(id string) (*Line, error) {
			if l, ok := staged[id]; ok {
				return l, nil
			}
			l, err := scanLine(tx.QueryRowContext(ctx,
				s.db.Rebind(`SELECT `+lineColumns+` FROM dataset_lines WHERE dataset_id = ? AND id = ?`),
				datasetID, id))
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return l, err
		}
		out = make([]Line, 0, len(ops))
		for i, op := range ops {
			l, err := applyLineOp(op, i, lookup, &next, opts)
			if err != nil {
				return err
			}
			if _, ok := staged[l.ID]; !ok {
				order = append(order, l.ID)
			}
			staged[l.ID] = l
			out = append(out, copyLine(l))
			if opts.History {
				doc, err := json.Marshal(op.Doc)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					s.db.Rebind(`INSERT INTO dataset_line_revisions (dataset_id, line_id, action, doc, at) VALUES (?, ?, ?, ?, ?)`),
					datasetID, l.ID, string(op.Action), string(doc), opts.Now.UnixMilli()); err != nil {
					return err
				}
			}
		}
		for _, id := range order {
			l := staged[id]
			doc, err := json.Marshal(l.Doc)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO dataset_lines (dataset_id, id, ordinal, version, doc, deleted, indexed, in_index, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
				ON CONFLICT (dataset_id, id) DO UPDATE SET
					ordinal = excluded.ordinal, version = excluded.version, doc = excluded.doc,
					deleted = excluded.deleted, indexed = 0, in_index = excluded.in_index,
					updated_at = excluded.updated_at`),
				datasetID, l.ID, l.Ordinal, l.Version, string(doc), boolInt(l.Deleted), boolInt(l.InIndex), l.UpdatedAt.UnixMilli()); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			s.db.Rebind(`UPDATE dataset_line_seq SET next_ordinal = ? WHERE dataset_id = ?`), next, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlLines) Get(ctx context.Context, datasetID, lineID string) (*Line, error) {
	l, err := scanLine(s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT `+lineColumns+` FROM dataset_lines WHERE dataset_id = ? AND id = ? AND deleted = 0`),
		datasetID, lineID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: line %s", ErrNotFound, lineID)
	}
	return l, err
}

func (s *sqlLines) query(ctx context.Context, q string, args ...any) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *sqlLines) Pending(ctx context.Context, datasetID string, limit int) ([]Line, error) {
	return s.query(ctx,
		`SELECT `+lineColumns+` FROM dataset_lines WHERE dataset_id = ? AND indexed = 0 ORDER BY ordinal LIMIT ?`,
		datasetID, sqlLimit(limit))
}

func (s *sqlLines) Page(ctx context.Context, datasetID string, after int64, limit int) ([]Line, error) {
	return s.query(ctx,
		`SELECT `+lineColumns+` FROM dataset_lines WHERE dataset_id = ? AND deleted = 0 AND ordinal > ? ORDER BY ordinal LIMIT ?`,
		datasetID, after, sqlLimit(limit))
}

// sqlLimit maps "no limit" to a value both dialects accept.
func sqlLimit(limit int) int64 {
	if limit > 0 {
		return int64(limit)
	}
	return 1<<62 - 1
}

func (s *sqlLines) MarkIndexed(ctx context.Context, datasetID string, refs []LineRef) error {
	if len(refs) == 0 {
		return nil
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, r := range refs {
			if _, err := tx.ExecContext(ctx,
				s.db.Rebind(`DELETE FROM dataset_lines WHERE dataset_id = ? AND id = ? AND version = ? AND deleted = 1`),
				datasetID, r.ID, r.Version); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				s.db.Rebind(`UPDATE dataset_lines SET indexed = 1, in_index = 1 WHERE dataset_id = ? AND id = ? AND version = ?`),
				datasetID, r.ID, r.Version); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlLines) Revisions(ctx context.Context, datasetID, lineID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT action, doc, at FROM dataset_line_revisions WHERE dataset_id = ? AND line_id = ? ORDER BY seq`),
		datasetID, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Revision
	for rows.Next() {
		var (
			action, raw string
			at          int64
		)
		if err := rows.Scan(&action, &raw, &at); err != nil {
			return nil, err
		}
		r := Revision{LineID: lineID, Action: LineAction(action), At: fromMillis(at)}
		if err := json.Unmarshal([]byte(raw), &r.Doc); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlLines) DeleteAll(ctx context.Context, datasetID string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"dataset_lines", "dataset_line_seq", "dataset_line_revisions"} {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM `+table+` WHERE dataset_id = ?`), datasetID); err != nil {
				return err
			}
		}
		return nil
	})
}

type sqlJournal struct {
	db *storage.DB
}

func (s *sqlJournal) Append(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO dataset_journal (dataset_id, type, data, draft, at) VALUES (?, ?, ?, ?, ?)`),
		ev.DatasetID, ev.Type, ev.Data, boolInt(ev.Draft), ev.At.UnixMilli())
	return err
}

func (s *sqlJournal) List(ctx context.Context, datasetID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT type, data, draft, at FROM dataset_journal WHERE dataset_id = ? ORDER BY seq`), datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev    = Event{DatasetID: datasetID}
			draft int
			at    int64
		)
		if err := rows.Scan(&ev.Type, &ev.Data, &draft, &at); err != nil {
			return nil, err
		}
		ev.Draft = draft == 1
		ev.At = fromMillis(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlJournal) Delete(ctx context.Context, datasetID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM dataset_journal WHERE dataset_id = ?`), datasetID)
	return err
}
