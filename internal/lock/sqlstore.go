package lock

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"datafair/internal/storage"
)

func init() {
	storage.RegisterSchema("locks", func(d storage.Dialect) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS locks (
				id         TEXT PRIMARY KEY,
				owner      TEXT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS locks_owner_idx ON locks (owner)`,
		}
	})
}

// SQLStore keeps locks in the locks table. The primary key on id is what
// makes Insert atomic across processes.
type SQLStore struct {
	db *storage.DB
}

func NewSQLStore(db *storage.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Insert(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	expired := now.Add(-ttl).UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM locks WHERE id = ? AND updated_at < ?`), id, expired); err != nil {
		return false, err
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO locks (id, owner, updated_at) VALUES (?, ?, ?)`),
		id, owner, now.UnixMilli())
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM locks WHERE id = ? AND owner = ?`), id, owner)
	return err
}

func (s *SQLStore) Refresh(ctx context.Context, owner string, ids []string, now time.Time, ttl time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, now.UnixMilli(), owner)
	for _, id := range ids {
		args = append(args, id)
	}
	q := `UPDATE locks SET updated_at = ? WHERE owner = ? AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	_, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	return err
}

func (s *SQLStore) Purge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM locks WHERE id = ?`), id)
	return err
}

// Owner returns the current owner of id. Test helper.
func (s *SQLStore) Owner(ctx context.Context, id string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT owner FROM locks WHERE id = ?`), id).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}
