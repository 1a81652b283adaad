package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a credential store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the value for (sessionID, key), or ErrNotFound when no row exists.
func (s *PostgresStore) Get(ctx context.Context, sessionID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_credentials WHERE session_id = $1 AND key = $2`,
		sessionID, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// Put upserts the value for (sessionID, key). Upsert atomicity comes from Postgres.
func (s *PostgresStore) Put(ctx context.Context, sessionID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_credentials (session_id, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		sessionID, key, value,
	)
	return err
}

// DeleteKey removes the row for (sessionID, key). Missing rows are not an error.
func (s *PostgresStore) DeleteKey(ctx context.Context, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_credentials WHERE session_id = $1 AND key = $2`,
		sessionID, key,
	)
	return err
}

// DeleteAll removes every credential row for the session.
func (s *PostgresStore) DeleteAll(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_credentials WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteByKeyPrefixes removes rows whose key starts with any of the prefixes.
// The RootKey row is excluded in the statement itself, so a bad prefix list
// can never destroy a session's identity.
func (s *PostgresStore) DeleteByKeyPrefixes(ctx context.Context, sessionID string, prefixes []string) (int64, error) {
	if len(prefixes) == 0 {
		return 0, nil
	}
	query, args := prefixDeleteQuery(sessionID, prefixes)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountSessionsWithKey counts sessions that persisted the given key.
func (s *PostgresStore) CountSessionsWithKey(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_credentials WHERE key = $1`,
		key,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func prefixDeleteQuery(sessionID string, prefixes []string) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(prefixes)+2)
	args = append(args, sessionID, RootKey)
	sb.WriteString(`DELETE FROM session_credentials WHERE session_id = $1 AND key <> $2 AND (`)
	for i, p := range prefixes {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		fmt.Fprintf(&sb, "key LIKE $%d || '%%'", i+3)
		args = append(args, p)
	}
	sb.WriteString(")")
	return sb.String(), args
}
