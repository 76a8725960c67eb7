// Package postgres implements the directory on PostgreSQL.
//
// All writes run in SERIALIZABLE transactions; serialization failures retry
// with exponential backoff, and callers see one only once the retry budget
// is exhausted. Version rows are
// created invisible (version NULL, is_deleted true) and completed after the
// bulk transfer, following the two-phase lifecycle the REST layer drives.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

const defaultMaxRetries = 5

// Store is the PostgreSQL directory.
type Store struct {
	db         *sql.DB
	maxRetries int
}

var _ directory.Directory = (*Store)(nil)

// Open connects to the database. maxRetries bounds serialization-conflict
// replays per operation; zero selects the default.
func Open(dsn string, maxRetries int) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Store{db: db, maxRetries: maxRetries}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// retryable reports whether err is a serialization or deadlock failure.
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// withTx runs fn inside a serializable transaction, replaying on
// serialization conflicts up to the retry budget.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 10 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff) + 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = fn(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}

		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS hatrac;

CREATE TABLE IF NOT EXISTS hatrac.name (
  id bigserial PRIMARY KEY,
  parent_id int8 REFERENCES hatrac.name(id),
  name text NOT NULL UNIQUE,
  is_object boolean NOT NULL DEFAULT false,
  is_deleted boolean NOT NULL DEFAULT false,
  acls jsonb NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hatrac.version (
  id bigserial PRIMARY KEY,
  name_id int8 NOT NULL REFERENCES hatrac.name(id),
  version text,
  size int8 NOT NULL DEFAULT 0,
  metadata jsonb NOT NULL DEFAULT '{}',
  aux jsonb,
  is_deleted boolean NOT NULL DEFAULT false,
  acls jsonb NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (name_id, version),
  CHECK (version IS NOT NULL OR is_deleted)
);

CREATE INDEX IF NOT EXISTS version_name_id_id_idx ON hatrac.version (name_id, id);

CREATE TABLE IF NOT EXISTS hatrac.upload (
  id bigserial PRIMARY KEY,
  name_id int8 NOT NULL REFERENCES hatrac.name(id),
  job text NOT NULL,
  chunk_length int8 NOT NULL,
  content_length int8 NOT NULL,
  metadata jsonb NOT NULL DEFAULT '{}',
  handle text NOT NULL,
  state text NOT NULL DEFAULT 'open',
  chunk_aux jsonb NOT NULL DEFAULT '[]',
  owner jsonb NOT NULL DEFAULT '[]',
  created_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (name_id, job)
);
`

// Deploy initializes the schema, seeds the root namespace and grants it to
// the admin roles.
func (s *Store) Deploy(ctx context.Context, adminRoles []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}

		var rootID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM hatrac.name WHERE name = '/'`).Scan(&rootID)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx,
				`INSERT INTO hatrac.name (name, is_object) VALUES ('/', false) RETURNING id`,
			).Scan(&rootID)
		}
		if err != nil {
			return fmt.Errorf("failed to seed root namespace: %w", err)
		}

		acls := core.ACLs{core.AccessOwner: core.ACL(adminRoles).Normalize()}
		raw, err := json.Marshal(acls)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE hatrac.name SET acls = $1 WHERE id = $2`, raw, rootID); err != nil {
			return fmt.Errorf("failed to grant root ownership: %w", err)
		}
		return nil
	})
}

// nameRow mirrors one hatrac.name row.
type nameRow struct {
	id        int64
	parentID  sql.NullInt64
	name      string
	isObject  bool
	isDeleted bool
	acls      core.ACLs
	createdAt time.Time
}

const nameColumns = `id, parent_id, name, is_object, is_deleted, acls, created_at`

func scanNameRow(scanner interface{ Scan(...any) error }) (*nameRow, error) {
	var row nameRow
	var aclsRaw []byte
	if err := scanner.Scan(&row.id, &row.parentID, &row.name, &row.isObject, &row.isDeleted, &aclsRaw, &row.createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(aclsRaw, &row.acls); err != nil {
		return nil, fmt.Errorf("corrupt acls for %s: %w", row.name, err)
	}
	return &row, nil
}

// lookupName fetches one name row by full path within a transaction.
func lookupName(ctx context.Context, tx *sql.Tx, name string) (*nameRow, error) {
	row, err := scanNameRow(tx.QueryRowContext(ctx,
		`SELECT `+nameColumns+` FROM hatrac.name WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

// resolveWalk resolves a name segment by segment from the root, enforcing
// tree integrity through parent ids, and returns the target row with its
// ancestor ACL chain (root first, target excluded).
func resolveWalk(ctx context.Context, tx *sql.Tx, name string) (*nameRow, []core.ACLs, error) {
	root, err := lookupName(ctx, tx, "/")
	if err != nil {
		return nil, nil, err
	}
	if root == nil {
		return nil, nil, core.NotFoundf("service not deployed")
	}
	if name == "/" {
		return root, nil, nil
	}

	ancestors := []core.ACLs{root.acls}
	parent := root
	segments := strings.Split(strings.TrimPrefix(name, "/"), "/")
	path := ""
	for i, seg := range segments {
		path += "/" + seg
		row, err := scanNameRow(tx.QueryRowContext(ctx,
			`SELECT `+nameColumns+` FROM hatrac.name WHERE parent_id = $1 AND name = $2`,
			parent.id, path))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		if i == len(segments)-1 {
			return row, ancestors, nil
		}
		if row.isObject || row.isDeleted {
			// an interior segment must be a live namespace
			return nil, nil, nil
		}
		ancestors = append(ancestors, row.acls)
		parent = row
	}
	return nil, nil, nil
}

func entryFromNameRow(row *nameRow, ancestors []core.ACLs) *directory.Entry {
	var parentID int64
	if row.parentID.Valid {
		parentID = row.parentID.Int64
	}
	return &directory.Entry{
		ID:        row.id,
		ParentID:  parentID,
		Name:      row.name,
		IsObject:  row.isObject,
		Deleted:   row.isDeleted,
		ACLs:      row.acls,
		Ancestors: ancestors,
		CreatedAt: row.createdAt,
	}
}

func marshalACLs(acls core.ACLs) ([]byte, error) {
	if acls == nil {
		acls = core.ACLs{}
	}
	return json.Marshal(acls)
}

func marshalMetadata(md core.Metadata) ([]byte, error) {
	if md == nil {
		md = core.Metadata{}
	}
	return json.Marshal(md)
}

func newOwnerACLs(cc core.ClientContext) core.ACLs {
	acls := core.ACLs{}
	if cc.Client != "" {
		acls[core.AccessOwner] = core.ACL{cc.Client}
	}
	return acls
}
