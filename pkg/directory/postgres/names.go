package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// Resolve returns the live binding for a name.
func (s *Store) Resolve(ctx context.Context, name string) (*directory.Entry, error) {
	var entry *directory.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, ancestors, err := resolveWalk(ctx, tx, name)
		if err != nil {
			return err
		}
		if row == nil || row.isDeleted {
			return core.NotFoundf("resource %s not found", name)
		}
		entry = entryFromNameRow(row, ancestors)
		return nil
	})
	return entry, err
}

// ResolveAny returns the binding including tombstones, nil when unbound.
func (s *Store) ResolveAny(ctx context.Context, name string) (*directory.Entry, error) {
	var entry *directory.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := lookupName(ctx, tx, name)
		if err != nil || row == nil {
			return err
		}
		parent, ancestors, err := resolveWalk(ctx, tx, parentName(name))
		if err != nil {
			return err
		}
		if parent != nil && name != "/" {
			ancestors = append(ancestors, parent.acls)
		}
		entry = entryFromNameRow(row, ancestors)
		return nil
	})
	return entry, err
}

func parentName(name string) string {
	i := strings.LastIndexByte(name, '/')
	if i <= 0 {
		return "/"
	}
	return name[:i]
}

// CreateName binds a namespace or object under its parent namespace.
func (s *Store) CreateName(ctx context.Context, cc core.ClientContext, name string, isObject, parents bool) (*directory.Entry, error) {
	var entry *directory.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if parents {
			if err := createMissingParents(ctx, tx, cc, name); err != nil {
				return err
			}
		}
		created, err := createOneName(ctx, tx, cc, name, isObject)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	return entry, err
}

// createOneName creates or restores a single binding within a transaction.
func createOneName(ctx context.Context, tx *sql.Tx, cc core.ClientContext, name string, isObject bool) (*directory.Entry, error) {
	parent, ancestors, err := resolveWalk(ctx, tx, parentName(name))
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.isDeleted {
		return nil, core.Conflictf("parent namespace %s not available", parentName(name))
	}
	if parent.isObject {
		return nil, core.Conflictf("parent %s is not a namespace", parentName(name))
	}
	pe := entryFromNameRow(parent, ancestors)
	if err := directory.EnforceEntry(cc, pe, core.AccessOwner, core.AccessCreate); err != nil {
		return nil, err
	}

	chain := append(append([]core.ACLs{}, ancestors...), parent.acls)

	existing, err := lookupName(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	acls, err := marshalACLs(newOwnerACLs(cc))
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if !existing.isDeleted {
			return nil, core.Conflictf("name %s already in use", name)
		}
		if existing.isObject != isObject {
			return nil, core.Conflictf("deleted name %s was bound to a different resource kind", name)
		}
		row, err := scanNameRow(tx.QueryRowContext(ctx, `
UPDATE hatrac.name
SET parent_id = $1, is_deleted = false, acls = $2, created_at = now()
WHERE id = $3
RETURNING `+nameColumns, parent.id, acls, existing.id))
		if err != nil {
			return nil, err
		}
		return entryFromNameRow(row, chain), nil
	}

	row, err := scanNameRow(tx.QueryRowContext(ctx, `
INSERT INTO hatrac.name (parent_id, name, is_object, acls)
VALUES ($1, $2, $3, $4)
RETURNING `+nameColumns, parent.id, name, isObject, acls))
	if err != nil {
		return nil, err
	}
	return entryFromNameRow(row, chain), nil
}

// createMissingParents creates absent ancestor namespaces, shallowest first.
func createMissingParents(ctx context.Context, tx *sql.Tx, cc core.ClientContext, name string) error {
	var missing []string
	for p := parentName(name); p != "/"; p = parentName(p) {
		row, err := lookupName(ctx, tx, p)
		if err != nil {
			return err
		}
		if row != nil && !row.isDeleted {
			break
		}
		if row != nil && row.isObject {
			return core.Conflictf("deleted name %s was bound to a different resource kind", p)
		}
		missing = append(missing, p)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if _, err := createOneName(ctx, tx, cc, missing[i], false); err != nil {
			return err
		}
	}
	return nil
}

// DeleteName deletes an empty namespace, or an object with its versions and
// open uploads. Rows flip to tombstones; the caller reclaims backend bytes
// after commit.
func (s *Store) DeleteName(ctx context.Context, cc core.ClientContext, name string) (*directory.DeleteResult, error) {
	var result *directory.DeleteResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, ancestors, err := resolveWalk(ctx, tx, name)
		if err != nil {
			return err
		}
		if row == nil || row.isDeleted {
			return core.NotFoundf("resource %s not found", name)
		}
		if name == "/" {
			return core.Conflictf("the root namespace cannot be deleted")
		}

		entry := entryFromNameRow(row, ancestors)
		if err := directory.EnforceEntry(cc, entry, core.AccessOwner); err != nil {
			return err
		}

		result = &directory.DeleteResult{}

		if !row.isObject {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM hatrac.name WHERE parent_id = $1 AND NOT is_deleted`,
				row.id).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return core.Conflictf("namespace %s is not empty", name)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE hatrac.name SET is_deleted = true WHERE id = $1`, row.id); err != nil {
				return err
			}
			result.Namespaces = append(result.Namespaces, name)
			return nil
		}

		chain := append(append([]core.ACLs{}, ancestors...), row.acls)

		versions, err := listVersionRows(ctx, tx, row.id, true)
		if err != nil {
			return err
		}
		for _, v := range versions {
			ver := versionFromRow(v, name, chain)
			if err := directory.EnforceVersion(cc, ver, core.AccessOwner); err != nil {
				return err
			}
			result.Versions = append(result.Versions, *ver)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE hatrac.version SET is_deleted = true WHERE name_id = $1 AND version IS NOT NULL`,
			row.id); err != nil {
			return err
		}

		uploads, err := listUploadRows(ctx, tx, row.id)
		if err != nil {
			return err
		}
		for _, u := range uploads {
			result.Uploads = append(result.Uploads, *uploadFromRow(u, name, chain))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE hatrac.upload SET state = 'cancelled' WHERE name_id = $1 AND state = 'open'`,
			row.id); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE hatrac.name SET is_deleted = true WHERE id = $1`, row.id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnumerateChildren lists live direct children, sorted by name.
func (s *Store) EnumerateChildren(ctx context.Context, cc core.ClientContext, name string) ([]directory.Entry, error) {
	var out []directory.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row, ancestors, err := resolveWalk(ctx, tx, name)
		if err != nil {
			return err
		}
		if row == nil || row.isDeleted {
			return core.NotFoundf("resource %s not found", name)
		}
		if row.isObject {
			return core.Conflictf("object %s has no children", name)
		}

		// the namespace's own subtree-read also gates its listing
		chain := append(append([]core.ACLs{}, ancestors...), row.acls)
		probe := &directory.Entry{Name: name, ACLs: row.acls, Ancestors: chain}
		if err := directory.EnforceEntry(cc, probe, core.AccessOwner, core.AccessRead); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
SELECT `+nameColumns+` FROM hatrac.name
WHERE parent_id = $1 AND NOT is_deleted
ORDER BY name`, row.id)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			child, err := scanNameRow(rows)
			if err != nil {
				return err
			}
			out = append(out, *entryFromNameRow(child, chain))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
