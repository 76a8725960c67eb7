package postgres

import (
	"context"
	"database/sql"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// UpdateACL applies an ACL mutation to a namespace, object or version.
func (s *Store) UpdateACL(ctx context.Context, cc core.ClientContext, target directory.ACLTarget, access string, op directory.ACLOp, role string, acl core.ACL) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if target.Version != nil {
			return updateVersionACL(ctx, tx, cc, target.Version, access, op, role, acl)
		}
		return updateNameACL(ctx, tx, cc, target.Entry, access, op, role, acl)
	})
}

func updateNameACL(ctx context.Context, tx *sql.Tx, cc core.ClientContext, e *directory.Entry, access string, op directory.ACLOp, role string, acl core.ACL) error {
	row, ancestors, err := resolveWalk(ctx, tx, e.Name)
	if err != nil {
		return err
	}
	if row == nil || row.isDeleted {
		return core.NotFoundf("resource %s not found", e.Name)
	}

	entry := entryFromNameRow(row, ancestors)
	if !core.ValidACLName(access, entry.ACLNames()) {
		return core.BadRequestf("invalid ACL name %s for %s", access, e.Name)
	}
	if err := directory.EnforceEntry(cc, entry, core.AccessOwner); err != nil {
		return err
	}

	updated, err := directory.ApplyACLOp(row.acls.Get(access), op, role, acl)
	if err != nil {
		return err
	}
	next := row.acls.Clone()
	next[access] = updated
	if access == core.AccessOwner && !directory.OwnedSomewhere(next, ancestors) {
		return core.BadRequestf("update would leave %s with no authorized owner", e.Name)
	}

	raw, err := marshalACLs(next)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE hatrac.name SET acls = $1 WHERE id = $2`, raw, row.id)
	return err
}

func updateVersionACL(ctx context.Context, tx *sql.Tx, cc core.ClientContext, ver *directory.Version, access string, op directory.ACLOp, role string, acl core.ACL) error {
	row, name, chain, err := reloadVersion(ctx, tx, ver)
	if err != nil {
		return err
	}

	v := versionFromRow(row, name, chain)
	if !core.ValidACLName(access, v.ACLNames()) {
		return core.BadRequestf("invalid ACL name %s for %s:%s", access, name, ver.VersionID)
	}
	if err := directory.EnforceVersion(cc, v, core.AccessOwner); err != nil {
		return err
	}

	updated, err := directory.ApplyACLOp(row.acls.Get(access), op, role, acl)
	if err != nil {
		return err
	}
	next := row.acls.Clone()
	next[access] = updated
	if access == core.AccessOwner && !directory.OwnedSomewhere(next, chain) {
		return core.BadRequestf("update would leave %s:%s with no authorized owner", name, ver.VersionID)
	}

	raw, err := marshalACLs(next)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE hatrac.version SET acls = $1 WHERE id = $2`, raw, row.id)
	return err
}
