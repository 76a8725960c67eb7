package postgres

import (
	"context"
	"database/sql"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// WalkVersions visits every live version of every live object.
func (s *Store) WalkVersions(ctx context.Context, fn func(*directory.Version) error) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT v.id, v.name_id, v.version, v.size, v.metadata, v.aux, v.is_deleted, v.acls, v.created_at, n.name
FROM hatrac.version v
JOIN hatrac.name n ON n.id = v.name_id
WHERE v.version IS NOT NULL AND NOT v.is_deleted AND NOT n.is_deleted
ORDER BY v.id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var row versionRow
		var mdRaw, auxRaw, aclsRaw []byte
		var name string
		if err := rows.Scan(&row.id, &row.nameID, &row.version, &row.size, &mdRaw, &auxRaw, &row.isDeleted, &aclsRaw, &row.createdAt, &name); err != nil {
			return err
		}
		if err := unmarshalVersionPayload(&row, mdRaw, auxRaw, aclsRaw); err != nil {
			return err
		}
		if err := fn(versionFromRow(&row, name, nil)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SetVersionAux replaces a version's aux record.
func (s *Store) SetVersionAux(ctx context.Context, id int64, aux core.Aux) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		raw, err := aux.Encode()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE hatrac.version SET aux = $1 WHERE id = $2`, raw, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return core.NotFoundf("version %d not found", id)
		}
		return nil
	})
}
