package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// versionRow mirrors one hatrac.version row. A NULL version column marks a
// pending row awaiting storage transfer.
type versionRow struct {
	id        int64
	nameID    int64
	version   sql.NullString
	size      int64
	metadata  core.Metadata
	aux       core.Aux
	isDeleted bool
	acls      core.ACLs
	createdAt time.Time
}

const versionColumns = `id, name_id, version, size, metadata, aux, is_deleted, acls, created_at`

func scanVersionRow(scanner interface{ Scan(...any) error }) (*versionRow, error) {
	var row versionRow
	var mdRaw, auxRaw, aclsRaw []byte
	if err := scanner.Scan(&row.id, &row.nameID, &row.version, &row.size, &mdRaw, &auxRaw, &row.isDeleted, &aclsRaw, &row.createdAt); err != nil {
		return nil, err
	}
	if err := unmarshalVersionPayload(&row, mdRaw, auxRaw, aclsRaw); err != nil {
		return nil, err
	}
	return &row, nil
}

// unmarshalVersionPayload decodes the JSON columns of a version row.
func unmarshalVersionPayload(row *versionRow, mdRaw, auxRaw, aclsRaw []byte) error {
	if err := json.Unmarshal(mdRaw, &row.metadata); err != nil {
		return fmt.Errorf("corrupt metadata for version %d: %w", row.id, err)
	}
	if len(auxRaw) > 0 {
		aux, err := core.ParseAux(auxRaw)
		if err != nil {
			return fmt.Errorf("corrupt aux for version %d: %w", row.id, err)
		}
		row.aux = aux
	}
	if err := json.Unmarshal(aclsRaw, &row.acls); err != nil {
		return fmt.Errorf("corrupt acls for version %d: %w", row.id, err)
	}
	return nil
}

func versionFromRow(row *versionRow, name string, chain []core.ACLs) *directory.Version {
	return &directory.Version{
		ID:        row.id,
		ObjectID:  row.nameID,
		Name:      name,
		VersionID: row.version.String,
		Size:      row.size,
		Metadata:  row.metadata,
		Aux:       row.aux,
		Deleted:   row.isDeleted,
		ACLs:      row.acls,
		Ancestors: chain,
		CreatedAt: row.createdAt,
	}
}

// listVersionRows returns the visible versions of an object, oldest first.
func listVersionRows(ctx context.Context, tx *sql.Tx, nameID int64, liveOnly bool) ([]*versionRow, error) {
	q := `SELECT ` + versionColumns + ` FROM hatrac.version WHERE name_id = $1 AND version IS NOT NULL`
	if liveOnly {
		q += ` AND NOT is_deleted`
	}
	q += ` ORDER BY id`
	rows, err := tx.QueryContext(ctx, q, nameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*versionRow
	for rows.Next() {
		row, err := scanVersionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// resolveObject walks to a live object row and returns it with the full
// authorization chain (ancestors plus the object itself).
func resolveObject(ctx context.Context, tx *sql.Tx, name string) (*nameRow, []core.ACLs, error) {
	row, ancestors, err := resolveWalk(ctx, tx, name)
	if err != nil {
		return nil, nil, err
	}
	if row == nil || row.isDeleted {
		return nil, nil, core.NotFoundf("resource %s not found", name)
	}
	if !row.isObject {
		return nil, nil, core.Conflictf("%s is not an object", name)
	}
	chain := append(append([]core.ACLs{}, ancestors...), row.acls)
	return row, chain, nil
}

// CurrentVersion returns the highest-numbered visible version. The serial
// id resolves concurrent update order.
func (s *Store) CurrentVersion(ctx context.Context, name string) (*directory.Version, error) {
	var ver *directory.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		row, err := scanVersionRow(tx.QueryRowContext(ctx, `
SELECT `+versionColumns+` FROM hatrac.version
WHERE name_id = $1 AND version IS NOT NULL AND NOT is_deleted
ORDER BY id DESC LIMIT 1`, obj.id))
		if errors.Is(err, sql.ErrNoRows) {
			return core.Conflictf("object %s currently has no content", name)
		}
		if err != nil {
			return err
		}
		ver = versionFromRow(row, name, chain)
		return nil
	})
	return ver, err
}

// ResolveVersion returns one live version.
func (s *Store) ResolveVersion(ctx context.Context, name, versionID string) (*directory.Version, error) {
	var ver *directory.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		row, err := scanVersionRow(tx.QueryRowContext(ctx, `
SELECT `+versionColumns+` FROM hatrac.version
WHERE name_id = $1 AND version = $2`, obj.id, versionID))
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFoundf("object version %s:%s not found", name, versionID)
		}
		if err != nil {
			return err
		}
		if row.isDeleted {
			return core.NotFoundf("resource %s:%s not available", name, versionID)
		}
		ver = versionFromRow(row, name, chain)
		return nil
	})
	return ver, err
}

// CreateVersion inserts an invisible version row pending storage transfer.
func (s *Store) CreateVersion(ctx context.Context, cc core.ClientContext, name string, md core.Metadata) (*directory.Version, error) {
	var ver *directory.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		entry := entryFromNameRow(obj, chain[:len(chain)-1])
		if err := directory.EnforceEntry(cc, entry, core.AccessOwner, core.AccessUpdate); err != nil {
			return err
		}

		// the previous current version seeds ACLs and unsupplied mutable
		// metadata; the first version starts from defaults
		acls := newOwnerACLs(cc)
		metadata := md.Clone()
		prev, err := scanVersionRow(tx.QueryRowContext(ctx, `
SELECT `+versionColumns+` FROM hatrac.version
WHERE name_id = $1 AND version IS NOT NULL AND NOT is_deleted
ORDER BY id DESC LIMIT 1`, obj.id))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if prev != nil {
			directory.InheritVersionState(acls, metadata, prev.acls, prev.metadata)
		}

		mdRaw, err := marshalMetadata(metadata)
		if err != nil {
			return err
		}
		aclsRaw, err := marshalACLs(acls)
		if err != nil {
			return err
		}

		row, err := scanVersionRow(tx.QueryRowContext(ctx, `
INSERT INTO hatrac.version (name_id, metadata, acls, is_deleted)
VALUES ($1, $2, $3, true)
RETURNING `+versionColumns, obj.id, mdRaw, aclsRaw))
		if err != nil {
			return err
		}
		ver = versionFromRow(row, name, chain)
		return nil
	})
	return ver, err
}

// CompleteVersion makes a pending version visible.
func (s *Store) CompleteVersion(ctx context.Context, id int64, versionID string, size int64, aux core.Aux) (*directory.Version, error) {
	var ver *directory.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		auxRaw, err := aux.Encode()
		if err != nil {
			return err
		}
		row, err := scanVersionRow(tx.QueryRowContext(ctx, `
UPDATE hatrac.version
SET version = $1, size = $2, aux = $3, is_deleted = false
WHERE id = $4 AND version IS NULL
RETURNING `+versionColumns, versionID, size, auxRaw, id))
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFoundf("pending version %d not found", id)
		}
		if err != nil {
			return err
		}

		var name string
		if err := tx.QueryRowContext(ctx,
			`SELECT name FROM hatrac.name WHERE id = $1`, row.nameID).Scan(&name); err != nil {
			return err
		}
		ver = versionFromRow(row, name, nil)
		return nil
	})
	return ver, err
}

// AbortVersion drops a pending row after a failed transfer.
func (s *Store) AbortVersion(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM hatrac.version WHERE id = $1 AND version IS NULL`, id)
		return err
	})
}

// DeleteVersion marks one version deleted.
func (s *Store) DeleteVersion(ctx context.Context, cc core.ClientContext, name, versionID string) (*directory.Version, error) {
	var ver *directory.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		row, err := scanVersionRow(tx.QueryRowContext(ctx, `
SELECT `+versionColumns+` FROM hatrac.version
WHERE name_id = $1 AND version = $2`, obj.id, versionID))
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFoundf("object version %s:%s not found", name, versionID)
		}
		if err != nil {
			return err
		}
		if row.isDeleted {
			return core.NotFoundf("resource %s:%s not available", name, versionID)
		}

		v := versionFromRow(row, name, chain)
		if err := directory.EnforceVersion(cc, v, core.AccessOwner); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE hatrac.version SET is_deleted = true WHERE id = $1`, row.id); err != nil {
			return err
		}
		ver = v
		return nil
	})
	return ver, err
}

// EnumerateVersions lists live versions oldest first.
func (s *Store) EnumerateVersions(ctx context.Context, cc core.ClientContext, name string) ([]directory.Version, error) {
	var out []directory.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		probe := &directory.Entry{Name: name, ACLs: obj.acls, Ancestors: chain}
		if err := directory.EnforceEntry(cc, probe, core.AccessOwner, core.AccessRead); err != nil {
			return err
		}

		rows, err := listVersionRows(ctx, tx, obj.id, true)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, row := range rows {
			out = append(out, *versionFromRow(row, name, chain))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetMetadataField sets one field, honoring digest immutability.
func (s *Store) SetMetadataField(ctx context.Context, cc core.ClientContext, ver *directory.Version, field, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, name, chain, err := reloadVersion(ctx, tx, ver)
		if err != nil {
			return err
		}
		v := versionFromRow(row, name, chain)
		if err := directory.EnforceVersion(cc, v, core.AccessOwner); err != nil {
			return err
		}
		if existing := row.metadata.Get(field); existing != "" && core.FieldImmutable(field) && existing != value {
			return core.Conflictf("metadata field %s is immutable once set", field)
		}

		md := row.metadata.Clone()
		md[field] = value
		mdRaw, err := marshalMetadata(md)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE hatrac.version SET metadata = $1 WHERE id = $2`, mdRaw, row.id)
		return err
	})
}

// DeleteMetadataField removes a mutable field.
func (s *Store) DeleteMetadataField(ctx context.Context, cc core.ClientContext, ver *directory.Version, field string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, name, chain, err := reloadVersion(ctx, tx, ver)
		if err != nil {
			return err
		}
		v := versionFromRow(row, name, chain)
		if err := directory.EnforceVersion(cc, v, core.AccessOwner); err != nil {
			return err
		}
		if core.FieldImmutable(field) && row.metadata.Get(field) != "" {
			return core.Conflictf("metadata field %s is immutable once set", field)
		}

		md := row.metadata.Clone()
		delete(md, field)
		mdRaw, err := marshalMetadata(md)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE hatrac.version SET metadata = $1 WHERE id = $2`, mdRaw, row.id)
		return err
	})
}

// reloadVersion re-reads a version row and its chain inside a transaction.
func reloadVersion(ctx context.Context, tx *sql.Tx, ver *directory.Version) (*versionRow, string, []core.ACLs, error) {
	row, err := scanVersionRow(tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM hatrac.version WHERE id = $1`, ver.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil, core.NotFoundf("object version %s:%s not found", ver.Name, ver.VersionID)
	}
	if err != nil {
		return nil, "", nil, err
	}
	if row.isDeleted {
		return nil, "", nil, core.NotFoundf("resource %s:%s not available", ver.Name, ver.VersionID)
	}

	obj, chain, err := resolveObject(ctx, tx, ver.Name)
	if err != nil {
		return nil, "", nil, err
	}
	if obj.id != row.nameID {
		return nil, "", nil, core.NotFoundf("object version %s:%s not found", ver.Name, ver.VersionID)
	}
	return row, ver.Name, chain, nil
}
