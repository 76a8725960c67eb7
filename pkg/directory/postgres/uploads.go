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
	"github.com/hatrac/hatrac/pkg/storage"
)

// uploadRow mirrors one hatrac.upload row.
type uploadRow struct {
	id            int64
	nameID        int64
	job           string
	chunkLength   int64
	contentLength int64
	metadata      core.Metadata
	handle        string
	state         string
	chunks        []storage.ChunkAux
	owner         core.ACL
	createdAt     time.Time
}

const uploadColumns = `id, name_id, job, chunk_length, content_length, metadata, handle, state, chunk_aux, owner, created_at`

func scanUploadRow(scanner interface{ Scan(...any) error }) (*uploadRow, error) {
	var row uploadRow
	var mdRaw, chunksRaw, ownerRaw []byte
	if err := scanner.Scan(&row.id, &row.nameID, &row.job, &row.chunkLength, &row.contentLength, &mdRaw, &row.handle, &row.state, &chunksRaw, &ownerRaw, &row.createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mdRaw, &row.metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for upload %d: %w", row.id, err)
	}
	if err := json.Unmarshal(chunksRaw, &row.chunks); err != nil {
		return nil, fmt.Errorf("corrupt chunk aux for upload %d: %w", row.id, err)
	}
	if err := json.Unmarshal(ownerRaw, &row.owner); err != nil {
		return nil, fmt.Errorf("corrupt owner for upload %d: %w", row.id, err)
	}
	return &row, nil
}

func uploadFromRow(row *uploadRow, name string, chain []core.ACLs) *directory.Upload {
	return &directory.Upload{
		ID:            row.id,
		ObjectID:      row.nameID,
		Name:          name,
		JobID:         row.job,
		ChunkLength:   row.chunkLength,
		ContentLength: row.contentLength,
		Metadata:      row.metadata,
		Handle:        row.handle,
		State:         row.state,
		Chunks:        row.chunks,
		Owner:         row.owner,
		Ancestors:     chain,
		CreatedAt:     row.createdAt,
	}
}

// listUploadRows returns the open jobs for an object.
func listUploadRows(ctx context.Context, tx *sql.Tx, nameID int64) ([]*uploadRow, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT `+uploadColumns+` FROM hatrac.upload
WHERE name_id = $1 AND state = 'open'
ORDER BY id`, nameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*uploadRow
	for rows.Next() {
		row, err := scanUploadRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CreateUpload records a new upload job in state open.
func (s *Store) CreateUpload(ctx context.Context, cc core.ClientContext, name, jobID, handle string, chunkLength, contentLength int64, md core.Metadata) (*directory.Upload, error) {
	var up *directory.Upload
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		entry := entryFromNameRow(obj, chain[:len(chain)-1])
		if err := directory.EnforceEntry(cc, entry, core.AccessOwner, core.AccessUpdate); err != nil {
			return err
		}

		mdRaw, err := marshalMetadata(md)
		if err != nil {
			return err
		}
		ownerRaw, err := json.Marshal(newOwnerACLs(cc).Get(core.AccessOwner))
		if err != nil {
			return err
		}

		row, err := scanUploadRow(tx.QueryRowContext(ctx, `
INSERT INTO hatrac.upload (name_id, job, chunk_length, content_length, metadata, handle, owner)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+uploadColumns, obj.id, jobID, chunkLength, contentLength, mdRaw, handle, ownerRaw))
		if err != nil {
			return err
		}
		up = uploadFromRow(row, name, chain)
		return nil
	})
	return up, err
}

// ResolveUpload returns an open job by id.
func (s *Store) ResolveUpload(ctx context.Context, name, jobID string) (*directory.Upload, error) {
	var up *directory.Upload
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		row, err := scanUploadRow(tx.QueryRowContext(ctx, `
SELECT `+uploadColumns+` FROM hatrac.upload
WHERE name_id = $1 AND job = $2`, obj.id, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFoundf("upload %s;upload/%s not found", name, jobID)
		}
		if err != nil {
			return err
		}
		if row.state != directory.UploadOpen {
			return core.NotFoundf("upload %s;upload/%s not available", name, jobID)
		}
		up = uploadFromRow(row, name, chain)
		return nil
	})
	return up, err
}

// ListUploads lists the open jobs targeting an object.
func (s *Store) ListUploads(ctx context.Context, cc core.ClientContext, name string) ([]directory.Upload, error) {
	var out []directory.Upload
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, name)
		if err != nil {
			return err
		}
		entry := entryFromNameRow(obj, chain[:len(chain)-1])
		if err := directory.EnforceEntry(cc, entry, core.AccessOwner, core.AccessUpdate); err != nil {
			return err
		}

		rows, err := listUploadRows(ctx, tx, obj.id)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, row := range rows {
			out = append(out, *uploadFromRow(row, name, chain))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordChunk persists chunk aux, replacing any earlier record at the same
// position so retransmissions stay idempotent.
func (s *Store) RecordChunk(ctx context.Context, up *directory.Upload, aux storage.ChunkAux) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := scanUploadRow(tx.QueryRowContext(ctx,
			`SELECT `+uploadColumns+` FROM hatrac.upload WHERE id = $1`, up.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFoundf("upload %s;upload/%s not found", up.Name, up.JobID)
		}
		if err != nil {
			return err
		}
		if row.state != directory.UploadOpen {
			return core.NotFoundf("upload %s;upload/%s not available", up.Name, up.JobID)
		}

		chunks := row.chunks
		replaced := false
		for i := range chunks {
			if chunks[i].Position == aux.Position {
				chunks[i] = aux
				replaced = true
				break
			}
		}
		if !replaced {
			chunks = append(chunks, aux)
		}

		raw, err := json.Marshal(chunks)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE hatrac.upload SET chunk_aux = $1 WHERE id = $2`, raw, row.id)
		return err
	})
}

// FinalizeUpload atomically flips an open job to finalized and creates the
// resulting visible version. The guarded state transition guarantees at most
// one version row per job even under concurrent finalize requests.
func (s *Store) FinalizeUpload(ctx context.Context, cc core.ClientContext, up *directory.Upload, versionID string, size int64, aux core.Aux) (*directory.Version, error) {
	var ver *directory.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		obj, chain, err := resolveObject(ctx, tx, up.Name)
		if err != nil {
			return err
		}
		row, err := scanUploadRow(tx.QueryRowContext(ctx,
			`SELECT `+uploadColumns+` FROM hatrac.upload WHERE id = $1`, up.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFoundf("upload %s;upload/%s not found", up.Name, up.JobID)
		}
		if err != nil {
			return err
		}
		if row.state != directory.UploadOpen {
			return core.NotFoundf("upload %s;upload/%s not available", up.Name, up.JobID)
		}
		if err := directory.EnforceUpload(cc, uploadFromRow(row, up.Name, chain)); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE hatrac.upload SET state = 'finalized' WHERE id = $1 AND state = 'open'`, row.id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return core.NotFoundf("upload %s;upload/%s not available", up.Name, up.JobID)
		}

		mdRaw, err := marshalMetadata(row.metadata)
		if err != nil {
			return err
		}
		aclsRaw, err := marshalACLs(core.ACLs{core.AccessOwner: row.owner})
		if err != nil {
			return err
		}
		auxRaw, err := aux.Encode()
		if err != nil {
			return err
		}

		vrow, err := scanVersionRow(tx.QueryRowContext(ctx, `
INSERT INTO hatrac.version (name_id, version, size, metadata, aux, acls, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, false)
RETURNING `+versionColumns, obj.id, versionID, size, mdRaw, auxRaw, aclsRaw))
		if err != nil {
			return err
		}
		ver = versionFromRow(vrow, up.Name, chain)
		return nil
	})
	return ver, err
}

// CancelUpload flips an open job to cancelled.
func (s *Store) CancelUpload(ctx context.Context, cc core.ClientContext, up *directory.Upload) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, chain, err := resolveObject(ctx, tx, up.Name)
		if err != nil {
			return err
		}
		row, err := scanUploadRow(tx.QueryRowContext(ctx,
			`SELECT `+uploadColumns+` FROM hatrac.upload WHERE id = $1`, up.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return core.NotFoundf("upload %s;upload/%s not found", up.Name, up.JobID)
		}
		if err != nil {
			return err
		}
		if row.state != directory.UploadOpen {
			return core.NotFoundf("upload %s;upload/%s not available", up.Name, up.JobID)
		}
		if err := directory.EnforceUpload(cc, uploadFromRow(row, up.Name, chain)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE hatrac.upload SET state = 'cancelled' WHERE id = $1`, row.id)
		return err
	})
}
