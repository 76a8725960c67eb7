// Package memory implements the directory on a mutex-guarded in-memory
// tree. It backs unit tests and single-process development setups; the
// postgres package is the production store.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/storage"
)

type nameRow struct {
	id        int64
	parentID  int64
	name      string
	isObject  bool
	deleted   bool
	acls      core.ACLs
	createdAt time.Time
}

type versionRow struct {
	id        int64
	objectID  int64
	versionID string // empty while the transfer is pending
	size      int64
	metadata  core.Metadata
	aux       core.Aux
	deleted   bool
	pending   bool
	acls      core.ACLs
	createdAt time.Time
}

type uploadRow struct {
	id            int64
	objectID      int64
	jobID         string
	chunkLength   int64
	contentLength int64
	metadata      core.Metadata
	handle        string
	state         string
	chunks        []storage.ChunkAux
	owner         core.ACL
	createdAt     time.Time
}

// Store is the in-memory directory.
type Store struct {
	mu        sync.Mutex
	nextID    int64
	names     map[string]*nameRow // by full path
	namesByID map[int64]*nameRow
	versions  []*versionRow
	uploads   []*uploadRow
}

var _ directory.Directory = (*Store)(nil)

// New creates an empty store with a root namespace owned by nobody; Deploy
// grants root ownership.
func New() *Store {
	s := &Store{
		names:     make(map[string]*nameRow),
		namesByID: make(map[int64]*nameRow),
	}
	s.names["/"] = &nameRow{
		id:        s.issueID(),
		name:      "/",
		acls:      core.ACLs{},
		createdAt: time.Now().UTC(),
	}
	s.namesByID[s.names["/"].id] = s.names["/"]
	return s
}

func (s *Store) issueID() int64 {
	s.nextID++
	return s.nextID
}

// Deploy grants root-namespace ownership to the admin roles.
func (s *Store) Deploy(ctx context.Context, adminRoles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.names["/"]
	owner := root.acls.Get(core.AccessOwner)
	for _, role := range adminRoles {
		if !owner.Contains(role) {
			owner = append(owner, role)
		}
	}
	root.acls[core.AccessOwner] = owner.Normalize()
	return ctx.Err()
}

// Close releases nothing.
func (s *Store) Close() error { return nil }

// parentName returns the parent path, "/" for top-level names.
func parentName(name string) string {
	i := strings.LastIndexByte(name, '/')
	if i <= 0 {
		return "/"
	}
	return name[:i]
}

// ancestorACLs walks the namespace chain above name, root first. Must be
// called with the lock held.
func (s *Store) ancestorACLs(name string) []core.ACLs {
	var chain []string
	for n := parentName(name); ; n = parentName(n) {
		chain = append(chain, n)
		if n == "/" {
			break
		}
	}
	// chain is nearest-first; reverse to root-first
	out := make([]core.ACLs, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if row, ok := s.names[chain[i]]; ok {
			out = append(out, row.acls.Clone())
		}
	}
	return out
}

func (s *Store) entryFromRow(row *nameRow) *directory.Entry {
	e := &directory.Entry{
		ID:        row.id,
		ParentID:  row.parentID,
		Name:      row.name,
		IsObject:  row.isObject,
		Deleted:   row.deleted,
		ACLs:      row.acls.Clone(),
		CreatedAt: row.createdAt,
	}
	if row.name != "/" {
		e.Ancestors = s.ancestorACLs(row.name)
	}
	return e
}

// versionChain builds the ancestor list for a version: namespaces then the
// owning object.
func (s *Store) versionChain(obj *nameRow) []core.ACLs {
	chain := s.ancestorACLs(obj.name)
	return append(chain, obj.acls.Clone())
}

func (s *Store) versionFromRow(row *versionRow, obj *nameRow) *directory.Version {
	return &directory.Version{
		ID:        row.id,
		ObjectID:  row.objectID,
		Name:      obj.name,
		VersionID: row.versionID,
		Size:      row.size,
		Metadata:  row.metadata.Clone(),
		Aux:       row.aux,
		Deleted:   row.deleted,
		ACLs:      row.acls.Clone(),
		Ancestors: s.versionChain(obj),
		CreatedAt: row.createdAt,
	}
}

func (s *Store) uploadFromRow(row *uploadRow, obj *nameRow) *directory.Upload {
	chunks := make([]storage.ChunkAux, len(row.chunks))
	copy(chunks, row.chunks)
	return &directory.Upload{
		ID:            row.id,
		ObjectID:      row.objectID,
		Name:          obj.name,
		JobID:         row.jobID,
		ChunkLength:   row.chunkLength,
		ContentLength: row.contentLength,
		Metadata:      row.metadata.Clone(),
		Handle:        row.handle,
		State:         row.state,
		Chunks:        chunks,
		Owner:         append(core.ACL(nil), row.owner...),
		Ancestors:     s.versionChain(obj),
		CreatedAt:     row.createdAt,
	}
}
