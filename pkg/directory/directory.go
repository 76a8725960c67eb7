// Package directory defines the authoritative metadata store for names,
// versions, ACLs and upload jobs.
//
// Two implementations exist: postgres (the production store, SERIALIZABLE
// transactions over the hatrac schema) and memory (a mutex-guarded tree for
// tests and development). Handlers depend only on the Directory interface.
package directory

import (
	"context"
	"time"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

// Entry is a resolved name binding: a namespace or an object.
type Entry struct {
	ID       int64
	ParentID int64
	Name     string
	IsObject bool
	Deleted  bool
	ACLs     core.ACLs

	// Ancestors holds the ACL maps of the namespace chain above this
	// entry, root first. Authorization walks it for subtree-* grants.
	Ancestors []core.ACLs

	CreatedAt time.Time
}

// ACLNames returns the access lists this entry supports.
func (e *Entry) ACLNames() []string {
	if e.IsObject {
		return core.ObjectACLNames
	}
	return core.NamespaceACLNames
}

// Version is a resolved object version.
type Version struct {
	ID        int64
	ObjectID  int64
	Name      string
	VersionID string
	Size      int64
	Metadata  core.Metadata
	Aux       core.Aux
	Deleted   bool
	ACLs      core.ACLs

	// Ancestors is the namespace chain plus the owning object, root
	// first; the object is last.
	Ancestors []core.ACLs

	CreatedAt time.Time
}

// ACLNames returns the access lists a version supports.
func (v *Version) ACLNames() []string {
	return core.VersionACLNames
}

// Upload states.
const (
	UploadOpen      = "open"
	UploadFinalized = "finalized"
	UploadCancelled = "cancelled"
)

// Upload is a chunked-upload job bound to a target object.
type Upload struct {
	ID            int64
	ObjectID      int64
	Name          string
	JobID         string
	ChunkLength   int64
	ContentLength int64
	Metadata      core.Metadata
	Handle        string
	State         string
	Chunks        []storage.ChunkAux
	Owner         core.ACL

	// Ancestors mirrors the target object's chain for authorization.
	Ancestors []core.ACLs

	CreatedAt time.Time
}

// TotalChunks derives the chunk count from the declared lengths.
func (u *Upload) TotalChunks() int64 {
	if u.ContentLength == 0 {
		return 0
	}
	return (u.ContentLength + u.ChunkLength - 1) / u.ChunkLength
}

// ChunkSize returns the expected byte size of the chunk at position.
func (u *Upload) ChunkSize(position int64) int64 {
	if position < u.TotalChunks()-1 {
		return u.ChunkLength
	}
	if rem := u.ContentLength % u.ChunkLength; rem != 0 {
		return rem
	}
	return u.ChunkLength
}

// ACLOp selects an ACL mutation.
type ACLOp int

const (
	// ACLSet replaces the whole list.
	ACLSet ACLOp = iota
	// ACLClear empties the list.
	ACLClear
	// ACLAddRole inserts one role.
	ACLAddRole
	// ACLDropRole removes one role; absent roles are NotFound.
	ACLDropRole
)

// ACLTarget addresses the resource an ACL mutation applies to.
type ACLTarget struct {
	// Version is nil for namespace/object targets.
	Entry   *Entry
	Version *Version
}

// DeleteResult lists the storage cleanup owed after a committed delete.
// Rows are removed from the database first; backend bytes are reclaimed
// afterwards so a failed backend call never strands metadata.
type DeleteResult struct {
	Versions []Version
	Uploads  []Upload

	// Namespaces lists deleted namespace names for backend tidying.
	Namespaces []string
}

// Directory is the transactional metadata store.
//
// Methods that mutate state take the client context and enforce resource
// ACLs internally, re-reading rows inside their transaction. Service-wide
// firewall ACLs are the handlers' concern. Implementations retry
// serialization conflicts internally; callers observe one only when the
// retry budget is exhausted.
type Directory interface {
	// Deploy initializes the schema and grants root-namespace ownership
	// to the admin roles.
	Deploy(ctx context.Context, adminRoles []string) error

	// Resolve returns the live binding for a name. Undefined and deleted
	// names are NotFound.
	Resolve(ctx context.Context, name string) (*Entry, error)

	// ResolveAny returns the binding including tombstones, or nil when
	// the name was never bound.
	ResolveAny(ctx context.Context, name string) (*Entry, error)

	// CreateName binds a namespace or object. A tombstone of the same
	// kind is restored; one of a different kind is a permanent Conflict.
	// With parents set, missing ancestor namespaces are created.
	CreateName(ctx context.Context, cc core.ClientContext, name string, isObject, parents bool) (*Entry, error)

	// DeleteName deletes a namespace (only when empty) or an object with
	// all its versions, implicitly cancelling the object's open uploads.
	DeleteName(ctx context.Context, cc core.ClientContext, name string) (*DeleteResult, error)

	// EnumerateChildren lists the live direct children of a namespace.
	EnumerateChildren(ctx context.Context, cc core.ClientContext, name string) ([]Entry, error)

	// EnumerateVersions lists the live versions of an object, oldest
	// first.
	EnumerateVersions(ctx context.Context, cc core.ClientContext, name string) ([]Version, error)

	// CurrentVersion returns the object's current version, Conflict when
	// the object has no live version.
	CurrentVersion(ctx context.Context, name string) (*Version, error)

	// ResolveVersion returns a specific live version.
	ResolveVersion(ctx context.Context, name, versionID string) (*Version, error)

	// CreateVersion inserts an invisible version row for an object,
	// pending bulk storage transfer. The row carries the declared
	// metadata and the creating client becomes its owner.
	CreateVersion(ctx context.Context, cc core.ClientContext, name string, md core.Metadata) (*Version, error)

	// CompleteVersion makes a pending version visible under its
	// backend-issued version id, recording size and aux addressing.
	CompleteVersion(ctx context.Context, id int64, versionID string, size int64, aux core.Aux) (*Version, error)

	// AbortVersion removes a pending version row after a failed storage
	// transfer.
	AbortVersion(ctx context.Context, id int64) error

	// DeleteVersion deletes one version; the returned row drives storage
	// cleanup.
	DeleteVersion(ctx context.Context, cc core.ClientContext, name, versionID string) (*Version, error)

	// UpdateACL applies an ACL mutation to a namespace, object or
	// version. Mutations that would leave a resource with neither an
	// owner list of its own nor a subtree-owner grant on an ancestor are
	// BadRequest; plain owner lists at ancestors do not count.
	UpdateACL(ctx context.Context, cc core.ClientContext, target ACLTarget, access string, op ACLOp, role string, acl core.ACL) error

	// SetMetadataField sets one metadata field on a version. Digest
	// fields are immutable once set; a conflicting rewrite is Conflict.
	SetMetadataField(ctx context.Context, cc core.ClientContext, v *Version, field, value string) error

	// DeleteMetadataField removes a mutable metadata field.
	DeleteMetadataField(ctx context.Context, cc core.ClientContext, v *Version, field string) error

	// CreateUpload records a new upload job in state open.
	CreateUpload(ctx context.Context, cc core.ClientContext, name string, jobID, handle string, chunkLength, contentLength int64, md core.Metadata) (*Upload, error)

	// ResolveUpload returns an open upload job.
	ResolveUpload(ctx context.Context, name, jobID string) (*Upload, error)

	// ListUploads lists the open jobs targeting an object.
	ListUploads(ctx context.Context, cc core.ClientContext, name string) ([]Upload, error)

	// RecordChunk persists chunk aux state for later finalization.
	RecordChunk(ctx context.Context, u *Upload, aux storage.ChunkAux) error

	// FinalizeUpload atomically flips an open job to finalized and
	// creates the resulting visible version. A second finalize of the
	// same job is NotFound. The version id and aux come from the
	// backend's finalize.
	FinalizeUpload(ctx context.Context, cc core.ClientContext, u *Upload, versionID string, size int64, aux core.Aux) (*Version, error)

	// CancelUpload flips an open job to cancelled.
	CancelUpload(ctx context.Context, cc core.ClientContext, u *Upload) error

	// WalkVersions visits every live version; admin tooling only, no ACL
	// filtering. The walk stops at the first callback error.
	WalkVersions(ctx context.Context, fn func(*Version) error) error

	// SetVersionAux replaces a version's aux record; admin tooling only.
	SetVersionAux(ctx context.Context, id int64, aux core.Aux) error

	// Close releases the store.
	Close() error
}
