package directory

import (
	"testing"

	"github.com/hatrac/hatrac/pkg/core"
)

func client(roles ...string) core.ClientContext {
	if len(roles) == 0 {
		return core.ClientContext{}
	}
	return core.ClientContext{Client: roles[0], Attributes: roles}
}

func TestOwnershipGrantsEverything(t *testing.T) {
	e := &Entry{
		Name:     "/ns/obj",
		IsObject: true,
		ACLs:     core.ACLs{core.AccessOwner: core.ACL{"alice"}},
	}
	if err := EnforceEntry(client("alice"), e, core.AccessOwner, core.AccessUpdate); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	if err := EnforceEntry(client("bob"), e, core.AccessOwner, core.AccessUpdate); !core.IsKind(err, core.KindForbidden) {
		t.Errorf("non-owner: %v", err)
	}
}

func TestOwnershipAtAnyAncestorGrantsAll(t *testing.T) {
	e := &Entry{
		Name:     "/a/b/obj",
		IsObject: true,
		ACLs:     core.ACLs{},
		Ancestors: []core.ACLs{
			{core.AccessSubtreeOwner: core.ACL{"root-admin"}}, // root
			{core.AccessOwner: core.ACL{"a-owner"}},           // /a
			{},                                                // /a/b
		},
	}
	if err := EnforceEntry(client("root-admin"), e, core.AccessOwner); err != nil {
		t.Errorf("subtree-owner rejected: %v", err)
	}
	// a plain owner list on an ancestor also grants
	if err := EnforceEntry(client("a-owner"), e, core.AccessOwner, core.AccessUpdate); err != nil {
		t.Errorf("ancestor owner rejected: %v", err)
	}
}

func TestNearestSubtreeGrantWins(t *testing.T) {
	v := &Version{
		Name:      "/a/b/obj",
		VersionID: "V1",
		ACLs:      core.ACLs{},
		Ancestors: []core.ACLs{
			{core.AccessSubtreeRead: core.ACL{"outer"}},  // root
			{core.AccessSubtreeRead: core.ACL{"middle"}}, // /a
			{}, // /a/b
			{}, // object
		},
	}
	// the nearest non-empty subtree-read list is /a's
	if err := EnforceVersion(client("middle"), v, core.AccessOwner, core.AccessRead); err != nil {
		t.Errorf("nearest grant rejected: %v", err)
	}
	if err := EnforceVersion(client("outer"), v, core.AccessOwner, core.AccessRead); err == nil {
		t.Error("masked outer grant accepted")
	}
}

func TestWildcardAdmitsAnonymous(t *testing.T) {
	v := &Version{
		Name:      "/pub/obj",
		VersionID: "V1",
		ACLs:      core.ACLs{core.AccessRead: core.ACL{core.ACLWildcard}},
	}
	if err := EnforceVersion(client(), v, core.AccessOwner, core.AccessRead); err != nil {
		t.Errorf("wildcard rejected anonymous: %v", err)
	}
}

func TestAnonymousVersusIdentifiedErrorKinds(t *testing.T) {
	e := &Entry{Name: "/ns", ACLs: core.ACLs{}}
	if err := EnforceEntry(client(), e, core.AccessOwner); !core.IsKind(err, core.KindUnauthenticated) {
		t.Errorf("anonymous kind = %v", core.KindOf(err))
	}
	if err := EnforceEntry(client("eve"), e, core.AccessOwner); !core.IsKind(err, core.KindForbidden) {
		t.Errorf("identified kind = %v", core.KindOf(err))
	}
}

func TestFirewallComposesWithResourceACLs(t *testing.T) {
	fw := core.FirewallACLs{Create: core.ACL{"staff"}}

	// staff member passes the firewall
	if err := fw.Enforce(client("alice", "staff"), core.FirewallCreate); err != nil {
		t.Errorf("staff rejected by firewall: %v", err)
	}
	// resource ACL alone is not enough without the firewall grant
	e := &Entry{Name: "/ns", ACLs: core.ACLs{core.AccessCreate: core.ACL{"outsider"}}}
	if err := EnforceEntry(client("outsider"), e, core.AccessOwner, core.AccessCreate); err != nil {
		t.Errorf("resource create grant rejected: %v", err)
	}
	if err := fw.Enforce(client("outsider"), core.FirewallCreate); !core.IsKind(err, core.KindForbidden) {
		t.Errorf("outsider firewall kind = %v", core.KindOf(err))
	}
}

func TestApplyACLOp(t *testing.T) {
	current := core.ACL{"a", "b"}

	set, err := ApplyACLOp(current, ACLSet, "", core.ACL{"z", "y", "z"})
	if err != nil || len(set) != 2 || set[0] != "y" {
		t.Errorf("set = %v, %v", set, err)
	}

	cleared, err := ApplyACLOp(current, ACLClear, "", nil)
	if err != nil || len(cleared) != 0 {
		t.Errorf("clear = %v, %v", cleared, err)
	}

	added, err := ApplyACLOp(current, ACLAddRole, "c", nil)
	if err != nil || len(added) != 3 {
		t.Errorf("add = %v, %v", added, err)
	}
	readded, err := ApplyACLOp(current, ACLAddRole, "a", nil)
	if err != nil || len(readded) != 2 {
		t.Errorf("re-add = %v, %v", readded, err)
	}

	dropped, err := ApplyACLOp(current, ACLDropRole, "a", nil)
	if err != nil || len(dropped) != 1 || dropped[0] != "b" {
		t.Errorf("drop = %v, %v", dropped, err)
	}
	if _, err := ApplyACLOp(current, ACLDropRole, "ghost", nil); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("drop missing = %v", err)
	}
}

func TestUploadChunkArithmetic(t *testing.T) {
	u := &Upload{ChunkLength: 5 * 1024 * 1024, ContentLength: 5*1024*1024 + 9}
	if got := u.TotalChunks(); got != 2 {
		t.Errorf("TotalChunks = %d", got)
	}
	if got := u.ChunkSize(0); got != 5*1024*1024 {
		t.Errorf("ChunkSize(0) = %d", got)
	}
	if got := u.ChunkSize(1); got != 9 {
		t.Errorf("ChunkSize(1) = %d", got)
	}

	even := &Upload{ChunkLength: 4, ContentLength: 8}
	if got := even.ChunkSize(1); got != 4 {
		t.Errorf("even ChunkSize(1) = %d", got)
	}
}
