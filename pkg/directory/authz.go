package directory

import "github.com/hatrac/hatrac/pkg/core"

// enforceACLs is the shared resource-ACL test. Ownership anywhere on the
// chain passes every test: the resource's own owner list, and owner or
// subtree-owner lists at any ancestor. For each non-ownership access, the
// resource's own list applies together with the nearest ancestor's non-empty
// subtree-<access> list.
func enforceACLs(cc core.ClientContext, resource string, own core.ACLs, ancestors []core.ACLs, accesses ...string) error {
	lists := []core.ACL{own.Get(core.AccessOwner)}
	for _, anc := range ancestors {
		lists = append(lists, anc.Get(core.AccessOwner), anc.Get(core.AccessSubtreeOwner))
	}
	for _, access := range accesses {
		if access == core.AccessOwner {
			continue
		}
		lists = append(lists, own.Get(access))
		// ancestors are root-first; walk nearest-first
		for i := len(ancestors) - 1; i >= 0; i-- {
			if l := ancestors[i].Get("subtree-" + access); len(l) > 0 {
				lists = append(lists, l)
				break
			}
		}
	}
	return core.EnforceACL(cc, resource, lists...)
}

// EnforceEntry authorizes the accesses against a namespace or object.
func EnforceEntry(cc core.ClientContext, e *Entry, accesses ...string) error {
	return enforceACLs(cc, e.Name, e.ACLs, e.Ancestors, accesses...)
}

// EnforceVersion authorizes the accesses against a version, cascading
// through its object and namespace chain.
func EnforceVersion(cc core.ClientContext, v *Version, accesses ...string) error {
	return enforceACLs(cc, v.Name+":"+v.VersionID, v.ACLs, v.Ancestors, accesses...)
}

// EnforceUpload authorizes against an upload job: the job owner or any
// owner over the target object's chain.
func EnforceUpload(cc core.ClientContext, u *Upload) error {
	return enforceACLs(cc, u.Name+";upload/"+u.JobID, core.ACLs{core.AccessOwner: u.Owner}, u.Ancestors, core.AccessOwner)
}

// OwnedSomewhere reports whether inheritable ownership remains for a
// resource: its own owner list, or a subtree-owner grant on an ancestor.
// Plain owner lists at ancestors grant access but are not inherited, so
// stripping a resource's last own owner without a subtree-owner above it is
// refused. ACL updates must never orphan a resource.
func OwnedSomewhere(own core.ACLs, ancestors []core.ACLs) bool {
	if len(own.Get(core.AccessOwner)) > 0 {
		return true
	}
	for _, anc := range ancestors {
		if len(anc.Get(core.AccessSubtreeOwner)) > 0 {
			return true
		}
	}
	return false
}

// ApplyACLOp computes the updated list for an ACL mutation.
func ApplyACLOp(current core.ACL, op ACLOp, role string, acl core.ACL) (core.ACL, error) {
	switch op {
	case ACLSet:
		return acl.Normalize(), nil
	case ACLClear:
		return core.ACL{}, nil
	case ACLAddRole:
		if current.Contains(role) {
			return current, nil
		}
		return append(append(core.ACL{}, current...), role).Normalize(), nil
	case ACLDropRole:
		if !current.Contains(role) {
			return nil, core.NotFoundf("ACL member %s not found", role)
		}
		out := make(core.ACL, 0, len(current)-1)
		for _, r := range current {
			if r != role {
				out = append(out, r)
			}
		}
		return out, nil
	default:
		return nil, core.BadRequestf("unknown ACL operation")
	}
}
