package directory

import "github.com/hatrac/hatrac/pkg/core"

// InheritVersionState seeds a new version's ACLs and metadata from the
// object's previous current version: the read ACL and any prior owners carry
// forward (the creating client is already an owner), and mutable metadata
// fields the request did not supply are copied. Digest fields always come
// from the request since they describe the new content.
func InheritVersionState(acls core.ACLs, md core.Metadata, prevACLs core.ACLs, prevMD core.Metadata) {
	if read := prevACLs.Get(core.AccessRead); len(read) > 0 {
		acls[core.AccessRead] = append(core.ACL(nil), read...).Normalize()
	}
	if owners := prevACLs.Get(core.AccessOwner); len(owners) > 0 {
		merged := append(append(core.ACL{}, acls.Get(core.AccessOwner)...), owners...)
		acls[core.AccessOwner] = merged.Normalize()
	}

	for _, field := range []string{core.FieldContentType, core.FieldContentDisposition} {
		if md.Get(field) == "" {
			if v := prevMD.Get(field); v != "" {
				md[field] = v
			}
		}
	}
}
