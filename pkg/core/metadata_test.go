package core

import "testing"

func TestValidateDigests(t *testing.T) {
	// md5("hello, world!\n")
	if err := ValidateContentMD5("ZXS/CYPMeEBJpBYNGYhyjA=="); err != nil {
		t.Errorf("valid md5 rejected: %v", err)
	}
	for _, bad := range []string{"not base64!!", "c2hvcnQ=", ""} {
		if err := ValidateContentMD5(bad); err == nil {
			t.Errorf("md5 %q accepted", bad)
		}
	}

	if err := ValidateContentSHA256("5+aEMqzlEZxe9xPaDUZ0GyBvTUaZf4s0yMpPgV/0yt0="); err != nil {
		t.Errorf("valid sha256 rejected: %v", err)
	}
	if err := ValidateContentSHA256("ZXS/CYPMeEBJpBYNGYhyjA=="); err == nil {
		t.Error("128-bit value accepted as sha256")
	}
}

func TestValidateContentDisposition(t *testing.T) {
	valid := []string{
		"filename*=UTF-8''report.txt",
		"filename*=UTF-8''caf%C3%A9%20menu.pdf",
	}
	for _, v := range valid {
		if err := ValidateContentDisposition(v); err != nil {
			t.Errorf("disposition %q rejected: %v", v, err)
		}
	}

	invalid := []string{
		"attachment; filename=x.txt",
		"filename*=UTF-8''",
		"filename*=UTF-8''a%2Fb",
		"filename*=UTF-8''a%5Cb",
		"filename*=UTF-8''bad%zz",
	}
	for _, v := range invalid {
		if err := ValidateContentDisposition(v); err == nil {
			t.Errorf("disposition %q accepted", v)
		}
	}

	if got := DispositionFilename("filename*=UTF-8''caf%C3%A9.txt"); got != "café.txt" {
		t.Errorf("DispositionFilename = %q", got)
	}
}

func TestFieldImmutability(t *testing.T) {
	if !FieldImmutable(FieldContentMD5) || !FieldImmutable(FieldContentSHA256) {
		t.Error("digest fields must be immutable")
	}
	if FieldImmutable(FieldContentType) || FieldImmutable(FieldContentDisposition) {
		t.Error("type and disposition must stay mutable")
	}
}

func TestAuxRoundTrip(t *testing.T) {
	aux, err := ParseAux([]byte(`{"rename_to": ["/ns/target", "V1"], "version": "s3v"}`))
	if err != nil {
		t.Fatalf("ParseAux failed: %v", err)
	}
	name, version, ok := aux.RenameTarget()
	if !ok || name != "/ns/target" || version != "V1" {
		t.Errorf("RenameTarget = %q %q %v", name, version, ok)
	}

	raw, err := aux.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	again, err := ParseAux(raw)
	if err != nil || again.Version != "s3v" {
		t.Errorf("round-trip = %+v, %v", again, err)
	}

	// zero records encode as nil so the store can keep NULL columns
	var zero Aux
	raw, err = zero.Encode()
	if err != nil || raw != nil {
		t.Errorf("zero Encode = %q, %v", raw, err)
	}

	if _, err := ParseAux([]byte(`{"rename_to": ["only-one"]}`)); err == nil {
		t.Error("malformed rename_to accepted")
	}
}

func TestACLMatching(t *testing.T) {
	acl := ACL{"staff", "admin"}
	if !acl.Matches([]string{"x", "staff"}) {
		t.Error("intersecting roles rejected")
	}
	if acl.Matches([]string{"other"}) {
		t.Error("disjoint roles accepted")
	}
	if !(ACL{ACLWildcard}).Matches(nil) {
		t.Error("wildcard rejected empty role set")
	}
	if (ACL{}).Matches([]string{"any"}) {
		t.Error("empty ACL accepted a role")
	}
}
