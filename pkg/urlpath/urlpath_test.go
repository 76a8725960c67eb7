package urlpath

import (
	"testing"

	"github.com/hatrac/hatrac/pkg/core"
)

func mustParse(t *testing.T, raw string) Ref {
	t.Helper()
	ref, err := MustCodec("").Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", raw, err)
	}
	return ref
}

func TestParsePlainName(t *testing.T) {
	ref := mustParse(t, "/ns-X/obj1")
	if got := ref.Name(); got != "/ns-X/obj1" {
		t.Errorf("Name() = %q, want /ns-X/obj1", got)
	}
	if ref.Version != "" || ref.Sub != SubNone {
		t.Errorf("unexpected version %q or sub %v", ref.Version, ref.Sub)
	}
}

func TestParseRoot(t *testing.T) {
	ref := mustParse(t, "/")
	if !ref.IsRoot() || ref.Name() != "/" {
		t.Errorf("expected root ref, got %+v", ref)
	}
}

func TestParseVersionQualifier(t *testing.T) {
	ref := mustParse(t, "/ns-X/obj1:V4BZ2S")
	if ref.Name() != "/ns-X/obj1" {
		t.Errorf("Name() = %q", ref.Name())
	}
	if ref.Version != "V4BZ2S" {
		t.Errorf("Version = %q, want V4BZ2S", ref.Version)
	}
}

func TestParsePercentEncodedUTF8(t *testing.T) {
	// "café" percent-encoded
	ref := mustParse(t, "/ns/caf%C3%A9")
	if got := ref.Segments[1]; got != "café" {
		t.Errorf("decoded segment = %q", got)
	}
}

func TestParseSubresources(t *testing.T) {
	cases := []struct {
		raw  string
		want func(Ref) bool
	}{
		{"/a/b;versions", func(r Ref) bool { return r.Sub == SubVersions }},
		{"/a/b;metadata", func(r Ref) bool { return r.Sub == SubMetadata && r.Field == "" }},
		{"/a/b;metadata/content-md5", func(r Ref) bool { return r.Field == "content-md5" }},
		{"/a/b:v1;metadata/content-type", func(r Ref) bool { return r.Version == "v1" && r.Field == "content-type" }},
		{"/a/b;acl", func(r Ref) bool { return r.Sub == SubACL && r.Access == "" }},
		{"/a/b;acl/owner", func(r Ref) bool { return r.Access == "owner" && r.Entry == "" }},
		{"/a/b;acl/owner/R2", func(r Ref) bool { return r.Access == "owner" && r.Entry == "R2" }},
		{"/a/b;upload", func(r Ref) bool { return r.Sub == SubUpload && r.JobID == "" }},
		{"/a/b;upload/job1", func(r Ref) bool { return r.JobID == "job1" && !r.HasChunk }},
		{"/a/b;upload/job1/0", func(r Ref) bool { return r.JobID == "job1" && r.HasChunk && r.Chunk == "0" }},
	}
	for _, tc := range cases {
		ref := mustParse(t, tc.raw)
		if !tc.want(ref) {
			t.Errorf("Parse(%q) = %+v", tc.raw, ref)
		}
	}
}

func TestParseRejectsIllegalInput(t *testing.T) {
	cases := []string{
		"",
		"relative/path",
		"/a/b:v1:v2",
		"/a/:v1",
		"/a/b;bogus",
		"/a/b;versions/extra",
		"/a/b;acl/owner/R2/extra",
		"/a/b;upload/j/0/extra",
		"/a/b:v1;upload/j",
		"/a/sp ace",
		"/a/%zz",
		"/a/%C3",
		"/a/b;",
	}
	for _, raw := range cases {
		_, err := MustCodec("").Parse(raw)
		if err == nil {
			t.Errorf("Parse(%q) unexpectedly succeeded", raw)
			continue
		}
		if !core.IsKind(err, core.KindBadRequest) {
			t.Errorf("Parse(%q) kind = %v, want BadRequest", raw, core.KindOf(err))
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c := MustCodec("")
	name := "/ns/café/x y"
	encoded := c.EncodeName(name)
	if encoded != "/ns/caf%C3%A9/x%20y" {
		t.Errorf("EncodeName = %q", encoded)
	}
	ref, err := c.Parse(encoded)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", encoded, err)
	}
	if ref.Name() != name {
		t.Errorf("round-trip = %q, want %q", ref.Name(), name)
	}
}

func TestValidateCreateName(t *testing.T) {
	if err := ValidateCreateName([]string{"a", "b"}); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	for _, segs := range [][]string{nil, {"."}, {"a", ".."}} {
		if err := ValidateCreateName(segs); err == nil {
			t.Errorf("ValidateCreateName(%v) unexpectedly succeeded", segs)
		}
	}
}

func TestCustomCharClass(t *testing.T) {
	c, err := NewCodec("a-z0-9")
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	if _, err := c.Parse("/UPPER"); err == nil {
		t.Error("uppercase accepted under a-z0-9 class")
	}
	if _, err := c.Parse("/lower42"); err != nil {
		t.Errorf("lowercase rejected: %v", err)
	}
}
