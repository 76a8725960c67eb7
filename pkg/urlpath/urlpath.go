// Package urlpath implements the hierarchical path grammar of the service.
//
// The characters '/', ':' and ';' are meta-syntax: '/' separates segments,
// ':' introduces a version qualifier on the last segment, and ';' introduces
// a sub-resource selector. Segment characters outside the configured safe
// class must be percent-encoded UTF-8 octets.
package urlpath

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hatrac/hatrac/pkg/core"
)

// DefaultCharClass is the default safe segment character class.
const DefaultCharClass = "-._~A-Za-z0-9"

// Subresource identifies the ;sub-resource selector of a parsed reference.
type Subresource int

const (
	SubNone Subresource = iota
	SubVersions
	SubMetadata
	SubACL
	SubUpload
)

func (s Subresource) String() string {
	switch s {
	case SubVersions:
		return "versions"
	case SubMetadata:
		return "metadata"
	case SubACL:
		return "acl"
	case SubUpload:
		return "upload"
	default:
		return ""
	}
}

// Ref is a parsed resource reference.
type Ref struct {
	// Segments are the decoded path segments; empty means the root
	// namespace.
	Segments []string

	// Version is the decoded version qualifier, empty if absent.
	Version string

	// Sub selects a sub-resource of the named resource.
	Sub Subresource

	// Field is the ;metadata/<field> selector.
	Field string

	// Access and Entry are the ;acl/<access>[/<entry>] selectors.
	Access string
	Entry  string

	// JobID and Chunk are the ;upload/<job>[/<chunk>] selectors. Chunk is
	// kept raw; the upload handler parses and range-checks it.
	JobID string
	Chunk string

	// HasChunk distinguishes ;upload/job from ;upload/job/0.
	HasChunk bool
}

// Name returns the canonical decoded path, "/" for the root.
func (r Ref) Name() string {
	if len(r.Segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(r.Segments, "/")
}

// IsRoot reports whether the reference names the root namespace.
func (r Ref) IsRoot() bool {
	return len(r.Segments) == 0
}

// Codec parses and encodes paths under a configurable safe character class.
type Codec struct {
	safe [128]bool
}

// NewCodec builds a codec from a character class expression such as
// "-._~A-Za-z0-9". Ranges use '-' between two ASCII characters; a leading or
// trailing '-' is a literal.
func NewCodec(class string) (*Codec, error) {
	if class == "" {
		class = DefaultCharClass
	}
	c := &Codec{}
	runes := []rune(class)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch >= 128 {
			return nil, fmt.Errorf("char class %q: non-ASCII literal %q", class, ch)
		}
		if i+2 < len(runes) && runes[i+1] == '-' {
			lo, hi := ch, runes[i+2]
			if hi >= 128 || hi < lo {
				return nil, fmt.Errorf("char class %q: bad range %c-%c", class, lo, hi)
			}
			for b := lo; b <= hi; b++ {
				c.safe[b] = true
			}
			i += 2
			continue
		}
		c.safe[ch] = true
	}
	// meta-syntax can never be part of a segment literal
	c.safe['/'] = false
	c.safe[':'] = false
	c.safe[';'] = false
	c.safe['%'] = false
	return c, nil
}

// MustCodec builds a codec or panics; for the default class.
func MustCodec(class string) *Codec {
	c, err := NewCodec(class)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes a raw, still percent-encoded path (service prefix already
// stripped) into a Ref. Malformed paths yield KindBadRequest.
func (c *Codec) Parse(raw string) (Ref, error) {
	var ref Ref

	if raw == "" || raw[0] != '/' {
		return ref, core.BadRequestf("path %q must be absolute", raw)
	}

	// split off the ;subresource selector first; '/' inside the selector
	// belongs to the selector, not the name
	namePart := raw
	subPart := ""
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		namePart, subPart = raw[:i], raw[i+1:]
	}

	// split the name on '/' and pull the ':' version qualifier off the
	// last non-empty segment
	rawSegments := splitNonEmpty(namePart, '/')
	if len(rawSegments) > 0 {
		last := rawSegments[len(rawSegments)-1]
		if i := strings.IndexByte(last, ':'); i >= 0 {
			version := last[i+1:]
			if version == "" || strings.ContainsRune(version, ':') {
				return ref, core.BadRequestf("malformed version qualifier in %q", last)
			}
			v, err := c.decodeSegment(version)
			if err != nil {
				return ref, err
			}
			ref.Version = v
			rawSegments[len(rawSegments)-1] = last[:i]
			if last[:i] == "" {
				return ref, core.BadRequestf("empty name before version qualifier in %q", last)
			}
		}
	}

	ref.Segments = make([]string, 0, len(rawSegments))
	for _, s := range rawSegments {
		decoded, err := c.decodeSegment(s)
		if err != nil {
			return ref, err
		}
		ref.Segments = append(ref.Segments, decoded)
	}

	if subPart != "" || strings.HasSuffix(raw, ";") {
		if err := c.parseSubresource(&ref, subPart); err != nil {
			return ref, err
		}
	}

	if ref.Version != "" && ref.Sub == SubUpload {
		return ref, core.BadRequestf("upload sub-resource cannot be version-qualified")
	}
	if ref.Version != "" && ref.Sub == SubVersions {
		return ref, core.BadRequestf("versions listing cannot be version-qualified")
	}

	return ref, nil
}

func (c *Codec) parseSubresource(ref *Ref, sub string) error {
	parts := splitNonEmpty(sub, '/')
	if len(parts) == 0 {
		return core.BadRequestf("empty sub-resource selector")
	}
	selectors := parts[1:]
	decoded := make([]string, 0, len(selectors))
	for _, s := range selectors {
		d, err := c.decodeSegment(s)
		if err != nil {
			return err
		}
		decoded = append(decoded, d)
	}

	switch parts[0] {
	case "versions":
		ref.Sub = SubVersions
		if len(decoded) != 0 {
			return core.BadRequestf("versions sub-resource takes no selector")
		}
	case "metadata":
		ref.Sub = SubMetadata
		switch len(decoded) {
		case 0:
		case 1:
			ref.Field = decoded[0]
		default:
			return core.BadRequestf("metadata sub-resource takes at most one selector")
		}
	case "acl":
		ref.Sub = SubACL
		switch len(decoded) {
		case 0:
		case 1:
			ref.Access = decoded[0]
		case 2:
			ref.Access, ref.Entry = decoded[0], decoded[1]
		default:
			return core.BadRequestf("acl sub-resource takes at most two selectors")
		}
	case "upload":
		ref.Sub = SubUpload
		switch len(decoded) {
		case 0:
		case 1:
			ref.JobID = decoded[0]
		case 2:
			ref.JobID, ref.Chunk = decoded[0], decoded[1]
			ref.HasChunk = true
		default:
			return core.BadRequestf("upload sub-resource takes at most two selectors")
		}
	default:
		return core.BadRequestf("unknown sub-resource %q", parts[0])
	}
	return nil
}

// decodeSegment validates and percent-decodes one raw segment.
func (c *Codec) decodeSegment(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '%':
			if i+2 >= len(s) {
				return "", core.BadRequestf("truncated percent-encoding in %q", s)
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", core.BadRequestf("invalid percent-encoding in %q", s)
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		case ch < 128 && c.safe[ch]:
			b.WriteByte(ch)
		default:
			return "", core.BadRequestf("illegal character %q in path segment %q", ch, s)
		}
	}
	out := b.String()
	if !utf8.ValidString(out) {
		return "", core.BadRequestf("segment %q does not decode to valid UTF-8", s)
	}
	return out, nil
}

// EncodeSegment re-encodes a decoded segment for use in URLs and Location
// headers.
func (c *Codec) EncodeSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch < 128 && c.safe[ch] {
			b.WriteByte(ch)
		} else {
			fmt.Fprintf(&b, "%%%02X", ch)
		}
	}
	return b.String()
}

// EncodeName encodes a decoded "/a/b/c" name, preserving separators.
func (c *Codec) EncodeName(name string) string {
	if name == "/" || name == "" {
		return "/"
	}
	parts := splitNonEmpty(name, '/')
	encoded := make([]string, len(parts))
	for i, p := range parts {
		encoded[i] = c.EncodeSegment(p)
	}
	return "/" + strings.Join(encoded, "/")
}

// ValidateCreateName rejects names unusable for creation: empty, "." or ".."
// segments. Resolution never traverses parents, so dot segments are refused
// outright rather than normalized.
func ValidateCreateName(segments []string) error {
	if len(segments) == 0 {
		return core.BadRequestf("cannot create the root namespace")
	}
	for _, s := range segments {
		if s == "" {
			return core.BadRequestf("empty path segment")
		}
		if s == "." || s == ".." {
			return core.BadRequestf("dot segments are not allowed in names")
		}
	}
	return nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	for _, p := range strings.Split(s, string(sep)) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
