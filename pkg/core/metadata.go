package core

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// Canonical metadata field names for object versions. These are the wire
// names used in ;metadata sub-resource URLs and JSON payloads.
const (
	FieldContentType        = "content-type"
	FieldContentMD5         = "content-md5"
	FieldContentSHA256      = "content-sha256"
	FieldContentDisposition = "content-disposition"
)

// MetadataFieldNames lists every recognized field.
var MetadataFieldNames = []string{
	FieldContentType,
	FieldContentMD5,
	FieldContentSHA256,
	FieldContentDisposition,
}

// Metadata is the per-version field map. Digest fields are immutable once
// set; content-type and content-disposition may be rewritten.
type Metadata map[string]string

// Clone copies the map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get returns the field value or "".
func (m Metadata) Get(field string) string {
	if m == nil {
		return ""
	}
	return m[field]
}

// FieldImmutable reports whether the field, once set, must not change.
func FieldImmutable(field string) bool {
	return field == FieldContentMD5 || field == FieldContentSHA256
}

// KnownField reports whether field is a recognized metadata field name.
func KnownField(field string) bool {
	for _, f := range MetadataFieldNames {
		if f == field {
			return true
		}
	}
	return false
}

// ValidateField checks a metadata value for the named field. Unknown fields
// and malformed values are BadRequest.
func ValidateField(field, value string) error {
	switch field {
	case FieldContentType:
		if value == "" {
			return BadRequestf("content-type must not be empty")
		}
		return nil
	case FieldContentMD5:
		return ValidateContentMD5(value)
	case FieldContentSHA256:
		return ValidateContentSHA256(value)
	case FieldContentDisposition:
		return ValidateContentDisposition(value)
	default:
		return BadRequestf("unknown metadata field %q", field)
	}
}

// ValidateContentMD5 checks a base64-encoded 128-bit MD5 digest.
func ValidateContentMD5(value string) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return BadRequestf("content-md5 %q is not valid base64", value)
	}
	if len(raw) != 16 {
		return BadRequestf("content-md5 %q does not encode a 128-bit digest", value)
	}
	return nil
}

// ValidateContentSHA256 checks a base64-encoded 256-bit SHA-256 digest.
func ValidateContentSHA256(value string) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return BadRequestf("content-sha256 %q is not valid base64", value)
	}
	if len(raw) != 32 {
		return BadRequestf("content-sha256 %q does not encode a 256-bit digest", value)
	}
	return nil
}

const dispositionPrefix = "filename*=UTF-8''"

// ValidateContentDisposition checks the restricted disposition form: the
// dispositionPrefix followed by a percent-encoded basename. The decoded
// basename must be non-empty and contain no path separators.
func ValidateContentDisposition(value string) error {
	if !strings.HasPrefix(value, dispositionPrefix) {
		return BadRequestf("content-disposition %q must use the filename*=UTF-8'' form", value)
	}
	encoded := value[len(dispositionPrefix):]
	if encoded == "" {
		return BadRequestf("content-disposition filename must not be empty")
	}
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return BadRequestf("content-disposition filename %q has invalid percent-encoding", encoded)
	}
	if strings.ContainsAny(decoded, "/\\") {
		return BadRequestf("content-disposition filename %q must not contain path separators", decoded)
	}
	return nil
}

// DispositionFilename extracts the decoded basename from a validated
// disposition value.
func DispositionFilename(value string) string {
	if !strings.HasPrefix(value, dispositionPrefix) {
		return ""
	}
	decoded, err := url.PathUnescape(value[len(dispositionPrefix):])
	if err != nil {
		return ""
	}
	return decoded
}
