package core

import "encoding/json"

// Aux is the optional per-version record overriding default storage
// addressing. Fields are evaluated in priority order:
//
//  1. RenameTo — [name, version] of a preferred version that supersedes this
//     one; content is served from the target.
//  2. URL — full URL of a remote peer serving equivalent content; the
//     service answers with an HTTP redirect.
//  3. HName/HVersion — override the (name, version) pair passed to the
//     backend addressing function.
//  4. Version — backend-level version id, used for S3 versioned buckets.
type Aux struct {
	RenameTo []string `json:"rename_to,omitempty"`
	URL      string   `json:"url,omitempty"`
	HName    string   `json:"hname,omitempty"`
	HVersion string   `json:"hversion,omitempty"`
	Version  string   `json:"version,omitempty"`
}

// IsZero reports whether no override is present.
func (a Aux) IsZero() bool {
	return len(a.RenameTo) == 0 && a.URL == "" && a.HName == "" &&
		a.HVersion == "" && a.Version == ""
}

// RenameTarget returns the (name, version) pair of a rename_to override.
func (a Aux) RenameTarget() (name, version string, ok bool) {
	if len(a.RenameTo) != 2 || a.RenameTo[0] == "" || a.RenameTo[1] == "" {
		return "", "", false
	}
	return a.RenameTo[0], a.RenameTo[1], true
}

// ParseAux decodes an aux JSON document; nil/empty input yields a zero Aux.
func ParseAux(raw []byte) (Aux, error) {
	var a Aux
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, BadRequestf("invalid aux record: %v", err)
	}
	if rt := a.RenameTo; len(rt) != 0 && len(rt) != 2 {
		return a, BadRequestf("aux rename_to must be a [name, version] pair")
	}
	return a, nil
}

// Encode serializes the aux record, returning nil for a zero record so
// callers can store NULL instead of an empty document.
func (a Aux) Encode() ([]byte, error) {
	if a.IsZero() {
		return nil, nil
	}
	return json.Marshal(a)
}
