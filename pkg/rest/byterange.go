package rest

import (
	"strconv"
	"strings"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

// parseRange resolves a Range header against the content size.
//
// Returns (nil, nil) when the header is absent or syntactically invalid —
// the response is then the full content with status 200. A satisfiable
// single range yields the inclusive byte range for a 206. Ranges outside
// the extent are RangeNotSatisfiable; multi-range requests are
// NotImplemented.
func parseRange(header string, size int64) (*storage.ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return nil, nil
	}
	if strings.ContainsRune(spec, ',') {
		return nil, core.NewError(core.KindNotImplemented, "multi-range requests are not implemented")
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, nil
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		// suffix form: last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}
		if n == 0 || size == 0 {
			return nil, core.NewError(core.KindRangeNotSatisfiable, "requested range not satisfiable")
		}
		if n > size {
			n = size
		}
		return &storage.ByteRange{First: size - n, Last: size - 1}, nil
	}

	a, err := strconv.ParseInt(first, 10, 64)
	if err != nil || a < 0 {
		return nil, nil
	}
	if a >= size {
		return nil, core.NewError(core.KindRangeNotSatisfiable, "requested range not satisfiable")
	}

	if last == "" {
		return &storage.ByteRange{First: a, Last: size - 1}, nil
	}
	b, err := strconv.ParseInt(last, 10, 64)
	if err != nil || b < a {
		return nil, nil
	}
	if b >= size {
		b = size - 1
	}
	return &storage.ByteRange{First: a, Last: b}, nil
}
