package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/hatrac/hatrac/pkg/core"
)

// templateSet holds the compiled error body templates keyed by status code
// and content type.
type templateSet struct {
	byCode map[int]map[string]*template.Template
}

// errorContext is the interpolation context error templates render with.
type errorContext struct {
	Code        int
	Title       string
	Description string
}

// newTemplateSet compiles configured error templates. Two forms are
// accepted: the nested form keyed "code" -> {content-type -> template}, and
// the legacy flat shorthand "<code>_html" / "<code>_plain" -> template.
// Malformed entries are reported, not silently dropped.
func newTemplateSet(raw map[string]any) (*templateSet, error) {
	ts := &templateSet{byCode: make(map[int]map[string]*template.Template)}
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			// legacy shorthand
			codePart, suffix, ok := strings.Cut(key, "_")
			if !ok {
				return nil, fmt.Errorf("error_templates: malformed legacy key %q", key)
			}
			code, err := strconv.Atoi(codePart)
			if err != nil {
				return nil, fmt.Errorf("error_templates: malformed legacy key %q", key)
			}
			var ctype string
			switch suffix {
			case "html":
				ctype = "text/html"
			case "plain":
				ctype = contentTypePlain
			default:
				return nil, fmt.Errorf("error_templates: unknown legacy suffix in %q", key)
			}
			if err := ts.add(code, ctype, v); err != nil {
				return nil, err
			}
		case map[string]any:
			code, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("error_templates: malformed code key %q", key)
			}
			for ctype, tmpl := range v {
				body, ok := tmpl.(string)
				if !ok {
					return nil, fmt.Errorf("error_templates[%s][%s]: template must be a string", key, ctype)
				}
				if err := ts.add(code, strings.ToLower(ctype), body); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("error_templates[%s]: unsupported value", key)
		}
	}
	return ts, nil
}

func (ts *templateSet) add(code int, ctype, body string) error {
	tmpl, err := template.New(fmt.Sprintf("%d:%s", code, ctype)).Parse(body)
	if err != nil {
		return fmt.Errorf("error_templates[%d][%s]: %w", code, ctype, err)
	}
	if ts.byCode[code] == nil {
		ts.byCode[code] = make(map[string]*template.Template)
	}
	ts.byCode[code][ctype] = tmpl
	return nil
}

// negotiate picks the template for a status code against the Accept list.
// Falls back to the code's "default" entry, then to nil (plain text body).
func (ts *templateSet) negotiate(code int, accepted []string) (*template.Template, string) {
	forCode := ts.byCode[code]
	if forCode == nil {
		return nil, ""
	}
	for _, mt := range accepted {
		if tmpl, ok := forCode[mt]; ok {
			return tmpl, mt
		}
	}
	if tmpl, ok := forCode["default"]; ok {
		return tmpl, contentTypePlain
	}
	return nil, ""
}

// writeError renders a domain error with content negotiation against the
// configured templates. Non-domain errors are redacted to a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	kind := core.KindOf(err)
	code := kind.HTTPStatus()

	description := kind.String()
	if kind != core.KindInternal {
		description = err.Error()
	} else {
		s.logger.Error("internal error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	ectx := errorContext{Code: code, Title: kind.String(), Description: description}

	if tmpl, ctype := s.templates.negotiate(code, acceptedTypes(r)); tmpl != nil {
		var body strings.Builder
		if renderErr := tmpl.Execute(&body, ectx); renderErr == nil {
			w.Header().Set("Content-Type", ctype)
			writeBody(w, r, code, []byte(body.String()))
			return code
		}
	}

	w.Header().Set("Content-Type", contentTypePlain)
	writeBody(w, r, code, []byte(ectx.Description+"\n"))
	return code
}
