package rest

import (
	"net/http"
	"strings"

	"github.com/hatrac/hatrac/pkg/core"
)

// Authenticator supplies the per-request client identity and role set. The
// service core carries no session management; deployments plug in whatever
// front-end authentication they run.
type Authenticator interface {
	Authenticate(r *http.Request) (core.ClientContext, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (core.ClientContext, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (core.ClientContext, error) {
	return f(r)
}

// Trusted header names consumed by TrustedHeaderAuthenticator.
const (
	ClientHeader     = "X-Hatrac-Client"
	AttributesHeader = "X-Hatrac-Attributes"
)

// TrustedHeaderAuthenticator reads the identity a trusted reverse proxy
// injected into request headers. Absent headers yield an anonymous context.
type TrustedHeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (TrustedHeaderAuthenticator) Authenticate(r *http.Request) (core.ClientContext, error) {
	cc := core.ClientContext{Client: r.Header.Get(ClientHeader)}
	if raw := r.Header.Get(AttributesHeader); raw != "" {
		for _, attr := range strings.Split(raw, ",") {
			if attr = strings.TrimSpace(attr); attr != "" {
				cc.Attributes = append(cc.Attributes, attr)
			}
		}
	}
	return cc, nil
}
