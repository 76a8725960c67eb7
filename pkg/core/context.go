package core

// ClientContext carries the authenticated identity for one request.
//
// The authentication adapter supplies a client id and a flat set of role
// strings (one per identity and group membership). An empty context is an
// anonymous client.
type ClientContext struct {
	// Client is the primary client identity, empty for anonymous requests.
	Client string

	// Attributes is the full role set, normally including Client itself.
	Attributes []string
}

// Anonymous reports whether the context carries no identity at all.
func (c ClientContext) Anonymous() bool {
	return c.Client == "" && len(c.Attributes) == 0
}

// Roles returns the effective role set: Client plus Attributes.
func (c ClientContext) Roles() []string {
	if c.Client == "" {
		return c.Attributes
	}
	for _, a := range c.Attributes {
		if a == c.Client {
			return c.Attributes
		}
	}
	roles := make([]string, 0, len(c.Attributes)+1)
	roles = append(roles, c.Client)
	roles = append(roles, c.Attributes...)
	return roles
}
