package domain

// ProjectRef identifies the project owning a connection. All fields are
// opaque descriptive data.
type ProjectRef struct {
	ID        string
	Name      string
	Path      string
	Anonymous bool
}

// Endpoint holds the connection endpoint metadata recorded for display.
type Endpoint struct {
	UserName string
	URL      string
}

// ConnectionInfo describes one open execution context. It is supplied by
// the container identity provider when a connection is opened or reopened.
type ConnectionInfo struct {
	ContainerID   string
	ContainerName string
	DriverID      string
	InstanceID    string
	ContextName   string
	Dialect       string
	Project       *ProjectRef
	Endpoint      *Endpoint
}

// SessionKey identifies the logical session a connection belongs to. Two
// connections with the same key are the same session reconnected.
func (c ConnectionInfo) SessionKey() string {
	return c.ContainerID + "/" + c.ContextName
}
