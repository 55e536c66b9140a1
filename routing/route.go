// Package routing holds the longest-prefix-match forwarding table and
// the route manager that feeds it from peer advertisements.
package routing

// Route is the selected next hop for one address prefix. NextHop names
// the egress account; an empty NextHop marks a local route terminated
// by this connector.
type Route struct {
	Prefix  string
	NextHop string
	Path    []string
	Auth    [32]byte
	Props   []string
}

// IsLocal reports whether the route terminates at this connector.
func (r *Route) IsLocal() bool { return r.NextHop == "" }
