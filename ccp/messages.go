// Package ccp implements the connector-to-connector routing protocol
// messages exchanged as btp sub-protocols. Control messages ask a peer
// to (re)start sending updates from a known epoch; update messages
// carry incremental diffs of the sender's routing table.
package ccp

import "github.com/netsys-lab/ilp-connector/ilp"

// Routing modes.
const (
	ModeIdle = 0
	ModeSync = 1
)

// RouteControl tells the peer where this node wants updates to resume.
type RouteControl struct {
	Mode                    byte
	LastKnownRoutingTableID [16]byte
	LastKnownEpoch          uint32
	Features                []string
}

// Route is one advertised prefix inside a RouteUpdate.
type Route struct {
	Prefix string
	Path   []string
	Auth   [32]byte
	Props  []string
}

// RouteUpdate carries the diff between FromEpoch and ToEpoch of the
// speaker's routing table.
type RouteUpdate struct {
	RoutingTableID  [16]byte
	CurrentEpoch    uint32
	FromEpoch       uint32
	ToEpoch         uint32
	HoldDownTimeMs  uint32
	Speaker         ilp.Address
	NewRoutes       []Route
	WithdrawnRoutes []string
}

// ContainsHop reports whether node already appears in the path.
func (r *Route) ContainsHop(node string) bool {
	for _, hop := range r.Path {
		if hop == node {
			return true
		}
	}
	return false
}
