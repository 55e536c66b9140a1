package routing

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ilp-connector/ccp"
	"github.com/netsys-lab/ilp-connector/ilp"
)

// CCPSender delivers routing-protocol messages to a peer. Send failures
// are retried on the next broadcast tick; the epoch cursor for the peer
// only advances on success.
type CCPSender interface {
	SendRouteControl(peerID string, c *ccp.RouteControl) error
	SendRouteUpdate(peerID string, u *ccp.RouteUpdate) error
}

// ManagerConfig carries the process-wide routing knobs.
type ManagerConfig struct {
	OwnAddress        ilp.Address
	BroadcastInterval time.Duration
	RouteExpiry       time.Duration
	HoldDownTime      time.Duration
}

type peerRoute struct {
	route     ccp.Route
	refreshed time.Time
}

type peerState struct {
	id     string
	weight int

	// epoch cursor towards the peer
	sendMode     byte
	sendEpoch    uint32
	knownTableID [16]byte

	// epoch cursor from the peer
	recvTableID [16]byte
	recvEpoch   uint32
	synced      bool

	routes   map[string]peerRoute
	holdDown map[string]time.Time
}

type selectedEntry struct {
	peerID string
	route  Route
}

// Manager keeps the advertised table of every peer, selects the best
// route per prefix into the forwarding table and speaks CCP in both
// directions.
type Manager struct {
	cfg     ManagerConfig
	table   *Table
	log     *EpochLog
	sender  CCPSender
	tableID [16]byte
	auth    [32]byte

	mu       sync.Mutex
	peers    map[string]*peerState
	local    map[string]string
	selected map[string]selectedEntry

	kick chan struct{}
	stop chan struct{}
	once sync.Once
	now  func() time.Time
}

func NewManager(cfg ManagerConfig, table *Table, sender CCPSender) *Manager {
	if cfg.BroadcastInterval == 0 {
		cfg.BroadcastInterval = 30 * time.Second
	}
	if cfg.RouteExpiry == 0 {
		cfg.RouteExpiry = 45 * time.Second
	}
	if cfg.HoldDownTime == 0 {
		cfg.HoldDownTime = 45 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		table:    table,
		log:      NewEpochLog(),
		sender:   sender,
		tableID:  [16]byte(uuid.New()),
		peers:    make(map[string]*peerState),
		local:    make(map[string]string),
		selected: make(map[string]selectedEntry),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	if _, err := rand.Read(m.auth[:]); err != nil {
		panic(err)
	}
	return m
}

func (m *Manager) RoutingTableID() [16]byte { return m.tableID }
func (m *Manager) EpochLog() *EpochLog      { return m.log }

// Start runs the broadcast and expiry loops until Stop.
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.ExpireStaleRoutes()
			m.Broadcast()
		case <-m.kick:
			m.Broadcast()
		}
	}
}

func (m *Manager) kickBroadcast() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// AddPeer registers a CCP speaker. A RouteControl SYNC is sent so the
// peer starts (or resumes) streaming updates to us.
func (m *Manager) AddPeer(peerID string, weight int) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		p = &peerState{
			id:       peerID,
			weight:   weight,
			routes:   make(map[string]peerRoute),
			holdDown: make(map[string]time.Time),
		}
		m.peers[peerID] = p
	}
	control := &ccp.RouteControl{
		Mode:                    ccp.ModeSync,
		LastKnownRoutingTableID: p.recvTableID,
		LastKnownEpoch:          p.recvEpoch,
	}
	m.mu.Unlock()

	if err := m.sender.SendRouteControl(peerID, control); err != nil {
		log.Warnf("[RouteManager] route control to %s failed: %v", peerID, err)
	}
}

// RemovePeer drops the peer's routes and reselects affected prefixes.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, peerID)
	changed := false
	for prefix := range p.routes {
		if m.recomputeLocked(prefix) {
			changed = true
		}
	}
	m.mu.Unlock()
	if changed {
		m.kickBroadcast()
	}
}

// AddLocalRoute installs a prefix terminated by one of our own
// accounts. Local routes always win selection.
func (m *Manager) AddLocalRoute(prefix, accountID string) {
	m.mu.Lock()
	m.local[prefix] = accountID
	changed := m.recomputeLocked(prefix)
	m.mu.Unlock()
	if changed {
		m.kickBroadcast()
	}
}

func (m *Manager) RemoveLocalRoute(prefix string) {
	m.mu.Lock()
	delete(m.local, prefix)
	changed := m.recomputeLocked(prefix)
	m.mu.Unlock()
	if changed {
		m.kickBroadcast()
	}
}

// HandleControl processes a RouteControl from the peer: it tells us
// from which epoch the peer wants our updates.
func (m *Manager) HandleControl(peerID string, c *ccp.RouteControl) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		p.sendMode = c.Mode
		if c.LastKnownRoutingTableID != m.tableID {
			p.sendEpoch = 0
		} else {
			p.sendEpoch = c.LastKnownEpoch
		}
		p.knownTableID = m.tableID
	}
	m.mu.Unlock()
	if ok && c.Mode == ccp.ModeSync {
		m.kickBroadcast()
	}
}

// HandleUpdate applies a RouteUpdate from the peer. An epoch gap or a
// table-id change discards the peer state and answers with a fresh
// SYNC control.
func (m *Manager) HandleUpdate(peerID string, u *ccp.RouteUpdate) error {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	reset := false
	if p.synced && p.recvTableID != u.RoutingTableID {
		reset = true
	}
	if u.FromEpoch > p.recvEpoch {
		reset = true
	}
	if reset {
		log.Debugf("[RouteManager] resetting peer %s: epoch gap or table change (from=%d, have=%d)",
			peerID, u.FromEpoch, p.recvEpoch)
		changedPrefixes := make([]string, 0, len(p.routes))
		for prefix := range p.routes {
			changedPrefixes = append(changedPrefixes, prefix)
		}
		p.routes = make(map[string]peerRoute)
		p.recvEpoch = 0
		p.recvTableID = u.RoutingTableID
		p.synced = false
		changed := false
		for _, prefix := range changedPrefixes {
			if m.recomputeLocked(prefix) {
				changed = true
			}
		}
		m.mu.Unlock()
		if changed {
			m.kickBroadcast()
		}
		control := &ccp.RouteControl{Mode: ccp.ModeSync, LastKnownEpoch: 0}
		return m.sender.SendRouteControl(peerID, control)
	}

	if u.ToEpoch < p.recvEpoch {
		// stale repeat of a range we already hold
		m.mu.Unlock()
		return nil
	}

	p.recvTableID = u.RoutingTableID
	p.synced = true
	now := m.now()
	changed := false
	for _, prefix := range u.WithdrawnRoutes {
		if _, held := p.routes[prefix]; held {
			delete(p.routes, prefix)
			p.holdDown[prefix] = now.Add(m.cfg.HoldDownTime)
			if m.recomputeLocked(prefix) {
				changed = true
			}
		}
	}
	for _, route := range u.NewRoutes {
		if route.ContainsHop(string(m.cfg.OwnAddress)) {
			log.Debugf("[RouteManager] discarding looping route %s from %s", route.Prefix, peerID)
			continue
		}
		p.routes[route.Prefix] = peerRoute{route: route, refreshed: now}
		if m.recomputeLocked(route.Prefix) {
			changed = true
		}
	}
	p.recvEpoch = u.ToEpoch
	m.mu.Unlock()

	if changed {
		m.kickBroadcast()
	}
	return nil
}

// ResetPeer drops everything learned from the peer and asks it to
// start over. Used when a malformed CCP payload arrives.
func (m *Manager) ResetPeer(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	prefixes := make([]string, 0, len(p.routes))
	for prefix := range p.routes {
		prefixes = append(prefixes, prefix)
	}
	p.routes = make(map[string]peerRoute)
	p.recvEpoch = 0
	p.synced = false
	changed := false
	for _, prefix := range prefixes {
		if m.recomputeLocked(prefix) {
			changed = true
		}
	}
	m.mu.Unlock()
	if changed {
		m.kickBroadcast()
	}
	control := &ccp.RouteControl{Mode: ccp.ModeSync, LastKnownEpoch: 0}
	if err := m.sender.SendRouteControl(peerID, control); err != nil {
		log.Warnf("[RouteManager] reset control to %s failed: %v", peerID, err)
	}
}

// PeerRoutes returns a snapshot of the peer's advertised prefixes.
func (m *Manager) PeerRoutes(peerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return nil
	}
	prefixes := make([]string, 0, len(p.routes))
	for prefix := range p.routes {
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}

// ReceivedEpoch returns the peer's epoch cursor, for introspection.
func (m *Manager) ReceivedEpoch(peerID string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p.recvEpoch
	}
	return 0
}

// recomputeLocked reselects the prefix and reconciles the forwarding
// table and epoch log. Caller holds m.mu. Returns true if the selected
// route changed.
func (m *Manager) recomputeLocked(prefix string) bool {
	var next *selectedEntry
	if accountID, ok := m.local[prefix]; ok {
		next = &selectedEntry{
			peerID: accountID,
			route:  Route{Prefix: prefix, NextHop: accountID, Path: nil, Auth: m.auth},
		}
	} else {
		candidates := make([]candidate, 0)
		now := m.now()
		for _, p := range m.peers {
			pr, ok := p.routes[prefix]
			if !ok {
				continue
			}
			if until, held := p.holdDown[prefix]; held {
				if now.Before(until) {
					continue
				}
				delete(p.holdDown, prefix)
			}
			candidates = append(candidates, candidate{
				peerID: p.id,
				weight: p.weight,
				path:   pr.route.Path,
				auth:   pr.route.Auth,
				props:  pr.route.Props,
			})
		}
		if best, ok := bestCandidate(candidates); ok {
			next = &selectedEntry{
				peerID: best.peerID,
				route: Route{
					Prefix:  prefix,
					NextHop: best.peerID,
					Path:    best.path,
					Auth:    best.auth,
					Props:   best.props,
				},
			}
		}
	}

	current, had := m.selected[prefix]
	if next == nil {
		if !had {
			return false
		}
		delete(m.selected, prefix)
		m.table.Delete(prefix)
		m.log.Append(prefix, nil)
		log.Debugf("[RouteManager] withdrew %q", prefix)
		return true
	}
	if had && current.peerID == next.peerID && equalPaths(current.route.Path, next.route.Path) {
		return false
	}
	m.selected[prefix] = *next
	m.table.Insert(prefix, next.route)
	logged := next.route
	m.log.Append(prefix, &logged)
	log.Debugf("[RouteManager] selected %q via %s", prefix, next.peerID)
	return true
}

func equalPaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ExpireStaleRoutes withdraws every peer route unrefreshed for longer
// than the configured expiry interval.
func (m *Manager) ExpireStaleRoutes() {
	m.mu.Lock()
	now := m.now()
	changed := false
	for _, p := range m.peers {
		for prefix, pr := range p.routes {
			if now.Sub(pr.refreshed) > m.cfg.RouteExpiry {
				delete(p.routes, prefix)
				log.Debugf("[RouteManager] route %q from %s expired", prefix, p.id)
				if m.recomputeLocked(prefix) {
					changed = true
				}
			}
		}
	}
	m.mu.Unlock()
	if changed {
		m.kickBroadcast()
	}
}

// Broadcast offers every synced peer its missing epoch range.
func (m *Manager) Broadcast() {
	type job struct {
		peerID string
		update *ccp.RouteUpdate
		to     uint32
	}
	m.mu.Lock()
	jobs := make([]job, 0, len(m.peers))
	for _, p := range m.peers {
		if p.sendMode != ccp.ModeSync {
			continue
		}
		updated, withdrawn, to := m.log.Since(p.sendEpoch)
		if to == p.sendEpoch {
			continue
		}
		newRoutes := make([]ccp.Route, 0, len(updated))
		for _, route := range updated {
			if route.NextHop == p.id {
				// never offer a peer its own routes back
				continue
			}
			newRoutes = append(newRoutes, ccp.Route{
				Prefix: route.Prefix,
				Path:   append([]string{string(m.cfg.OwnAddress)}, route.Path...),
				Auth:   m.auth,
				Props:  route.Props,
			})
		}
		jobs = append(jobs, job{
			peerID: p.id,
			update: &ccp.RouteUpdate{
				RoutingTableID: m.tableID,
				CurrentEpoch:   to,
				FromEpoch:      p.sendEpoch,
				ToEpoch:        to,
				HoldDownTimeMs: uint32(m.cfg.HoldDownTime / time.Millisecond),
				Speaker:        m.cfg.OwnAddress,
				NewRoutes:      newRoutes,
				WithdrawnRoutes: append([]string(nil), withdrawn...),
			},
			to: to,
		})
	}
	m.mu.Unlock()

	for _, j := range jobs {
		if err := m.sender.SendRouteUpdate(j.peerID, j.update); err != nil {
			log.Warnf("[RouteManager] route update to %s failed, retrying next tick: %v", j.peerID, err)
			continue
		}
		m.mu.Lock()
		if p, ok := m.peers[j.peerID]; ok {
			p.sendEpoch = j.to
		}
		m.mu.Unlock()
	}
}
