// Package connector wires the forwarding core: accounts and their
// middleware pipelines, the switch, the route manager and the
// per-account settlement loops.
package connector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ilp-connector/accounts"
	"github.com/netsys-lab/ilp-connector/balance"
	"github.com/netsys-lab/ilp-connector/btp"
	"github.com/netsys-lab/ilp-connector/ccp"
	"github.com/netsys-lab/ilp-connector/ilp"
	"github.com/netsys-lab/ilp-connector/kvstore"
	"github.com/netsys-lab/ilp-connector/middleware"
	"github.com/netsys-lab/ilp-connector/rate"
	"github.com/netsys-lab/ilp-connector/routing"
	"github.com/netsys-lab/ilp-connector/settlement"
)

// EngineFactory returns the settlement engine serving one account, or
// nil when the account settles nothing.
type EngineFactory func(accountID string) settlement.Engine

// pipeline holds the chains composed for one connected account.
type pipeline struct {
	incomingData  middleware.DataHandler
	outgoingData  middleware.DataHandler
	incomingMoney middleware.MoneyHandler
}

// Connector is the top-level node: it owns the account registry, the
// routing subsystem, the switch and the settlement controllers.
type Connector struct {
	cfg        *Config
	ownAddress ilp.Address
	registry   *accounts.Registry
	table      *routing.Table
	routes     *routing.Manager
	rates      rate.Backend
	store      kvstore.Store
	stats      *middleware.StatsCollector
	sw         *Switch
	engines    EngineFactory

	mu          sync.RWMutex
	pipelines   map[string]*pipeline
	controllers map[string]*settlement.Controller

	socket *btp.QUICSocket

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a connector from config and its external collaborators.
func New(cfg *Config, store kvstore.Store, rates rate.Backend, engines EngineFactory) (*Connector, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ownAddress, err := ilp.ParseAddress(cfg.ILPAddress)
	if err != nil {
		return nil, err
	}
	if engines == nil {
		engines = func(string) settlement.Engine { return nil }
	}
	c := &Connector{
		cfg:         cfg,
		ownAddress:  ownAddress,
		registry:    accounts.NewRegistry(),
		table:       routing.NewTable(),
		rates:       rates,
		store:       store,
		stats:       middleware.NewStatsCollector(),
		engines:     engines,
		pipelines:   make(map[string]*pipeline),
		controllers: make(map[string]*settlement.Controller),
		stopped:     make(chan struct{}),
	}
	c.routes = routing.NewManager(routing.ManagerConfig{
		OwnAddress:        ownAddress,
		BroadcastInterval: cfg.RouteBroadcastInterval,
		RouteExpiry:       cfg.RouteExpiryInterval,
		HoldDownTime:      cfg.HoldDownTime,
	}, c.table, c)
	c.sw = NewSwitch(ownAddress, c.registry, c.table, rates, c, cfg.MinMessageWindow, cfg.ReflectPayments)

	for _, acctCfg := range cfg.Accounts {
		if err := c.RegisterAccount(acctCfg.accountConfig()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Connector) Address() ilp.Address        { return c.ownAddress }
func (c *Connector) Accounts() *accounts.Registry { return c.registry }
func (c *Connector) Routes() *routing.Manager    { return c.routes }
func (c *Connector) Table() *routing.Table       { return c.table }
func (c *Connector) Stats() *middleware.StatsCollector { return c.stats }

// Start runs the routing loops. Links are attached separately via
// Connect or the transport front-ends.
func (c *Connector) Start() {
	c.routes.Start()
}

// Shutdown stops loops, controllers and links.
func (c *Connector) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopped) })
	c.routes.Stop()
	c.mu.Lock()
	controllers := make([]*settlement.Controller, 0, len(c.controllers))
	for _, ctrl := range c.controllers {
		controllers = append(controllers, ctrl)
	}
	c.mu.Unlock()
	for _, ctrl := range controllers {
		ctrl.Stop()
	}
	for _, acct := range c.registry.List() {
		if link := acct.Link(); link != nil {
			link.Close()
		}
	}
	if c.socket != nil {
		c.socket.Close()
	}
}

// RegisterAccount adds an account at runtime. The transport still has
// to come up before packets flow.
func (c *Connector) RegisterAccount(cfg accounts.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tracker, err := balance.NewTracker(cfg.ID, cfg.Balance, c.store)
	if err != nil {
		return err
	}
	return c.registry.Add(accounts.New(cfg, tracker))
}

// RemoveAccount disconnects and forgets an account.
func (c *Connector) RemoveAccount(id string) error {
	acct, err := c.registry.Remove(id)
	if err != nil {
		return err
	}
	if link := acct.Link(); link != nil {
		link.Close()
	}
	c.routes.RemovePeer(id)
	if acct.ILPPrefix != "" {
		c.routes.RemoveLocalRoute(acct.ILPPrefix)
	}
	c.mu.Lock()
	delete(c.pipelines, id)
	if ctrl, ok := c.controllers[id]; ok {
		ctrl.Stop()
		delete(c.controllers, id)
	}
	c.mu.Unlock()
	return nil
}

// OutgoingData implements EgressProvider for the switch.
func (c *Connector) OutgoingData(accountID string) (middleware.DataHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[accountID]
	if !ok {
		return nil, false
	}
	return p.outgoingData, true
}

// Connect attaches a transport link to a registered account, composes
// the account's middleware chains and starts its protocol roles.
func (c *Connector) Connect(accountID string, link accounts.Link) error {
	acct, ok := c.registry.Get(accountID)
	if !ok {
		return accounts.ErrUnknownAccount
	}
	tracker := acct.Tracker()
	engine := c.engines(accountID)

	var ctrl *settlement.Controller
	var moneyIn middleware.MoneyHandler
	if engine != nil {
		ctrl = settlement.NewController(accountID, tracker, engine,
			c.artifactRequester(acct), c.store,
			func(amount uint64) {
				c.mu.RLock()
				p, ok := c.pipelines[accountID]
				c.mu.RUnlock()
				if ok {
					if err := p.incomingMoney(context.Background(), amount); err != nil {
						log.Warnf("[Connector] money handler for %s: %v", accountID, err)
					}
				}
			})
	}

	// incoming data: error-handler → stats → rate-limit → max-packet →
	// throughput → balance → settle-trigger → switch
	in := (&middleware.DataChain{}).Append(
		middleware.ErrorHandler(c.ownAddress),
		middleware.Stats(c.stats, accountID, "incoming"),
	)
	if acct.RateLimit.Capacity > 0 {
		in.Append(middleware.RateLimit(middleware.NewTokenBucket(
			acct.RateLimit.RefillPeriod, acct.RateLimit.RefillCount, acct.RateLimit.Capacity)))
	}
	in.Append(middleware.MaxPacket(acct.MaxPacketAmount))
	if acct.ThroughputLimit > 0 {
		in.Append(middleware.Throughput(middleware.NewTokenBucket(
			time.Second, acct.ThroughputLimit, acct.ThroughputLimit)))
	}
	in.Append(middleware.BalanceIncoming(tracker))
	if ctrl != nil {
		in.Append(settleTrigger(ctrl))
	}
	incoming := in.Compose(func(ctx context.Context, p *ilp.Prepare) (*ilp.Response, error) {
		return c.sw.ForwardPrepare(ctx, accountID, p)
	})

	// outgoing data: stats → max-packet → deduplicate → throughput →
	// balance → settle-trigger → expire → validate-fulfillment → link.
	// The packet ceiling binds in both directions: the peer enforces
	// it on what we send, so reject locally before burning a hop.
	out := (&middleware.DataChain{}).Append(
		middleware.Stats(c.stats, accountID, "outgoing"),
		middleware.MaxPacket(acct.MaxPacketAmount),
	)
	if acct.DedupWindow > 0 {
		out.Append(middleware.Deduplicate(middleware.NewDedupCache(acct.DedupWindow)))
	}
	if acct.ThroughputLimit > 0 {
		out.Append(middleware.Throughput(middleware.NewTokenBucket(
			time.Second, acct.ThroughputLimit, acct.ThroughputLimit)))
	}
	out.Append(middleware.BalanceOutgoing(tracker))
	if ctrl != nil {
		out.Append(settleTrigger(ctrl))
	}
	out.Append(middleware.Expire(), middleware.ValidateFulfillment())
	outgoing := out.Compose(c.linkSender(acct))

	// incoming money: stats → rate-limit → balance
	money := (&middleware.MoneyChain{}).Append(middleware.StatsMoney(c.stats, accountID))
	if acct.RateLimit.Capacity > 0 {
		money.Append(middleware.RateLimitMoney(middleware.NewTokenBucket(
			acct.RateLimit.RefillPeriod, acct.RateLimit.RefillCount, acct.RateLimit.Capacity)))
	}
	money.Append(middleware.BalanceIncomingMoney(tracker))
	moneyIn = money.Compose(func(ctx context.Context, amount uint64) error { return nil })

	c.mu.Lock()
	c.pipelines[accountID] = &pipeline{
		incomingData:  incoming,
		outgoingData:  outgoing,
		incomingMoney: moneyIn,
	}
	if ctrl != nil {
		c.controllers[accountID] = ctrl
	}
	c.mu.Unlock()

	link.RegisterDataHandler(c.dataMux(acct))
	link.RegisterMoneyHandler(func(ctx context.Context, amount uint64, protocols []btp.Subprotocol) error {
		return moneyIn(ctx, amount)
	})
	link.OnDisconnect(func() { c.handleDisconnect(accountID) })
	acct.SetLink(link)
	if starter, ok := link.(interface{ Start() }); ok {
		starter.Start()
	}

	// routing roles
	switch acct.Relation {
	case accounts.RelationChild:
		prefix := acct.ILPPrefix
		if prefix == "" {
			prefix = string(c.ownAddress) + "." + accountID
		}
		c.routes.AddLocalRoute(prefix, accountID)
	case accounts.RelationParent:
		// the parent is the default route
		c.routes.AddLocalRoute("", accountID)
		c.routes.AddPeer(accountID, acct.RoutingWeight)
	default:
		c.routes.AddPeer(accountID, acct.RoutingWeight)
	}

	if ctrl != nil {
		ctrl.Start()
		if acct.SettleOnConnect {
			ctrl.Trigger()
		}
	}
	if engine != nil {
		go c.exchangePeering(acct, engine)
	}
	log.Infof("[Connector] account %s connected", accountID)
	return nil
}

func (c *Connector) handleDisconnect(accountID string) {
	acct, ok := c.registry.Get(accountID)
	if ok {
		acct.SetLink(nil)
	}
	c.mu.Lock()
	delete(c.pipelines, accountID)
	if ctrl, ok := c.controllers[accountID]; ok {
		ctrl.Stop()
		delete(c.controllers, accountID)
	}
	c.mu.Unlock()
	log.Infof("[Connector] account %s disconnected", accountID)
}

// settleTrigger nudges the settlement loop after a packet completes.
func settleTrigger(ctrl *settlement.Controller) middleware.Data {
	return middleware.Data{
		Name: "settle-trigger",
		Wrap: func(next middleware.DataHandler) middleware.DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				resp, err := next(ctx, prepare)
				ctrl.Trigger()
				return resp, err
			}
		},
	}
}

// linkSender is the innermost outgoing handler: serialize, send over
// the link and await the response under the hop deadline.
func (c *Connector) linkSender(acct *accounts.Account) middleware.DataHandler {
	return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
		link := acct.Link()
		if link == nil {
			return nil, ilp.Errf(ilp.CodeTemporaryFailure, "account %s not connected", acct.ID)
		}
		raw, err := ilp.SerializePrepare(prepare)
		if err != nil {
			return nil, ilp.Errf(ilp.CodeInternalError, "cannot serialize prepare: %v", err)
		}
		deadline := prepare.ExpiresAt.Add(c.cfg.MaxResponseGrace)
		subCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		frame, err := link.SendData(subCtx, []btp.Subprotocol{{
			Name:        btp.ProtoILP,
			ContentType: btp.ContentOctetStream,
			Data:        raw,
		}})
		if err == btp.ErrRequestTimedOut {
			return nil, ilp.Errf(ilp.CodeTransferTimedOut, "no response from %s before expiry", acct.ID)
		}
		if err != nil {
			return nil, ilp.Errf(ilp.CodeTemporaryFailure, "link to %s failed: %v", acct.ID, err)
		}
		proto := frame.Protocol(btp.ProtoILP)
		if proto == nil {
			return nil, ilp.Errf(ilp.CodeTemporaryFailure, "response from %s carries no ilp packet", acct.ID)
		}
		pkt, err := ilp.Deserialize(proto.Data)
		if err != nil {
			return nil, ilp.Errf(ilp.CodeTemporaryFailure, "malformed response from %s: %v", acct.ID, err)
		}
		switch {
		case pkt.Fulfill != nil:
			return ilp.FulfillResponse(pkt.Fulfill), nil
		case pkt.Reject != nil:
			return ilp.RejectResponse(pkt.Reject), nil
		default:
			return nil, ilp.Errf(ilp.CodeTemporaryFailure, "unexpected packet type from %s", acct.ID)
		}
	}
}

// dataMux serves incoming MESSAGE frames, multiplexing on the
// sub-protocol name.
func (c *Connector) dataMux(acct *accounts.Account) btp.DataHandler {
	return func(ctx context.Context, protocols []btp.Subprotocol) ([]btp.Subprotocol, error) {
		for _, proto := range protocols {
			switch proto.Name {
			case btp.ProtoILP:
				return c.handleILP(ctx, acct, proto.Data)
			case btp.ProtoCCPControl:
				return c.handleCCPControl(acct, proto.Data)
			case btp.ProtoCCPUpdate:
				return c.handleCCPUpdate(acct, proto.Data)
			case btp.ProtoPeeringRequest:
				return c.handlePeeringRequest(acct, proto.Data)
			case btp.ProtoInvoiceRequest:
				return c.handleInvoiceRequest(ctx, acct, proto.Data)
			}
		}
		return nil, errors.New("connector: no known sub-protocol in frame")
	}
}

func (c *Connector) handleILP(ctx context.Context, acct *accounts.Account, raw []byte) ([]btp.Subprotocol, error) {
	pkt, err := ilp.Deserialize(raw)
	if err != nil || pkt.Prepare == nil {
		reject := &ilp.Reject{
			Code:        ilp.CodeInternalError,
			TriggeredBy: c.ownAddress,
			Message:     "malformed ilp packet",
		}
		rawReject, _ := ilp.SerializeReject(reject)
		return []btp.Subprotocol{{Name: btp.ProtoILP, ContentType: btp.ContentOctetStream, Data: rawReject}}, nil
	}

	c.mu.RLock()
	p, ok := c.pipelines[acct.ID]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("connector: no pipeline for %s", acct.ID)
	}
	resp, err := p.incomingData(ctx, pkt.Prepare)
	if err != nil {
		// the error handler is outermost; this is unreachable in a
		// correctly composed chain
		resp = ilp.RejectResponse(ilp.RejectFrom(err, c.ownAddress))
	}
	rawResp, err := ilp.SerializeResponse(resp)
	if err != nil {
		return nil, err
	}
	return []btp.Subprotocol{{Name: btp.ProtoILP, ContentType: btp.ContentOctetStream, Data: rawResp}}, nil
}

func (c *Connector) handleCCPControl(acct *accounts.Account, raw []byte) ([]btp.Subprotocol, error) {
	control, err := ccp.DeserializeControl(raw)
	if err != nil {
		log.Warnf("[Connector] malformed route control from %s: %v", acct.ID, err)
		c.routes.ResetPeer(acct.ID)
		return nil, err
	}
	c.routes.HandleControl(acct.ID, control)
	return []btp.Subprotocol{{Name: btp.ProtoCCPControl, ContentType: btp.ContentOctetStream}}, nil
}

func (c *Connector) handleCCPUpdate(acct *accounts.Account, raw []byte) ([]btp.Subprotocol, error) {
	update, err := ccp.DeserializeUpdate(raw)
	if err != nil {
		log.Warnf("[Connector] malformed route update from %s: %v", acct.ID, err)
		c.routes.ResetPeer(acct.ID)
		return nil, err
	}
	if err := c.routes.HandleUpdate(acct.ID, update); err != nil {
		return nil, err
	}
	return []btp.Subprotocol{{Name: btp.ProtoCCPUpdate, ContentType: btp.ContentOctetStream}}, nil
}

func (c *Connector) peeringKey(accountID string) string { return accountID + ":peering" }

func (c *Connector) handlePeeringRequest(acct *accounts.Account, raw []byte) ([]btp.Subprotocol, error) {
	peering, err := settlement.DecodePeering(raw)
	if err != nil {
		return nil, errors.Wrap(err, "connector: malformed peering request")
	}
	if c.store != nil {
		c.store.Put(c.peeringKey(acct.ID), raw)
	}
	log.Debugf("[Connector] peer %s settles via %s", acct.ID, peering.EngineIdentity)

	identity := ""
	if engine := c.engines(acct.ID); engine != nil {
		identity = engine.Identity()
	}
	resp := settlement.EncodePeering(&settlement.Peering{EngineIdentity: identity})
	return []btp.Subprotocol{{Name: btp.ProtoPeeringResponse, ContentType: btp.ContentJSON, Data: resp}}, nil
}

func (c *Connector) handleInvoiceRequest(ctx context.Context, acct *accounts.Account, raw []byte) ([]btp.Subprotocol, error) {
	var req settlement.InvoiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.Wrap(err, "connector: malformed invoice request")
	}
	c.mu.RLock()
	ctrl, ok := c.controllers[acct.ID]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("connector: account %s has no settlement engine", acct.ID)
	}
	artifact, err := ctrl.IssueArtifact(ctx, req.Amount)
	if err != nil {
		return nil, err
	}
	resp, err := json.Marshal(settlement.InvoiceResponse{Artifact: *artifact})
	if err != nil {
		return nil, err
	}
	return []btp.Subprotocol{{Name: btp.ProtoInvoiceResponse, ContentType: btp.ContentJSON, Data: resp}}, nil
}

// artifactRequester asks the peer for a payment artifact over the
// data link.
func (c *Connector) artifactRequester(acct *accounts.Account) settlement.ArtifactRequester {
	return func(ctx context.Context, amount uint64) (*settlement.Artifact, error) {
		link := acct.Link()
		if link == nil {
			return nil, errors.Errorf("connector: account %s not connected", acct.ID)
		}
		raw, err := json.Marshal(settlement.InvoiceRequest{Amount: amount})
		if err != nil {
			return nil, err
		}
		frame, err := link.SendData(ctx, []btp.Subprotocol{{
			Name:        btp.ProtoInvoiceRequest,
			ContentType: btp.ContentJSON,
			Data:        raw,
		}})
		if err != nil {
			return nil, errors.Wrap(err, "connector: invoice request failed")
		}
		proto := frame.Protocol(btp.ProtoInvoiceResponse)
		if proto == nil {
			return nil, errors.New("connector: peer returned no invoice")
		}
		var resp settlement.InvoiceResponse
		if err := json.Unmarshal(proto.Data, &resp); err != nil {
			return nil, errors.Wrap(err, "connector: malformed invoice response")
		}
		if remote := c.remoteEngineIdentity(acct.ID); remote != "" && resp.Artifact.Destination != remote {
			return nil, errors.Errorf("connector: invoice destination %q is not peer engine %q",
				resp.Artifact.Destination, remote)
		}
		return &resp.Artifact, nil
	}
}

func (c *Connector) remoteEngineIdentity(accountID string) string {
	if c.store == nil {
		return ""
	}
	raw, ok := c.store.Get(c.peeringKey(accountID))
	if !ok {
		return ""
	}
	peering, err := settlement.DecodePeering(raw)
	if err != nil {
		return ""
	}
	return peering.EngineIdentity
}

// exchangePeering introduces the local settlement engine to the peer
// and records the identity it answers with.
func (c *Connector) exchangePeering(acct *accounts.Account, engine settlement.Engine) {
	link := acct.Link()
	if link == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	raw := settlement.EncodePeering(&settlement.Peering{EngineIdentity: engine.Identity()})
	frame, err := link.SendData(ctx, []btp.Subprotocol{{
		Name:        btp.ProtoPeeringRequest,
		ContentType: btp.ContentJSON,
		Data:        raw,
	}})
	if err != nil {
		log.Warnf("[Connector] peering exchange with %s failed: %v", acct.ID, err)
		return
	}
	if proto := frame.Protocol(btp.ProtoPeeringResponse); proto != nil && c.store != nil {
		c.store.Put(c.peeringKey(acct.ID), proto.Data)
	}
}

// SendRouteControl implements routing.CCPSender.
func (c *Connector) SendRouteControl(peerID string, control *ccp.RouteControl) error {
	acct, ok := c.registry.Get(peerID)
	if !ok {
		return accounts.ErrUnknownAccount
	}
	link := acct.Link()
	if link == nil {
		return errors.Errorf("connector: account %s not connected", peerID)
	}
	raw, err := ccp.SerializeControl(control)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = link.SendData(ctx, []btp.Subprotocol{{
		Name:        btp.ProtoCCPControl,
		ContentType: btp.ContentOctetStream,
		Data:        raw,
	}})
	return err
}

// SendRouteUpdate implements routing.CCPSender.
func (c *Connector) SendRouteUpdate(peerID string, update *ccp.RouteUpdate) error {
	acct, ok := c.registry.Get(peerID)
	if !ok {
		return accounts.ErrUnknownAccount
	}
	link := acct.Link()
	if link == nil {
		return errors.Errorf("connector: account %s not connected", peerID)
	}
	raw, err := ccp.SerializeUpdate(update)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	frame, err := link.SendData(ctx, []btp.Subprotocol{{
		Name:        btp.ProtoCCPUpdate,
		ContentType: btp.ContentOctetStream,
		Data:        raw,
	}})
	if err != nil {
		return err
	}
	if frame.Type == btp.TypeError {
		return errors.Errorf("connector: peer %s refused route update", peerID)
	}
	return nil
}

// ListenQUIC serves inbound peer links on the configured address.
// Dialing peers authenticate with the account id and token from their
// auth envelope.
func (c *Connector) ListenQUIC() error {
	if c.cfg.Listen == "" {
		return errors.New("connector: no listen address configured")
	}
	socket := btp.NewQUICSocket(c.cfg.Listen)
	if err := socket.Listen(); err != nil {
		return err
	}
	c.socket = socket
	go c.acceptLoop(socket)
	return nil
}

func (c *Connector) acceptLoop(socket *btp.QUICSocket) {
	for {
		conn, env, err := socket.AcceptAuth()
		if err != nil {
			select {
			case <-c.stopped:
				return
			default:
			}
			log.Warnf("[Connector] accept failed: %v", err)
			continue
		}
		acct, ok := c.registry.Get(env.Account)
		if !ok {
			log.Warnf("[Connector] rejecting unknown account %q from %s", env.Account, conn.RemoteLabel())
			conn.Close()
			continue
		}
		if token := c.authTokenFor(acct.ID); token != "" && token != env.Token {
			log.Warnf("[Connector] rejecting account %q: bad auth token", env.Account)
			conn.Close()
			continue
		}
		link := btp.NewLink(conn, btp.NewLinkMetrics(0))
		if err := c.Connect(acct.ID, link); err != nil {
			log.Warnf("[Connector] connect for %s failed: %v", acct.ID, err)
			link.Close()
		}
	}
}

func (c *Connector) authTokenFor(accountID string) string {
	for _, a := range c.cfg.Accounts {
		if a.ID == accountID {
			return a.AuthToken
		}
	}
	return ""
}

// DialPeers dials every account that has a configured URI.
func (c *Connector) DialPeers() {
	socket := btp.NewQUICSocket("")
	for _, a := range c.cfg.Accounts {
		if a.URI == "" {
			continue
		}
		conn, err := socket.DialAuth(a.URI, a.ID, a.AuthToken)
		if err != nil {
			log.Warnf("[Connector] dialing %s (%s) failed: %v", a.ID, a.URI, err)
			continue
		}
		link := btp.NewLink(conn, btp.NewLinkMetrics(0))
		if err := c.Connect(a.ID, link); err != nil {
			log.Warnf("[Connector] connect for %s failed: %v", a.ID, err)
			link.Close()
		}
	}
}
