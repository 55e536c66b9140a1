package connector

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsys-lab/ilp-connector/accounts"
	"github.com/netsys-lab/ilp-connector/btp"
	"github.com/netsys-lab/ilp-connector/ilp"
	"github.com/netsys-lab/ilp-connector/kvstore"
	"github.com/netsys-lab/ilp-connector/rate"
	"github.com/netsys-lab/ilp-connector/settlement"
)

var fulfillment = [32]byte{42}

func intPtr(v int64) *int64 { return &v }

func testConfig() *Config {
	cfg := &Config{
		ILPAddress:             "g.me",
		MinMessageWindow:       time.Second,
		MaxResponseGrace:       2 * time.Second,
		RouteBroadcastInterval: time.Hour,
		Accounts: []AccountConfig{
			{
				ID: "alice", Relation: accounts.RelationChild,
				AssetCode: "USD", AssetScale: 0,
				Balance:   BalanceConfig{Minimum: -1000, Maximum: 1000},
				ILPPrefix: "g.a",
			},
			{
				ID: "bob", Relation: accounts.RelationChild,
				AssetCode: "USD", AssetScale: 0,
				Balance:   BalanceConfig{Minimum: -1000, Maximum: 1000},
				ILPPrefix: "g.b",
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func newTestConnector(t *testing.T, cfg *Config) *Connector {
	c, err := New(cfg, kvstore.NewMemory(), rate.NewStatic(nil), nil)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

// testPeer is the remote end of one account's link.
type testPeer struct {
	t    *testing.T
	link *btp.Link

	mu       sync.Mutex
	received []*ilp.Prepare
}

func attachPeer(t *testing.T, c *Connector, accountID string) *testPeer {
	connSide, peerSide := btp.Pipe("connector", accountID)
	peerLink := btp.NewLink(peerSide, nil)
	peerLink.Start()
	t.Cleanup(func() { peerLink.Close() })

	link := btp.NewLink(connSide, nil)
	require.NoError(t, c.Connect(accountID, link))
	return &testPeer{t: t, link: peerLink}
}

// respondWith answers every incoming PREPARE using fn.
func (p *testPeer) respondWith(fn func(prepare *ilp.Prepare) *ilp.Response) {
	p.link.RegisterDataHandler(func(ctx context.Context, protocols []btp.Subprotocol) ([]btp.Subprotocol, error) {
		for _, proto := range protocols {
			if proto.Name != btp.ProtoILP {
				continue
			}
			pkt, err := ilp.Deserialize(proto.Data)
			if err != nil || pkt.Prepare == nil {
				return nil, err
			}
			p.mu.Lock()
			p.received = append(p.received, pkt.Prepare)
			p.mu.Unlock()
			raw, err := ilp.SerializeResponse(fn(pkt.Prepare))
			if err != nil {
				return nil, err
			}
			return []btp.Subprotocol{{Name: btp.ProtoILP, ContentType: btp.ContentOctetStream, Data: raw}}, nil
		}
		return nil, nil
	})
}

func (p *testPeer) receivedPrepares() []*ilp.Prepare {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ilp.Prepare(nil), p.received...)
}

// sendPrepare submits a PREPARE as the peer and returns the decoded
// response packet.
func (p *testPeer) sendPrepare(prepare *ilp.Prepare) *ilp.Packet {
	p.t.Helper()
	raw, err := ilp.SerializePrepare(prepare)
	require.NoError(p.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	frame, err := p.link.SendData(ctx, []btp.Subprotocol{{
		Name: btp.ProtoILP, ContentType: btp.ContentOctetStream, Data: raw,
	}})
	require.NoError(p.t, err)
	proto := frame.Protocol(btp.ProtoILP)
	require.NotNil(p.t, proto, "response frame must carry an ilp packet")
	pkt, err := ilp.Deserialize(proto.Data)
	require.NoError(p.t, err)
	return pkt
}

func balanceOf(t *testing.T, c *Connector, accountID string) int64 {
	acct, ok := c.Accounts().Get(accountID)
	require.True(t, ok)
	return acct.Tracker().Snapshot().Balance
}

func fulfillResponder(prepare *ilp.Prepare) *ilp.Response {
	return ilp.FulfillResponse(&ilp.Fulfill{Fulfillment: fulfillment})
}

func TestForward_SimpleFulfill(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(fulfillResponder)

	expiresAt := time.Now().Add(10 * time.Second)
	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.x",
		Amount:             100,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          expiresAt,
	})

	require.NotNil(t, pkt.Fulfill, "expected FULFILL, got %+v", pkt.Reject)
	assert.Equal(t, fulfillment, pkt.Fulfill.Fulfillment)

	prepares := bob.receivedPrepares()
	require.Len(t, prepares, 1)
	assert.EqualValues(t, 100, prepares[0].Amount)
	wantExpiry := expiresAt.Add(-time.Second)
	assert.WithinDuration(t, wantExpiry, prepares[0].ExpiresAt, 50*time.Millisecond,
		"egress expiry must be shortened by minMessageWindow")

	assert.EqualValues(t, 100, balanceOf(t, c, "alice"))
	assert.EqualValues(t, -100, balanceOf(t, c, "bob"))
}

func TestForward_NoRoute(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")
	attachPeer(t, c, "bob")

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "unknown.zzz",
		Amount:             10,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})

	require.NotNil(t, pkt.Reject)
	assert.Equal(t, ilp.CodeUnreachable, pkt.Reject.Code)
	assert.EqualValues(t, "g.me", pkt.Reject.TriggeredBy)
	assert.EqualValues(t, 0, balanceOf(t, c, "alice"))
	assert.EqualValues(t, 0, balanceOf(t, c, "bob"))
}

func TestForward_ExpiryTooShort(t *testing.T) {
	cfg := testConfig()
	cfg.MinMessageWindow = 2 * time.Second
	c := newTestConnector(t, cfg)
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(fulfillResponder)

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.x",
		Amount:             10,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(time.Second),
	})

	require.NotNil(t, pkt.Reject)
	assert.Equal(t, ilp.CodeInsufficientTimeout, pkt.Reject.Code)
	assert.Empty(t, bob.receivedPrepares(), "nothing may be sent downstream")
	assert.EqualValues(t, 0, balanceOf(t, c, "alice"))
}

func TestForward_MaxPacketAmount(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts[1].MaxPacketAmount = 50
	c := newTestConnector(t, cfg)
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(fulfillResponder)

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.x",
		Amount:             100,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})

	require.NotNil(t, pkt.Reject)
	assert.Equal(t, ilp.CodeAmountTooLarge, pkt.Reject.Code)
	require.Len(t, pkt.Reject.Data, 16, "F08 data encodes received and maximum")
	assert.EqualValues(t, 100, binary.BigEndian.Uint64(pkt.Reject.Data[:8]))
	assert.EqualValues(t, 50, binary.BigEndian.Uint64(pkt.Reject.Data[8:]))
	assert.Empty(t, bob.receivedPrepares())
	assert.EqualValues(t, 0, balanceOf(t, c, "alice"))
	assert.EqualValues(t, 0, balanceOf(t, c, "bob"))
}

func TestForward_DownstreamTimeout(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(func(prepare *ilp.Prepare) *ilp.Response {
		time.Sleep(3 * time.Second)
		return fulfillResponder(prepare)
	})

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.x",
		Amount:             100,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(1500 * time.Millisecond),
	})

	require.NotNil(t, pkt.Reject)
	assert.Equal(t, ilp.CodeTransferTimedOut, pkt.Reject.Code)
	assert.EqualValues(t, 0, balanceOf(t, c, "alice"), "timeout must revert ingress credit")
	assert.EqualValues(t, 0, balanceOf(t, c, "bob"), "timeout must revert egress debit")
}

func TestForward_WrongFulfillment(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(func(prepare *ilp.Prepare) *ilp.Response {
		return ilp.FulfillResponse(&ilp.Fulfill{Fulfillment: [32]byte{1, 2, 3}})
	})

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.x",
		Amount:             100,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})

	require.NotNil(t, pkt.Reject)
	assert.Equal(t, ilp.CodeWrongCondition, pkt.Reject.Code)
	assert.EqualValues(t, 0, balanceOf(t, c, "alice"))
	assert.EqualValues(t, 0, balanceOf(t, c, "bob"))
}

func TestForward_RejectPropagatesWithTriggeredBy(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(func(prepare *ilp.Prepare) *ilp.Response {
		return ilp.RejectResponse(&ilp.Reject{Code: ilp.CodeTemporaryFailure, Message: "busy"})
	})

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.x",
		Amount:             100,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})

	require.NotNil(t, pkt.Reject)
	assert.Equal(t, ilp.CodeTemporaryFailure, pkt.Reject.Code)
	assert.Equal(t, "busy", pkt.Reject.Message)
	assert.EqualValues(t, "g.me", pkt.Reject.TriggeredBy, "absent triggeredBy is re-stamped")
	assert.EqualValues(t, 0, balanceOf(t, c, "alice"))
}

func TestForward_ReflectRefused(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.a.self",
		Amount:             10,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})

	require.NotNil(t, pkt.Reject)
	assert.Equal(t, ilp.CodeUnreachable, pkt.Reject.Code)
}

// linkConnectors attaches two connectors back to back. Connect is run
// concurrently because each side sends a route control during setup.
func linkConnectors(t *testing.T, c1, c2 *Connector, idOn1, idOn2 string) {
	conn1, conn2 := btp.Pipe(idOn1, idOn2)
	l1 := btp.NewLink(conn1, nil)
	l2 := btp.NewLink(conn2, nil)
	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() { defer wg.Done(); err1 = c1.Connect(idOn1, l1) }()
	go func() { defer wg.Done(); err2 = c2.Connect(idOn2, l2) }()
	wg.Wait()
	require.NoError(t, err1)
	require.NoError(t, err2)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Two connectors, route propagation over CCP, a forwarded payment and
// a threshold-driven settlement paying the debt back down.
func TestTwoConnectors_RoutingAndSettlement(t *testing.T) {
	engineA := settlement.NewMockEngine("ln-node-a")
	engineB := settlement.NewMockEngine("ln-node-b")
	settlement.Connect(engineA, engineB)

	cfg1 := &Config{
		ILPAddress:             "g.one",
		MinMessageWindow:       time.Second,
		MaxResponseGrace:       2 * time.Second,
		RouteBroadcastInterval: 50 * time.Millisecond,
		Accounts: []AccountConfig{
			{
				ID: "alice", Relation: accounts.RelationChild,
				AssetCode: "USD",
				Balance:   BalanceConfig{Minimum: -1000, Maximum: 1000},
				ILPPrefix: "g.one.alice",
			},
			{
				ID: "c2", Relation: accounts.RelationPeer,
				AssetCode: "USD",
				Balance: BalanceConfig{
					Minimum: -1000, Maximum: 1000,
					SettleThreshold: intPtr(-50), SettleTo: 0,
				},
			},
		},
	}
	cfg1.applyDefaults()
	cfg2 := &Config{
		ILPAddress:             "g.two",
		MinMessageWindow:       time.Second,
		MaxResponseGrace:       2 * time.Second,
		RouteBroadcastInterval: 50 * time.Millisecond,
		Accounts: []AccountConfig{
			{
				ID: "c1", Relation: accounts.RelationPeer,
				AssetCode: "USD",
				Balance:   BalanceConfig{Minimum: -1000, Maximum: 1000},
			},
			{
				ID: "bob", Relation: accounts.RelationChild,
				AssetCode: "USD",
				Balance:   BalanceConfig{Minimum: -1000, Maximum: 1000},
				ILPPrefix: "g.two.bob",
			},
		},
	}
	cfg2.applyDefaults()

	c1, err := New(cfg1, kvstore.NewMemory(), rate.NewStatic(nil), func(id string) settlement.Engine {
		if id == "c2" {
			return engineA
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(c1.Shutdown)
	c2, err := New(cfg2, kvstore.NewMemory(), rate.NewStatic(nil), func(id string) settlement.Engine {
		if id == "c1" {
			return engineB
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(c2.Shutdown)

	c1.Start()
	c2.Start()

	alice := attachPeer(t, c1, "alice")
	bob := attachPeer(t, c2, "bob")
	bob.respondWith(fulfillResponder)
	linkConnectors(t, c1, c2, "c2", "c1")

	waitFor(t, "route to g.two.bob on c1", func() bool {
		route, ok := c1.Table().Resolve("g.two.bob.shop")
		return ok && route.NextHop == "c2"
	})

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.two.bob.shop",
		Amount:             100,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})
	require.NotNil(t, pkt.Fulfill, "expected end-to-end FULFILL, got %+v", pkt.Reject)

	assert.EqualValues(t, 100, balanceOf(t, c1, "alice"))
	assert.EqualValues(t, -100, balanceOf(t, c2, "bob"))

	// c1 owes c2 100, which is below the -50 threshold: one settlement
	// brings the pair back to zero on both books
	waitFor(t, "settlement to complete", func() bool {
		return balanceOf(t, c1, "c2") == 0 && balanceOf(t, c2, "c1") == 0
	})
	assert.Equal(t, 1, engineA.PayCalls(), "a single settlement covers the deficit")

	acct, _ := c1.Accounts().Get("c2")
	assert.EqualValues(t, 100, acct.Tracker().Snapshot().PayoutAmount)
}

func TestConservation_AcrossMixedOutcomes(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	i := 0
	bob.respondWith(func(prepare *ilp.Prepare) *ilp.Response {
		i++
		if i%2 == 0 {
			return ilp.RejectResponse(&ilp.Reject{Code: ilp.CodeTemporaryFailure, TriggeredBy: "g.b"})
		}
		return fulfillResponder(prepare)
	})

	var fulfilled int64
	for n := 0; n < 6; n++ {
		pkt := alice.sendPrepare(&ilp.Prepare{
			Destination:        "g.b.x",
			Amount:             10,
			ExecutionCondition: ilp.Condition(fulfillment),
			ExpiresAt:          time.Now().Add(10 * time.Second),
		})
		if pkt.Fulfill != nil {
			fulfilled += 10
		}
	}
	assert.Equal(t, fulfilled, balanceOf(t, c, "alice"))
	assert.Equal(t, -fulfilled, balanceOf(t, c, "bob"))
}

func TestForward_CrossCurrency(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts[0].AssetCode = "USD"
	cfg.Accounts[0].AssetScale = 2
	cfg.Accounts[1].AssetCode = "EUR"
	cfg.Accounts[1].AssetScale = 4
	cfg.Accounts[1].Balance = BalanceConfig{Minimum: -100000, Maximum: 100000}

	rates := rate.NewStatic(map[string]decimal.Decimal{
		"USD/EUR": decimal.RequireFromString("0.9"),
	})
	c, err := New(cfg, kvstore.NewMemory(), rates, nil)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(fulfillResponder)

	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.shop",
		Amount:             100, // 1.00 USD
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})
	require.NotNil(t, pkt.Fulfill)

	prepares := bob.receivedPrepares()
	require.Len(t, prepares, 1)
	assert.EqualValues(t, 9000, prepares[0].Amount, "0.90 EUR at scale 4")
	assert.EqualValues(t, 100, balanceOf(t, c, "alice"))
	assert.EqualValues(t, -9000, balanceOf(t, c, "bob"))
}

func TestMoney_IncomingTransferCreditsPeer(t *testing.T) {
	c := newTestConnector(t, testConfig())
	alice := attachPeer(t, c, "alice")
	bob := attachPeer(t, c, "bob")
	bob.respondWith(fulfillResponder)

	// forward a payment so alice owes 100 and bob is owed 100
	pkt := alice.sendPrepare(&ilp.Prepare{
		Destination:        "g.b.x",
		Amount:             100,
		ExecutionCondition: ilp.Condition(fulfillment),
		ExpiresAt:          time.Now().Add(10 * time.Second),
	})
	require.NotNil(t, pkt.Fulfill)
	require.EqualValues(t, 100, balanceOf(t, c, "alice"))

	// alice settles 60 over the link's money protocol
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.link.SendMoney(ctx, 60, nil))

	waitFor(t, "balance credit to apply", func() bool {
		return balanceOf(t, c, "alice") == 40
	})
}
