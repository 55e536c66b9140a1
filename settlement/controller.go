package settlement

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ilp-connector/balance"
	"github.com/netsys-lab/ilp-connector/kvstore"
)

// Controller states.
const (
	StateIdle = iota
	StateChecking
	StatePaying
)

// ArtifactRequester obtains a payment artifact from the peer, usually
// by an invoiceRequest exchange over the data link.
type ArtifactRequester func(ctx context.Context, amount uint64) (*Artifact, error)

// Controller runs the per-account settlement loop: whenever the
// balance sinks under the settle threshold it pays the peer back up to
// settleTo. At most one payment is outstanding per account; triggers
// arriving mid-flight set a recheck flag instead of racing.
type Controller struct {
	accountID string
	tracker   *balance.Tracker
	engine    Engine
	request   ArtifactRequester
	store     kvstore.Store
	timeout   time.Duration

	mu      sync.Mutex
	state   int
	recheck bool

	// duplicate-credit suppression for artifacts we issued
	issued map[string]bool

	onCredit func(amount uint64)
	stop     chan struct{}
	once     sync.Once
}

// NewController wires the loop for one account. onCredit is invoked
// for every accepted incoming settlement credit.
func NewController(accountID string, tracker *balance.Tracker, engine Engine,
	request ArtifactRequester, store kvstore.Store, onCredit func(amount uint64)) *Controller {
	c := &Controller{
		accountID: accountID,
		tracker:   tracker,
		engine:    engine,
		request:   request,
		store:     store,
		timeout:   30 * time.Second,
		issued:    make(map[string]bool),
		onCredit:  onCredit,
		stop:      make(chan struct{}),
	}
	c.restoreIssued()
	return c
}

// Start consumes engine credit notifications until Stop.
func (c *Controller) Start() {
	go c.creditLoop()
	if residual := c.pendingBudget(); residual > 0 {
		log.Infof("[Settlement] %s: residual settlement of %d from before restart", c.accountID, residual)
		c.Trigger()
	}
}

func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// State returns the current loop state, for tests and introspection.
func (c *Controller) State() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Trigger asks the loop to evaluate the balance. Safe to call from any
// packet-handling goroutine; returns immediately.
func (c *Controller) Trigger() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.recheck = true
		c.mu.Unlock()
		return
	}
	c.state = StateChecking
	c.mu.Unlock()
	go c.loop()
}

func (c *Controller) loop() {
	for {
		paid := c.settleOnce()
		c.mu.Lock()
		if c.recheck && paid {
			c.recheck = false
			c.state = StateChecking
			c.mu.Unlock()
			continue
		}
		c.recheck = false
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
}

// settleOnce performs one threshold evaluation and at most one
// payment. Returns whether a payment was attempted.
func (c *Controller) settleOnce() bool {
	bounds := c.tracker.Bounds()
	if bounds.SettleThreshold == nil {
		return false
	}
	snap := c.tracker.Snapshot()
	if snap.Balance >= *bounds.SettleThreshold {
		return false
	}
	budget := bounds.SettleTo - snap.Balance
	if remaining := c.tracker.RemainingPayout(); int64(remaining) < budget {
		budget = int64(remaining)
	}
	if budget <= 0 {
		return false
	}

	c.mu.Lock()
	c.state = StatePaying
	c.mu.Unlock()

	// reflect the outgoing funds in flight
	if err := c.tracker.AddBalance(uint64(budget)); err != nil {
		log.Warnf("[Settlement] %s: cannot reserve settlement budget: %v", c.accountID, err)
		return false
	}
	c.persistPending(uint64(budget))

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := c.pay(ctx, uint64(budget))
	if err != nil {
		log.Warnf("[Settlement] %s: settlement of %d failed, reverting: %v", c.accountID, budget, err)
		c.tracker.ForceSub(uint64(budget))
	} else {
		c.tracker.AddPayout(uint64(budget))
		log.Infof("[Settlement] %s: settled %d", c.accountID, budget)
	}
	c.clearPending()
	return true
}

func (c *Controller) pay(ctx context.Context, amount uint64) error {
	artifact, err := c.request(ctx, amount)
	if err != nil {
		return errors.Wrap(err, "requesting artifact")
	}
	result, err := c.engine.Pay(ctx, artifact, amount)
	if err != nil {
		return errors.Wrap(err, "paying")
	}
	// partial success counts as failure until a refund policy exists
	if result.AmountPaid < amount {
		return errors.Errorf("partial settlement: %d of %d", result.AmountPaid, amount)
	}
	return nil
}

// IssueArtifact serves the peer's invoiceRequest: create an artifact
// and remember its id so the later credit can be validated once.
func (c *Controller) IssueArtifact(ctx context.Context, amount uint64) (*Artifact, error) {
	artifact, err := c.engine.IssueArtifact(ctx, amount)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.issued[artifact.ID] = false
	c.mu.Unlock()
	c.persistIssued()
	return artifact, nil
}

func (c *Controller) creditLoop() {
	for {
		select {
		case <-c.stop:
			return
		case credit, ok := <-c.engine.Notifications():
			if !ok {
				return
			}
			c.handleCredit(credit)
		}
	}
}

func (c *Controller) handleCredit(credit Credit) {
	c.mu.Lock()
	consumed, known := c.issued[credit.ArtifactID]
	if !known {
		c.mu.Unlock()
		log.Debugf("[Settlement] %s: credit for unknown artifact %s ignored", c.accountID, credit.ArtifactID)
		return
	}
	if consumed {
		c.mu.Unlock()
		log.Debugf("[Settlement] %s: duplicate credit for artifact %s ignored", c.accountID, credit.ArtifactID)
		return
	}
	c.issued[credit.ArtifactID] = true
	c.mu.Unlock()
	c.persistIssued()

	log.Debugf("[Settlement] %s: incoming credit of %d", c.accountID, credit.Amount)
	if c.onCredit != nil {
		c.onCredit(credit.Amount)
	}
}

// Persistence of issued artifacts and the in-flight budget keeps
// restarts from double-counting credits or losing a reserved payment.

func (c *Controller) issuedKey() string  { return c.accountID + ":issuedInvoices" }
func (c *Controller) pendingKey() string { return c.accountID + ":pendingSettlement" }

func (c *Controller) persistIssued() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	raw, err := json.Marshal(c.issued)
	c.mu.Unlock()
	if err != nil {
		return
	}
	c.store.Put(c.issuedKey(), raw)
}

func (c *Controller) restoreIssued() {
	if c.store == nil {
		return
	}
	if raw, ok := c.store.Get(c.issuedKey()); ok {
		issued := make(map[string]bool)
		if err := json.Unmarshal(raw, &issued); err == nil {
			c.issued = issued
		}
	}
}

func (c *Controller) persistPending(amount uint64) {
	if c.store == nil {
		return
	}
	c.store.Put(c.pendingKey(), []byte(strconv.FormatUint(amount, 10)))
}

func (c *Controller) clearPending() {
	if c.store == nil {
		return
	}
	c.store.Delete(c.pendingKey())
}

func (c *Controller) pendingBudget() uint64 {
	if c.store == nil {
		return 0
	}
	raw, ok := c.store.Get(c.pendingKey())
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
