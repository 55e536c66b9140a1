package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsys-lab/ilp-connector/balance"
	"github.com/netsys-lab/ilp-connector/kvstore"
)

func intPtr(v int64) *int64 { return &v }

func newTestTracker(t *testing.T, store kvstore.Store) *balance.Tracker {
	tr, err := balance.NewTracker("peer", balance.Bounds{
		Minimum:         -1000,
		Maximum:         1000,
		SettleThreshold: intPtr(-100),
		SettleTo:        0,
	}, store)
	require.NoError(t, err)
	return tr
}

func directRequester(engine Engine) ArtifactRequester {
	return func(ctx context.Context, amount uint64) (*Artifact, error) {
		return engine.IssueArtifact(ctx, amount)
	}
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("controller did not return to idle")
}

func TestController_SettlesPastThreshold(t *testing.T) {
	// threshold -100, settleTo 0; three committed debits of 50 push
	// the balance to -150
	engine := NewMockEngine("lnd-a")
	payee := NewMockEngine("lnd-b")
	Connect(engine, payee)
	tracker := newTestTracker(t, nil)

	require.NoError(t, tracker.SubBalance(50))
	tracker.AddOwed(50)
	require.NoError(t, tracker.SubBalance(50))
	tracker.AddOwed(50)
	require.NoError(t, tracker.SubBalance(50))
	tracker.AddOwed(50)

	c := NewController("peer", tracker, engine, directRequester(payee), nil, nil)
	c.Start()
	defer c.Stop()

	c.Trigger()
	waitIdle(t, c)

	assert.Equal(t, 1, engine.PayCalls(), "one settlement for the whole deficit")
	snap := tracker.Snapshot()
	assert.EqualValues(t, 0, snap.Balance, "balance must return to settleTo")
	assert.EqualValues(t, 150, snap.PayoutAmount)
}

func TestController_NoSettlementAboveThreshold(t *testing.T) {
	engine := NewMockEngine("lnd-a")
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.SubBalance(50))
	tracker.AddOwed(50)

	c := NewController("peer", tracker, engine, directRequester(engine), nil, nil)
	c.Trigger()
	waitIdle(t, c)
	assert.Equal(t, 0, engine.PayCalls())
}

func TestController_ReceiveOnlyNeverSettles(t *testing.T) {
	engine := NewMockEngine("lnd-a")
	tr, err := balance.NewTracker("peer", balance.Bounds{Minimum: -1000, Maximum: 1000}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.SubBalance(500))
	tr.AddOwed(500)

	c := NewController("peer", tr, engine, directRequester(engine), nil, nil)
	c.Trigger()
	waitIdle(t, c)
	assert.Equal(t, 0, engine.PayCalls())
}

func TestController_BudgetCappedByPayout(t *testing.T) {
	engine := NewMockEngine("lnd-a")
	payee := NewMockEngine("lnd-b")
	Connect(engine, payee)
	tracker := newTestTracker(t, nil)

	// deficit of 150 but only 60 was ever committed by packets
	require.NoError(t, tracker.SubBalance(150))
	tracker.AddOwed(60)

	c := NewController("peer", tracker, engine, directRequester(payee), nil, nil)
	c.Trigger()
	waitIdle(t, c)

	require.Equal(t, 1, engine.PayCalls())
	snap := tracker.Snapshot()
	assert.EqualValues(t, -90, snap.Balance)
	assert.EqualValues(t, 60, snap.PayoutAmount)
}

func TestController_FailureReverts(t *testing.T) {
	engine := NewMockEngine("lnd-a")
	engine.FailNextPay(assert.AnError)
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.SubBalance(150))
	tracker.AddOwed(150)

	c := NewController("peer", tracker, engine, directRequester(engine), nil, nil)
	c.Trigger()
	waitIdle(t, c)

	snap := tracker.Snapshot()
	assert.EqualValues(t, -150, snap.Balance, "failed settlement must revert the optimistic credit")
	assert.EqualValues(t, 0, snap.PayoutAmount)
}

func TestController_SingleFlight(t *testing.T) {
	engine := NewMockEngine("lnd-a")
	payee := NewMockEngine("lnd-b")
	Connect(engine, payee)
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.SubBalance(500))
	tracker.AddOwed(500)

	c := NewController("peer", tracker, engine, directRequester(payee), nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger()
		}()
	}
	wg.Wait()
	waitIdle(t, c)

	assert.LessOrEqual(t, engine.MaxConcurrentPays(), 1,
		"at most one outstanding pay per account")
	assert.EqualValues(t, 0, tracker.Snapshot().Balance)
}

func TestController_DuplicateCreditIgnored(t *testing.T) {
	engine := NewMockEngine("lnd-a")
	var mu sync.Mutex
	var credited []uint64
	store := kvstore.NewMemory()
	tracker := newTestTracker(t, store)

	c := NewController("peer", tracker, engine, directRequester(engine), store, func(amount uint64) {
		mu.Lock()
		credited = append(credited, amount)
		mu.Unlock()
	})
	c.Start()
	defer c.Stop()

	artifact, err := c.IssueArtifact(context.Background(), 70)
	require.NoError(t, err)

	engine.Notify(Credit{ArtifactID: artifact.ID, Amount: 70})
	engine.Notify(Credit{ArtifactID: artifact.ID, Amount: 70})
	engine.Notify(Credit{ArtifactID: "someone-elses", Amount: 99})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(credited)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, credited, 1, "duplicate and unknown credits must be ignored")
	assert.EqualValues(t, 70, credited[0])
}

func TestController_RecheckAfterCompletion(t *testing.T) {
	engine := NewMockEngine("lnd-a")
	payee := NewMockEngine("lnd-b")
	Connect(engine, payee)
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.SubBalance(150))
	tracker.AddOwed(150)

	c := NewController("peer", tracker, engine, directRequester(payee), nil, nil)
	c.Trigger()
	// a second deficit appears while the first settlement is running
	require.NoError(t, tracker.SubBalance(120))
	tracker.AddOwed(120)
	c.Trigger()
	waitIdle(t, c)

	assert.EqualValues(t, 0, tracker.Snapshot().Balance,
		"the recheck flag must drive a second settlement")
}
