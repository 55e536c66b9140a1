package settlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

var _ Engine = (*MockEngine)(nil)

// MockEngine is an in-process settlement backend for tests. Two mocks can be wired back to back with Connect so a Pay
// on one side surfaces as a Credit on the other.
type MockEngine struct {
	identity string

	mu       sync.Mutex
	peer     *MockEngine
	payErr   error
	payCalls int32
	inflight int32
	maxSeen  int32

	credits chan Credit
	seq     uint64
}

func NewMockEngine(identity string) *MockEngine {
	return &MockEngine{
		identity: identity,
		credits:  make(chan Credit, 16),
	}
}

// Connect wires two mocks as settlement counterparties.
func Connect(a, b *MockEngine) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// FailNextPay makes every following Pay return err (nil restores
// success).
func (m *MockEngine) FailNextPay(err error) {
	m.mu.Lock()
	m.payErr = err
	m.mu.Unlock()
}

// PayCalls returns how often Pay was invoked.
func (m *MockEngine) PayCalls() int { return int(atomic.LoadInt32(&m.payCalls)) }

// MaxConcurrentPays returns the highest number of simultaneous Pay
// calls observed, for single-flight assertions.
func (m *MockEngine) MaxConcurrentPays() int { return int(atomic.LoadInt32(&m.maxSeen)) }

func (m *MockEngine) Identity() string { return m.identity }

func (m *MockEngine) IssueArtifact(ctx context.Context, amount uint64) (*Artifact, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("%s-invoice-%d", m.identity, m.seq)
	m.mu.Unlock()
	return &Artifact{
		ID:          id,
		Payload:     []byte(id),
		Destination: m.identity,
	}, nil
}

func (m *MockEngine) Pay(ctx context.Context, artifact *Artifact, amount uint64) (*Result, error) {
	atomic.AddInt32(&m.payCalls, 1)
	current := atomic.AddInt32(&m.inflight, 1)
	defer atomic.AddInt32(&m.inflight, -1)
	for {
		max := atomic.LoadInt32(&m.maxSeen)
		if current <= max || atomic.CompareAndSwapInt32(&m.maxSeen, max, current) {
			break
		}
	}

	m.mu.Lock()
	err := m.payErr
	peer := m.peer
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if peer != nil {
		peer.Notify(Credit{ArtifactID: artifact.ID, Amount: amount})
	}
	return &Result{Proof: []byte("paid:" + artifact.ID), AmountPaid: amount}, nil
}

// Notify injects a credit notification, as the real engine would on
// observing an incoming settlement.
func (m *MockEngine) Notify(credit Credit) {
	m.credits <- credit
}

func (m *MockEngine) Notifications() <-chan Credit { return m.credits }

func (m *MockEngine) Close() error { return nil }
