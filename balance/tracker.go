// Package balance tracks the bilateral credit position of one peer
// account. The tracker's two mutators are the only write paths to the
// balance; every mutation is written through to the store.
package balance

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ilp-connector/kvstore"
)

var (
	ErrInsufficientLiquidity = errors.New("balance: maximum exceeded")
	ErrBelowMinimum          = errors.New("balance: minimum exceeded")
)

// Bounds configures an account's balance window and settlement levels.
// SettleThreshold is optional: without it the account never initiates
// settlement (receive-only).
type Bounds struct {
	Minimum         int64
	Maximum         int64
	SettleThreshold *int64
	SettleTo        int64
}

// Validate checks minimum <= settleThreshold <= settleTo <= maximum.
func (b Bounds) Validate() error {
	if b.Minimum > b.Maximum {
		return errors.Errorf("balance: minimum %d above maximum %d", b.Minimum, b.Maximum)
	}
	if b.SettleThreshold == nil {
		return nil
	}
	if *b.SettleThreshold < b.Minimum || *b.SettleThreshold > b.SettleTo || b.SettleTo > b.Maximum {
		return errors.Errorf("balance: need minimum <= settleThreshold <= settleTo <= maximum, got %d <= %d <= %d <= %d",
			b.Minimum, *b.SettleThreshold, b.SettleTo, b.Maximum)
	}
	return nil
}

// Snapshot is the persisted view of a tracker. OwedAmount accumulates
// value committed to the peer by fulfilled packets; PayoutAmount
// accumulates value actually settled. Both only grow.
type Snapshot struct {
	Balance      int64  `json:"balance"`
	PayoutAmount uint64 `json:"payoutAmount"`
	OwedAmount   uint64 `json:"owedAmount"`
}

// Tracker holds the signed balance and the monotonic payout counter
// for one account. Operations are linearizable under the mutex.
type Tracker struct {
	mu        sync.Mutex
	accountID string
	bounds    Bounds
	balance   int64
	payout    uint64
	owed      uint64
	store     kvstore.Store
}

// NewTracker validates the bounds and restores any persisted snapshot.
func NewTracker(accountID string, bounds Bounds, store kvstore.Store) (*Tracker, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{accountID: accountID, bounds: bounds, store: store}
	if store != nil {
		if raw, ok := store.Get(t.storeKey()); ok {
			var snap Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				log.Warnf("[Balance] corrupt snapshot for %s, starting fresh: %v", accountID, err)
			} else {
				t.balance = snap.Balance
				t.payout = snap.PayoutAmount
				t.owed = snap.OwedAmount
			}
		}
	}
	return t, nil
}

func (t *Tracker) storeKey() string { return t.accountID + ":balance" }

func (t *Tracker) Bounds() Bounds { return t.bounds }

// AddBalance credits the account (the peer owes us more). Fails when
// the new balance would exceed the maximum.
func (t *Tracker) AddBalance(delta uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.balance + int64(delta)
	if next > t.bounds.Maximum {
		return ErrInsufficientLiquidity
	}
	t.balance = next
	t.persistLocked()
	return nil
}

// SubBalance debits the account. Fails when the new balance would fall
// below the minimum.
func (t *Tracker) SubBalance(delta uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.balance - int64(delta)
	if next < t.bounds.Minimum {
		return ErrBelowMinimum
	}
	t.balance = next
	t.persistLocked()
	return nil
}

// ForceSub debits without the minimum check. Reverting an optimistic
// AddBalance must always succeed even if the bounds changed meanwhile.
func (t *Tracker) ForceSub(delta uint64) {
	t.mu.Lock()
	t.balance -= int64(delta)
	t.persistLocked()
	t.mu.Unlock()
}

// ForceAdd credits without the maximum check; the revert counterpart
// of an optimistic SubBalance.
func (t *Tracker) ForceAdd(delta uint64) {
	t.mu.Lock()
	t.balance += int64(delta)
	t.persistLocked()
	t.mu.Unlock()
}

// AddPayout advances the monotonic counter of value settled to the
// peer.
func (t *Tracker) AddPayout(delta uint64) {
	t.mu.Lock()
	t.payout += delta
	t.persistLocked()
	t.mu.Unlock()
}

// AddOwed advances the monotonic counter of value committed to the
// peer by fulfilled packets.
func (t *Tracker) AddOwed(delta uint64) {
	t.mu.Lock()
	t.owed += delta
	t.persistLocked()
	t.mu.Unlock()
}

// RemainingPayout is the value owed but not yet settled.
func (t *Tracker) RemainingPayout() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owed <= t.payout {
		return 0
	}
	return t.owed - t.payout
}

// Snapshot returns the current balance and payout counter.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Balance: t.balance, PayoutAmount: t.payout, OwedAmount: t.owed}
}

func (t *Tracker) persistLocked() {
	if t.store == nil {
		return
	}
	raw, err := json.Marshal(Snapshot{Balance: t.balance, PayoutAmount: t.payout, OwedAmount: t.owed})
	if err != nil {
		log.Errorf("[Balance] marshal snapshot for %s: %v", t.accountID, err)
		return
	}
	t.store.Put(t.storeKey(), raw)
}
