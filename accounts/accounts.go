// Package accounts keeps the registry of peer relationships and the
// capability surface their links expose.
package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/netsys-lab/ilp-connector/balance"
	"github.com/netsys-lab/ilp-connector/btp"
)

// Relation of the peer to this connector in the ILP hierarchy.
type Relation string

const (
	RelationParent Relation = "parent"
	RelationPeer   Relation = "peer"
	RelationChild  Relation = "child"
)

// Link is the capability set of a peer connection. Any transport that
// can move frames and register handlers can back an account.
type Link interface {
	SendData(ctx context.Context, protocols []btp.Subprotocol) (*btp.Frame, error)
	SendMoney(ctx context.Context, amount uint64, protocols []btp.Subprotocol) error
	RegisterDataHandler(h btp.DataHandler)
	RegisterMoneyHandler(h btp.MoneyHandler)
	OnDisconnect(f func())
	Close() error
}

var _ Link = (*btp.Link)(nil)

// RateLimit configures the per-account token bucket.
type RateLimit struct {
	RefillPeriod time.Duration `yaml:"refillPeriod"`
	RefillCount  uint64        `yaml:"refillCount"`
	Capacity     uint64        `yaml:"capacity"`
}

// Config is the static shape of one account.
type Config struct {
	ID              string         `yaml:"id"`
	Relation        Relation       `yaml:"relation"`
	AssetCode       string         `yaml:"assetCode"`
	AssetScale      int32          `yaml:"assetScale"`
	Balance         balance.Bounds `yaml:"-"`
	MaxPacketAmount uint64         `yaml:"maxPacketAmount"`
	RateLimit       RateLimit      `yaml:"rateLimit"`
	DedupWindow     time.Duration  `yaml:"dedupWindow"`
	ThroughputLimit uint64         `yaml:"throughputLimit"`
	RoutingWeight   int            `yaml:"routingWeight"`
	SettleOnConnect bool           `yaml:"settleOnConnect"`
	ReceiveRoutes   bool           `yaml:"receiveRoutes"`
	SendRoutes      bool           `yaml:"sendRoutes"`
	ILPPrefix       string         `yaml:"ilpPrefix"`
}

func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("accounts: empty account id")
	}
	switch c.Relation {
	case RelationParent, RelationPeer, RelationChild:
	default:
		return errors.Errorf("accounts: account %s has unknown relation %q", c.ID, c.Relation)
	}
	if c.AssetCode == "" {
		return errors.Errorf("accounts: account %s has no asset code", c.ID)
	}
	if c.AssetScale < 0 {
		return errors.Errorf("accounts: account %s has negative asset scale", c.ID)
	}
	return c.Balance.Validate()
}

// Account is one registered peer. The link is nil until the transport
// comes up.
type Account struct {
	Config

	mu        sync.RWMutex
	link      Link
	tracker   *balance.Tracker
	connected bool
}

func New(cfg Config, tracker *balance.Tracker) *Account {
	return &Account{Config: cfg, tracker: tracker}
}

func (a *Account) Tracker() *balance.Tracker { return a.tracker }

func (a *Account) Link() Link {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.link
}

func (a *Account) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Account) SetLink(link Link) {
	a.mu.Lock()
	a.link = link
	a.connected = link != nil
	a.mu.Unlock()
}

// Registry is the set of accounts this connector serves.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*Account)}
}

var ErrDuplicateAccount = errors.New("accounts: account already registered")
var ErrUnknownAccount = errors.New("accounts: unknown account")

func (r *Registry) Add(a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[a.ID]; exists {
		return ErrDuplicateAccount
	}
	r.accounts[a.ID] = a
	return nil
}

func (r *Registry) Remove(id string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, ErrUnknownAccount
	}
	delete(r.accounts, id)
	return a, nil
}

func (r *Registry) Get(id string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// List returns a snapshot of all accounts.
func (r *Registry) List() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		list = append(list, a)
	}
	return list
}
