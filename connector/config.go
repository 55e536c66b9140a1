package connector

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/netsys-lab/ilp-connector/accounts"
	"github.com/netsys-lab/ilp-connector/balance"
	"github.com/netsys-lab/ilp-connector/ilp"
	"github.com/netsys-lab/ilp-connector/settlement"
)

// BalanceConfig is the YAML shape of an account's balance window.
type BalanceConfig struct {
	Minimum         int64  `yaml:"minimum"`
	Maximum         int64  `yaml:"maximum"`
	SettleThreshold *int64 `yaml:"settleThreshold"`
	SettleTo        int64  `yaml:"settleTo"`
}

func (b BalanceConfig) Bounds() balance.Bounds {
	return balance.Bounds{
		Minimum:         b.Minimum,
		Maximum:         b.Maximum,
		SettleThreshold: b.SettleThreshold,
		SettleTo:        b.SettleTo,
	}
}

// AccountConfig is one account entry in the config file.
type AccountConfig struct {
	ID              string             `yaml:"id"`
	Relation        accounts.Relation  `yaml:"relation"`
	AssetCode       string             `yaml:"assetCode"`
	AssetScale      int32              `yaml:"assetScale"`
	Balance         BalanceConfig      `yaml:"balance"`
	MaxPacketAmount uint64             `yaml:"maxPacketAmount"`
	RateLimit       accounts.RateLimit `yaml:"rateLimit"`
	DedupWindow     time.Duration      `yaml:"dedupWindow"`
	ThroughputLimit uint64             `yaml:"throughputLimit"`
	RoutingWeight   int                `yaml:"routingWeight"`
	SettleOnConnect bool               `yaml:"settleOnConnect"`
	ILPPrefix       string             `yaml:"ilpPrefix"`
	URI             string             `yaml:"uri"`
	AuthToken       string             `yaml:"authToken"`
	Lnd             *settlement.LndConfig `yaml:"lnd"`
}

func (a AccountConfig) accountConfig() accounts.Config {
	return accounts.Config{
		ID:              a.ID,
		Relation:        a.Relation,
		AssetCode:       a.AssetCode,
		AssetScale:      a.AssetScale,
		Balance:         a.Balance.Bounds(),
		MaxPacketAmount: a.MaxPacketAmount,
		RateLimit:       a.RateLimit,
		DedupWindow:     a.DedupWindow,
		ThroughputLimit: a.ThroughputLimit,
		RoutingWeight:   a.RoutingWeight,
		SettleOnConnect: a.SettleOnConnect,
		ILPPrefix:       a.ILPPrefix,
	}
}

// Config is the process-wide configuration surface.
type Config struct {
	ILPAddress             string          `yaml:"ilpAddress"`
	Listen                 string          `yaml:"listen"`
	StoreDir               string          `yaml:"storeDir"`
	MinMessageWindow       time.Duration   `yaml:"minMessageWindow"`
	MaxResponseGrace       time.Duration   `yaml:"maxResponseGrace"`
	RouteBroadcastInterval time.Duration   `yaml:"routeBroadcastInterval"`
	RouteExpiryInterval    time.Duration   `yaml:"routeExpiryInterval"`
	HoldDownTime           time.Duration   `yaml:"holdDownTime"`
	ReflectPayments        bool            `yaml:"reflectPayments"`
	Rates                  map[string]string `yaml:"rates"`
	Accounts               []AccountConfig `yaml:"accounts"`
}

// Defaults mirror what a small connector deployment needs.
func (c *Config) applyDefaults() {
	if c.MinMessageWindow == 0 {
		c.MinMessageWindow = time.Second
	}
	if c.MaxResponseGrace == 0 {
		c.MaxResponseGrace = 5 * time.Second
	}
	if c.RouteBroadcastInterval == 0 {
		c.RouteBroadcastInterval = 30 * time.Second
	}
	if c.RouteExpiryInterval == 0 {
		c.RouteExpiryInterval = 45 * time.Second
	}
	if c.HoldDownTime == 0 {
		c.HoldDownTime = 45 * time.Second
	}
}

func (c *Config) Validate() error {
	if _, err := ilp.ParseAddress(c.ILPAddress); err != nil {
		return errors.Wrapf(err, "connector: bad ilpAddress %q", c.ILPAddress)
	}
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if seen[a.ID] {
			return errors.Errorf("connector: duplicate account %q", a.ID)
		}
		seen[a.ID] = true
		cfg := a.accountConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	for pair, value := range c.Rates {
		if _, err := decimal.NewFromString(value); err != nil {
			return errors.Wrapf(err, "connector: bad rate %q for %s", value, pair)
		}
	}
	return nil
}

// DecimalRates parses the configured rate table.
func (c *Config) DecimalRates() map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal, len(c.Rates))
	for pair, value := range c.Rates {
		if d, err := decimal.NewFromString(value); err == nil {
			rates[pair] = d
		}
	}
	return rates
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "connector: reading %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "connector: parsing %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
