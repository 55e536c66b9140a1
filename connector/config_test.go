package connector

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsys-lab/ilp-connector/accounts"
)

const sampleConfig = `
ilpAddress: g.us.test
listen: "127.0.0.1:7768"
minMessageWindow: 2s
reflectPayments: false
rates:
  USD/EUR: "0.92"
accounts:
  - id: upstream
    relation: parent
    assetCode: USD
    assetScale: 9
    balance:
      minimum: -100000
      maximum: 100000
      settleThreshold: -50000
      settleTo: 0
    maxPacketAmount: 5000
    rateLimit:
      refillPeriod: 1s
      refillCount: 100
      capacity: 200
    dedupWindow: 30s
    uri: "upstream.example:7768"
    authToken: hunter2
  - id: shop
    relation: child
    assetCode: USD
    assetScale: 9
    balance:
      minimum: -1000
      maximum: 1000
    ilpPrefix: g.us.test.shop
`

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "ilp-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "connector.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "g.us.test", cfg.ILPAddress)
	assert.Equal(t, 2*time.Second, cfg.MinMessageWindow)
	assert.Equal(t, 30*time.Second, cfg.RouteBroadcastInterval, "defaults fill unset fields")

	require.Len(t, cfg.Accounts, 2)
	upstream := cfg.Accounts[0]
	assert.Equal(t, accounts.RelationParent, upstream.Relation)
	assert.EqualValues(t, 5000, upstream.MaxPacketAmount)
	require.NotNil(t, upstream.Balance.SettleThreshold)
	assert.EqualValues(t, -50000, *upstream.Balance.SettleThreshold)
	assert.Equal(t, "hunter2", upstream.AuthToken)

	rates := cfg.DecimalRates()
	require.Contains(t, rates, "USD/EUR")
	assert.Equal(t, "0.92", rates["USD/EUR"].String())
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir, err := ioutil.TempDir("", "ilp-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	write := func(body string) string {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, ioutil.WriteFile(path, []byte(body), 0644))
		return path
	}

	t.Run("Bad address", func(t *testing.T) {
		_, err := LoadConfig(write("ilpAddress: \"..bad\"\n"))
		assert.Error(t, err)
	})

	t.Run("Bad balance window", func(t *testing.T) {
		_, err := LoadConfig(write(`
ilpAddress: g.x
accounts:
  - id: a
    relation: peer
    assetCode: USD
    balance:
      minimum: 10
      maximum: -10
`))
		assert.Error(t, err)
	})

	t.Run("Duplicate account", func(t *testing.T) {
		_, err := LoadConfig(write(`
ilpAddress: g.x
accounts:
  - id: a
    relation: peer
    assetCode: USD
    balance: {minimum: -1, maximum: 1}
  - id: a
    relation: peer
    assetCode: USD
    balance: {minimum: -1, maximum: 1}
`))
		assert.Error(t, err)
	})

	t.Run("Bad rate", func(t *testing.T) {
		_, err := LoadConfig(write("ilpAddress: g.x\nrates:\n  USD/EUR: \"abc\"\n"))
		assert.Error(t, err)
	})
}
