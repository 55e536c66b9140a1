package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ilp-connector/connector"
	"github.com/netsys-lab/ilp-connector/kvstore"
	"github.com/netsys-lab/ilp-connector/rate"
	"github.com/netsys-lab/ilp-connector/settlement"
)

func main() {
	configPath := flag.String("config", "connector.yaml", "path to the connector config file")
	logLevel := flag.String("loglevel", "info", "trace|debug|info|warn|error")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var store kvstore.Store
	if cfg.StoreDir != "" {
		badgerStore, err := kvstore.OpenBadger(cfg.StoreDir)
		if err != nil {
			log.Fatalf("Failed to open store at %s: %v", cfg.StoreDir, err)
		}
		store = badgerStore
	} else {
		log.Warn("No storeDir configured, balances will not survive restarts")
		store = kvstore.NewMemory()
	}
	defer store.Close()

	rates := rate.NewStatic(cfg.DecimalRates())

	// One Lightning engine per account that configures an lnd node;
	// accounts without one settle nothing.
	engines := make(map[string]settlement.Engine)
	for _, acct := range cfg.Accounts {
		if acct.Lnd == nil {
			continue
		}
		engine, err := settlement.NewLndEngine(*acct.Lnd)
		if err != nil {
			log.Fatalf("Failed to connect lnd for account %s: %v", acct.ID, err)
		}
		defer engine.Close()
		engines[acct.ID] = engine
		log.Infof("Account %s settles via lnd node %s", acct.ID, engine.Identity())
	}

	conn, err := connector.New(cfg, store, rates, func(id string) settlement.Engine {
		return engines[id]
	})
	if err != nil {
		log.Fatalf("Failed to build connector: %v", err)
	}

	conn.Start()
	if cfg.Listen != "" {
		if err := conn.ListenQUIC(); err != nil {
			log.Fatalf("Failed to listen on %s: %v", cfg.Listen, err)
		}
		log.Infof("Listening for peer links on %s", cfg.Listen)
	}
	conn.DialPeers()
	log.Infof("Connector %s up with %d accounts", conn.Address(), len(cfg.Accounts))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
	conn.Shutdown()
}
