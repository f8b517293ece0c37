// Command reconciler runs the payment reconciliation engine: it opens the
// event log and offset store, dials every configured lnd and bitcoind node,
// and starts the ingestion coordinator that keeps each invoice aggregate in
// sync with on-chain and Lightning activity.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	_ "github.com/lib/pq" // registers the postgres sql.DB driver
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/ztrue/shutdown"

	"gitlab.com/arcanecrypto/payday/async"
	"gitlab.com/arcanecrypto/payday/bitcoind"
	"gitlab.com/arcanecrypto/payday/build"
	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/db"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/cqrs"
	"gitlab.com/arcanecrypto/payday/internal/ingestion"
	"gitlab.com/arcanecrypto/payday/internal/nodestream"
	"gitlab.com/arcanecrypto/payday/internal/nodestream/bitcoindstream"
	"gitlab.com/arcanecrypto/payday/internal/nodestream/lndstream"
	"gitlab.com/arcanecrypto/payday/internal/notify"
	"gitlab.com/arcanecrypto/payday/internal/offsetstore"
	"gitlab.com/arcanecrypto/payday/internal/rhashindex"
	"gitlab.com/arcanecrypto/payday/internal/storage/postgres"
	"gitlab.com/arcanecrypto/payday/internal/tasks"
	"gitlab.com/arcanecrypto/payday/ln"
)

var log = teslalog.New("MAIN")

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second

	// taskStuckDeadline and taskJanitorInterval bound how long a claimed
	// notification task can sit StatusProcessing before the janitor
	// assumes its worker crashed and reclaims it.
	taskStuckDeadline   = 5 * time.Minute
	taskJanitorInterval = time.Minute
)

func main() {
	app := cli.NewApp()
	app.Name = "reconciler"
	app.Version = build.Version()
	app.Usage = "Reconciles on-chain and Lightning node activity against invoice aggregates"

	app.Flags = concatFlags([]cli.Flag{networkFlag}, logging, dbFlags, lndFlags, bitcoindFlags)

	app.Before = func(c *cli.Context) error {
		level, err := logrus.ParseLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		build.SetLogLevels(level)

		if dir := c.GlobalString("logging.directory"); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating log directory: %w", err)
			}
			if err := build.SetLogFile(dir + "/reconciler.log"); err != nil {
				return err
			}
		}
		return nil
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("reconciler exited with an error")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	network, err := readNetwork(c)
	if err != nil {
		return err
	}

	database, err := db.Open(readDbConf(c))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.WithError(err).Warn("closing database")
		}
	}()

	if c.GlobalBool("db.migrateup") {
		if err := database.MigrateOrReset(); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	rhashBackend := postgres.NewRHashIndex(database.DB)
	if err := rhashBackend.EnsureSchema(context.Background()); err != nil {
		return err
	}

	store := postgres.NewEventStore(database.DB)
	offsets := offsetstore.NewCache(postgres.NewOffsetStore(database.DB))
	resolverIndex := rhashindex.New(rhashBackend)

	taskQueue := postgres.NewTaskQueue(database.DB)
	notifier := notify.New(taskQueue)
	worker := tasks.NewWorker(taskQueue, notify.Handler)
	janitor := tasks.NewJanitor(taskQueue, taskStuckDeadline, taskJanitorInterval)

	bitcoindConf, err := readBitcoindConf(c, network)
	if err != nil {
		return err
	}
	bitcoindConn, err := bitcoind.NewConn(bitcoindConf, time.Second)
	if err != nil {
		return fmt.Errorf("connecting to bitcoind: %w", err)
	}
	if err := awaitBitcoind(bitcoindConn); err != nil {
		return err
	}
	log.Info("bitcoind is reachable")
	bitcoindConn.StartZmq()

	lnConf := readLnConf(c, network)
	lnConf.MacaroonPath = defaultMacaroonPath(lnConf)
	if err := awaitLndMacaroonFile(lnConf); err != nil {
		return err
	}

	lncli, err := ln.NewLNDClient(lnConf)
	if err != nil {
		return fmt.Errorf("connecting to lnd: %w", err)
	}
	if err := awaitLnd(lncli); err != nil {
		return err
	}
	log.Info("lnd is reachable")

	adapters := []nodestream.Adapter{
		lndstream.New(c.GlobalString("lnd.nodeid"), lncli),
		bitcoindstream.New(c.GlobalString("bitcoind.nodeid"), bitcoindConn, addressDecoder(&network)),
	}

	coordinator := ingestion.New(store, offsets, resolverIndex, adapters,
		ingestion.WithOnChainPublisher(notifier.AsOnChainPublisher()),
		ingestion.WithLightningPublisher(cqrs.MultiPublisher[lightninginvoice.Event]{
			resolverIndex, notifier.AsLightningPublisher(),
		}),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	runningTasks := coordinator.Start(runCtx)
	go worker.Run(runCtx)
	go janitor.Run(runCtx)

	shutdown.AddWithParam(func(signal os.Signal) {
		log.WithField("signal", signal.String()).Info("shutting down reconciler")
		cancel()
		bitcoindConn.StopZmq()
		runningTasks.Wait()
	})

	log.WithFields(logrus.Fields{
		"network":       network.Name,
		"lnd_node":      c.GlobalString("lnd.nodeid"),
		"bitcoind_node": c.GlobalString("bitcoind.nodeid"),
	}).Info("reconciler started")

	shutdown.Listen()
	return nil
}

// awaitBitcoind tries to get an RPC response from bitcoind, returning an
// error if that isn't possible within a set of attempts.
func awaitBitcoind(btc *bitcoind.Conn) error {
	retry := func() bool {
		_, err := btc.Btcctl().GetBlockChainInfo()
		if err != nil {
			log.WithError(err).Debug("getblockchaininfo failed")
		}
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach bitcoind")
}

// awaitLndMacaroonFile waits for lnd to write out its admin macaroon,
// since a freshly-started lnd node may not have created it yet.
func awaitLndMacaroonFile(conf ln.LightningConfig) error {
	retry := func() bool {
		_, err := os.Stat(conf.MacaroonPath)
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry,
		fmt.Sprintf("couldn't read macaroon file %q", conf.MacaroonPath))
}

// awaitLnd tries to get an RPC response from lnd, returning an error if
// that isn't possible within a set of attempts.
func awaitLnd(lncli lnrpc.LightningClient) error {
	retry := func() bool {
		_, err := lncli.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach lnd")
}

// addressDecoder returns a decodeAddress func bound to network, used by
// bitcoindstream to turn a transaction output's script into the address it
// pays.
func addressDecoder(network *chaincfg.Params) func(pkScript []byte) (string, bool) {
	return func(pkScript []byte) (string, bool) {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, network)
		if err != nil || len(addrs) == 0 {
			return "", false
		}
		return addrs[0].EncodeAddress(), true
	}
}
