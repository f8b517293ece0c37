package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/payday/bitcoind"
	"gitlab.com/arcanecrypto/payday/db"
	"gitlab.com/arcanecrypto/payday/ln"
)

// concatFlags concatenates the given flag lists without mutating any of them.
func concatFlags(lists ...[]cli.Flag) []cli.Flag {
	var all []cli.Flag
	for _, l := range lists {
		all = append(all, l...)
	}
	return all
}

var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Usage:     "What directory to write log files to, in addition to stdout",
	},
}

var networkFlag = cli.StringFlag{
	Name:  "network",
	Usage: "the network the configured nodes run on: mainnet, testnet, regtest",
	Value: "regtest",
}

var dbFlags = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "payday",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply pending migrations before starting the reconciler",
	},
}

var lndFlags = []cli.Flag{
	cli.StringFlag{
		Name:     "lnd.dir",
		Usage:    "path to lnd's base directory",
		Required: true,
	},
	cli.StringFlag{
		Name:      "lnd.certpath",
		Usage:     "path to tls.cert",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:      "lnd.macaroonpath",
		Usage:     "path to macaroon file",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:  "lnd.rpchost",
		Value: "localhost",
		Usage: "host of the lnd daemon",
	},
	cli.IntFlag{
		Name:  "lnd.rpcport",
		Usage: "port of the lnd daemon",
		Value: 10009,
	},
	cli.StringFlag{
		Name:     "lnd.nodeid",
		Usage:    "identifier this node's events are tagged with in the event log and offset store",
		Required: true,
	},
}

var bitcoindFlags = []cli.Flag{
	cli.StringFlag{
		Name:     "bitcoind.rpcuser",
		Usage:    "the bitcoind RPC username",
		Required: true,
	},
	cli.StringFlag{
		Name:     "bitcoind.rpcpassword",
		Usage:    "the bitcoind RPC password",
		Required: true,
	},
	cli.IntFlag{
		Name:  "bitcoind.rpcport",
		Usage: "the bitcoind RPC port, defaults to the network's standard port",
	},
	cli.StringFlag{
		Name:  "bitcoind.rpchost",
		Usage: "the bitcoind RPC host",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:     "bitcoind.zmqpubrawblock",
		Usage:    "the port listening for ZMQ raw block notifications",
		Required: true,
	},
	cli.IntFlag{
		Name:     "bitcoind.zmqpubrawtx",
		Usage:    "the port listening for ZMQ raw transaction notifications",
		Required: true,
	},
	cli.StringFlag{
		Name:     "bitcoind.nodeid",
		Usage:    "identifier this node's events are tagged with in the event log and offset store",
		Required: true,
	},
}

func readNetwork(c *cli.Context) (chaincfg.Params, error) {
	switch c.GlobalString("network") {
	case "mainnet":
		return chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return chaincfg.TestNet3Params, nil
	case "regtest", "":
		return chaincfg.RegressionNetParams, nil
	default:
		return chaincfg.Params{}, fmt.Errorf("unknown network: %s. Valid: mainnet, testnet, regtest", c.GlobalString("network"))
	}
}

func readDbConf(c *cli.Context) db.DatabaseConfig {
	return db.DatabaseConfig{
		User:           c.GlobalString("db.user"),
		Password:       c.GlobalString("db.password"),
		Host:           c.GlobalString("db.host"),
		Port:           c.GlobalInt("db.port"),
		Name:           c.GlobalString("db.name"),
		MigrationsPath: c.GlobalString("db.migrationspath"),
	}
}

func readLnConf(c *cli.Context, network chaincfg.Params) ln.LightningConfig {
	return ln.LightningConfig{
		LndDir:       c.GlobalString("lnd.dir"),
		TLSCertPath:  c.GlobalString("lnd.certpath"),
		MacaroonPath: c.GlobalString("lnd.macaroonpath"),
		Network:      network,
		RPCHost:      c.GlobalString("lnd.rpchost"),
		RPCPort:      c.GlobalInt("lnd.rpcport"),
	}
}

func readBitcoindConf(c *cli.Context, network chaincfg.Params) (bitcoind.Config, error) {
	host := c.GlobalString("bitcoind.rpchost")
	conf := bitcoind.Config{
		ZmqPubRawTx:    fmt.Sprintf("%s:%d", host, c.GlobalInt("bitcoind.zmqpubrawtx")),
		ZmqPubRawBlock: fmt.Sprintf("%s:%d", host, c.GlobalInt("bitcoind.zmqpubrawblock")),
		RpcPort:        c.GlobalInt("bitcoind.rpcport"),
		RpcHost:        host,
		User:           c.GlobalString("bitcoind.rpcuser"),
		Password:       c.GlobalString("bitcoind.rpcpassword"),
		Network:        network,
	}

	if conf.RpcPort == 0 {
		port, err := bitcoind.DefaultRpcPort(network)
		if err != nil {
			return bitcoind.Config{}, err
		}
		conf.RpcPort = port
	}

	return conf, nil
}

// defaultMacaroonPath mirrors ln.DefaultRelativeMacaroonPath, joined onto
// the node's lnd directory, for the cases the caller didn't pass one.
func defaultMacaroonPath(conf ln.LightningConfig) string {
	if conf.MacaroonPath != "" {
		return conf.MacaroonPath
	}
	return path.Join(conf.LndDir, ln.DefaultRelativeMacaroonPath(conf.Network))
}
