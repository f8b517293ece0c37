// Package build wires up the per-subsystem loggers used across the
// reconciliation engine and exposes the process version.
package build

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	teslalog "gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/onchaininvoice"
	"gitlab.com/arcanecrypto/payday/internal/cqrs"
	"gitlab.com/arcanecrypto/payday/internal/ingestion"
	"gitlab.com/arcanecrypto/payday/internal/invoice"
	"gitlab.com/arcanecrypto/payday/internal/mapper"
	"gitlab.com/arcanecrypto/payday/internal/nodestream/bitcoindstream"
	"gitlab.com/arcanecrypto/payday/internal/nodestream/lndstream"
	"gitlab.com/arcanecrypto/payday/internal/notify"
	"gitlab.com/arcanecrypto/payday/internal/offsetstore"
	"gitlab.com/arcanecrypto/payday/internal/rhashindex"
	"gitlab.com/arcanecrypto/payday/internal/storage/postgres"
	"gitlab.com/arcanecrypto/payday/internal/tasks"
)

var subsystemLoggers = map[string]*teslalog.Logger{}

func init() {
	addSubLogger("ONCH", onchaininvoice.UseLogger)
	addSubLogger("LTNG", lightninginvoice.UseLogger)
	addSubLogger("INVC", invoice.UseLogger)
	addSubLogger("CQRS", cqrs.UseLogger)
	addSubLogger("MAPR", mapper.UseLogger)
	addSubLogger("LNDS", lndstream.UseLogger)
	addSubLogger("BTCS", bitcoindstream.UseLogger)
	addSubLogger("OFST", offsetstore.UseLogger)
	addSubLogger("RHSH", rhashindex.UseLogger)
	addSubLogger("INGS", ingestion.UseLogger)
	addSubLogger("TASK", tasks.UseLogger)
	addSubLogger("NOTF", notify.UseLogger)
	addSubLogger("PSQL", postgres.UseLogger)
}

func addSubLogger(subsystem string, useLogger func(*teslalog.Logger)) {
	logger := teslalog.New(subsystem)
	subsystemLoggers[subsystem] = logger
	useLogger(logger)
}

// SetLogLevel sets the log level for a single subsystem.
func SetLogLevel(subsystem string, level logrus.Level) {
	logger, ok := subsystemLoggers[subsystem]
	if !ok {
		return
	}
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for every registered subsystem.
func SetLogLevels(level logrus.Level) {
	for subsystem := range subsystemLoggers {
		SetLogLevel(subsystem, level)
	}
	Log.SetLevel(level)
}

// SubLoggers returns all currently registered subsystem loggers.
func SubLoggers() map[string]*teslalog.Logger {
	return subsystemLoggers
}

// DisableColors forces every subsystem logger to log without colors.
func DisableColors() {
	for subsystem := range subsystemLoggers {
		subsystemLoggers[subsystem].DisableColors()
	}
	formatter := getFormatter()
	formatter.DisableColors = true
	Log.SetFormatter(formatter)
}

// SetLogFile sets every subsystem logger to additionally write to the given file.
func SetLogFile(file string) error {
	for subsystem := range subsystemLoggers {
		if err := subsystemLoggers[subsystem].SetLogFile(file); err != nil {
			return err
		}
	}

	logFile, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return errors.Wrap(err, "could not open logfile")
	}
	Log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return nil
}
