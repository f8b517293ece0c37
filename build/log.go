package build

import (
	"github.com/sirupsen/logrus"
)

// Log is a plain, ungrouped logger for the handful of older collaborator
// packages (ln, bitcoind) that predate the per-subsystem teslalog loggers
// wired up in build.go. SetLogLevels and SetLogFile there also apply to it.
var Log = logrus.New()

func getFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	}
}

func init() {
	Log.SetLevel(logrus.TraceLevel)
	Log.SetFormatter(getFormatter())
}
