// Package log constructs loggers for spikepipe packages.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug bool

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("SPIKEPIPE_DEBUG"))
	if err != nil {
		debug = false
	}
}

// Default returns a new logger instance
func Default() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Silent returns a logger that discards all output. Packages fall back
// to it when no logger option is provided.
func Silent() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
