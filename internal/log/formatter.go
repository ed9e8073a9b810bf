// Package log provides the logrus formatter used by all edgesync binaries.
package log

import (
	"github.com/sirupsen/logrus"
)

// NewFormatter returns the standard edgesync log formatter.
// Pass noColors=true for non-TTY output (e.g. container logs).
func NewFormatter(noColors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:   noColors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		PadLevelText:    true,
	}
}
