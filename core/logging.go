package core

// Structured logging seam, mirroring the teacher's SetXLogger pattern
// (core/security.go, core/wallet.go): each subsystem logs through a
// package-level *logrus.Logger that defaults to discarding output, and that
// callers can swap out at session construction.

import (
	"io"

	"github.com/sirupsen/logrus"
)

var log = newDiscardingLogger()

func newDiscardingLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger installs the logger used by every core subsystem. Pass nil to
// revert to discarding output.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		log = newDiscardingLogger()
		return
	}
	log = l
}

// logBlockDropped records the sole case where the engine silently swallows
// a caller-visible error: a per-block verification failure (§7).
func logBlockDropped(b *Block, err *InvalidBlockError) {
	log.WithFields(logrus.Fields{
		"nature":  b.Nature.String(),
		"index":   b.Index,
		"subject": err.Subject,
		"code":    err.Code,
	}).Warn("dropped invalid block")
}
