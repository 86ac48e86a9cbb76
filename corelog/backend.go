// Package corelog provides the process-wide logging backend used by every
// other package. It mirrors the way the teacher wired gopkg.in/op/go-logging.v1
// (see client.go's initLogging), replacing the now-dropped
// github.com/katzenpost/core/log helper with a small local equivalent.
package corelog

import (
	"fmt"
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend hands out named loggers that all write through one process-wide
// go-logging backend, so log level and output can be reconfigured in one
// place without threading a *logging.Logger through every constructor.
type Backend struct {
	level logging.Level
}

// New creates a Backend writing to w (or os.Stderr if w is nil) at the given
// level ("DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL").
func New(w io.Writer, level string) (*Backend, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("corelog: invalid level %q: %w", level, err)
	}
	backend := logging.NewLogBackend(w, "", 0)
	formatter := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module}: %{message}`,
	))
	leveled := logging.AddModuleLevel(formatter)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return &Backend{level: lvl}, nil
}

// GetLogger returns a logger scoped to the named component, e.g.
// backend.GetLogger("peer") or backend.GetLogger("noiselogin").
func (b *Backend) GetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}
