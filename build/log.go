// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// NewSubLogger constructs a new subsystem logger from the given generator
// function.  If no generator is provided, logging for the subsystem is
// disabled.  Library packages call this from their init functions so that a
// package performs no logging until the application installs a backend.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}
	return btclog.Disabled
}

// LogWriter is an io.Writer that writes all log output to standard out and,
// once initialized with InitLogRotator, to a rotating log file as well.
type LogWriter struct {
	rotator *rotator.Rotator
}

// InitLogRotator initializes the rotating file logger.  maxLogFileSize is in
// megabytes.  The directory containing logFile is created if needed.
func (w *LogWriter) InitLogRotator(logFile string, maxLogFileSize int,
	maxLogFiles int) error {

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return err
	}
	r, err := rotator.New(logFile, int64(maxLogFileSize*1024), false,
		maxLogFiles)
	if err != nil {
		return err
	}
	w.rotator = r
	return nil
}

// Write writes the byte slice to standard out and the log rotator if
// initialized.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.rotator != nil {
		return w.rotator.Write(b)
	}
	return len(b), nil
}

// Close closes the underlying log rotator if it has been initialized.
func (w *LogWriter) Close() error {
	if w.rotator != nil {
		return w.rotator.Close()
	}
	return nil
}

// A compile-time check to ensure LogWriter implements io.WriteCloser.
var _ io.WriteCloser = (*LogWriter)(nil)
