// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T to ease
// logging in tests.
package testlog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the
// test logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	t LogPrinter
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t}
}

// HCLogger returns a new test hc-logger. Output is sent through t unless
// STRATUS_TEST_STDOUT is set.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	var output io.Writer
	if os.Getenv("STRATUS_TEST_STDOUT") != "" {
		output = os.Stdout
	} else {
		output = NewWriter(t)
	}
	opts := &hclog.LoggerOptions{
		Level:           hclog.Trace,
		Output:          output,
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}
