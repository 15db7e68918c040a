// Package errors provides utilities for error handling in reef.
package errors

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferCleanup runs a cleanup function with logging.
// Use this in defer statements for cleanups whose failure must not be
// silently dropped, like detaching from a traced process or releasing
// memory mapped into it.
func DeferCleanup(logger zerolog.Logger, cleanup func() error, msg string) {
	if cleanup == nil {
		return
	}
	if err := cleanup(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// Must panics if error is not nil.
// Use only for initialization code where failure should halt the program.
func Must(err error, msg string) {
	if err != nil {
		panic(fmt.Sprintf("%s: %v", msg, err))
	}
}
