package main

import (
	"errors"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/filter"
	"github.com/wbocian/go-can-console/internal/frametext"
	"github.com/wbocian/go-can-console/internal/monitor"
	"github.com/wbocian/go-can-console/internal/session"
	"github.com/wbocian/go-can-console/internal/transmit"
)

// Exit codes are stable per error kind so scripts can branch on them.
const (
	exitOK            = 0
	exitMalformed     = 2
	exitOutOfRange    = 3
	exitTooLong       = 4
	exitNotConfigured = 5
	exitTimeout       = 6
	exitDriver        = 7
	exitInternal      = 8
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, frametext.ErrMalformed), errors.Is(err, filter.ErrMalformed):
		return exitMalformed
	case errors.Is(err, frametext.ErrOutOfRange), errors.Is(err, filter.ErrOutOfRange),
		errors.Is(err, can.ErrInvalidID), errors.Is(err, can.ErrInvalidLen):
		return exitOutOfRange
	case errors.Is(err, frametext.ErrTooLong):
		return exitTooLong
	case errors.Is(err, session.ErrNotConfigured), errors.Is(err, session.ErrConfigured),
		errors.Is(err, session.ErrUnknownController):
		return exitNotConfigured
	case errors.Is(err, transmit.ErrTimeout), errors.Is(err, monitor.ErrStopTimeout):
		return exitTimeout
	case errors.Is(err, monitor.ErrQueueAlloc):
		return exitInternal
	default:
		// Everything else reached the hardware layer: open, enable, write.
		return exitDriver
	}
}
