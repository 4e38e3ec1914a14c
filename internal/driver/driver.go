// Package driver defines the contract every bus controller backend
// implements. The console core only ever talks to this interface; the
// concrete backends (loopback, slcan, socketcan) live in subpackages.
package driver

import (
	"errors"
	"time"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/filter"
)

var (
	ErrClosed = errors.New("driver: closed")
	// ErrNotDisabled is returned by filter configuration when the
	// controller was not disabled first.
	ErrNotDisabled = errors.New("driver: controller must be disabled to configure filters")
	// ErrUnsupported is returned by backends not available on this platform
	// or lacking a capability (e.g. FD frames on a classic-only adapter).
	ErrUnsupported = errors.New("driver: unsupported")
)

// Callbacks are the two asynchronous notifications a backend delivers. Both
// run on the backend's receive/transmit context (the interrupt analog) and
// must not block; all fallible or allocating work belongs to the consumer
// side.
type Callbacks struct {
	// OnReceive fires once per hardware-accepted frame. The handler may
	// call ReceiveFromISR exactly once to fetch it.
	OnReceive func()
	// OnTxDone fires at most once per accepted transmission.
	OnTxDone func()
}

// Config carries controller parameters owned by the command layer.
type Config struct {
	Bitrate    int  // arbitration bitrate, bps
	FDBitrate  int  // data-phase bitrate for FD, 0 disables FD
	Loopback   bool // echo transmitted frames back
	ListenOnly bool // never drive the bus
}

// Driver is the external-collaborator contract consumed by the console core.
type Driver interface {
	// Transmit submits a frame for asynchronous transmission. It may block
	// up to timeout while queueing; a nil return means the frame was
	// accepted and OnTxDone will fire at most once for it.
	Transmit(f can.Frame, timeout time.Duration) error

	// ReceiveFromISR fetches one pending frame without blocking. Callable
	// only from within the OnReceive notification.
	ReceiveFromISR() (can.Frame, bool)

	// RegisterCallbacks installs the notification handlers. Must be called
	// before Enable.
	RegisterCallbacks(cbs Callbacks)

	// Enable starts frame reception/transmission, Disable halts it.
	// Filter slots may only be programmed while disabled.
	Enable() error
	Disable() error

	ConfigureMaskFilter(slot int, m filter.Mask) error
	ConfigureRangeFilter(slot int, r filter.Range) error

	Close() error
}

// OpenFunc opens a named controller backend with the given configuration.
type OpenFunc func(name string, cfg Config) (Driver, error)
