// Package transmit implements the single-slot rendezvous between a
// synchronous send call and the controller's asynchronous transmit-done
// notification.
package transmit

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/metrics"
)

var (
	// ErrTimeout is returned when no transmit-done notification arrived
	// within the caller's timeout.
	ErrTimeout = errors.New("transmit: timed out waiting for completion")
	// ErrDriver wraps a synchronous submission rejection; the underlying
	// driver error stays on the chain.
	ErrDriver = errors.New("transmit: driver rejected frame")
)

// Rendezvous holds exactly one pending transmission. Concurrent senders on
// the same controller must self-serialize; this is a slot, not a queue.
type Rendezvous struct {
	pending atomic.Bool
	done    chan struct{}
}

func New() *Rendezvous {
	return &Rendezvous{done: make(chan struct{}, 1)}
}

// Pending reports whether a transmission is awaiting completion.
func (r *Rendezvous) Pending() bool { return r.pending.Load() }

// Send submits the frame and blocks until the transmit-done notification or
// timeout. On timeout the pending flag is cleared so a late notification
// becomes a no-op and the next send is not blocked.
func (r *Rendezvous) Send(d driver.Driver, f can.Frame, timeout time.Duration) error {
	// Drain a stale completion left behind by a lost timeout race.
	select {
	case <-r.done:
	default:
	}
	r.pending.Store(true)

	if err := d.Transmit(f, timeout); err != nil {
		r.pending.Store(false)
		metrics.IncError(metrics.ErrDriverTx)
		return fmt.Errorf("%w: %w", ErrDriver, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		metrics.IncTx()
		return nil
	case <-timer.C:
		r.pending.Store(false)
		select {
		case <-r.done: // completion raced the timeout; count it as late
		default:
		}
		metrics.IncTxTimeout()
		return ErrTimeout
	}
}

// Complete is the transmit-done notification. It releases the waiting sender
// only when a transmission is actually pending; duplicate or late
// notifications are no-ops.
func (r *Rendezvous) Complete() {
	if r.pending.CompareAndSwap(true, false) {
		select {
		case r.done <- struct{}{}:
		default:
		}
	}
}
