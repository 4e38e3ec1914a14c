// Package loopback implements an in-process virtual bus controller. It backs
// the test suite and --driver=loopback demo runs: transmitted frames are
// echoed to the receive side when loopback mode is on, and Inject simulates
// traffic from other bus nodes.
package loopback

import (
	"fmt"
	"sync"
	"time"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/filter"
)

type Driver struct {
	mu      sync.Mutex
	name    string
	cfg     driver.Config
	cbs     driver.Callbacks
	enabled bool
	closed  bool
	rx      []can.Frame

	masks  [filter.MaxMaskFilters]*filter.Mask
	ranges [filter.MaxRangeFilters]*filter.Range

	dropTxDone bool
}

var _ driver.Driver = (*Driver)(nil)

// Open creates a loopback controller. It satisfies driver.OpenFunc.
func Open(name string, cfg driver.Config) (driver.Driver, error) {
	return New(name, cfg), nil
}

// New returns the concrete type for callers that need the test hooks.
func New(name string, cfg driver.Config) *Driver {
	return &Driver{name: name, cfg: cfg}
}

// DropTxDone suppresses transmit-done notifications. Lets tests exercise the
// rendezvous timeout path.
func (d *Driver) DropTxDone(v bool) {
	d.mu.Lock()
	d.dropTxDone = v
	d.mu.Unlock()
}

func (d *Driver) RegisterCallbacks(cbs driver.Callbacks) {
	d.mu.Lock()
	d.cbs = cbs
	d.mu.Unlock()
}

func (d *Driver) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	d.enabled = true
	return nil
}

func (d *Driver) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	d.enabled = false
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	d.closed = true
	d.rx = nil
	return nil
}

// Transmit accepts a frame, fires the transmit-done notification and, in
// loopback mode, echoes the frame to the receive path.
func (d *Driver) Transmit(f can.Frame, _ time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return driver.ErrClosed
	}
	if !d.enabled {
		d.mu.Unlock()
		return fmt.Errorf("loopback %s: controller disabled", d.name)
	}
	if d.cfg.ListenOnly {
		d.mu.Unlock()
		return fmt.Errorf("loopback %s: %w: transmit in listen-only mode", d.name, driver.ErrUnsupported)
	}
	cbs := d.cbs
	drop := d.dropTxDone
	echo := d.cfg.Loopback && d.accepts(f.ID)
	if echo {
		d.rx = append(d.rx, f)
	}
	d.mu.Unlock()

	// Callbacks run outside the lock: handlers re-enter via ReceiveFromISR.
	if !drop && cbs.OnTxDone != nil {
		cbs.OnTxDone()
	}
	if echo && cbs.OnReceive != nil {
		cbs.OnReceive()
	}
	return nil
}

// Inject delivers a frame as if it arrived from another bus node. Frames
// rejected by the programmed filters or a disabled controller vanish, like
// on real hardware.
func (d *Driver) Inject(f can.Frame) {
	d.mu.Lock()
	if d.closed || !d.enabled || !d.accepts(f.ID) {
		d.mu.Unlock()
		return
	}
	d.rx = append(d.rx, f)
	cb := d.cbs.OnReceive
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (d *Driver) ReceiveFromISR() (can.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) == 0 {
		return can.Frame{}, false
	}
	f := d.rx[0]
	d.rx = d.rx[1:]
	return f, true
}

func (d *Driver) ConfigureMaskFilter(slot int, m filter.Mask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	if d.enabled {
		return driver.ErrNotDisabled
	}
	if slot < 0 || slot >= filter.MaxMaskFilters {
		return fmt.Errorf("loopback %s: mask filter slot %d out of range", d.name, slot)
	}
	d.masks[slot] = &m
	return nil
}

func (d *Driver) ConfigureRangeFilter(slot int, r filter.Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	if d.enabled {
		return driver.ErrNotDisabled
	}
	if slot < 0 || slot >= filter.MaxRangeFilters {
		return fmt.Errorf("loopback %s: range filter slot %d out of range", d.name, slot)
	}
	d.ranges[slot] = &r
	return nil
}

// accepts evaluates the programmed slots the way the hardware would: no
// programmed slots means accept-all. Caller holds d.mu.
func (d *Driver) accepts(id uint32) bool {
	var spec filter.Spec
	for _, m := range d.masks {
		if m != nil {
			spec.Masks = append(spec.Masks, *m)
		}
	}
	for _, r := range d.ranges {
		if r != nil {
			spec.Ranges = append(spec.Ranges, *r)
		}
	}
	return spec.Matches(id)
}
