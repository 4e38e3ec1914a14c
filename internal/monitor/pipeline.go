// Package monitor implements the capture pipeline: a receive-notification
// producer feeding a bounded queue drained by one consumer goroutine that
// renders frames as trace lines in hardware-acceptance order.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/filter"
	"github.com/wbocian/go-can-console/internal/frametext"
	"github.com/wbocian/go-can-console/internal/logging"
	"github.com/wbocian/go-can-console/internal/metrics"
)

var (
	// ErrStopTimeout is returned when the consumer did not exit within the
	// stop deadline. Callers must treat it as session-fatal: the queue may
	// still be touched by the consumer.
	ErrStopTimeout = errors.New("monitor: consumer did not exit in time")
	// ErrQueueAlloc is returned when the capture queue cannot be created.
	ErrQueueAlloc = errors.New("monitor: cannot allocate capture queue")
)

const (
	DefaultQueueSize   = 32
	DefaultPollTimeout = 100 * time.Millisecond
)

// Item is one captured frame: header and payload copied out of the driver at
// notification time, plus the monotonic capture timestamp.
type Item struct {
	Frame can.Frame
	When  time.Time
}

// runState holds everything owned by one Start..Stop cycle. Swapped in
// atomically so the producer never observes a half-initialized pipeline.
type runState struct {
	queue chan Item
	ts    *frametext.Timestamper
	done  chan struct{}
}

// Pipeline is the per-controller capture pipeline. States: Idle -> Running
// -> Idle. The running flag and the queue are the only state shared between
// the notification context and the consumer.
type Pipeline struct {
	name        string
	drv         driver.Driver
	out         io.Writer
	log         *slog.Logger
	queueSize   int
	pollTimeout time.Duration

	running atomic.Bool
	cur     atomic.Pointer[runState]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQueueSize bounds the capture queue (frames).
func WithQueueSize(n int) Option { return func(p *Pipeline) { p.queueSize = n } }

// WithPollTimeout sets the consumer's dequeue wait; Stop waits twice this.
func WithPollTimeout(d time.Duration) Option { return func(p *Pipeline) { p.pollTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// New creates an idle pipeline writing trace lines for controller name to out.
func New(name string, drv driver.Driver, out io.Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:        name,
		drv:         drv,
		out:         out,
		log:         logging.L(),
		queueSize:   DefaultQueueSize,
		pollTimeout: DefaultPollTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Running reports whether a capture is active.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Start programs the acceptance filters and launches the consumer. It is an
// idempotent no-op while already running. On any error the pipeline stays
// idle and no filters remain half-applied beyond the driver's own guarantees.
func (p *Pipeline) Start(spec filter.Spec, mode frametext.TimestampMode) error {
	if p.running.Load() {
		p.log.Warn("capture_already_running", "controller", p.name)
		return nil
	}
	if p.queueSize <= 0 {
		return fmt.Errorf("%w: size %d", ErrQueueAlloc, p.queueSize)
	}
	if err := p.applyFilters(spec); err != nil {
		metrics.IncError(metrics.ErrFilterConfig)
		return err
	}

	start := time.Now()
	rs := &runState{
		queue: make(chan Item, p.queueSize),
		ts:    frametext.NewTimestamper(mode, start),
		done:  make(chan struct{}),
	}
	// Publish the run state, then the flag: a producer that sees
	// running=true is guaranteed a fully built queue.
	p.cur.Store(rs)
	p.running.Store(true)
	go p.consume(rs)
	p.log.Info("capture_started", "controller", p.name,
		"masks", len(spec.Masks), "ranges", len(spec.Ranges), "queue", p.queueSize)
	return nil
}

// applyFilters reprograms the hardware slots: disable, write, re-enable.
// When only range filters are given, mask slot 0 is set to accept-all; the
// hardware needs at least one active mask filter to receive anything.
func (p *Pipeline) applyFilters(spec filter.Spec) error {
	if spec.Empty() {
		return nil
	}
	if err := p.drv.Disable(); err != nil {
		return fmt.Errorf("monitor: disable for filter setup: %w", err)
	}
	for i, m := range spec.Masks {
		if err := p.drv.ConfigureMaskFilter(i, m); err != nil {
			return fmt.Errorf("monitor: mask filter %d: %w", i, err)
		}
	}
	for i, r := range spec.Ranges {
		if err := p.drv.ConfigureRangeFilter(i, r); err != nil {
			return fmt.Errorf("monitor: range filter %d: %w", i, err)
		}
	}
	if len(spec.Masks) == 0 {
		if err := p.drv.ConfigureMaskFilter(0, filter.Mask{ID: 0, Mask: 0}); err != nil {
			return fmt.Errorf("monitor: accept-all mask filter: %w", err)
		}
	}
	if err := p.drv.Enable(); err != nil {
		return fmt.Errorf("monitor: enable after filter setup: %w", err)
	}
	return nil
}

// OnReceive is the receive-done notification handler (the interrupt path).
// It does a cheap flag check, one non-blocking driver read, a timestamp and
// a non-blocking enqueue. A full queue drops the frame silently: losing
// frames under overload beats stalling the notification context.
func (p *Pipeline) OnReceive() {
	if !p.running.Load() {
		return
	}
	rs := p.cur.Load()
	if rs == nil {
		return
	}
	f, ok := p.drv.ReceiveFromISR()
	if !ok {
		return
	}
	select {
	case rs.queue <- Item{Frame: f, When: time.Now()}:
	default:
		metrics.IncDropped()
	}
}

// consume drains the queue until the running flag clears, then exits without
// draining what is left. Displayed order is dequeue order, which is the
// hardware acceptance order among frames that were not dropped.
func (p *Pipeline) consume(rs *runState) {
	defer close(rs.done)
	timer := time.NewTimer(p.pollTimeout)
	defer timer.Stop()
	for p.running.Load() {
		select {
		case it := <-rs.queue:
			metrics.IncCaptured()
			metrics.SetQueueDepth(len(rs.queue))
			line := frametext.FormatLine(&it.Frame, p.name, rs.ts.Stamp(it.When))
			if _, err := io.WriteString(p.out, line); err != nil {
				p.log.Error("capture_write_error", "controller", p.name, "error", err)
			}
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.pollTimeout)
	}
}

// Stop clears the running flag and waits for the consumer to exit, bounded
// by twice the poll timeout. A Timeout here is session-fatal.
func (p *Pipeline) Stop() error {
	if !p.running.Swap(false) {
		p.log.Debug("capture_not_running", "controller", p.name)
		return nil
	}
	rs := p.cur.Load()
	if rs == nil {
		return nil
	}
	select {
	case <-rs.done:
		p.log.Info("capture_stopped", "controller", p.name)
		return nil
	case <-time.After(2 * p.pollTimeout):
		metrics.IncError(metrics.ErrConsumerExit)
		return fmt.Errorf("%w (waited %v)", ErrStopTimeout, 2*p.pollTimeout)
	}
}
