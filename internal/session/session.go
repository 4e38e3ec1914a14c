// Package session ties one bus controller's driver, transmit rendezvous and
// capture pipeline into a single lifecycle. Sessions are resolved by
// controller name through an explicit Registry built at startup.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/filter"
	"github.com/wbocian/go-can-console/internal/frametext"
	"github.com/wbocian/go-can-console/internal/logging"
	"github.com/wbocian/go-can-console/internal/metrics"
	"github.com/wbocian/go-can-console/internal/monitor"
	"github.com/wbocian/go-can-console/internal/transmit"
)

var (
	// ErrNotConfigured is returned by operations that need an initialized
	// controller.
	ErrNotConfigured = errors.New("session: controller not configured")
	// ErrConfigured is returned by Init when the controller is already up.
	ErrConfigured = errors.New("session: controller already configured")
)

const defaultTxTimeout = time.Second

// Session owns the state of one controller: configuration, the open driver
// handle, the single transmit slot and the capture pipeline.
type Session struct {
	mu   sync.Mutex
	name string
	open driver.OpenFunc
	out  io.Writer
	log  *slog.Logger

	defaults  driver.Config
	txTimeout time.Duration
	pipeOpts  []monitor.Option

	configured atomic.Bool
	cfg        driver.Config
	drv        driver.Driver
	tx         *transmit.Rendezvous
	pipe       *monitor.Pipeline
	startedAt  time.Time

	// last dump parameters, kept so Reset can restart a running capture.
	lastSpec filter.Spec
	lastMode frametext.TimestampMode
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithOutput sets the writer capture trace lines go to. Defaults to stdout.
func WithOutput(w io.Writer) Option { return func(s *Session) { s.out = w } }

// WithLogger overrides the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDefaults sets the configuration Reset restores and Init falls back to
// for fields the caller leaves zero.
func WithDefaults(cfg driver.Config) Option { return func(s *Session) { s.defaults = cfg } }

// WithTxTimeout sets the transmit confirmation timeout used when Send is
// called with a non-positive timeout.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// WithPipelineOptions forwards options to the capture pipeline built on Init.
func WithPipelineOptions(opts ...monitor.Option) Option {
	return func(s *Session) { s.pipeOpts = append(s.pipeOpts, opts...) }
}

// New builds an idle session for the named controller. The driver is not
// opened until Init.
func New(name string, open driver.OpenFunc, opts ...Option) *Session {
	s := &Session{
		name:      name,
		open:      open,
		out:       os.Stdout,
		log:       logging.L(),
		defaults:  driver.Config{Bitrate: 500000},
		txTimeout: defaultTxTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) Name() string     { return s.name }
func (s *Session) Configured() bool { return s.configured.Load() }

// Running reports whether a capture is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe != nil && s.pipe.Running()
}

// Init opens the controller. Zero fields in cfg inherit the session defaults.
func (s *Session) Init(cfg driver.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured.Load() {
		return fmt.Errorf("%w: %s", ErrConfigured, s.name)
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = s.defaults.Bitrate
	}
	if cfg.FDBitrate == 0 {
		cfg.FDBitrate = s.defaults.FDBitrate
	}
	return s.bringUp(cfg)
}

// bringUp opens, wires and enables the driver. Caller holds s.mu.
func (s *Session) bringUp(cfg driver.Config) error {
	drv, err := s.open(s.name, cfg)
	if err != nil {
		metrics.IncError(metrics.ErrDriverTx)
		return fmt.Errorf("session: open %s: %w", s.name, err)
	}
	tx := transmit.New()
	pipe := monitor.New(s.name, drv, s.out, append([]monitor.Option{monitor.WithLogger(s.log)}, s.pipeOpts...)...)
	drv.RegisterCallbacks(driver.Callbacks{
		OnReceive: pipe.OnReceive,
		OnTxDone:  tx.Complete,
	})
	if err := drv.Enable(); err != nil {
		_ = drv.Close()
		return fmt.Errorf("session: enable %s: %w", s.name, err)
	}
	s.cfg = cfg
	s.drv = drv
	s.tx = tx
	s.pipe = pipe
	s.startedAt = time.Now()
	s.configured.Store(true)
	s.log.Info("controller_up", "controller", s.name, "bitrate", cfg.Bitrate, "fd_bitrate", cfg.FDBitrate, "loopback", cfg.Loopback, "listen_only", cfg.ListenOnly)
	return nil
}

// Deinit stops any capture and releases the driver.
func (s *Session) Deinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured.Load() {
		return fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	return s.tearDown()
}

// tearDown stops the pipeline and closes the driver. Caller holds s.mu.
func (s *Session) tearDown() error {
	var firstErr error
	if s.pipe.Running() {
		if err := s.pipe.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := s.drv.Disable(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("session: disable %s: %w", s.name, err)
	}
	if err := s.drv.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("session: close %s: %w", s.name, err)
	}
	s.configured.Store(false)
	s.drv, s.tx, s.pipe = nil, nil, nil
	s.log.Info("controller_down", "controller", s.name)
	return firstErr
}

// Reset restores the default configuration and reopens the controller. A
// running capture is restarted with its previous filter and timestamp mode.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured.Load() {
		return fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	wasRunning := s.pipe.Running()
	if err := s.tearDown(); err != nil {
		return err
	}
	if err := s.bringUp(s.defaults); err != nil {
		return err
	}
	if wasRunning {
		return s.pipe.Start(s.lastSpec, s.lastMode)
	}
	return nil
}

// Send decodes a frame string and transmits it, waiting for the driver's
// tx-done confirmation. The decoded frame is returned for echoing. A
// non-positive timeout falls back to the session default.
func (s *Session) Send(text string, timeout time.Duration) (can.Frame, error) {
	f, err := frametext.Decode(text)
	if err != nil {
		return can.Frame{}, err
	}
	s.mu.Lock()
	if !s.configured.Load() {
		s.mu.Unlock()
		return f, fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	drv, tx := s.drv, s.tx
	if timeout <= 0 {
		timeout = s.txTimeout
	}
	s.mu.Unlock()
	if err := tx.Send(drv, f, timeout); err != nil {
		return f, err
	}
	s.log.Debug("frame_sent", "controller", s.name, "id", f.ID, "len", f.Len)
	return f, nil
}

// DumpStart parses the filter list and timestamp mode and starts the capture
// pipeline. A parse error leaves the controller's filters untouched.
func (s *Session) DumpStart(filterText, modeText string) error {
	spec, err := filter.Parse(filterText)
	if err != nil {
		return err
	}
	mode, err := frametext.ParseTimestampMode(modeText)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured.Load() {
		return fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	s.lastSpec, s.lastMode = spec, mode
	return s.pipe.Start(spec, mode)
}

// DumpStop halts an active capture.
func (s *Session) DumpStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured.Load() {
		return fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	return s.pipe.Stop()
}

// Info writes a human-readable status block for the controller.
func (s *Session) Info(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured.Load() {
		fmt.Fprintf(w, "%s: not configured\n", s.name)
		return fmt.Errorf("%w: %s", ErrNotConfigured, s.name)
	}
	state := "idle"
	if s.pipe.Running() {
		state = "dumping"
	}
	snap := metrics.Snap()
	fmt.Fprintf(w, "%s: %s\n", s.name, state)
	fmt.Fprintf(w, "  bitrate:     %d\n", s.cfg.Bitrate)
	if s.cfg.FDBitrate > 0 {
		fmt.Fprintf(w, "  fd bitrate:  %d\n", s.cfg.FDBitrate)
	}
	if m := modeString(s.cfg); m != "" {
		fmt.Fprintf(w, "  mode:        %s\n", m)
	}
	fmt.Fprintf(w, "  up since:    %s\n", s.startedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  captured=%d dropped=%d tx=%d tx_timeouts=%d malformed=%d\n",
		snap.Captured, snap.Dropped, snap.Tx, snap.TxTimeouts, snap.Malformed)
	return nil
}

func modeString(cfg driver.Config) string {
	var parts []string
	if cfg.Loopback {
		parts = append(parts, "loopback")
	}
	if cfg.ListenOnly {
		parts = append(parts, "listen-only")
	}
	return strings.Join(parts, ",")
}
