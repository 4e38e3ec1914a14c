// Package slcan drives Lawicel SLCAN serial adapters (CANable, CANUSB and
// compatible firmwares) over the ASCII line protocol: one command or frame
// per CR-terminated line.
package slcan

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/tarm/serial"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/filter"
	"github.com/wbocian/go-can-console/internal/logging"
	"github.com/wbocian/go-can-console/internal/metrics"
)

// Port abstracts the serial device for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const (
	openAttempts = 5
	openDelay    = 200 * time.Millisecond

	readBufSize  = 256
	rxBackoffMin = 5 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openPort is a hook for tests (overridden in unit tests).
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

// bitrateSetup maps arbitration bitrates to the adapter's Sn command.
var bitrateSetup = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	750000:  '7',
	1000000: '8',
}

// Opener returns a driver.OpenFunc that opens the named serial device at the
// given baud rate, retrying with backoff while the adapter enumerates.
func Opener(baud int, readTimeout time.Duration) driver.OpenFunc {
	return func(name string, cfg driver.Config) (driver.Driver, error) {
		var p Port
		err := retry.Do(
			func() error {
				var err error
				p, err = openPort(name, baud, readTimeout)
				return err
			},
			retry.Attempts(openAttempts),
			retry.Delay(openDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return nil, fmt.Errorf("slcan: open %s: %w", name, err)
		}
		return New(name, p, cfg)
	}
}

// Driver implements driver.Driver over one SLCAN adapter. Frame matching is
// enforced in software from the programmed filter slots; the adapter's single
// acceptance register is programmed from mask slot 0 as a best effort to cut
// bus load.
type Driver struct {
	name string
	cfg  driver.Config

	wmu  sync.Mutex // serializes port writes
	port Port

	mu      sync.Mutex
	cbs     driver.Callbacks
	rx      []can.Frame
	masks   [filter.MaxMaskFilters]*filter.Mask
	ranges  [filter.MaxRangeFilters]*filter.Range
	enabled bool

	closed   atomic.Bool
	pumpDone chan struct{}
}

// New wraps an already-open port. The adapter is left disabled; Enable opens
// the bus channel.
func New(name string, p Port, cfg driver.Config) (*Driver, error) {
	if cfg.FDBitrate > 0 {
		_ = p.Close()
		return nil, fmt.Errorf("%w: slcan has no FD support", driver.ErrUnsupported)
	}
	setup, ok := bitrateSetup[cfg.Bitrate]
	if !ok {
		_ = p.Close()
		return nil, fmt.Errorf("%w: slcan bitrate %d", driver.ErrUnsupported, cfg.Bitrate)
	}
	d := &Driver{name: name, cfg: cfg, port: p, pumpDone: make(chan struct{})}
	// Close a possibly-open channel from a previous run, then set the rate.
	if err := d.command("C"); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := d.command("S" + string(setup)); err != nil {
		_ = p.Close()
		return nil, err
	}
	go d.pump()
	return d, nil
}

func (d *Driver) command(s string) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.port.Write([]byte(s + "\r")); err != nil {
		return fmt.Errorf("slcan: write %s: %w", s, err)
	}
	return nil
}

func (d *Driver) RegisterCallbacks(cbs driver.Callbacks) {
	d.mu.Lock()
	d.cbs = cbs
	d.mu.Unlock()
}

func (d *Driver) Enable() error {
	if d.closed.Load() {
		return driver.ErrClosed
	}
	cmd := "O"
	if d.cfg.ListenOnly {
		cmd = "L"
	}
	if err := d.command(cmd); err != nil {
		return err
	}
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disable() error {
	if d.closed.Load() {
		return driver.ErrClosed
	}
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
	return d.command("C")
}

func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	_ = d.command("C")
	err := d.port.Close()
	<-d.pumpDone
	return err
}

// Transmit encodes the frame as an SLCAN line and writes it. The adapter's
// transmit acknowledgement (z/Z) later fires OnTxDone from the read pump.
func (d *Driver) Transmit(f can.Frame, _ time.Duration) error {
	if d.closed.Load() {
		return driver.ErrClosed
	}
	d.mu.Lock()
	enabled := d.enabled
	d.mu.Unlock()
	if !enabled {
		return fmt.Errorf("slcan: %s: %w", d.name, driver.ErrClosed)
	}
	if f.FD {
		return fmt.Errorf("%w: slcan cannot transmit FD frames", driver.ErrUnsupported)
	}
	line, err := encodeLine(f)
	if err != nil {
		return err
	}
	return d.command(line)
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

// ConfigureMaskFilter stores the slot and, for slot 0, programs the adapter's
// acceptance code/mask registers (SJA1000 convention: mask bit 1 = don't
// care, hence the inversion).
func (d *Driver) ConfigureMaskFilter(slot int, m filter.Mask) error {
	if slot < 0 || slot >= filter.MaxMaskFilters {
		return fmt.Errorf("slcan: mask slot %d: %w", slot, filter.ErrOutOfRange)
	}
	d.mu.Lock()
	if d.enabled {
		d.mu.Unlock()
		return driver.ErrNotDisabled
	}
	d.masks[slot] = &m
	d.mu.Unlock()
	if slot != 0 {
		return nil
	}
	if err := d.command(fmt.Sprintf("M%08X", m.ID)); err != nil {
		return err
	}
	return d.command(fmt.Sprintf("m%08X", ^m.Mask))
}

func (d *Driver) ConfigureRangeFilter(slot int, r filter.Range) error {
	if slot < 0 || slot >= filter.MaxRangeFilters {
		return fmt.Errorf("slcan: range slot %d: %w", slot, filter.ErrOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return driver.ErrNotDisabled
	}
	d.ranges[slot] = &r
	return nil
}

// pump reads the port, splits CR-terminated lines and dispatches frames and
// transmit acks. It exits when the port is closed.
func (d *Driver) pump() {
	defer close(d.pumpDone)
	log := logging.L()
	buf := make([]byte, readBufSize)
	var acc []byte
	backoff := rxBackoffMin
	for {
		n, err := d.port.Read(buf)
		if n > 0 {
			acc = d.consume(append(acc, buf[:n]...))
			backoff = rxBackoffMin
		}
		if err != nil {
			if d.closed.Load() {
				return
			}
			metrics.IncError(metrics.ErrDriverRx)
			log.Warn("slcan_read_error", "device", d.name, "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

// consume processes complete lines in acc and returns the unread remainder.
func (d *Driver) consume(acc []byte) []byte {
	for {
		i := indexCR(acc)
		if i < 0 {
			return acc
		}
		d.handleLine(string(acc[:i]))
		acc = acc[i+1:]
	}
}

func indexCR(b []byte) int {
	for i, c := range b {
		if c == '\r' || c == 0x07 { // bell terminates an error reply
			return i
		}
	}
	return -1
}

func (d *Driver) handleLine(line string) {
	if line == "" {
		return
	}
	switch line[0] {
	case 't', 'T', 'r', 'R':
		f, err := decodeLine(line)
		if err != nil {
			metrics.IncMalformed()
			return
		}
		d.deliver(f)
	case 'z', 'Z': // transmit acknowledged
		d.mu.Lock()
		onTxDone := d.cbs.OnTxDone
		d.mu.Unlock()
		if onTxDone != nil {
			onTxDone()
		}
	case 'F': // status flags reply; surface error bits in the log
		logging.L().Warn("slcan_status", "device", d.name, "flags", line[1:])
	}
}

func (d *Driver) deliver(f can.Frame) {
	d.mu.Lock()
	if !d.enabled || !d.accepts(f.ID) {
		d.mu.Unlock()
		return
	}
	d.rx = append(d.rx, f)
	onReceive := d.cbs.OnReceive
	d.mu.Unlock()
	if onReceive != nil {
		onReceive()
	}
}

// accepts applies the programmed slots; no slots means accept everything.
// Caller holds d.mu.
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

// encodeLine renders a classic frame in SLCAN wire form: t/T for data
// frames, r/R for remote requests, standard/extended identifier.
func encodeLine(f can.Frame) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	switch {
	case f.RTR && f.Extended:
		fmt.Fprintf(&b, "R%08X%d", f.ID, f.DLC)
	case f.RTR:
		fmt.Fprintf(&b, "r%03X%d", f.ID, f.DLC)
	case f.Extended:
		fmt.Fprintf(&b, "T%08X%d", f.ID, f.Len)
	default:
		fmt.Fprintf(&b, "t%03X%d", f.ID, f.Len)
	}
	if !f.RTR {
		for _, by := range f.Data[:f.Len] {
			fmt.Fprintf(&b, "%02X", by)
		}
	}
	return b.String(), nil
}

// decodeLine parses an incoming SLCAN frame line.
func decodeLine(line string) (can.Frame, error) {
	var f can.Frame
	kind := line[0]
	f.Extended = kind == 'T' || kind == 'R'
	f.RTR = kind == 'r' || kind == 'R'
	idLen := 3
	if f.Extended {
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return f, fmt.Errorf("slcan: short frame line %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return f, fmt.Errorf("slcan: identifier in %q: %w", line, err)
	}
	f.ID = uint32(id)
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > int(can.MaxDataLen) {
		return f, fmt.Errorf("slcan: dlc in %q out of range", line)
	}
	f.DLC = uint8(dlc)
	if f.RTR {
		return f, f.Validate()
	}
	body := line[1+idLen+1:]
	if len(body) != 2*dlc {
		return f, fmt.Errorf("slcan: payload length in %q", line)
	}
	for i := 0; i < dlc; i++ {
		by, err := strconv.ParseUint(body[2*i:2*i+2], 16, 8)
		if err != nil {
			return f, fmt.Errorf("slcan: payload in %q: %w", line, err)
		}
		f.Data[i] = byte(by)
	}
	f.Len = uint8(dlc)
	return f, f.Validate()
}
