//go:build linux

// Package socketcan drives a Linux SocketCAN interface through a raw AF_CAN
// socket. Bitrate and listen-only mode belong to the netlink layer (`ip link
// set ... type can`); the Config values are accepted for uniformity but the
// interface must already be up at the requested rate.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/filter"
	"github.com/wbocian/go-can-console/internal/logging"
	"github.com/wbocian/go-can-console/internal/metrics"
)

// CAN FD wire constants from linux/can.h; golang.org/x/sys/unix does not
// export them.
const (
	canfdBRS = 0x01 // CANFD_BRS: bit rate switch
	canfdESI = 0x02 // CANFD_ESI: error state indicator
	canfdFDF = 0x04 // CANFD_FDF: FD frame marker
	canfdMTU = 72   // CANFD_MTU: sizeof(struct canfd_frame)
)

// Driver implements driver.Driver over one bound AF_CAN socket. Mask slots
// are programmed into the kernel's CAN_RAW_FILTER list on Enable; range
// slots are matched in software in the read pump.
type Driver struct {
	name string
	cfg  driver.Config
	fd   int

	mu      sync.Mutex
	cbs     driver.Callbacks
	rx      []can.Frame
	masks   [filter.MaxMaskFilters]*filter.Mask
	ranges  [filter.MaxRangeFilters]*filter.Range
	enabled bool

	closed   atomic.Bool
	pumpDone chan struct{}
}

// Open binds a raw CAN socket to the named interface. Satisfies
// driver.OpenFunc.
func Open(name string, cfg driver.Config) (driver.Driver, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket(AF_CAN): %w", err)
	}
	fdFrames := 0
	if cfg.FDBitrate > 0 {
		fdFrames = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, fdFrames); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		// unless FD was explicitly requested.
		if err != unix.ENOPROTOOPT || fdFrames == 1 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("socketcan: CAN_RAW_FD_FRAMES: %w", err)
		}
	}
	if cfg.Loopback {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("socketcan: CAN_RAW_RECV_OWN_MSGS: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: if %q: %w", name, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind(can@%s): %w", name, err)
	}
	d := &Driver{name: name, cfg: cfg, fd: fd, pumpDone: make(chan struct{})}
	go d.pump()
	return d, nil
}

func (d *Driver) RegisterCallbacks(cbs driver.Callbacks) {
	d.mu.Lock()
	d.cbs = cbs
	d.mu.Unlock()
}

// Enable pushes the accumulated mask slots to the kernel filter list and
// opens frame delivery.
func (d *Driver) Enable() error {
	if d.closed.Load() {
		return driver.ErrClosed
	}
	d.mu.Lock()
	var kf []unix.CanFilter
	for _, m := range d.masks {
		if m == nil {
			continue
		}
		f := unix.CanFilter{Id: m.ID, Mask: m.Mask}
		if m.Extended {
			f.Id |= unix.CAN_EFF_FLAG
			f.Mask |= unix.CAN_EFF_FLAG
		}
		kf = append(kf, f)
	}
	d.mu.Unlock()
	if len(kf) > 0 {
		if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
			metrics.IncError(metrics.ErrFilterConfig)
			return fmt.Errorf("socketcan: CAN_RAW_FILTER: %w", err)
		}
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
	return nil
}

func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	err := unix.Close(d.fd)
	<-d.pumpDone
	return err
}

// Transmit writes one frame to the socket. A raw CAN socket reports queue
// acceptance, not bus completion, so OnTxDone fires as soon as the kernel
// takes the frame.
func (d *Driver) Transmit(f can.Frame, _ time.Duration) error {
	if d.closed.Load() {
		return driver.ErrClosed
	}
	d.mu.Lock()
	enabled := d.enabled
	onTxDone := d.cbs.OnTxDone
	d.mu.Unlock()
	if !enabled {
		return fmt.Errorf("socketcan: %s disabled: %w", d.name, driver.ErrClosed)
	}
	if d.cfg.ListenOnly {
		return fmt.Errorf("%w: %s is listen-only", driver.ErrUnsupported, d.name)
	}
	if f.FD && d.cfg.FDBitrate == 0 {
		return fmt.Errorf("%w: FD frames need an FD-enabled socket", driver.ErrUnsupported)
	}
	buf, err := encodeWire(f)
	if err != nil {
		return err
	}
	if _, err := unix.Write(d.fd, buf); err != nil {
		metrics.IncError(metrics.ErrDriverTx)
		return fmt.Errorf("socketcan: write %s: %w", d.name, err)
	}
	if onTxDone != nil {
		onTxDone()
	}
	return nil
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
	if slot < 0 || slot >= filter.MaxMaskFilters {
		return fmt.Errorf("socketcan: mask slot %d: %w", slot, filter.ErrOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return driver.ErrNotDisabled
	}
	d.masks[slot] = &m
	return nil
}

func (d *Driver) ConfigureRangeFilter(slot int, r filter.Range) error {
	if slot < 0 || slot >= filter.MaxRangeFilters {
		return fmt.Errorf("socketcan: range slot %d: %w", slot, filter.ErrOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return driver.ErrNotDisabled
	}
	d.ranges[slot] = &r
	return nil
}

// pump blocks in Read and queues decoded frames until the socket is closed.
func (d *Driver) pump() {
	defer close(d.pumpDone)
	log := logging.L()
	var buf [canfdMTU]byte
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if d.closed.Load() || err == unix.EBADF {
				return
			}
			if err == unix.EINTR {
				continue
			}
			metrics.IncError(metrics.ErrDriverRx)
			log.Warn("socketcan_read_error", "device", d.name, "error", err)
			continue
		}
		f, err := decodeWire(buf[:n])
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		d.deliver(f)
	}
}

func (d *Driver) deliver(f can.Frame) {
	d.mu.Lock()
	if !d.enabled || !d.rangeAccepts(f.ID) {
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

// rangeAccepts applies only the range slots; masks were pushed into the
// kernel filter list. No range slots means pass. Caller holds d.mu.
func (d *Driver) rangeAccepts(id uint32) bool {
	any := false
	for _, r := range d.ranges {
		if r == nil {
			continue
		}
		any = true
		if id >= r.Low && id <= r.High {
			return true
		}
	}
	return !any
}

// encodeWire builds a struct can_frame (16 bytes) or canfd_frame (72 bytes)
// in host byte order, as linux/can.h defines them on little-endian targets.
func encodeWire(f can.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= can.CAN_EFF_FLAG
	}
	if f.RTR {
		id |= can.CAN_RTR_FLAG
	}
	if f.FD {
		buf := make([]byte, canfdMTU)
		binary.LittleEndian.PutUint32(buf[0:4], id)
		n := can.DLCToLen(f.DLC)
		buf[4] = uint8(n)
		var flags byte = canfdFDF
		if f.BRS {
			flags |= canfdBRS
		}
		if f.ESI {
			flags |= canfdESI
		}
		buf[5] = flags
		copy(buf[8:], f.Data[:f.Len])
		return buf, nil
	}
	buf := make([]byte, unix.CAN_MTU)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	dlc := f.DLC
	if f.RTR {
		buf[4] = dlc
	} else {
		buf[4] = f.Len
	}
	copy(buf[8:], f.Data[:f.Len])
	return buf, nil
}

// decodeWire parses one datagram from the socket; the read size tells classic
// and FD frames apart.
func decodeWire(buf []byte) (can.Frame, error) {
	var f can.Frame
	switch len(buf) {
	case unix.CAN_MTU:
	case canfdMTU:
		f.FD = true
	default:
		return f, fmt.Errorf("socketcan: short read: %d", len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	f.Extended = id&can.CAN_EFF_FLAG != 0
	f.RTR = !f.FD && id&can.CAN_RTR_FLAG != 0
	if f.Extended {
		f.ID = id & can.CAN_EFF_MASK
	} else {
		f.ID = id & can.CAN_SFF_MASK
	}
	n := int(buf[4])
	if f.FD {
		if n > can.MaxFDDataLen {
			return f, can.ErrInvalidLen
		}
		f.BRS = buf[5]&canfdBRS != 0
		f.ESI = buf[5]&canfdESI != 0
	} else if n > can.MaxDataLen {
		return f, can.ErrInvalidLen
	}
	if f.RTR {
		f.DLC = uint8(n)
		return f, nil
	}
	f.Len = uint8(n)
	f.DLC = can.LenToDLC(n)
	copy(f.Data[:n], buf[8:8+n])
	return f, nil
}
