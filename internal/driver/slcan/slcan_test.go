package slcan

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/filter"
)

// fakePort feeds scripted adapter output to the read pump and records
// everything written to the adapter.
type fakePort struct {
	mu     sync.Mutex
	wrote  bytes.Buffer
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(b)
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.String()
}

func (p *fakePort) feed(line string) { p.rx <- []byte(line + "\r") }

func newDriver(t *testing.T, cfg driver.Config) (*Driver, *fakePort) {
	t.Helper()
	p := newFakePort()
	d, err := New("slcan0", p, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, p
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNewProgramsAdapter(t *testing.T) {
	_, p := newDriver(t, driver.Config{Bitrate: 500000})
	if got := p.written(); got != "C\rS6\r" {
		t.Errorf("setup commands = %q, want C then S6", got)
	}
}

func TestNewRejectsUnsupportedConfig(t *testing.T) {
	if _, err := New("slcan0", newFakePort(), driver.Config{Bitrate: 33333}); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("odd bitrate: err = %v", err)
	}
	if _, err := New("slcan0", newFakePort(), driver.Config{Bitrate: 500000, FDBitrate: 2000000}); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("fd config: err = %v", err)
	}
}

func TestEnableListenOnly(t *testing.T) {
	d, p := newDriver(t, driver.Config{Bitrate: 125000, ListenOnly: true})
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !strings.HasSuffix(p.written(), "L\r") {
		t.Errorf("written = %q, want trailing L", p.written())
	}
}

func TestReceiveDeliversAcceptedFrames(t *testing.T) {
	d, p := newDriver(t, driver.Config{Bitrate: 500000})
	got := make(chan struct{}, 8)
	d.RegisterCallbacks(driver.Callbacks{OnReceive: func() { got <- struct{}{} }})
	if err := d.ConfigureMaskFilter(0, filter.Mask{ID: 0x100, Mask: 0x700}); err != nil {
		t.Fatalf("ConfigureMaskFilter: %v", err)
	}
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	p.feed("t1042DEAD") // 0x104 matches 100/700
	waitSignal(t, got, "frame delivery")
	f, ok := d.ReceiveFromISR()
	if !ok || f.ID != 0x104 || f.Len != 2 || f.Data[0] != 0xDE || f.Data[1] != 0xAD {
		t.Fatalf("frame = %+v, ok=%v", f, ok)
	}
	// 0x204 fails the mask and must be dropped before the queue.
	p.feed("t2041FF")
	p.feed("t1050") // marker frame proves pump progressed past the reject
	waitSignal(t, got, "marker frame")
	f, ok = d.ReceiveFromISR()
	if !ok || f.ID != 0x105 {
		t.Fatalf("after filtered frame: got %+v, ok=%v", f, ok)
	}
	if !strings.Contains(p.written(), "M00000100\r") || !strings.Contains(p.written(), "mFFFFF8FF\r") {
		t.Errorf("acceptance registers not programmed: %q", p.written())
	}
}

func TestTxAckFiresOnTxDone(t *testing.T) {
	d, p := newDriver(t, driver.Config{Bitrate: 500000})
	ack := make(chan struct{}, 1)
	d.RegisterCallbacks(driver.Callbacks{OnTxDone: func() { ack <- struct{}{} }})
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	f := can.Frame{ID: 0x7FF, Len: 2, DLC: 2, Data: [64]byte{0xBE, 0xEF}}
	if err := d.Transmit(f, time.Second); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if !strings.HasSuffix(p.written(), "t7FF2BEEF\r") {
		t.Errorf("wire form = %q", p.written())
	}
	p.feed("z")
	waitSignal(t, ack, "tx ack")
}

func TestTransmitRejectsWhenDisabled(t *testing.T) {
	d, _ := newDriver(t, driver.Config{Bitrate: 500000})
	f := can.Frame{ID: 1, Len: 1, DLC: 1}
	if err := d.Transmit(f, time.Second); err == nil {
		t.Fatal("Transmit on disabled driver did not fail")
	}
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	fd := can.Frame{ID: 1, FD: true, Len: 12, DLC: 9}
	if err := d.Transmit(fd, time.Second); !errors.Is(err, driver.ErrUnsupported) {
		t.Fatalf("FD Transmit = %v", err)
	}
}

func TestFilterConfigRequiresDisabled(t *testing.T) {
	d, _ := newDriver(t, driver.Config{Bitrate: 500000})
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := d.ConfigureMaskFilter(0, filter.Mask{}); !errors.Is(err, driver.ErrNotDisabled) {
		t.Errorf("mask while enabled = %v", err)
	}
	if err := d.ConfigureRangeFilter(0, filter.Range{}); !errors.Is(err, driver.ErrNotDisabled) {
		t.Errorf("range while enabled = %v", err)
	}
}

func TestEncodeLine(t *testing.T) {
	cases := []struct {
		f    can.Frame
		want string
	}{
		{can.Frame{ID: 0x123, Len: 2, DLC: 2, Data: [64]byte{0xDE, 0xAD}}, "t1232DEAD"},
		{can.Frame{ID: 0x1FFFFFFF, Extended: true, Len: 1, DLC: 1, Data: [64]byte{0x01}}, "T1FFFFFFF101"},
		{can.Frame{ID: 0x123, RTR: true, DLC: 5}, "r1235"},
		{can.Frame{ID: 0xABCDEF, Extended: true, RTR: true, DLC: 0}, "R00ABCDEF0"},
	}
	for _, tc := range cases {
		got, err := encodeLine(tc.f)
		if err != nil || got != tc.want {
			t.Errorf("encodeLine(%+v) = %q, %v; want %q", tc.f, got, err, tc.want)
		}
	}
}

func TestDecodeLineErrors(t *testing.T) {
	for _, line := range []string{"t12", "t123", "tXYZ1AA", "t1239" + strings.Repeat("A", 18), "t1232DEA", "t1232DEXX"} {
		if _, err := decodeLine(line); err == nil {
			t.Errorf("decodeLine(%q) accepted malformed input", line)
		}
	}
}

func TestGarbageResync(t *testing.T) {
	d, p := newDriver(t, driver.Config{Bitrate: 500000})
	got := make(chan struct{}, 1)
	d.RegisterCallbacks(driver.Callbacks{OnReceive: func() { got <- struct{}{} }})
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	p.feed("t???")       // malformed, dropped with a metric bump
	p.feed("\x07")       // bell reply from an unknown command
	p.feed("t0011FF")    // valid frame after the noise
	waitSignal(t, got, "frame after garbage")
	f, ok := d.ReceiveFromISR()
	if !ok || f.ID != 0x001 || f.Data[0] != 0xFF {
		t.Fatalf("frame = %+v, ok=%v", f, ok)
	}
}
