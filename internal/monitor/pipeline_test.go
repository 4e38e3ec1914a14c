package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/driver"
	"github.com/wbocian/go-can-console/internal/driver/loopback"
	"github.com/wbocian/go-can-console/internal/filter"
	"github.com/wbocian/go-can-console/internal/frametext"
	"github.com/wbocian/go-can-console/internal/metrics"
)

func newLoopback(t *testing.T) *loopback.Driver {
	t.Helper()
	d := loopback.New("can0", driver.Config{Bitrate: 500000})
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return d
}

func frameWithID(id uint32) can.Frame {
	return can.Frame{ID: id, Len: 1, DLC: 1, Data: [64]byte{byte(id)}}
}

// gateWriter blocks each Write until released, so tests control consumption.
type gateWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	entered chan struct{}
	release chan struct{}
}

func newGateWriter() *gateWriter {
	return &gateWriter{
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

func (w *gateWriter) Write(p []byte) (int, error) {
	w.entered <- struct{}{}
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gateWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func waitEntered(t *testing.T, w *gateWriter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-w.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("consumer produced only %d of %d lines", i, n)
		}
	}
}

func TestBurstDropsWithoutBlockingProducer(t *testing.T) {
	const qsize = 4
	d := newLoopback(t)
	w := newGateWriter()
	p := New("can0", d, w, WithQueueSize(qsize), WithPollTimeout(20*time.Millisecond))
	d.RegisterCallbacks(driver.Callbacks{OnReceive: p.OnReceive})

	before := metrics.Snap().Dropped
	if err := p.Start(filter.Spec{}, frametext.TimestampNone); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Park the consumer inside a Write so nothing drains the queue.
	d.Inject(frameWithID(0x0A0))
	waitEntered(t, w, 1)

	// Burst more than the queue can hold. Inject returns immediately every
	// time: the producer path never blocks.
	burstStart := time.Now()
	for id := uint32(1); id <= qsize+5; id++ {
		d.Inject(frameWithID(id))
	}
	if took := time.Since(burstStart); took > time.Second {
		t.Fatalf("burst took %v, producer appears to block", took)
	}

	close(w.release)
	waitEntered(t, w, qsize) // the queued survivors
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(w.String(), "\n"), "\n")
	if len(lines) != qsize+1 {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), qsize+1, w.String())
	}
	// Survivors keep acceptance order.
	for i := 1; i <= qsize; i++ {
		want := fmt.Sprintf("can0  %03X  [1]", uint32(i))
		if !strings.HasPrefix(lines[i], want) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], want)
		}
	}
	if dropped := metrics.Snap().Dropped - before; dropped < 5 {
		t.Errorf("dropped = %d, want >= 5", dropped)
	}
}

func TestDeliveryOrderAndFormat(t *testing.T) {
	d := newLoopback(t)
	var buf bytes.Buffer
	done := make(chan struct{}, 16)
	w := notifyWriter{w: &buf, done: done}
	p := New("can0", d, w, WithPollTimeout(10*time.Millisecond))
	d.RegisterCallbacks(driver.Callbacks{OnReceive: p.OnReceive})

	if err := p.Start(filter.Spec{}, frametext.TimestampNone); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ids := []uint32{0x123, 0x7FF, 0x001}
	for _, id := range ids {
		d.Inject(can.Frame{ID: id, Len: 2, DLC: 2, Data: [64]byte{0xDE, 0xAD}})
		<-done // serialize: one line out before the next frame goes in
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := "can0  123  [2]  DE  AD\n" +
		"can0  7FF  [2]  DE  AD\n" +
		"can0  001  [2]  DE  AD\n"
	if buf.String() != want {
		t.Fatalf("trace mismatch:\ngot:\n%swant:\n%s", buf.String(), want)
	}
}

type notifyWriter struct {
	w    *bytes.Buffer
	done chan struct{}
}

func (n notifyWriter) Write(p []byte) (int, error) {
	c, err := n.w.Write(p)
	n.done <- struct{}{}
	return c, err
}

func TestStartIsIdempotent(t *testing.T) {
	d := newLoopback(t)
	p := New("can0", d, &bytes.Buffer{}, WithPollTimeout(10*time.Millisecond))
	if err := p.Start(filter.Spec{}, frametext.TimestampNone); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(filter.Spec{}, frametext.TimestampNone); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Running() {
		t.Fatal("still running after Stop")
	}
}

func TestStopWhenIdleIsNoOp(t *testing.T) {
	p := New("can0", newLoopback(t), &bytes.Buffer{})
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop on idle pipeline: %v", err)
	}
}

func TestStopTimeoutWhenConsumerStuck(t *testing.T) {
	d := newLoopback(t)
	w := newGateWriter() // never released: consumer wedges in Write
	p := New("can0", d, w, WithPollTimeout(10*time.Millisecond))
	d.RegisterCallbacks(driver.Callbacks{OnReceive: p.OnReceive})
	if err := p.Start(filter.Spec{}, frametext.TimestampNone); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.Inject(frameWithID(1))
	waitEntered(t, w, 1)
	if err := p.Stop(); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop err = %v, want ErrStopTimeout", err)
	}
}

func TestProducerNoOpWhenIdle(t *testing.T) {
	d := newLoopback(t)
	var buf bytes.Buffer
	p := New("can0", d, &buf)
	d.RegisterCallbacks(driver.Callbacks{OnReceive: p.OnReceive})
	d.Inject(frameWithID(1)) // pipeline idle: must vanish without output
	if buf.Len() != 0 {
		t.Fatalf("idle pipeline produced output: %q", buf.String())
	}
}

func TestFilteredCapture(t *testing.T) {
	d := loopback.New("can0", driver.Config{Bitrate: 500000})
	var buf bytes.Buffer
	done := make(chan struct{}, 16)
	p := New("can0", d, notifyWriter{w: &buf, done: done}, WithPollTimeout(10*time.Millisecond))
	d.RegisterCallbacks(driver.Callbacks{OnReceive: p.OnReceive})

	spec, err := filter.Parse("100:7F0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Start programs the filters itself; driver begins disabled.
	if err := p.Start(spec, frametext.TimestampNone); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.Inject(frameWithID(0x105)) // accepted
	<-done
	d.Inject(frameWithID(0x205)) // rejected by hardware filter
	d.Inject(frameWithID(0x10F)) // accepted
	<-done
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "105") || !strings.Contains(out, "10F") {
		t.Fatalf("accepted frames missing from trace:\n%s", out)
	}
	if strings.Contains(out, "205") {
		t.Fatalf("rejected frame leaked into trace:\n%s", out)
	}
}
