//go:build linux

package socketcan

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/filter"
)

func TestWireRoundTripClassic(t *testing.T) {
	in := can.Frame{ID: 0x123, Len: 3, DLC: 3, Data: [64]byte{0xDE, 0xAD, 0xBE}}
	buf, err := encodeWire(in)
	if err != nil {
		t.Fatalf("encodeWire: %v", err)
	}
	if len(buf) != unix.CAN_MTU {
		t.Fatalf("classic frame size = %d", len(buf))
	}
	out, err := decodeWire(buf)
	if err != nil {
		t.Fatalf("decodeWire: %v", err)
	}
	if out.ID != in.ID || out.Len != in.Len || out.Data != in.Data || out.FD || out.RTR || out.Extended {
		t.Errorf("round trip = %+v", out)
	}
}

func TestWireRoundTripFD(t *testing.T) {
	in := can.Frame{ID: 0x1ABCDEF0 & can.CAN_EFF_MASK, Extended: true, FD: true, BRS: true, Len: 12, DLC: can.LenToDLC(12)}
	copy(in.Data[:], []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	buf, err := encodeWire(in)
	if err != nil {
		t.Fatalf("encodeWire: %v", err)
	}
	if len(buf) != canfdMTU {
		t.Fatalf("fd frame size = %d", len(buf))
	}
	if buf[5]&canfdBRS == 0 {
		t.Error("BRS flag not set on the wire")
	}
	out, err := decodeWire(buf)
	if err != nil {
		t.Fatalf("decodeWire: %v", err)
	}
	if !out.FD || !out.Extended || !out.BRS || out.ESI || out.ID != in.ID || out.Len != 12 {
		t.Errorf("round trip = %+v", out)
	}
}

func TestWireRemoteFrame(t *testing.T) {
	in := can.Frame{ID: 0x7FF, RTR: true, DLC: 4}
	buf, err := encodeWire(in)
	if err != nil {
		t.Fatalf("encodeWire: %v", err)
	}
	out, err := decodeWire(buf)
	if err != nil {
		t.Fatalf("decodeWire: %v", err)
	}
	if !out.RTR || out.DLC != 4 || out.Len != 0 {
		t.Errorf("round trip = %+v", out)
	}
}

func TestDecodeWireRejectsShortRead(t *testing.T) {
	if _, err := decodeWire(make([]byte, 7)); err == nil {
		t.Error("short datagram accepted")
	}
}

func TestRangeAccepts(t *testing.T) {
	d := &Driver{}
	if !d.rangeAccepts(0x123) {
		t.Error("no slots must accept everything")
	}
	d.ranges[0] = &filter.Range{Low: 0x100, High: 0x1FF}
	if !d.rangeAccepts(0x150) || d.rangeAccepts(0x200) {
		t.Error("range slot not applied")
	}
}
