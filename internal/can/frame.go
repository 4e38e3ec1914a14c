package can

import "errors"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Payload limits for the two frame kinds.
const (
	MaxDataLen   = 8  // classic frame
	MaxFDDataLen = 64 // flexible data rate frame
)

var (
	ErrInvalidID  = errors.New("can: identifier out of range")
	ErrInvalidLen = errors.New("can: invalid payload length")
)

// Frame is one bus message unit. Only the first Len bytes of Data are valid.
// DLC carries the wire data-length code: equal to Len for classic frames
// (modulo the legacy _<dlc> override that pins it to 8) and the quantized
// code for FD frames.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool
	RTR      bool // remote transmission request, no payload
	FD       bool // flexible data rate frame
	BRS      bool // bit rate switch (FD only)
	ESI      bool // error state indicator (FD only)
	DLC      uint8
	Len      uint8
	Data     [64]byte
}

// Validate checks identifier range and payload length against the frame kind.
func (f Frame) Validate() error {
	max := uint32(CAN_SFF_MASK)
	if f.Extended {
		max = CAN_EFF_MASK
	}
	if f.ID > max {
		return ErrInvalidID
	}
	switch {
	case f.RTR:
		if f.Len != 0 {
			return ErrInvalidLen
		}
	case f.FD:
		if int(f.Len) > MaxFDDataLen {
			return ErrInvalidLen
		}
	default:
		if int(f.Len) > MaxDataLen {
			return ErrInvalidLen
		}
	}
	return nil
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g = f
	return g
}

// fdLenSteps is the fixed FD payload quantization table above 8 bytes.
var fdLenSteps = [...]uint8{12, 16, 20, 24, 32, 48, 64}

// LenToDLC converts a payload length to its data-length code. Lengths up to 8
// map 1:1; FD lengths round up to the next quantization step.
func LenToDLC(n int) uint8 {
	if n <= MaxDataLen {
		if n < 0 {
			return 0
		}
		return uint8(n)
	}
	for i, step := range fdLenSteps {
		if n <= int(step) {
			return uint8(9 + i)
		}
	}
	return 15
}

// DLCToLen converts a data-length code back to the payload byte count.
func DLCToLen(dlc uint8) int {
	if dlc <= MaxDataLen {
		return int(dlc)
	}
	if dlc > 15 {
		dlc = 15
	}
	return int(fdLenSteps[dlc-9])
}
