// Package frametext converts between the compact frame-string form used on
// the console (123#AABBCC, 12345678#R2, 123##1DEADBEEF) and can.Frame, and
// renders captured frames as trace lines.
package frametext

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wbocian/go-can-console/internal/can"
	"github.com/wbocian/go-can-console/internal/metrics"
)

var (
	// ErrMalformed is returned for format violations: a misplaced '#',
	// an invalid hex digit or an odd number of payload digits.
	ErrMalformed = errors.New("frametext: malformed frame string")
	// ErrOutOfRange is returned when the identifier, an RTR DLC nibble or
	// the FD flags nibble exceeds its legal range.
	ErrOutOfRange = errors.New("frametext: value out of range")
	// ErrTooLong is returned when the payload exceeds the frame kind's maximum.
	ErrTooLong = errors.New("frametext: payload too long")
)

const (
	stdIDDigits = 3
	extIDDigits = 8

	// Frame-string FD flags nibble: bit0 = BRS, bit1 = ESI.
	fdFlagBRS = 0x1
	fdFlagESI = 0x2
	fdFlagMax = fdFlagBRS | fdFlagESI
)

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// Decode parses a frame string into a frame.
//
// Grammar: <id>#<body> with the '#' at digit 4 (standard) or digit 9
// (extended). Body forms, matched in order:
//
//	R[<dlc>]         remote request; DLC nibble optional, 0 when absent
//	#<flags><bytes>  FD frame; flags nibble 0-3 (bit0 BRS, bit1 ESI)
//	<bytes>[_<dlc>]  classic data frame, up to 8 bytes
//
// Payload bytes are hex pairs with optional '.' separators. The classic
// _<dlc> suffix is recognized only after a full 8-byte payload; a nibble
// above 8 pins the reported DLC to 8 without adding bytes.
func Decode(text string) (can.Frame, error) {
	var f can.Frame
	hash := strings.IndexByte(text, '#')
	switch hash {
	case stdIDDigits:
	case extIDDigits:
		f.Extended = true
	default:
		metrics.IncMalformed()
		return f, fmt.Errorf("%w: expected <id>#<body> with a %d or %d digit identifier", ErrMalformed, stdIDDigits, extIDDigits)
	}

	for i := 0; i < hash; i++ {
		n, ok := hexNibble(text[i])
		if !ok {
			metrics.IncMalformed()
			return f, fmt.Errorf("%w: invalid hex digit %q in identifier", ErrMalformed, text[i])
		}
		f.ID = f.ID<<4 | uint32(n)
	}
	idMax := uint32(can.CAN_SFF_MASK)
	if f.Extended {
		idMax = can.CAN_EFF_MASK
	}
	if f.ID > idMax {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w: identifier 0x%X exceeds 0x%X", ErrOutOfRange, f.ID, idMax)
	}

	body := text[hash+1:]
	switch {
	case len(body) > 0 && (body[0] == 'R' || body[0] == 'r'):
		if err := decodeRemote(body[1:], &f); err != nil {
			metrics.IncMalformed()
			return can.Frame{}, err
		}
	case len(body) > 0 && body[0] == '#':
		if err := decodeFD(body[1:], &f); err != nil {
			metrics.IncMalformed()
			return can.Frame{}, err
		}
	default:
		if err := decodeClassic(body, &f); err != nil {
			metrics.IncMalformed()
			return can.Frame{}, err
		}
	}
	return f, nil
}

// decodeRemote parses the remainder after "R". The optional DLC nibble must
// be 0-8; remote frames never carry payload bytes.
func decodeRemote(rest string, f *can.Frame) error {
	f.RTR = true
	if rest == "" {
		f.DLC = 0
		return nil
	}
	if len(rest) > 1 {
		return fmt.Errorf("%w: trailing %q after remote request DLC", ErrMalformed, rest[1:])
	}
	dlc, ok := hexNibble(rest[0])
	if !ok {
		return fmt.Errorf("%w: invalid remote request DLC %q", ErrMalformed, rest[0])
	}
	if dlc > can.MaxDataLen {
		return fmt.Errorf("%w: remote request DLC %d exceeds %d", ErrOutOfRange, dlc, can.MaxDataLen)
	}
	f.DLC = dlc
	return nil
}

// decodeFD parses the remainder after "##": one flags nibble, then payload.
func decodeFD(rest string, f *can.Frame) error {
	if rest == "" {
		return fmt.Errorf("%w: missing FD flags nibble", ErrMalformed)
	}
	flags, ok := hexNibble(rest[0])
	if !ok {
		return fmt.Errorf("%w: invalid FD flags nibble %q", ErrMalformed, rest[0])
	}
	if flags > fdFlagMax {
		return fmt.Errorf("%w: FD flags %#X, valid range 0-%d", ErrOutOfRange, flags, fdFlagMax)
	}
	f.FD = true
	f.BRS = flags&fdFlagBRS != 0
	f.ESI = flags&fdFlagESI != 0

	n, tail, err := decodePayload(rest[1:], f.Data[:0], can.MaxFDDataLen)
	if err != nil {
		return err
	}
	if tail != "" {
		return fmt.Errorf("%w: trailing %q after FD payload", ErrMalformed, tail)
	}
	f.Len = uint8(n)
	f.DLC = can.LenToDLC(n)
	return nil
}

// decodeClassic parses a classic data frame body with the optional _<dlc>
// override suffix.
func decodeClassic(body string, f *can.Frame) error {
	n, tail, err := decodePayload(body, f.Data[:0], can.MaxDataLen)
	if err != nil {
		return err
	}
	f.Len = uint8(n)
	f.DLC = uint8(n)
	if tail == "" {
		return nil
	}
	if tail[0] != '_' || len(tail) != 2 {
		return fmt.Errorf("%w: trailing %q after payload", ErrMalformed, tail)
	}
	dlc, ok := hexNibble(tail[1])
	if !ok {
		return fmt.Errorf("%w: invalid DLC override %q", ErrMalformed, tail[1])
	}
	// The override only takes effect after a full 8-byte payload, and a
	// value above 8 collapses back to 8 on the wire.
	if n == can.MaxDataLen && dlc > can.MaxDataLen {
		f.DLC = can.MaxDataLen
	}
	return nil
}

// decodePayload appends hex-pair bytes from s into dst, skipping '.'
// separators, until max bytes were read or a '_' suffix begins. It returns
// the byte count and the unconsumed tail.
func decodePayload(s string, dst []byte, max int) (int, string, error) {
	n := 0
	i := 0
	for i < len(s) {
		switch {
		case s[i] == '.':
			i++
			continue
		case s[i] == '_':
			return n, s[i:], nil
		}
		hi, ok := hexNibble(s[i])
		if !ok {
			return n, s[i:], fmt.Errorf("%w: invalid hex digit %q in payload", ErrMalformed, s[i])
		}
		if i+1 >= len(s) {
			return n, "", fmt.Errorf("%w: odd number of payload hex digits", ErrMalformed)
		}
		lo, ok := hexNibble(s[i+1])
		if !ok {
			return n, "", fmt.Errorf("%w: invalid hex digit %q in payload", ErrMalformed, s[i+1])
		}
		if n == max {
			return n, "", fmt.Errorf("%w: payload exceeds %d bytes", ErrTooLong, max)
		}
		dst = append(dst, hi<<4|lo)
		n++
		i += 2
	}
	return n, "", nil
}

// EncodeText renders a frame back into its compact frame-string form.
// It is the exact inverse of Decode for valid frames.
func EncodeText(f can.Frame) string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	switch {
	case f.RTR:
		b.WriteByte('R')
		if f.DLC > 0 {
			fmt.Fprintf(&b, "%X", f.DLC)
		}
	case f.FD:
		flags := 0
		if f.BRS {
			flags |= fdFlagBRS
		}
		if f.ESI {
			flags |= fdFlagESI
		}
		fmt.Fprintf(&b, "#%X", flags)
		for _, d := range f.Payload() {
			fmt.Fprintf(&b, "%02X", d)
		}
	default:
		for _, d := range f.Payload() {
			fmt.Fprintf(&b, "%02X", d)
		}
	}
	return b.String()
}

// FormatLine renders one captured frame as a trace line: timestamp prefix,
// controller name, zero-padded identifier, then [R<dlc>] or [<n>] with the
// payload bytes in uppercase hex.
func FormatLine(f *can.Frame, name, stamp string) string {
	var b strings.Builder
	b.WriteString(stamp)
	b.WriteString(name)
	b.WriteString("  ")
	if f.Extended {
		fmt.Fprintf(&b, "%08X  ", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X  ", f.ID)
	}
	if f.RTR {
		fmt.Fprintf(&b, "[R%d]", f.DLC)
	} else {
		n := int(f.DLC)
		if f.FD {
			n = can.DLCToLen(f.DLC)
		}
		fmt.Fprintf(&b, "[%d]", n)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "  %02X", f.Data[i])
		}
	}
	b.WriteByte('\n')
	return b.String()
}
