// Package filter parses the console's comma-separated acceptance-filter
// strings into hardware mask and range descriptors.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wbocian/go-can-console/internal/metrics"
)

var (
	// ErrMalformed is returned for tokens that are neither id:mask nor low-high.
	ErrMalformed = errors.New("filter: malformed filter token")
	// ErrOutOfRange is returned when a hex segment is too wide, a range is
	// inverted, or more filters are given than the hardware has slots for.
	ErrOutOfRange = errors.New("filter: value out of range")
)

// Hardware filter slot counts per controller.
const (
	MaxMaskFilters  = 4
	MaxRangeFilters = 4
)

const maxHexDigits = 8

// Mask matches any identifier agreeing with ID wherever Mask has bits set.
type Mask struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// Range matches identifiers in [Low, High].
type Range struct {
	Low      uint32
	High     uint32
	Extended bool
}

// Spec is a parsed filter set. The zero value accepts everything.
type Spec struct {
	Masks  []Mask
	Ranges []Range
}

// Empty reports whether no filters are configured (accept-all).
func (s Spec) Empty() bool { return len(s.Masks) == 0 && len(s.Ranges) == 0 }

// Matches reports whether an identifier passes the filter set. An empty spec
// matches everything. Used by drivers without hardware filtering.
func (s Spec) Matches(id uint32) bool {
	if s.Empty() {
		return true
	}
	for _, m := range s.Masks {
		if id&m.Mask == m.ID&m.Mask {
			return true
		}
	}
	for _, r := range s.Ranges {
		if id >= r.Low && id <= r.High {
			return true
		}
	}
	return false
}

// Parse converts a filter string into a Spec. Tokens are comma separated and
// empty tokens are skipped; "123:7FF" is a mask filter, "010-020" a range
// filter with low <= high. An empty string yields an accept-all Spec.
//
// Any error leaves no partial result: callers must apply no filters at all
// rather than a truncated set.
func Parse(text string) (Spec, error) {
	var spec Spec
	if text == "" {
		return spec, nil
	}
	for _, tok := range strings.Split(text, ",") {
		if tok == "" {
			continue
		}
		if err := parseToken(tok, &spec); err != nil {
			metrics.IncMalformed()
			return Spec{}, err
		}
	}
	return spec, nil
}

func parseToken(tok string, spec *Spec) error {
	if i := strings.IndexByte(tok, ':'); i >= 0 {
		id, err := parseHex(tok[:i])
		if err != nil {
			return err
		}
		mask, err := parseHex(tok[i+1:])
		if err != nil {
			return err
		}
		if len(spec.Masks) >= MaxMaskFilters {
			return fmt.Errorf("%w: more than %d mask filters", ErrOutOfRange, MaxMaskFilters)
		}
		spec.Masks = append(spec.Masks, Mask{ID: id, Mask: mask})
		return nil
	}
	if i := strings.IndexByte(tok, '-'); i >= 0 {
		low, err := parseHex(tok[:i])
		if err != nil {
			return err
		}
		high, err := parseHex(tok[i+1:])
		if err != nil {
			return err
		}
		if low > high {
			return fmt.Errorf("%w: range %X-%X is inverted", ErrOutOfRange, low, high)
		}
		if len(spec.Ranges) >= MaxRangeFilters {
			return fmt.Errorf("%w: more than %d range filters", ErrOutOfRange, MaxRangeFilters)
		}
		spec.Ranges = append(spec.Ranges, Range{Low: low, High: high})
		return nil
	}
	return fmt.Errorf("%w: %q (want id:mask or low-high)", ErrMalformed, tok)
}

func parseHex(s string) (uint32, error) {
	if s == "" || len(s) > maxHexDigits {
		return 0, fmt.Errorf("%w: hex segment %q must be 1-%d digits", ErrOutOfRange, s, maxHexDigits)
	}
	var v uint32
	for i := 0; i < len(s); i++ {
		c := s[i]
		var n uint32
		switch {
		case c >= '0' && c <= '9':
			n = uint32(c - '0')
		case c >= 'A' && c <= 'F':
			n = uint32(c-'A') + 10
		case c >= 'a' && c <= 'f':
			n = uint32(c-'a') + 10
		default:
			return 0, fmt.Errorf("%w: invalid hex digit %q in %q", ErrMalformed, c, s)
		}
		v = v<<4 | n
	}
	return v, nil
}
