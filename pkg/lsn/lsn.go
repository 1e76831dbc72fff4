// Package lsn provides the PostgreSQL Log Sequence Number type and helpers
// for formatting, parsing, and lag computation.
package lsn

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a 64-bit position within the server's write-ahead log,
// monotonic per server.
type LSN uint64

// String formats the LSN in the X/X hexadecimal form used by PostgreSQL,
// e.g. "16/B374D848".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Parse converts the textual X/X form into an LSN.
func Parse(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("invalid LSN %q: expected X/X format", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	return LSN(h<<32 | l), nil
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}
