// Package modem is the symbol-to-constellation capability the modulator
// drives. A Capability creates opaque handles bound to one Scheme, maps
// symbol indices to complex baseband samples through them, and destroys
// them. Handles may carry internal state (differential schemes track the
// previous phase), so symbols must be fed in stream order.
package modem

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"strings"
	"sync/atomic"
)

var (
	// ErrSymbolRange is returned for symbols outside the constellation.
	ErrSymbolRange = errors.New("modem: symbol exceeds constellation size")
	// ErrUnknownScheme is returned by Create and ParseScheme.
	ErrUnknownScheme = errors.New("modem: unknown scheme")
	// ErrInvalidHandle is returned for nil, foreign or destroyed handles.
	ErrInvalidHandle = errors.New("modem: invalid handle")
)

// Scheme identifies a modulation scheme.
type Scheme int

const (
	BPSK Scheme = iota + 1
	DBPSK
	QPSK
	PSK8
	OOK
)

var schemeNames = map[Scheme]string{
	BPSK:  "bpsk",
	DBPSK: "dbpsk",
	QPSK:  "qpsk",
	PSK8:  "psk8",
	OOK:   "ook",
}

func (s Scheme) String() string {
	if name, ok := schemeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// ParseScheme maps a configuration name ("bpsk", "QPSK", "8psk", ...) to a
// Scheme.
func ParseScheme(name string) (Scheme, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "8psk" {
		n = "psk8"
	}
	for s, sn := range schemeNames {
		if sn == n {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
}

// BitsPerSymbol is log2 of the constellation size.
func (s Scheme) BitsPerSymbol() int {
	switch s {
	case BPSK, DBPSK, OOK:
		return 1
	case QPSK:
		return 2
	case PSK8:
		return 3
	}
	return 0
}

// Order is the number of constellation points.
func (s Scheme) Order() int {
	if b := s.BitsPerSymbol(); b > 0 {
		return 1 << b
	}
	return 0
}

// Handle is an opaque reference to modulator state created by a Capability.
type Handle interface {
	Scheme() Scheme
}

// Capability creates, drives and destroys modulator handles.
type Capability interface {
	Create(scheme Scheme) (Handle, error)
	Modulate(h Handle, symbol uint32) (complex64, error)
	Destroy(h Handle) error
}

// Native is the in-process table-driven Capability.
type Native struct {
	live atomic.Int64
}

// NewNative returns a Native capability.
func NewNative() *Native {
	return &Native{}
}

// Live reports how many handles have been created and not destroyed.
func (n *Native) Live() int64 {
	return n.live.Load()
}

type nativeHandle struct {
	owner     *Native
	scheme    Scheme
	table     []complex64
	phase     complex64 // DBPSK reference phase
	destroyed bool
}

func (h *nativeHandle) Scheme() Scheme { return h.scheme }

// Create builds a fresh handle with its state reset.
func (n *Native) Create(scheme Scheme) (Handle, error) {
	table, err := constellation(scheme)
	if err != nil {
		return nil, err
	}
	n.live.Add(1)
	return &nativeHandle{owner: n, scheme: scheme, table: table, phase: 1}, nil
}

// Modulate maps symbol to its constellation point.
func (n *Native) Modulate(h Handle, symbol uint32) (complex64, error) {
	nh, err := n.own(h)
	if err != nil {
		return 0, err
	}
	if symbol >= uint32(len(nh.table)) {
		return 0, fmt.Errorf("%w: symbol %d, %s has %d points", ErrSymbolRange, symbol, nh.scheme, len(nh.table))
	}
	if nh.scheme == DBPSK {
		nh.phase *= nh.table[symbol]
		return nh.phase, nil
	}
	return nh.table[symbol], nil
}

// Destroy invalidates h. Destroying a handle twice is an error.
func (n *Native) Destroy(h Handle) error {
	nh, err := n.own(h)
	if err != nil {
		return err
	}
	nh.destroyed = true
	nh.table = nil
	n.live.Add(-1)
	return nil
}

func (n *Native) own(h Handle) (*nativeHandle, error) {
	nh, ok := h.(*nativeHandle)
	if !ok || nh == nil || nh.owner != n {
		return nil, ErrInvalidHandle
	}
	if nh.destroyed {
		return nil, fmt.Errorf("%w: destroyed", ErrInvalidHandle)
	}
	return nh, nil
}

// constellation returns the symbol table for scheme. PSK orders use Gray
// coding so adjacent points differ in one bit; QPSK and 8-PSK are unit
// energy.
func constellation(scheme Scheme) ([]complex64, error) {
	switch scheme {
	case BPSK, DBPSK:
		return []complex64{1, -1}, nil
	case OOK:
		return []complex64{0, 1}, nil
	case QPSK:
		return pskTable(4, math.Pi/4), nil
	case PSK8:
		return pskTable(8, 0), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownScheme, scheme)
}

func pskTable(m int, offset float64) []complex64 {
	table := make([]complex64, m)
	for pos := 0; pos < m; pos++ {
		sym := pos ^ (pos >> 1) // Gray code of the angular position
		table[sym] = complex64(cmplx.Rect(1, offset+2*math.Pi*float64(pos)/float64(m)))
	}
	return table
}
