// Package wire encodes and decodes the UDP payloads the modulator speaks.
//
// Symbol frames carry symbol indices from an upstream producer. IQ frames
// carry SRI announcements and complex sample packets to a downstream
// consumer. All multi-byte fields are big-endian.
//
// SYMBOL FRAME ("BSYM"):
//
//	├── magic       4  "BSYM"
//	├── version     1  SymbolVersion
//	├── flags       1  bit0 EOS, bit1 SRI present, bit2 blocking, bit4 time valid
//	├── id length   2  uint16
//	├── stream id   n
//	├── twsec       8  float64
//	├── tfsec       8  float64
//	├── [xstart     8  float64]  only with SRI present
//	├── [xdelta     8  float64]  only with SRI present
//	├── count       4  uint32
//	└── symbols     4×count uint32
//
// IQ FRAME ("BIQ0"):
//
//	├── magic       4  "BIQ0"
//	├── kind        1  KindSRI or KindPacket
//	├── flags       1  bit0 EOS, bit1 SRI changed, bit2 complex, bit3 blocking, bit4 time valid
//	├── id length   2  uint16
//	├── stream id   n
//	├── KindSRI:    xstart float64, xdelta float64, xunits int16
//	└── KindPacket: twsec float64, tfsec float64, count uint32, count×(I float32, Q float32)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/bpskmod/internal/bulkio"
)

const (
	SymbolMagic   = "BSYM"
	IQMagic       = "BIQ0"
	SymbolVersion = 1

	// MaxDatagram is the largest UDP payload over IPv4.
	MaxDatagram = 65507
)

const (
	flagEOS      = 1 << 0
	flagSRI      = 1 << 1 // symbol frames: SRI present; IQ frames: SRI changed
	flagBlocking = 1 << 2
	flagComplex  = 1 << 2 // IQ frames only
	flagIQBlock  = 1 << 3 // IQ frames only
	flagTime     = 1 << 4
)

// IQ frame kinds.
const (
	KindSRI    byte = 1
	KindPacket byte = 2
)

var (
	ErrShortFrame    = errors.New("wire: frame truncated")
	ErrBadMagic      = errors.New("wire: bad magic")
	ErrVersion       = errors.New("wire: unsupported version")
	ErrFrameTooLarge = errors.New("wire: frame exceeds datagram size")
)

// SymbolFrame is one decoded BSYM datagram.
type SymbolFrame struct {
	StreamID string
	Time     bulkio.PrecisionTime
	EOS      bool

	// HasSRI marks frames that (re)declare the stream's descriptor.
	HasSRI   bool
	XStart   float64
	XDelta   float64
	Blocking bool

	Symbols []uint32
}

// SRI returns the stream descriptor the frame declares.
func (f *SymbolFrame) SRI() bulkio.StreamSRI {
	sri := bulkio.CreateSRI(f.StreamID)
	sri.XStart = f.XStart
	sri.XDelta = f.XDelta
	sri.Blocking = f.Blocking
	return sri
}

// AppendSymbolFrame appends the encoding of f to dst.
func AppendSymbolFrame(dst []byte, f *SymbolFrame) ([]byte, error) {
	if len(f.StreamID) > math.MaxUint16 {
		return dst, fmt.Errorf("stream id too long: %d bytes", len(f.StreamID))
	}
	size := 4 + 1 + 1 + 2 + len(f.StreamID) + 16 + 4 + 4*len(f.Symbols)
	if f.HasSRI {
		size += 16
	}
	if size > MaxDatagram {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	var flags byte
	if f.EOS {
		flags |= flagEOS
	}
	if f.HasSRI {
		flags |= flagSRI
		if f.Blocking {
			flags |= flagBlocking
		}
	}
	if f.Time.Valid() {
		flags |= flagTime
	}
	dst = append(dst, SymbolMagic...)
	dst = append(dst, SymbolVersion, flags)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.StreamID)))
	dst = append(dst, f.StreamID...)
	dst = appendFloat64(dst, f.Time.TWSec)
	dst = appendFloat64(dst, f.Time.TFSec)
	if f.HasSRI {
		dst = appendFloat64(dst, f.XStart)
		dst = appendFloat64(dst, f.XDelta)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Symbols)))
	for _, s := range f.Symbols {
		dst = binary.BigEndian.AppendUint32(dst, s)
	}
	return dst, nil
}

// DecodeSymbolFrame parses a BSYM datagram. The returned frame does not
// alias b.
func DecodeSymbolFrame(b []byte) (*SymbolFrame, error) {
	r := reader{buf: b}
	if string(r.next(4)) != SymbolMagic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, ErrBadMagic
	}
	version := r.u8()
	if r.err == nil && version != SymbolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	flags := r.u8()
	f := &SymbolFrame{
		EOS:    flags&flagEOS != 0,
		HasSRI: flags&flagSRI != 0,
	}
	f.Blocking = f.HasSRI && flags&flagBlocking != 0
	f.StreamID = string(r.next(int(r.u16())))
	f.Time = decodeTime(&r, flags)
	if f.HasSRI {
		f.XStart = r.f64()
		f.XDelta = r.f64()
	}
	count := int(r.u32())
	if r.err == nil && count > r.remaining()/4 {
		return nil, fmt.Errorf("%w: %d symbols declared, %d bytes left", ErrShortFrame, count, r.remaining())
	}
	f.Symbols = make([]uint32, count)
	for i := range f.Symbols {
		f.Symbols[i] = r.u32()
	}
	if r.err != nil {
		return nil, r.err
	}
	return f, nil
}

// IQFrame is one decoded BIQ0 datagram.
type IQFrame struct {
	Kind       byte
	StreamID   string
	EOS        bool
	SRIChanged bool

	// KindSRI
	SRI bulkio.StreamSRI

	// KindPacket
	Time    bulkio.PrecisionTime
	Samples []complex64
}

// AppendSRIFrame appends a KindSRI frame announcing sri.
func AppendSRIFrame(dst []byte, sri bulkio.StreamSRI) ([]byte, error) {
	if len(sri.StreamID) > math.MaxUint16 {
		return dst, fmt.Errorf("stream id too long: %d bytes", len(sri.StreamID))
	}
	var flags byte
	if sri.Complex {
		flags |= flagComplex
	}
	if sri.Blocking {
		flags |= flagIQBlock
	}
	dst = appendIQHeader(dst, KindSRI, flags, sri.StreamID)
	dst = appendFloat64(dst, sri.XStart)
	dst = appendFloat64(dst, sri.XDelta)
	dst = binary.BigEndian.AppendUint16(dst, uint16(sri.XUnits))
	return dst, nil
}

// AppendIQPacket appends a KindPacket frame carrying pkt's samples.
func AppendIQPacket(dst []byte, pkt *bulkio.Packet[complex64]) ([]byte, error) {
	size := 4 + 1 + 1 + 2 + len(pkt.StreamID) + 16 + 4 + 8*len(pkt.Data)
	if size > MaxDatagram {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	var flags byte
	if pkt.EOS {
		flags |= flagEOS
	}
	if pkt.SRIChanged {
		flags |= flagSRI
	}
	if pkt.SRI.Complex {
		flags |= flagComplex
	}
	if pkt.Time.Valid() {
		flags |= flagTime
	}
	dst = appendIQHeader(dst, KindPacket, flags, pkt.StreamID)
	dst = appendFloat64(dst, pkt.Time.TWSec)
	dst = appendFloat64(dst, pkt.Time.TFSec)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(pkt.Data)))

	iq := make([]float32, 2*len(pkt.Data))
	if err := bulkio.InterleaveComplex(iq, pkt.Data); err != nil {
		return dst, err
	}
	for _, v := range iq {
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst, nil
}

// DecodeIQFrame parses a BIQ0 datagram of either kind.
func DecodeIQFrame(b []byte) (*IQFrame, error) {
	r := reader{buf: b}
	if string(r.next(4)) != IQMagic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, ErrBadMagic
	}
	f := &IQFrame{Kind: r.u8()}
	flags := r.u8()
	f.EOS = flags&flagEOS != 0
	f.SRIChanged = flags&flagSRI != 0
	f.StreamID = string(r.next(int(r.u16())))

	switch f.Kind {
	case KindSRI:
		f.SRI = bulkio.CreateSRI(f.StreamID)
		f.SRI.XStart = r.f64()
		f.SRI.XDelta = r.f64()
		f.SRI.XUnits = int16(r.u16())
		f.SRI.Complex = flags&flagComplex != 0
		f.SRI.Blocking = flags&flagIQBlock != 0
	case KindPacket:
		f.Time = decodeTime(&r, flags)
		count := int(r.u32())
		if r.err == nil && count > r.remaining()/8 {
			return nil, fmt.Errorf("%w: %d samples declared, %d bytes left", ErrShortFrame, count, r.remaining())
		}
		iq := make([]float32, 2*count)
		for i := range iq {
			iq[i] = math.Float32frombits(r.u32())
		}
		if r.err != nil {
			return nil, r.err
		}
		f.Samples = make([]complex64, count)
		if err := bulkio.DeinterleaveComplex(f.Samples, iq); err != nil {
			return nil, err
		}
	default:
		if r.err == nil {
			return nil, fmt.Errorf("wire: unknown IQ frame kind %d", f.Kind)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return f, nil
}

func appendIQHeader(dst []byte, kind, flags byte, streamID string) []byte {
	dst = append(dst, IQMagic...)
	dst = append(dst, kind, flags)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(streamID)))
	return append(dst, streamID...)
}

// decodeTime reads TWSec and TFSec. Timestamps sent without the valid flag
// come back as NotSet with their raw fields.
func decodeTime(r *reader, flags byte) bulkio.PrecisionTime {
	t := bulkio.NotSet()
	if flags&flagTime != 0 {
		t = bulkio.PrecisionTime{TCMode: bulkio.TCModeCPU, TCStatus: bulkio.TCStatusValid}
	}
	t.TWSec = r.f64()
	t.TFSec = r.f64()
	return t
}

func appendFloat64(dst []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
}

// reader walks a buffer, latching the first short read into err so callers
// can decode a whole header and check once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > r.remaining() {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortFrame, n, r.off, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
