package wire

import "fmt"

// Unpacker splits a byte stream into symbols of a fixed bit width, most
// significant bit first. Bits that do not fill a whole symbol are held until
// the next call, so symbols may span reads.
type Unpacker struct {
	width   int
	acc     uint32
	pending int // valid low bits in acc
}

// NewUnpacker returns an Unpacker for bitsPerSymbol in [1, 8].
func NewUnpacker(bitsPerSymbol int) (*Unpacker, error) {
	if bitsPerSymbol < 1 || bitsPerSymbol > 8 {
		return nil, fmt.Errorf("bits per symbol must be 1..8, got %d", bitsPerSymbol)
	}
	return &Unpacker{width: bitsPerSymbol}, nil
}

// Unpack appends the symbols completed by data to dst.
func (u *Unpacker) Unpack(dst []uint32, data []byte) []uint32 {
	mask := uint32(1)<<u.width - 1
	for _, b := range data {
		u.acc = u.acc<<8 | uint32(b)
		u.pending += 8
		for u.pending >= u.width {
			u.pending -= u.width
			dst = append(dst, (u.acc>>u.pending)&mask)
		}
		u.acc &= uint32(1)<<u.pending - 1
	}
	return dst
}

// Pending reports how many bits are waiting for a full symbol.
func (u *Unpacker) Pending() int { return u.pending }

// Reset discards pending bits.
func (u *Unpacker) Reset() {
	u.acc = 0
	u.pending = 0
}

// UnpackBits converts data to symbols in one shot, dropping trailing bits
// that do not fill a symbol.
func UnpackBits(data []byte, bitsPerSymbol int) ([]uint32, error) {
	u, err := NewUnpacker(bitsPerSymbol)
	if err != nil {
		return nil, err
	}
	return u.Unpack(make([]uint32, 0, len(data)*8/bitsPerSymbol), data), nil
}
