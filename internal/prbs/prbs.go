// Package prbs generates pseudo-random binary sequences as a symbol source
// for bench and development runs without upstream hardware.
package prbs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/modem"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/timeutil"
)

// Polynomial selects the feedback taps of the shift register.
type Polynomial struct {
	Order int // register length; period is 2^Order - 1
	Tap   int // second feedback tap
}

var (
	PRBS9  = Polynomial{Order: 9, Tap: 5}   // x^9 + x^5 + 1
	PRBS15 = Polynomial{Order: 15, Tap: 14} // x^15 + x^14 + 1
)

// ParsePolynomial accepts "prbs9" or "prbs15".
func ParsePolynomial(name string) (Polynomial, error) {
	switch name {
	case "prbs9", "PRBS9", "9":
		return PRBS9, nil
	case "prbs15", "PRBS15", "15":
		return PRBS15, nil
	}
	return Polynomial{}, fmt.Errorf("unknown PRBS polynomial %q", name)
}

// LFSR is a Fibonacci linear feedback shift register seeded with all ones.
type LFSR struct {
	poly  Polynomial
	state uint32
	mask  uint32
}

// NewLFSR returns a register for poly.
func NewLFSR(poly Polynomial) (*LFSR, error) {
	if poly.Order < 2 || poly.Order > 31 || poly.Tap < 1 || poly.Tap >= poly.Order {
		return nil, fmt.Errorf("invalid polynomial order %d tap %d", poly.Order, poly.Tap)
	}
	mask := uint32(1)<<poly.Order - 1
	return &LFSR{poly: poly, state: mask, mask: mask}, nil
}

// Bit clocks the register once and returns the output bit.
func (l *LFSR) Bit() uint32 {
	bit := (l.state>>(l.poly.Order-1) ^ l.state>>(l.poly.Tap-1)) & 1
	l.state = (l.state<<1 | bit) & l.mask
	return bit
}

// State returns the register contents.
func (l *LFSR) State() uint32 { return l.state }

// Config configures a Generator.
type Config struct {
	Polynomial       Polynomial
	Scheme           modem.Scheme // sets bits per symbol
	StreamID         string
	SymbolsPerPacket int
	SymbolRate       float64

	// Packets stops the generator after this many packets, the last flagged
	// EOS. Zero runs until ctx is done.
	Packets int
	// Paced waits one packet duration between packets.
	Paced bool

	Writer bulkio.PacketWriter[uint32]
	Clock  timeutil.Clock
}

// Generator pushes PRBS symbols into a PacketWriter.
type Generator struct {
	cfg  Config
	lfsr *LFSR
	bps  int
	logf func(format string, v ...interface{})
}

// NewGenerator validates cfg.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Writer == nil {
		return nil, errors.New("prbs: no writer")
	}
	if cfg.Polynomial == (Polynomial{}) {
		cfg.Polynomial = PRBS9
	}
	lfsr, err := NewLFSR(cfg.Polynomial)
	if err != nil {
		return nil, err
	}
	bps := cfg.Scheme.BitsPerSymbol()
	if bps < 1 {
		return nil, fmt.Errorf("prbs: %w: %v", modem.ErrUnknownScheme, cfg.Scheme)
	}
	if cfg.SymbolsPerPacket < 1 {
		return nil, fmt.Errorf("prbs: symbols per packet must be at least 1, got %d", cfg.SymbolsPerPacket)
	}
	if cfg.SymbolRate <= 0 {
		return nil, fmt.Errorf("prbs: symbol rate must be positive, got %f", cfg.SymbolRate)
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "prbs"
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Generator{cfg: cfg, lfsr: lfsr, bps: bps, logf: monitoring.Prefixed("prbs")}, nil
}

// Symbol returns the next symbol, built from bps register bits MSB first.
func (g *Generator) Symbol() uint32 {
	var sym uint32
	for i := 0; i < g.bps; i++ {
		sym = sym<<1 | g.lfsr.Bit()
	}
	return sym
}

// Run announces the stream and pushes packets until ctx is done or the
// configured packet count is reached.
func (g *Generator) Run(ctx context.Context) error {
	sri := bulkio.CreateSRI(g.cfg.StreamID)
	sri.XDelta = 1 / g.cfg.SymbolRate
	sri.Blocking = true
	g.cfg.Writer.PushSRI(sri)

	g.logf("generating order-%d sequence as %s at %g symbols/s", g.cfg.Polynomial.Order, g.cfg.Scheme, g.cfg.SymbolRate)
	start := bulkio.FromTime(g.cfg.Clock.Now())
	spp := g.cfg.SymbolsPerPacket
	period := time.Duration(float64(spp) / g.cfg.SymbolRate * float64(time.Second))
	buf := make([]uint32, spp)

	for n := 0; g.cfg.Packets == 0 || n < g.cfg.Packets; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range buf {
			buf[i] = g.Symbol()
		}
		eos := g.cfg.Packets > 0 && n == g.cfg.Packets-1
		t := start.Add(float64(n*spp) / g.cfg.SymbolRate)
		if err := g.cfg.Writer.PushPacket(ctx, buf, t, eos, g.cfg.StreamID); err != nil {
			return err
		}
		if g.cfg.Paced && !eos {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.cfg.Clock.After(period):
			}
		}
	}
	return nil
}
