// Package serialsrc feeds symbols read from a serial line into the
// modulator's input port. The line carries packed symbols, most significant
// bit first, at the scheme's bits per symbol.
package serialsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/modem"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/timeutil"
	"github.com/banshee-data/bpskmod/internal/wire"
)

// readTimeout bounds each serial read so cancellation is noticed.
const readTimeout = 100 * time.Millisecond

// Port is the part of a serial port the source reads from. A Read that
// returns (0, nil) is a timeout.
type Port interface {
	io.Reader
	io.Closer
}

// Opener opens the port at path.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial device with a short read timeout.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return p, nil
}

// Config configures a Source.
type Config struct {
	Path    string
	Options PortOptions

	StreamID         string
	Scheme           modem.Scheme
	SymbolsPerPacket int
	SymbolRate       float64 // symbols/s; sets XDelta and packet timestamps

	Writer bulkio.PacketWriter[uint32]
	Open   Opener         // defaults to OpenSerial
	Clock  timeutil.Clock // defaults to timeutil.RealClock
}

// Stats counts what the source has read and pushed.
type Stats struct {
	Bytes   uint64 `json:"bytes"`
	Symbols uint64 `json:"symbols"`
	Packets uint64 `json:"packets"`
}

// Source reads packed symbols from a serial port and pushes them in
// fixed-size packets.
type Source struct {
	cfg  Config
	logf func(format string, v ...interface{})

	bytes, symbols, packets atomic.Uint64
}

// New validates cfg and returns a Source.
func New(cfg Config) (*Source, error) {
	if cfg.Writer == nil {
		return nil, errors.New("serialsrc: no writer")
	}
	if cfg.SymbolsPerPacket < 1 {
		return nil, fmt.Errorf("serialsrc: symbols per packet must be at least 1, got %d", cfg.SymbolsPerPacket)
	}
	if cfg.SymbolRate <= 0 {
		return nil, fmt.Errorf("serialsrc: symbol rate must be positive, got %f", cfg.SymbolRate)
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "serial"
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Source{cfg: cfg, logf: monitoring.Prefixed("serial")}, nil
}

// SRI is the descriptor the source announces for its stream.
func (s *Source) SRI() bulkio.StreamSRI {
	sri := bulkio.CreateSRI(s.cfg.StreamID)
	sri.XDelta = 1 / s.cfg.SymbolRate
	sri.Blocking = true
	return sri
}

// Run opens the port and pushes symbols until the port reports EOF, ctx is
// done, or a read fails. At EOF the remaining symbols go out in a final
// packet flagged EOS and Run returns nil.
func (s *Source) Run(ctx context.Context) error {
	mode, err := s.cfg.Options.Mode()
	if err != nil {
		return err
	}
	port, err := s.cfg.Open(s.cfg.Path, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.cfg.Path, err)
	}
	defer port.Close()
	s.logf("reading %s symbols from %s at %d baud", s.cfg.Scheme, s.cfg.Path, mode.BaudRate)

	unpacker, err := wire.NewUnpacker(s.cfg.Scheme.BitsPerSymbol())
	if err != nil {
		return err
	}
	s.cfg.Writer.PushSRI(s.SRI())

	var (
		buf     = make([]byte, 4096)
		pending []uint32
		start   bulkio.PrecisionTime
		sent    int
		started bool
	)
	push := func(syms []uint32, eos bool) error {
		t := start.Add(float64(sent) / s.cfg.SymbolRate)
		if err := s.cfg.Writer.PushPacket(ctx, syms, t, eos, s.cfg.StreamID); err != nil {
			return err
		}
		sent += len(syms)
		s.symbols.Add(uint64(len(syms)))
		s.packets.Add(1)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := port.Read(buf)
		if n > 0 {
			if !started {
				start = bulkio.FromTime(s.cfg.Clock.Now())
				started = true
			}
			s.bytes.Add(uint64(n))
			pending = unpacker.Unpack(pending, buf[:n])
			spp := s.cfg.SymbolsPerPacket
			for len(pending) >= spp {
				if err := push(pending[:spp], false); err != nil {
					return err
				}
				pending = append(pending[:0], pending[spp:]...)
			}
		}
		if errors.Is(rerr, io.EOF) {
			if !started {
				start = bulkio.FromTime(s.cfg.Clock.Now())
			}
			if unpacker.Pending() > 0 {
				monitoring.Debugf("serial: discarding %d trailing bits", unpacker.Pending())
			}
			s.logf("port closed after %d symbols", sent+len(pending))
			return push(pending, true)
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("serial read failed: %w", rerr)
		}
	}
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	return Stats{Bytes: s.bytes.Load(), Symbols: s.symbols.Load(), Packets: s.packets.Load()}
}
