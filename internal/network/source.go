package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/wire"
)

// DefaultSymbolPort is the UDP port symbol producers send to by default.
const DefaultSymbolPort = 5200

// SourceStats counts what a symbol source has seen.
type SourceStats struct {
	Datagrams    uint64 `json:"datagrams"`
	Bytes        uint64 `json:"bytes"`
	Symbols      uint64 `json:"symbols"`
	DecodeErrors uint64 `json:"decode_errors"`
	PushErrors   uint64 `json:"push_errors"`
}

type sourceCounters struct {
	datagrams, bytes, symbols, decodeErrs, pushErrs atomic.Uint64
}

func (c *sourceCounters) snapshot() SourceStats {
	return SourceStats{
		Datagrams:    c.datagrams.Load(),
		Bytes:        c.bytes.Load(),
		Symbols:      c.symbols.Load(),
		DecodeErrors: c.decodeErrs.Load(),
		PushErrors:   c.pushErrs.Load(),
	}
}

// deliver pushes one decoded frame into w. Frames that declare SRI push it
// first so the packet is tagged with the new descriptor.
func (c *sourceCounters) deliver(ctx context.Context, w bulkio.PacketWriter[uint32], f *wire.SymbolFrame) error {
	if f.HasSRI {
		w.PushSRI(f.SRI())
	}
	if err := w.PushPacket(ctx, f.Symbols, f.Time, f.EOS, f.StreamID); err != nil {
		c.pushErrs.Add(1)
		return err
	}
	c.symbols.Add(uint64(len(f.Symbols)))
	return nil
}

// UDPSourceConfig configures a UDPSource.
type UDPSourceConfig struct {
	Address string // host:port, default ":5200"
	RcvBuf  int    // socket receive buffer in bytes, 0 leaves the OS default
	Writer  bulkio.PacketWriter[uint32]
	Sockets SocketFactory // defaults to RealSocketFactory
}

// UDPSource receives symbol frames over UDP and pushes them into a
// PacketWriter, normally the modulator's input port.
type UDPSource struct {
	cfg   UDPSourceConfig
	conn  UDPSocket
	logf  func(format string, v ...interface{})
	stats sourceCounters
}

// NewUDPSource returns an unbound source.
func NewUDPSource(cfg UDPSourceConfig) *UDPSource {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultSymbolPort)
	}
	if cfg.Sockets == nil {
		cfg.Sockets = RealSocketFactory{}
	}
	return &UDPSource{cfg: cfg, logf: monitoring.Prefixed("udp-source")}
}

// Listen binds the socket. Call it before Serve so bind errors surface
// synchronously.
func (s *UDPSource) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := s.cfg.Sockets.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if s.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(s.cfg.RcvBuf); err != nil {
			s.logf("Warning: failed to set UDP receive buffer size to %d: %v", s.cfg.RcvBuf, err)
		}
	}
	s.conn = conn
	s.logf("listening on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *UDPSource) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is done, then closes the socket. Frames
// that fail to decode are counted and skipped.
func (s *UDPSource) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.conn.Close()

	buffer := make([]byte, wire.MaxDatagram)
	for {
		if ctx.Err() != nil {
			s.logf("stopping: %+v", s.stats.snapshot())
			return ctx.Err()
		}
		// Short deadline so cancellation is noticed between datagrams.
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logf("read error: %v", err)
			continue
		}
		if err := s.handleDatagram(ctx, buffer[:n]); err != nil {
			s.logf("dropping datagram from %v: %v", addr, err)
		}
	}
}

func (s *UDPSource) handleDatagram(ctx context.Context, b []byte) error {
	s.stats.datagrams.Add(1)
	s.stats.bytes.Add(uint64(len(b)))
	f, err := wire.DecodeSymbolFrame(b)
	if err != nil {
		s.stats.decodeErrs.Add(1)
		return err
	}
	return s.stats.deliver(ctx, s.cfg.Writer, f)
}

// Stats returns a snapshot of the source counters.
func (s *UDPSource) Stats() SourceStats {
	return s.stats.snapshot()
}
