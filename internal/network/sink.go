package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/wire"
)

// MaxSamplesPerDatagram is the most complex samples one IQ frame carries
// with a stream id of up to 255 bytes.
const MaxSamplesPerDatagram = (wire.MaxDatagram - 4 - 1 - 1 - 2 - 255 - 16 - 4) / 8

// ErrSinkBacklogged is returned by PushSRI when the send queue is full. The
// announcement is not queued, so the out port announces again before the
// stream's next packet.
var ErrSinkBacklogged = errors.New("udp sink backlogged")

// SinkStats counts an IQ sink's traffic.
type SinkStats struct {
	Frames  uint64 `json:"frames"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

// UDPSink is an out-port consumer that sends SRI announcements and sample
// packets to one UDP peer as IQ frames. Frames are encoded on the caller's
// goroutine and written by a background writer, so a slow network never
// stalls the modulator. Packet frames that find the queue full are dropped
// and counted; a dropped announcement is reported as ErrSinkBacklogged.
type UDPSink struct {
	conn       *net.UDPConn
	address    string
	frames     chan []byte
	maxSamples int
	logf       func(format string, v ...interface{})

	sent, bytes, dropped, errs atomic.Uint64
	closeOnce                  sync.Once
}

// NewUDPSink dials addr. maxSamples caps samples per datagram; packets
// longer than that are split. Zero uses MaxSamplesPerDatagram.
func NewUDPSink(addr string, maxSamples int) (*UDPSink, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sink address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink connection: %w", err)
	}
	if maxSamples <= 0 || maxSamples > MaxSamplesPerDatagram {
		maxSamples = MaxSamplesPerDatagram
	}
	return &UDPSink{
		conn:       conn,
		address:    addr,
		frames:     make(chan []byte, 1000),
		maxSamples: maxSamples,
		logf:       monitoring.Prefixed("udp-sink"),
	}, nil
}

// Start runs the writer until ctx is done. Write errors are summarised
// every logInterval.
func (s *UDPSink) Start(ctx context.Context, logInterval time.Duration) {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	go func() {
		failed := 0
		var lastErr error
		ticker := time.NewTicker(logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-s.frames:
				if !ok {
					return
				}
				n, err := s.conn.Write(frame)
				if err != nil {
					s.errs.Add(1)
					failed++
					lastErr = err
					continue
				}
				s.sent.Add(1)
				s.bytes.Add(uint64(n))
			case <-ticker.C:
				if failed > 0 {
					s.logf("failed to send %d frames to %s (latest: %v)", failed, s.address, lastErr)
					failed = 0
					lastErr = nil
				}
			}
		}
	}()
	s.logf("sending IQ frames to %s", s.address)
}

// PushSRI implements bulkio.Consumer.
func (s *UDPSink) PushSRI(sri bulkio.StreamSRI) error {
	frame, err := wire.AppendSRIFrame(nil, sri)
	if err != nil {
		return err
	}
	if !s.enqueue(frame) {
		return ErrSinkBacklogged
	}
	return nil
}

// PushPacket implements bulkio.Consumer. A packet longer than the
// per-datagram limit is sent as consecutive frames whose timestamps advance
// by the stream's sample spacing; only the last carries EOS.
func (s *UDPSink) PushPacket(pkt *bulkio.Packet[complex64]) error {
	if len(pkt.StreamID) > 255 {
		return fmt.Errorf("stream id too long for IQ frame: %d bytes", len(pkt.StreamID))
	}
	if len(pkt.Data) <= s.maxSamples {
		frame, err := wire.AppendIQPacket(nil, pkt)
		if err != nil {
			return err
		}
		s.enqueue(frame)
		return nil
	}

	for start := 0; start < len(pkt.Data); start += s.maxSamples {
		end := min(start+s.maxSamples, len(pkt.Data))
		chunk := *pkt
		chunk.Data = pkt.Data[start:end]
		chunk.EOS = pkt.EOS && end == len(pkt.Data)
		chunk.SRIChanged = pkt.SRIChanged && start == 0
		if pkt.Time.Valid() {
			chunk.Time = pkt.Time.Add(float64(start) * pkt.SRI.XDelta)
		}
		frame, err := wire.AppendIQPacket(nil, &chunk)
		if err != nil {
			return err
		}
		s.enqueue(frame)
	}
	return nil
}

func (s *UDPSink) enqueue(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Stats returns a snapshot of the sink counters.
func (s *UDPSink) Stats() SinkStats {
	return SinkStats{
		Frames:  s.sent.Load(),
		Bytes:   s.bytes.Load(),
		Dropped: s.dropped.Load(),
		Errors:  s.errs.Load(),
	}
}

// Close closes the connection. Frames still queued are discarded.
func (s *UDPSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
