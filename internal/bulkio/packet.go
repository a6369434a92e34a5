// Package bulkio carries sample streams between processing stages: packets
// with their timestamps and SRI, the upstream in-port queue the modulator
// receives from, the downstream out-port it pushes to, and per-port
// statistics.
package bulkio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoData is returned by a non-blocking receive when nothing is queued.
	ErrNoData = errors.New("bulkio: no data available")
	// ErrPortClosed is returned once a port has been closed and drained.
	ErrPortClosed = errors.New("bulkio: port closed")
	// ErrLengthMismatch is returned by the buffer conversion helpers.
	ErrLengthMismatch = errors.New("bulkio: buffer length mismatch")
)

// Packet is one bounded, ordered batch of samples plus its metadata.
//
// A packet handed out by an InPort belongs to the receiver until Release is
// called; after Release, Data must not be touched.
type Packet[T any] struct {
	Data         []T
	Time         PrecisionTime
	EOS          bool
	StreamID     string
	SRI          StreamSRI
	SRIChanged   bool
	QueueFlushed bool

	release  func()
	released bool
}

// Release hands the packet's buffer back to the port it came from. Calling
// it more than once, or on a packet built outside a port, is harmless.
func (p *Packet[T]) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.Data = nil
}

// Released reports whether Release has been called.
func (p *Packet[T]) Released() bool {
	return p.released
}

// ReceiveMode selects how a receive behaves when nothing is queued.
type ReceiveMode int

const (
	// Blocking waits until a packet arrives, the port closes, or the
	// context is done.
	Blocking ReceiveMode = iota
	// NonBlocking returns ErrNoData immediately.
	NonBlocking
)

func (m ReceiveMode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case NonBlocking:
		return "non_blocking"
	default:
		return fmt.Sprintf("ReceiveMode(%d)", int(m))
	}
}

// ParseReceiveMode accepts "blocking" and "non_blocking" (or "nonblocking").
func ParseReceiveMode(s string) (ReceiveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blocking":
		return Blocking, nil
	case "non_blocking", "nonblocking", "non-blocking":
		return NonBlocking, nil
	}
	return Blocking, fmt.Errorf("unknown receive mode %q: expected blocking or non_blocking", s)
}

// Consumer is the downstream side of a connection: it accepts SRI
// announcements and packets pushed by an OutPort. Pushed packets are shared
// between all connections and must be treated as read-only.
type Consumer[T any] interface {
	PushSRI(sri StreamSRI) error
	PushPacket(pkt *Packet[T]) error
}

// PacketWriter is what producers push into; InPort implements it.
type PacketWriter[T any] interface {
	PushSRI(sri StreamSRI)
	PushPacket(ctx context.Context, data []T, t PrecisionTime, eos bool, streamID string) error
}
