package bulkio

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/timeutil"
)

// DefaultQueueDepth is the number of packets an InPort holds before it
// starts flushing (non-blocking streams) or back-pressuring producers
// (blocking streams).
const DefaultQueueDepth = 100

type portOptions struct {
	queueDepth  int
	statsWindow int
	clock       timeutil.Clock
}

// PortOption configures an InPort or OutPort.
type PortOption func(*portOptions)

// WithQueueDepth sets the InPort queue limit. Values below 1 keep the default.
func WithQueueDepth(n int) PortOption {
	return func(o *portOptions) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithStatsWindow sets how many calls the port statistics average over.
func WithStatsWindow(n int) PortOption {
	return func(o *portOptions) {
		if n > 0 {
			o.statsWindow = n
		}
	}
}

// WithClock replaces the clock used for statistics.
func WithClock(c timeutil.Clock) PortOption {
	return func(o *portOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func buildOptions(opts []PortOption) portOptions {
	o := portOptions{
		queueDepth:  DefaultQueueDepth,
		statsWindow: DefaultStatsWindow,
		clock:       timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func bitsPerElement[T any]() int {
	var zero T
	if n := binary.Size(zero); n > 0 {
		return n * 8
	}
	return 0
}

type inStream struct {
	sri     StreamSRI
	changed bool
}

// InPort is the receiving end of a stream connection. Producers push SRI and
// data into it from any goroutine; a single service loop takes packets out
// with GetPacket.
type InPort[T any] struct {
	name     string
	maxDepth int
	stats    *Statistics
	logf     func(format string, v ...interface{})
	pool     sync.Pool

	notify    chan struct{}
	space     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	queue   []*Packet[T]
	streams map[string]*inStream
	closed  bool
}

// NewInPort creates an empty, open port.
func NewInPort[T any](name string, opts ...PortOption) *InPort[T] {
	o := buildOptions(opts)
	return &InPort[T]{
		name:     name,
		maxDepth: o.queueDepth,
		stats:    NewStatistics(name, bitsPerElement[T](), o.statsWindow, o.clock),
		logf:     monitoring.Prefixed(name),
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		streams:  make(map[string]*inStream),
	}
}

// Name returns the port name.
func (p *InPort[T]) Name() string { return p.name }

// PushSRI records sri for its stream. The next packet of that stream is
// flagged SRIChanged when the stream is new or the SRI differs by value from
// the one last pushed.
func (p *InPort[T]) PushSRI(sri StreamSRI) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[sri.StreamID]
	if !ok {
		p.streams[sri.StreamID] = &inStream{sri: sri.Clone(), changed: true}
		return
	}
	if !st.sri.Equal(sri) {
		st.sri = sri.Clone()
		st.changed = true
	}
}

// PushPacket queues a copy of data for streamID. The caller keeps ownership
// of data. It blocks only when the queue is full and the stream's SRI asks
// for blocking delivery; the wait ends early when ctx is done or the port
// closes.
func (p *InPort[T]) PushPacket(ctx context.Context, data []T, t PrecisionTime, eos bool, streamID string) error {
	p.mu.Lock()
	flushed := false
	for {
		if p.closed {
			p.mu.Unlock()
			return ErrPortClosed
		}
		st := p.streamLocked(streamID)
		if len(p.queue) < p.maxDepth {
			break
		}
		if !st.sri.Blocking {
			dropped := p.flushLocked()
			flushed = true
			p.logf("queue full, flushed %d packets", dropped)
			break
		}
		p.mu.Unlock()
		select {
		case <-p.space:
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}

	st := p.streamLocked(streamID)
	buf, release := p.copyIn(data)
	pkt := &Packet[T]{
		Data:         buf,
		Time:         t,
		EOS:          eos,
		StreamID:     streamID,
		SRI:          st.sri.Clone(),
		SRIChanged:   st.changed,
		QueueFlushed: flushed,
		release:      release,
	}
	st.changed = false
	if eos {
		delete(p.streams, streamID)
	}
	p.queue = append(p.queue, pkt)
	depth := len(p.queue)
	p.mu.Unlock()

	p.stats.Update(len(data), depth, streamID)
	if eos {
		p.stats.RemoveStream(streamID)
	}
	signal(p.notify)
	return nil
}

// streamLocked returns the state for streamID, creating a default SRI for
// streams that sent data before any SRI.
func (p *InPort[T]) streamLocked(streamID string) *inStream {
	st, ok := p.streams[streamID]
	if !ok {
		p.logf("stream %q pushed data with no SRI, using default", streamID)
		st = &inStream{sri: CreateSRI(streamID), changed: true}
		p.streams[streamID] = st
	}
	return st
}

// flushLocked drops every queued packet except end-of-stream markers, so a
// queue holding only EOS markers stays full and the caller's packet is
// queued past maxDepth. The overshoot is bounded by the number of streams
// that ended while queued. An
// SRIChanged flag on a dropped packet moves to the next retained packet of
// the same stream, or to the stream state when none is retained, so the
// change is never lost.
func (p *InPort[T]) flushLocked() int {
	pending := make(map[string]bool)
	kept := p.queue[:0]
	dropped := 0
	for _, pkt := range p.queue {
		if !pkt.EOS {
			if pkt.SRIChanged {
				pending[pkt.StreamID] = true
			}
			pkt.Release()
			dropped++
			continue
		}
		if pending[pkt.StreamID] {
			pkt.SRIChanged = true
			delete(pending, pkt.StreamID)
		}
		pkt.QueueFlushed = true
		kept = append(kept, pkt)
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = kept
	for id := range pending {
		if st, ok := p.streams[id]; ok {
			st.changed = true
		}
	}
	return dropped
}

func (p *InPort[T]) copyIn(data []T) ([]T, func()) {
	bufp, _ := p.pool.Get().(*[]T)
	if bufp == nil {
		b := make([]T, 0, len(data))
		bufp = &b
	}
	*bufp = append((*bufp)[:0], data...)
	return *bufp, func() {
		*bufp = (*bufp)[:0]
		p.pool.Put(bufp)
	}
}

// GetPacket removes the oldest queued packet. With NonBlocking it returns
// ErrNoData when the queue is empty; with Blocking it waits for a packet,
// ctx, or Close. Packets queued before Close are still delivered; after that
// ErrPortClosed is returned. The caller must Release the packet.
func (p *InPort[T]) GetPacket(ctx context.Context, mode ReceiveMode) (*Packet[T], error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			pkt := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			more := len(p.queue) > 0
			p.mu.Unlock()
			signal(p.space)
			if more {
				signal(p.notify)
			}
			return pkt, nil
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return nil, ErrPortClosed
		}
		if mode == NonBlocking {
			return nil, ErrNoData
		}
		select {
		case <-p.notify:
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// QueueDepth returns the number of packets waiting.
func (p *InPort[T]) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ActiveSRIs returns the SRIs of streams that have not ended.
func (p *InPort[T]) ActiveSRIs() []StreamSRI {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamSRI, 0, len(p.streams))
	for _, st := range p.streams {
		out = append(out, st.sri.Clone())
	}
	return out
}

// Statistics returns a snapshot of the push-side traffic.
func (p *InPort[T]) Statistics() PortStatistics {
	return p.stats.Snapshot()
}

// Close stops accepting packets and wakes every waiting producer and
// receiver. It is safe to call more than once.
func (p *InPort[T]) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
