package bulkio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/bpskmod/internal/monitoring"
)

type outConnection[T any] struct {
	id        string
	consumer  Consumer[T]
	announced map[string]bool
}

// OutPort fans packets out to every connected consumer and keeps each
// connection's view of stream SRI current: a consumer always receives a
// stream's SRI before its first packet of that stream, including consumers
// that connect mid-stream.
type OutPort[T any] struct {
	name  string
	stats *Statistics
	logf  func(format string, v ...interface{})

	mu     sync.Mutex
	active map[string]StreamSRI
	conns  []*outConnection[T]
}

// NewOutPort creates a port with no connections.
func NewOutPort[T any](name string, opts ...PortOption) *OutPort[T] {
	o := buildOptions(opts)
	return &OutPort[T]{
		name:   name,
		stats:  NewStatistics(name, bitsPerElement[T](), o.statsWindow, o.clock),
		logf:   monitoring.Prefixed(name),
		active: make(map[string]StreamSRI),
	}
}

// Name returns the port name.
func (p *OutPort[T]) Name() string { return p.name }

// Connect attaches consumer under id, generating a random id when empty.
// Reusing an id replaces the previous consumer.
func (p *OutPort[T]) Connect(id string, consumer Consumer[T]) string {
	if id == "" {
		id = uuid.NewString()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := &outConnection[T]{id: id, consumer: consumer, announced: make(map[string]bool)}
	for i, c := range p.conns {
		if c.id == id {
			p.conns[i] = conn
			return id
		}
	}
	p.conns = append(p.conns, conn)
	return id
}

// Disconnect removes the connection id. Unknown ids are ignored.
func (p *OutPort[T]) Disconnect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		if c.id == id {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// Connections lists connection ids in connection order.
func (p *OutPort[T]) Connections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.conns))
	for i, c := range p.conns {
		ids[i] = c.id
	}
	return ids
}

// PushSRI makes sri the active SRI for its stream and forwards it to every
// connection.
func (p *OutPort[T]) PushSRI(sri StreamSRI) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[sri.StreamID] = sri.Clone()

	var errs []error
	for _, c := range p.conns {
		if err := c.consumer.PushSRI(sri); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.id, err))
			continue
		}
		c.announced[sri.StreamID] = true
	}
	return errors.Join(errs...)
}

// PushPacket delivers pkt to every connection. A stream with no pushed SRI
// gets a default one. End of stream retires the stream's SRI.
func (p *OutPort[T]) PushPacket(pkt *Packet[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sri, ok := p.active[pkt.StreamID]
	if !ok {
		p.logf("stream %q pushed data with no SRI, using default", pkt.StreamID)
		sri = CreateSRI(pkt.StreamID)
		p.active[pkt.StreamID] = sri
	}

	var errs []error
	for _, c := range p.conns {
		if !c.announced[pkt.StreamID] {
			if err := c.consumer.PushSRI(sri); err != nil {
				errs = append(errs, fmt.Errorf("connection %s: %w", c.id, err))
				continue
			}
			c.announced[pkt.StreamID] = true
		}
		if err := c.consumer.PushPacket(pkt); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.id, err))
		}
	}

	p.stats.Update(len(pkt.Data), 0, pkt.StreamID)
	if pkt.EOS {
		delete(p.active, pkt.StreamID)
		for _, c := range p.conns {
			delete(c.announced, pkt.StreamID)
		}
		p.stats.RemoveStream(pkt.StreamID)
	}
	return errors.Join(errs...)
}

// ActiveSRIs returns the SRIs of streams that have not ended.
func (p *OutPort[T]) ActiveSRIs() []StreamSRI {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamSRI, 0, len(p.active))
	for _, sri := range p.active {
		out = append(out, sri.Clone())
	}
	return out
}

// Statistics returns a snapshot of the push traffic.
func (p *OutPort[T]) Statistics() PortStatistics {
	return p.stats.Snapshot()
}
