package modulator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/bpskmod/internal/bulkio"
)

// Source is the upstream side of the pump. bulkio.InPort implements it.
type Source interface {
	GetPacket(ctx context.Context, mode bulkio.ReceiveMode) (*bulkio.Packet[uint32], error)
}

// Sink is the downstream side of the pump. bulkio.OutPort implements it.
type Sink interface {
	PushSRI(sri bulkio.StreamSRI) error
	PushPacket(pkt *bulkio.Packet[complex64]) error
}

// Outcome tells the scheduler whether a Service call did any work.
type Outcome int

const (
	NoProgress Outcome = iota
	Progress
)

func (o Outcome) String() string {
	if o == Progress {
		return "progress"
	}
	return "no_progress"
}

// State is the pump's position in its service cycle.
type State int32

const (
	WaitingForPacket State = iota
	Processing
	Idle
)

func (s State) String() string {
	switch s {
	case WaitingForPacket:
		return "waiting_for_packet"
	case Processing:
		return "processing"
	case Idle:
		return "idle"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Counters are the pump's running totals.
type Counters struct {
	Packets    uint64 `json:"packets"`
	Samples    uint64 `json:"samples"`
	NoProgress uint64 `json:"no_progress"`
	Errors     uint64 `json:"errors"`
}

// Pump moves one packet at a time from a Source through an Engine to a
// Sink. Service must not be called concurrently; State and Counters may be
// read from any goroutine.
type Pump struct {
	src    Source
	sink   Sink
	engine *Engine

	state      atomic.Int32
	packets    atomic.Uint64
	samples    atomic.Uint64
	noProgress atomic.Uint64
	errs       atomic.Uint64
}

// NewPump wires src, engine and sink together.
func NewPump(src Source, engine *Engine, sink Sink) *Pump {
	return &Pump{src: src, sink: sink, engine: engine}
}

// Service receives at most one packet and carries it all the way to the
// sink. An empty non-blocking receive is reported as NoProgress with a nil
// error. Receive errors (context done, port closed) are returned unwrapped.
// A packet that fails to transform is released without emitting anything.
func (p *Pump) Service(ctx context.Context, mode bulkio.ReceiveMode) (Outcome, error) {
	p.setState(WaitingForPacket)
	in, err := p.src.GetPacket(ctx, mode)
	if errors.Is(err, bulkio.ErrNoData) {
		p.setState(Idle)
		p.noProgress.Add(1)
		return NoProgress, nil
	}
	if err != nil {
		return NoProgress, err
	}

	p.setState(Processing)
	defer func() {
		in.Release()
		p.setState(WaitingForPacket)
	}()

	out, announce, err := p.engine.Transform(in)
	if err != nil {
		p.errs.Add(1)
		return NoProgress, err
	}
	if announce {
		if err := p.sink.PushSRI(out.SRI); err != nil {
			p.errs.Add(1)
			return NoProgress, fmt.Errorf("announce sri for %q: %w", out.SRI.StreamID, err)
		}
		p.engine.Announced()
	}
	if err := p.sink.PushPacket(out); err != nil {
		p.errs.Add(1)
		return Progress, fmt.Errorf("emit packet on %q: %w", out.StreamID, err)
	}
	p.packets.Add(1)
	p.samples.Add(uint64(len(out.Data)))
	return Progress, nil
}

// Shutdown releases the modem. It is safe to call more than once.
func (p *Pump) Shutdown() error {
	return p.engine.State().Teardown()
}

// State returns the current service state.
func (p *Pump) State() State { return State(p.state.Load()) }

// Counters returns a snapshot of the running totals.
func (p *Pump) Counters() Counters {
	return Counters{
		Packets:    p.packets.Load(),
		Samples:    p.samples.Load(),
		NoProgress: p.noProgress.Load(),
		Errors:     p.errs.Load(),
	}
}

func (p *Pump) setState(s State) { p.state.Store(int32(s)) }
