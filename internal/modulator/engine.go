package modulator

import (
	"errors"
	"fmt"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/modem"
)

// Engine turns one packet of symbol indices into one packet of complex
// samples of the same length.
type Engine struct {
	scheme  modem.Scheme
	tracker Tracker
	modem   *ModemState

	out     bulkio.StreamSRI
	pending bool // out has changed and not been announced downstream
}

// NewEngine returns an engine that builds scheme handles in state. Until
// the first descriptor arrives the output descriptor is a default one named
// outputStreamID.
func NewEngine(scheme modem.Scheme, outputStreamID string, state *ModemState) *Engine {
	out := bulkio.CreateSRI(outputStreamID)
	out.Complex = true
	return &Engine{scheme: scheme, modem: state, out: out}
}

// Transform modulates in. When in carries a descriptor change the modem is
// rebuilt first and the returned announce flag tells the caller to push the
// new output descriptor before the packet. The flag stays set until
// Announced is called, so a change is never lost to an aborted packet.
//
// On error no packet is returned.
func (e *Engine) Transform(in *bulkio.Packet[uint32]) (*bulkio.Packet[complex64], bool, error) {
	if changed, sri := e.tracker.Observe(in); changed {
		if err := e.modem.Rebuild(e.scheme, sri); err != nil {
			return nil, false, err
		}
		e.out = sri.Clone()
		e.out.Complex = true
		e.pending = true
	}

	data := make([]complex64, len(in.Data))
	for i, sym := range in.Data {
		c, err := e.modem.Modulate(sym)
		if err != nil {
			var iv *InvariantViolation
			if errors.As(err, &iv) {
				iv.StreamID = in.StreamID
				return nil, false, iv
			}
			return nil, false, fmt.Errorf("stream %q sample %d: %w", in.StreamID, i, err)
		}
		data[i] = c
	}
	if len(data) != len(in.Data) {
		return nil, false, &InvariantViolation{
			StreamID: in.StreamID,
			Reason:   fmt.Sprintf("output length %d != input length %d", len(data), len(in.Data)),
		}
	}

	return &bulkio.Packet[complex64]{
		Data:       data,
		Time:       in.Time,
		EOS:        in.EOS,
		StreamID:   in.StreamID,
		SRI:        e.out.Clone(),
		SRIChanged: e.pending,
	}, e.pending, nil
}

// Announced clears the pending announcement after the caller has pushed the
// output descriptor downstream.
func (e *Engine) Announced() { e.pending = false }

// OutputSRI returns the descriptor attached to emitted packets.
func (e *Engine) OutputSRI() bulkio.StreamSRI { return e.out.Clone() }

// Scheme returns the scheme handles are built for.
func (e *Engine) Scheme() modem.Scheme { return e.scheme }

// State exposes the engine's modem state.
func (e *Engine) State() *ModemState { return e.modem }

// Tracker exposes the engine's descriptor tracker.
func (e *Engine) Tracker() *Tracker { return &e.tracker }
