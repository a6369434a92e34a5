package modulator

import (
	"sync/atomic"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/modem"
)

// Phase is the tag of a ModemState.
type Phase int

const (
	NoModem Phase = iota
	ActiveModem
)

func (p Phase) String() string {
	if p == ActiveModem {
		return "active"
	}
	return "no_modem"
}

// ModemState owns at most one modem handle, bound to the descriptor that
// was active when it was built. It is not safe for concurrent use and must
// not be copied.
type ModemState struct {
	capability modem.Capability

	phase      Phase
	handle     modem.Handle
	descriptor bulkio.StreamSRI
	rebuilds   atomic.Uint64
}

// NewModemState returns a ModemState in the NoModem phase.
func NewModemState(capability modem.Capability) *ModemState {
	return &ModemState{capability: capability}
}

// Rebuild destroys the current handle, if any, and creates a fresh one for
// scheme bound to sri. A failure leaves the state in NoModem.
func (m *ModemState) Rebuild(scheme modem.Scheme, sri bulkio.StreamSRI) error {
	if err := m.Teardown(); err != nil {
		return err
	}
	h, err := m.capability.Create(scheme)
	if err != nil {
		return &LifecycleError{Op: "create", Scheme: scheme, Err: err}
	}
	m.handle = h
	m.descriptor = sri.Clone()
	m.phase = ActiveModem
	m.rebuilds.Add(1)
	return nil
}

// Modulate maps one symbol through the live handle.
func (m *ModemState) Modulate(symbol uint32) (complex64, error) {
	if m.phase != ActiveModem {
		return 0, &InvariantViolation{Reason: "modulate called with no live modem"}
	}
	return m.capability.Modulate(m.handle, symbol)
}

// Teardown destroys the handle if one is live. Calling it again is a no-op.
func (m *ModemState) Teardown() error {
	if m.phase != ActiveModem {
		return nil
	}
	h := m.handle
	m.handle = nil
	m.descriptor = bulkio.StreamSRI{}
	m.phase = NoModem
	if err := m.capability.Destroy(h); err != nil {
		return &LifecycleError{Op: "destroy", Scheme: h.Scheme(), Err: err}
	}
	return nil
}

// Phase reports whether a handle is live.
func (m *ModemState) Phase() Phase { return m.phase }

// Descriptor returns the descriptor the live handle was built for.
func (m *ModemState) Descriptor() (bulkio.StreamSRI, bool) {
	return m.descriptor, m.phase == ActiveModem
}

// Rebuilds counts successful rebuilds since creation. Unlike the rest of
// ModemState it may be read from any goroutine.
func (m *ModemState) Rebuilds() uint64 { return m.rebuilds.Load() }
