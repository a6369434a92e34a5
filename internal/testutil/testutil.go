// Package testutil provides shared test fakes for the modulator pipeline:
// a scripted packet source, a recording sink, and a modem capability that
// counts handle lifecycle calls.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/modem"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LocalRequest creates an httptest request that appears to come from
// localhost, which tsweb debug handlers require.
func LocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// ScriptedSource hands out queued packets in order and reports
// bulkio.ErrNoData once they run out. A blocking receive on an empty script
// waits for ctx, so tests can exercise cancellation.
type ScriptedSource struct {
	mu      sync.Mutex
	packets []*bulkio.Packet[uint32]
	handed  []*bulkio.Packet[uint32]
	modes   []bulkio.ReceiveMode
}

// Enqueue appends packets to the script.
func (s *ScriptedSource) Enqueue(pkts ...*bulkio.Packet[uint32]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, pkts...)
}

// GetPacket implements the pump's upstream contract.
func (s *ScriptedSource) GetPacket(ctx context.Context, mode bulkio.ReceiveMode) (*bulkio.Packet[uint32], error) {
	s.mu.Lock()
	s.modes = append(s.modes, mode)
	if len(s.packets) > 0 {
		pkt := s.packets[0]
		s.packets = s.packets[1:]
		s.handed = append(s.handed, pkt)
		s.mu.Unlock()
		return pkt, nil
	}
	s.mu.Unlock()
	if mode == bulkio.NonBlocking {
		return nil, bulkio.ErrNoData
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// Handed returns every packet given out so far.
func (s *ScriptedSource) Handed() []*bulkio.Packet[uint32] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*bulkio.Packet[uint32](nil), s.handed...)
}

// Modes returns the receive mode of every GetPacket call.
func (s *ScriptedSource) Modes() []bulkio.ReceiveMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bulkio.ReceiveMode(nil), s.modes...)
}

// SinkEvent is one call observed by a RecordingSink. Exactly one of SRI and
// Packet is set.
type SinkEvent struct {
	SRI    *bulkio.StreamSRI
	Packet *bulkio.Packet[complex64]
}

// RecordingSink records announcements and packets in call order. Setting
// Err makes every call fail after recording; PacketErr fails only packets.
type RecordingSink struct {
	mu        sync.Mutex
	events    []SinkEvent
	Err       error
	PacketErr error
}

// PushSRI records sri.
func (r *RecordingSink) PushSRI(sri bulkio.StreamSRI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := sri.Clone()
	r.events = append(r.events, SinkEvent{SRI: &s})
	return r.Err
}

// PushPacket records pkt.
func (r *RecordingSink) PushPacket(pkt *bulkio.Packet[complex64]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, SinkEvent{Packet: pkt})
	if r.PacketErr != nil {
		return r.PacketErr
	}
	return r.Err
}

// Events returns all recorded calls.
func (r *RecordingSink) Events() []SinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SinkEvent(nil), r.events...)
}

// Packets returns only the recorded packets.
func (r *RecordingSink) Packets() []*bulkio.Packet[complex64] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bulkio.Packet[complex64]
	for _, e := range r.events {
		if e.Packet != nil {
			out = append(out, e.Packet)
		}
	}
	return out
}

// Announcements returns only the recorded SRI pushes.
func (r *RecordingSink) Announcements() []bulkio.StreamSRI {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bulkio.StreamSRI
	for _, e := range r.events {
		if e.SRI != nil {
			out = append(out, *e.SRI)
		}
	}
	return out
}

// CountingModem wraps modem.Native and records every lifecycle call.
// CreateErr and DestroyErr inject failures.
type CountingModem struct {
	native *modem.Native

	mu         sync.Mutex
	Log        []string // "create", "destroy", "modulate" in call order
	CreateErr  error
	DestroyErr error
}

// NewCountingModem returns a CountingModem backed by a fresh modem.Native.
func NewCountingModem() *CountingModem {
	return &CountingModem{native: modem.NewNative()}
}

func (m *CountingModem) record(op string) {
	m.mu.Lock()
	m.Log = append(m.Log, op)
	m.mu.Unlock()
}

// Create implements modem.Capability.
func (m *CountingModem) Create(scheme modem.Scheme) (modem.Handle, error) {
	m.record("create")
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	return m.native.Create(scheme)
}

// Modulate implements modem.Capability.
func (m *CountingModem) Modulate(h modem.Handle, symbol uint32) (complex64, error) {
	m.record("modulate")
	return m.native.Modulate(h, symbol)
}

// Destroy implements modem.Capability. The handle is released even when
// DestroyErr is set.
func (m *CountingModem) Destroy(h modem.Handle) error {
	m.record("destroy")
	if err := m.native.Destroy(h); err != nil {
		return err
	}
	return m.DestroyErr
}

// Count returns how many times op was called.
func (m *CountingModem) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.Log {
		if l == op {
			n++
		}
	}
	return n
}

// Lifecycle returns the create/destroy calls in order, without modulates.
func (m *CountingModem) Lifecycle() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.Log {
		if l != "modulate" {
			out = append(out, l)
		}
	}
	return out
}

// Live reports handles created and not destroyed.
func (m *CountingModem) Live() int64 { return m.native.Live() }
