package modulator

import "github.com/banshee-data/bpskmod/internal/bulkio"

// Tracker holds the active input descriptor. It believes the producer: a
// packet flagged SRIChanged replaces the descriptor, an unflagged one never
// does, and descriptors are not compared across packets.
type Tracker struct {
	sri   bulkio.StreamSRI
	known bool
}

// Observe records pkt's descriptor when the packet is flagged and reports
// whether it was. The returned descriptor is the active one either way.
func (t *Tracker) Observe(pkt *bulkio.Packet[uint32]) (bool, bulkio.StreamSRI) {
	if pkt.SRIChanged {
		t.sri = pkt.SRI.Clone()
		t.known = true
		return true, t.sri
	}
	return false, t.sri
}

// Current returns the active descriptor and whether one has been seen.
func (t *Tracker) Current() (bulkio.StreamSRI, bool) {
	return t.sri, t.known
}

// SampleSpacing is the active descriptor's XDelta.
func (t *Tracker) SampleSpacing() float64 { return t.sri.XDelta }

// StreamID is the active descriptor's stream identifier.
func (t *Tracker) StreamID() string { return t.sri.StreamID }
