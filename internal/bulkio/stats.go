package bulkio

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/bpskmod/internal/timeutil"
)

// DefaultStatsWindow is the number of calls averaged by port statistics.
const DefaultStatsWindow = 10

// PortStatistics is a point-in-time view of a port's traffic.
type PortStatistics struct {
	PortName          string        `json:"port_name"`
	ElementsPerSecond float64       `json:"elements_per_second"`
	BitsPerSecond     float64       `json:"bits_per_second"`
	CallsPerSecond    float64       `json:"calls_per_second"`
	AverageQueueDepth float64       `json:"average_queue_depth"`
	TimeSinceLastCall time.Duration `json:"time_since_last_call"`
	TotalCalls        uint64        `json:"total_calls"`
	TotalElements     uint64        `json:"total_elements"`
	StreamIDs         []string      `json:"stream_ids"`
}

type statRecord struct {
	at         time.Time
	elements   float64
	queueDepth float64
}

// Statistics accumulates per-call traffic over a sliding window of calls.
type Statistics struct {
	name           string
	bitsPerElement int
	clock          timeutil.Clock

	mu       sync.Mutex
	records  []statRecord
	next     int
	filled   bool
	lastCall time.Time
	calls    uint64
	elements uint64
	streams  map[string]struct{}
}

// NewStatistics creates a collector averaging over window calls.
func NewStatistics(name string, bitsPerElement, window int, clock timeutil.Clock) *Statistics {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Statistics{
		name:           name,
		bitsPerElement: bitsPerElement,
		clock:          clock,
		records:        make([]statRecord, window),
		streams:        make(map[string]struct{}),
	}
}

// Update records one call carrying elements samples for streamID, observed
// with queueDepth packets waiting.
func (s *Statistics) Update(elements, queueDepth int, streamID string) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = statRecord{at: now, elements: float64(elements), queueDepth: float64(queueDepth)}
	s.next = (s.next + 1) % len(s.records)
	if s.next == 0 {
		s.filled = true
	}
	s.lastCall = now
	s.calls++
	s.elements += uint64(elements)
	if streamID != "" {
		s.streams[streamID] = struct{}{}
	}
}

// RemoveStream drops streamID from the active stream list.
func (s *Statistics) RemoveStream(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
}

// Snapshot computes rates over the window ending now.
func (s *Statistics) Snapshot() PortStatistics {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := PortStatistics{
		PortName:      s.name,
		TotalCalls:    s.calls,
		TotalElements: s.elements,
		StreamIDs:     make([]string, 0, len(s.streams)),
	}
	for id := range s.streams {
		out.StreamIDs = append(out.StreamIDs, id)
	}
	sort.Strings(out.StreamIDs)

	n := s.next
	if s.filled {
		n = len(s.records)
	}
	if n == 0 {
		return out
	}
	out.TimeSinceLastCall = now.Sub(s.lastCall)

	oldest := s.records[0].at
	if s.filled {
		oldest = s.records[s.next].at
	}
	elements := make([]float64, n)
	depths := make([]float64, n)
	for i := 0; i < n; i++ {
		elements[i] = s.records[i].elements
		depths[i] = s.records[i].queueDepth
	}
	out.AverageQueueDepth = stat.Mean(depths, nil)

	span := now.Sub(oldest).Seconds()
	if span <= 0 {
		return out
	}
	total := stat.Mean(elements, nil) * float64(n)
	out.ElementsPerSecond = total / span
	out.BitsPerSecond = out.ElementsPerSecond * float64(s.bitsPerElement)
	out.CallsPerSecond = float64(n) / span
	return out
}
