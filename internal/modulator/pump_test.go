package modulator

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/modem"
	"github.com/banshee-data/bpskmod/internal/testutil"
)

var epoch = bulkio.FromTime(time.Date(2025, 3, 14, 15, 9, 26, 500_000_000, time.UTC))

func symbols(streamID string, changed bool, xdelta float64, syms ...uint32) *bulkio.Packet[uint32] {
	sri := bulkio.CreateSRI(streamID)
	sri.XDelta = xdelta
	return &bulkio.Packet[uint32]{
		Data:       syms,
		Time:       epoch,
		StreamID:   streamID,
		SRI:        sri,
		SRIChanged: changed,
	}
}

type harness struct {
	pump  *Pump
	src   *testutil.ScriptedSource
	sink  *testutil.RecordingSink
	modem *testutil.CountingModem
}

func newHarness() *harness {
	h := &harness{
		src:   &testutil.ScriptedSource{},
		sink:  &testutil.RecordingSink{},
		modem: testutil.NewCountingModem(),
	}
	engine := NewEngine(modem.BPSK, "BPSK_OUT", NewModemState(h.modem))
	h.pump = NewPump(h.src, engine, h.sink)
	return h
}

func (h *harness) service(t *testing.T) (Outcome, error) {
	t.Helper()
	return h.pump.Service(context.Background(), bulkio.NonBlocking)
}

func TestFirstPacketAnnouncesComplexDescriptor(t *testing.T) {
	h := newHarness()
	in := symbols("s1", true, 1e-6, 0, 1, 0)
	h.src.Enqueue(in)

	outcome, err := h.service(t)
	require.NoError(t, err)
	assert.Equal(t, Progress, outcome)

	events := h.sink.Events()
	require.Len(t, events, 2)
	require.NotNil(t, events[0].SRI, "descriptor must be announced before the packet")
	require.NotNil(t, events[1].Packet)

	sri := *events[0].SRI
	assert.True(t, sri.Complex)
	assert.Equal(t, 1e-6, sri.XDelta)
	assert.Equal(t, "s1", sri.StreamID)

	out := events[1].Packet
	assert.Equal(t, []complex64{1, -1, 1}, out.Data)
	assert.Equal(t, "s1", out.StreamID)
	assert.Equal(t, epoch, out.Time)
	assert.False(t, out.EOS)
	assert.True(t, out.SRI.Complex)
	assert.True(t, out.SRIChanged)
	assert.True(t, in.Released(), "input packet must be released after emission")
}

func TestUnflaggedPacketDoesNotRebuild(t *testing.T) {
	h := newHarness()
	h.src.Enqueue(symbols("s1", true, 1e-6, 0, 1), symbols("s1", false, 1e-6, 1, 1))

	for i := 0; i < 2; i++ {
		outcome, err := h.service(t)
		require.NoError(t, err)
		require.Equal(t, Progress, outcome)
	}

	assert.Equal(t, []string{"create"}, h.modem.Lifecycle())
	assert.Len(t, h.sink.Announcements(), 1)
	pkts := h.sink.Packets()
	require.Len(t, pkts, 2)
	assert.False(t, pkts[1].SRIChanged)
}

func TestNoDataMeansNoProgress(t *testing.T) {
	h := newHarness()

	outcome, err := h.service(t)
	require.NoError(t, err)
	assert.Equal(t, NoProgress, outcome)
	assert.Equal(t, Idle, h.pump.State())
	assert.Empty(t, h.sink.Events())
	assert.Zero(t, h.modem.Count("create"))
	assert.Equal(t, uint64(1), h.pump.Counters().NoProgress)
}

func TestEmptyPacketKeepsMetadata(t *testing.T) {
	h := newHarness()
	in := symbols("s1", true, 1e-3)
	in.EOS = true
	h.src.Enqueue(in)

	outcome, err := h.service(t)
	require.NoError(t, err)
	assert.Equal(t, Progress, outcome)

	pkts := h.sink.Packets()
	require.Len(t, pkts, 1)
	assert.Empty(t, pkts[0].Data)
	assert.True(t, pkts[0].EOS)
	assert.Equal(t, "s1", pkts[0].StreamID)
	assert.Equal(t, epoch, pkts[0].Time)
}

func TestLengthAndOrderPreserved(t *testing.T) {
	h := newHarness()
	rng := rand.New(rand.NewSource(7))
	bpsk := map[uint32]complex64{0: 1, 1: -1}

	var inputs [][]uint32
	for i := 0; i < 50; i++ {
		syms := make([]uint32, rng.Intn(65))
		for j := range syms {
			syms[j] = uint32(rng.Intn(2))
		}
		inputs = append(inputs, append([]uint32(nil), syms...))
		h.src.Enqueue(symbols("s1", i == 0, 1e-6, syms...))
	}
	for range inputs {
		_, err := h.service(t)
		require.NoError(t, err)
	}

	pkts := h.sink.Packets()
	require.Len(t, pkts, len(inputs))
	for i, in := range inputs {
		want := make([]complex64, len(in))
		for j, s := range in {
			want[j] = bpsk[s]
		}
		if diff := cmp.Diff(want, pkts[i].Data); diff != "" {
			t.Errorf("packet %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	assert.Equal(t, uint64(len(inputs)), h.pump.Counters().Packets)
}

func TestDescriptorChangePropagates(t *testing.T) {
	h := newHarness()
	second := symbols("s2", true, 2e-6, 1)
	second.SRI.Complex = true
	h.src.Enqueue(symbols("s1", true, 1e-6, 0), symbols("s1", false, 1e-6, 0), second)

	for i := 0; i < 3; i++ {
		_, err := h.service(t)
		require.NoError(t, err)
	}

	ann := h.sink.Announcements()
	require.Len(t, ann, 2)
	assert.Equal(t, 2e-6, ann[1].XDelta)
	assert.Equal(t, "s2", ann[1].StreamID)
	assert.True(t, ann[0].Complex)
	assert.True(t, ann[1].Complex)

	events := h.sink.Events()
	require.Len(t, events, 5)
	assert.NotNil(t, events[3].SRI, "new descriptor announced before the packet that carries it")
	assert.Equal(t, []string{"create", "destroy", "create"}, h.modem.Lifecycle())
}

func TestFlagIsTrustedOverValues(t *testing.T) {
	h := newHarness()
	// flagged twice with an identical descriptor: rebuilds both times
	// unflagged with a different descriptor: ignored
	drifted := symbols("s1", false, 5e-6, 1)
	h.src.Enqueue(symbols("s1", true, 1e-6, 0), symbols("s1", true, 1e-6, 0), drifted)

	for i := 0; i < 3; i++ {
		_, err := h.service(t)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"create", "destroy", "create"}, h.modem.Lifecycle())
	ann := h.sink.Announcements()
	require.Len(t, ann, 2)
	pkts := h.sink.Packets()
	assert.Equal(t, 1e-6, pkts[2].SRI.XDelta)
}

func TestMetadataPassThrough(t *testing.T) {
	tests := []struct {
		name string
		eos  bool
		ts   bulkio.PrecisionTime
	}{
		{"eos", true, epoch},
		{"mid stream", false, epoch.Add(0.125)},
		{"time not set", false, bulkio.NotSet()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			in := symbols("chan-7", true, 1e-6, 1, 0, 1, 1)
			in.EOS = tt.eos
			in.Time = tt.ts
			h.src.Enqueue(in)

			_, err := h.service(t)
			require.NoError(t, err)
			out := h.sink.Packets()[0]
			assert.Equal(t, tt.eos, out.EOS)
			assert.Equal(t, tt.ts, out.Time)
			assert.Equal(t, "chan-7", out.StreamID)
		})
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := newHarness()
	h.src.Enqueue(symbols("s1", true, 1e-6, 0))
	_, err := h.service(t)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.modem.Live())

	require.NoError(t, h.pump.Shutdown())
	require.NoError(t, h.pump.Shutdown())
	assert.Zero(t, h.modem.Live())
	assert.Equal(t, 1, h.modem.Count("destroy"))

	// shutting down a pump that never built a modem is also fine
	fresh := newHarness()
	assert.NoError(t, fresh.pump.Shutdown())
	assert.Zero(t, fresh.modem.Count("destroy"))
}

func TestSymbolOutOfRangeAbortsPacket(t *testing.T) {
	h := newHarness()
	bad := symbols("s1", true, 1e-6, 0, 2, 1)
	h.src.Enqueue(bad, symbols("s1", false, 1e-6, 1))

	outcome, err := h.service(t)
	assert.ErrorIs(t, err, modem.ErrSymbolRange)
	assert.False(t, IsFatal(err))
	assert.Equal(t, NoProgress, outcome)
	assert.Empty(t, h.sink.Events(), "no partial packet")
	assert.True(t, bad.Released())

	// the descriptor change from the aborted packet is still announced
	outcome, err = h.service(t)
	require.NoError(t, err)
	assert.Equal(t, Progress, outcome)
	events := h.sink.Events()
	require.Len(t, events, 2)
	require.NotNil(t, events[0].SRI)
	assert.Equal(t, []complex64{-1}, events[1].Packet.Data)
	assert.Equal(t, uint64(1), h.pump.Counters().Errors)
}

func TestPacketBeforeAnyDescriptorIsInvariantViolation(t *testing.T) {
	h := newHarness()
	h.src.Enqueue(symbols("s1", false, 1e-6, 0))

	_, err := h.service(t)
	var iv *InvariantViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, "s1", iv.StreamID)
	assert.False(t, IsFatal(err))
	assert.Empty(t, h.sink.Events())
}

func TestCreateFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.modem.CreateErr = errors.New("dsp unavailable")
	h.src.Enqueue(symbols("s1", true, 1e-6, 0))

	_, err := h.service(t)
	var le *LifecycleError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "create", le.Op)
	assert.True(t, IsFatal(err))
	assert.Empty(t, h.sink.Events())
}

func TestDestroyFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.src.Enqueue(symbols("s1", true, 1e-6, 0), symbols("s1", true, 1e-6, 0))
	_, err := h.service(t)
	require.NoError(t, err)

	h.modem.DestroyErr = errors.New("busy")
	_, err = h.service(t)
	assert.True(t, IsFatal(err))
	assert.Zero(t, h.modem.Live(), "handle is gone even when destroy reports an error")
}

func TestSinkErrorsSurface(t *testing.T) {
	h := newHarness()
	h.sink.Err = errors.New("connection reset")
	h.src.Enqueue(symbols("s1", true, 1e-6, 0))

	outcome, err := h.service(t)
	require.Error(t, err)
	assert.Equal(t, NoProgress, outcome, "failed announcement emits nothing")
	assert.Len(t, h.sink.Packets(), 0)

	h.sink.Err = nil
	h.src.Enqueue(symbols("s1", false, 1e-6, 1))
	outcome, err = h.service(t)
	require.NoError(t, err)
	assert.Equal(t, Progress, outcome)
	assert.Len(t, h.sink.Announcements(), 2, "announcement retried with the next packet")
}

func TestFailedEmitIsNotCounted(t *testing.T) {
	h := newHarness()
	h.sink.PacketErr = errors.New("connection reset")
	h.src.Enqueue(symbols("s1", true, 1e-6, 0, 1))

	outcome, err := h.service(t)
	require.Error(t, err)
	assert.Equal(t, Progress, outcome, "input was consumed")
	assert.Equal(t, Counters{Errors: 1}, h.pump.Counters())

	h.sink.PacketErr = nil
	h.src.Enqueue(symbols("s1", false, 1e-6, 1, 1, 0))
	_, err = h.service(t)
	require.NoError(t, err)
	assert.Equal(t, Counters{Packets: 1, Samples: 3, Errors: 1}, h.pump.Counters())
}

func TestBlockingReceiveInterruptedByContext(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.pump.Service(ctx, bulkio.Blocking)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking receive was not interrupted")
	}
	assert.Equal(t, []bulkio.ReceiveMode{bulkio.Blocking}, h.src.Modes())
}

func TestTrackerObserve(t *testing.T) {
	var tr Tracker
	_, known := tr.Current()
	assert.False(t, known)

	changed, sri := tr.Observe(symbols("a", true, 1e-6))
	assert.True(t, changed)
	assert.Equal(t, "a", sri.StreamID)
	assert.Equal(t, 1e-6, tr.SampleSpacing())

	changed, sri = tr.Observe(symbols("b", false, 9e-6))
	assert.False(t, changed)
	assert.Equal(t, "a", sri.StreamID)
	assert.Equal(t, "a", tr.StreamID())
}

func TestModemStateWithoutHandle(t *testing.T) {
	ms := NewModemState(modem.NewNative())
	assert.Equal(t, NoModem, ms.Phase())
	_, err := ms.Modulate(0)
	var iv *InvariantViolation
	assert.ErrorAs(t, err, &iv)
	assert.NoError(t, ms.Teardown())

	require.NoError(t, ms.Rebuild(modem.BPSK, bulkio.CreateSRI("x")))
	assert.Equal(t, ActiveModem, ms.Phase())
	d, ok := ms.Descriptor()
	assert.True(t, ok)
	assert.Equal(t, "x", d.StreamID)
	assert.Equal(t, uint64(1), ms.Rebuilds())
	require.NoError(t, ms.Teardown())
	_, ok = ms.Descriptor()
	assert.False(t, ok)
}
