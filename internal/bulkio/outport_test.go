package bulkio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// event is one call observed by recorder, in arrival order.
type event struct {
	sri    *StreamSRI
	packet *Packet[complex64]
}

type recorder struct {
	events  []event
	failSRI error
}

func (r *recorder) PushSRI(sri StreamSRI) error {
	if r.failSRI != nil {
		return r.failSRI
	}
	s := sri.Clone()
	r.events = append(r.events, event{sri: &s})
	return nil
}

func (r *recorder) PushPacket(pkt *Packet[complex64]) error {
	r.events = append(r.events, event{packet: pkt})
	return nil
}

func TestOutPort_ForwardsSRIThenPackets(t *testing.T) {
	port := NewOutPort[complex64]("dataFloat_out")
	rec := &recorder{}
	port.Connect("c1", rec)

	sri := CreateSRI("s1")
	sri.Complex = true
	require.NoError(t, port.PushSRI(sri))
	require.NoError(t, port.PushPacket(&Packet[complex64]{Data: []complex64{1, -1}, StreamID: "s1"}))

	require.Len(t, rec.events, 2)
	require.NotNil(t, rec.events[0].sri)
	assert.True(t, rec.events[0].sri.Complex)
	require.NotNil(t, rec.events[1].packet)
	assert.Len(t, rec.events[1].packet.Data, 2)
}

func TestOutPort_LateJoinerGetsActiveSRI(t *testing.T) {
	port := NewOutPort[complex64]("out")
	early := &recorder{}
	port.Connect("early", early)

	sri := CreateSRI("s1")
	sri.XDelta = 1e-6
	require.NoError(t, port.PushSRI(sri))

	late := &recorder{}
	port.Connect("late", late)
	require.NoError(t, port.PushPacket(&Packet[complex64]{Data: []complex64{1}, StreamID: "s1"}))

	require.Len(t, late.events, 2)
	require.NotNil(t, late.events[0].sri)
	assert.Equal(t, 1e-6, late.events[0].sri.XDelta)
	assert.Len(t, early.events, 2, "early connection must not be re-announced")
}

func TestOutPort_DefaultSRIAndEOS(t *testing.T) {
	port := NewOutPort[complex64]("out")
	rec := &recorder{}
	port.Connect("", rec)

	require.NoError(t, port.PushPacket(&Packet[complex64]{StreamID: "anon", EOS: true}))
	require.Len(t, rec.events, 2)
	assert.Equal(t, "anon", rec.events[0].sri.StreamID)
	assert.Empty(t, port.ActiveSRIs())

	// the stream starts again: announced again
	require.NoError(t, port.PushPacket(&Packet[complex64]{StreamID: "anon"}))
	require.Len(t, rec.events, 4)
	assert.NotNil(t, rec.events[2].sri)
}

func TestOutPort_ConnectDisconnect(t *testing.T) {
	port := NewOutPort[complex64]("out")
	id := port.Connect("", &recorder{})
	assert.NotEmpty(t, id)
	port.Connect("fixed", &recorder{})
	assert.Equal(t, []string{id, "fixed"}, port.Connections())

	port.Disconnect(id)
	port.Disconnect("missing")
	assert.Equal(t, []string{"fixed"}, port.Connections())
}

func TestOutPort_ConsumerErrorsJoined(t *testing.T) {
	port := NewOutPort[complex64]("out")
	boom := errors.New("boom")
	bad := &recorder{failSRI: boom}
	good := &recorder{}
	port.Connect("bad", bad)
	port.Connect("good", good)

	err := port.PushSRI(CreateSRI("s1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.events, 1)
}

func TestOutPort_Statistics(t *testing.T) {
	port := NewOutPort[complex64]("out")
	require.NoError(t, port.PushPacket(&Packet[complex64]{Data: make([]complex64, 4), StreamID: "s1"}))

	st := port.Statistics()
	assert.Equal(t, uint64(4), st.TotalElements)
	assert.Equal(t, []string{"s1"}, st.StreamIDs)
}
