package network

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/wire"
)

func init() {
	monitoring.SetLogger(nil)
}

// scriptedSocket replays datagrams, then times out until closed.
type scriptedSocket struct {
	mu        sync.Mutex
	datagrams [][]byte
	closed    bool
	rcvBuf    int
}

func (s *scriptedSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if len(s.datagrams) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, os.ErrDeadlineExceeded
	}
	d := s.datagrams[0]
	s.datagrams = s.datagrams[1:]
	s.mu.Unlock()
	return copy(b, d), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}, nil
}

func (s *scriptedSocket) SetReadBuffer(n int) error        { s.rcvBuf = n; return nil }
func (s *scriptedSocket) SetReadDeadline(time.Time) error { return nil }
func (s *scriptedSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultSymbolPort}
}

func (s *scriptedSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type scriptedFactory struct{ sock *scriptedSocket }

func (f scriptedFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) { return f.sock, nil }

func mustFrame(t *testing.T, f wire.SymbolFrame) []byte {
	t.Helper()
	b, err := wire.AppendSymbolFrame(nil, &f)
	require.NoError(t, err)
	return b
}

func TestUDPSource_DeliversFramesToPort(t *testing.T) {
	ts := bulkio.FromTime(time.Unix(1_700_000_000, 0))
	sock := &scriptedSocket{datagrams: [][]byte{
		mustFrame(t, wire.SymbolFrame{StreamID: "up", Time: ts, HasSRI: true, XDelta: 1e-6, Symbols: []uint32{0, 1, 1}}),
		[]byte("garbage"),
		mustFrame(t, wire.SymbolFrame{StreamID: "up", Time: ts.Add(3e-6), EOS: true, Symbols: []uint32{0}}),
	}}
	port := bulkio.NewInPort[uint32]("in")
	src := NewUDPSource(UDPSourceConfig{RcvBuf: 1 << 20, Writer: port, Sockets: scriptedFactory{sock}})
	require.NoError(t, src.Listen())
	assert.Equal(t, 1<<20, sock.rcvBuf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Serve(ctx) }()

	require.Eventually(t, func() bool { return port.QueueDepth() == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	assert.True(t, sock.closed)

	first, err := port.GetPacket(context.Background(), bulkio.NonBlocking)
	require.NoError(t, err)
	assert.True(t, first.SRIChanged)
	assert.Equal(t, 1e-6, first.SRI.XDelta)
	assert.Equal(t, []uint32{0, 1, 1}, first.Data)
	assert.Equal(t, ts, first.Time)
	first.Release()

	second, err := port.GetPacket(context.Background(), bulkio.NonBlocking)
	require.NoError(t, err)
	assert.False(t, second.SRIChanged)
	assert.True(t, second.EOS)
	second.Release()

	st := src.Stats()
	assert.Equal(t, uint64(3), st.Datagrams)
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Equal(t, uint64(4), st.Symbols)
}

func TestUDPSource_ClosedPortCountsPushErrors(t *testing.T) {
	port := bulkio.NewInPort[uint32]("in")
	require.NoError(t, port.Close())
	src := NewUDPSource(UDPSourceConfig{Writer: port, Sockets: scriptedFactory{&scriptedSocket{}}})

	err := src.handleDatagram(context.Background(), mustFrame(t, wire.SymbolFrame{StreamID: "s", Symbols: []uint32{1}}))
	assert.True(t, errors.Is(err, bulkio.ErrPortClosed))
	assert.Equal(t, uint64(1), src.Stats().PushErrors)
}

func TestUDPSource_Loopback(t *testing.T) {
	port := bulkio.NewInPort[uint32]("in")
	src := NewUDPSource(UDPSourceConfig{Address: "127.0.0.1:0", Writer: port})
	require.NoError(t, src.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Serve(ctx)

	conn, err := net.Dial("udp", src.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(mustFrame(t, wire.SymbolFrame{StreamID: "lo", Symbols: []uint32{1, 0}}))
	require.NoError(t, err)

	pktCtx, pktCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pktCancel()
	pkt, err := port.GetPacket(pktCtx, bulkio.Blocking)
	require.NoError(t, err)
	assert.Equal(t, "lo", pkt.StreamID)
	assert.Equal(t, []uint32{1, 0}, pkt.Data)
	assert.False(t, pkt.Time.Valid())
}
