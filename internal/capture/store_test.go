package capture

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func outputSRI(t *testing.T) bulkio.StreamSRI {
	t.Helper()
	sri := bulkio.CreateSRI("BPSK_OUT")
	sri.Complex = true
	sri.XDelta = 1e-6
	sri.XStart = 2.5
	require.NoError(t, sri.SetKeyword("COL_RF", 915e6))
	require.NoError(t, sri.SetKeyword("ANTENNA", "north"))
	return sri
}

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.db")
	s, err := Open(path)
	require.NoError(t, err)
	v, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)
	require.NoError(t, s.Close())

	// Reopening an up-to-date database is a no-op.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestStoreRecordsStream(t *testing.T) {
	s := openTestStore(t)
	sri := outputSRI(t)
	require.NoError(t, s.PushSRI(sri))

	stamp := bulkio.FromTime(time.Unix(1_700_000_000, 500_000_000))
	first := []complex64{1, -1, complex(0.5, -0.5)}
	second := []complex64{-1, 1}
	require.NoError(t, s.PushPacket(&bulkio.Packet[complex64]{Data: first, Time: stamp, StreamID: "BPSK_OUT", SRI: sri, SRIChanged: true}))
	require.NoError(t, s.PushPacket(&bulkio.Packet[complex64]{Data: second, Time: stamp.Add(3e-6), EOS: true, StreamID: "BPSK_OUT", SRI: sri}))

	got, err := s.Samples("BPSK_OUT", 0)
	require.NoError(t, err)
	assert.Equal(t, append(append([]complex64{}, first...), second...), got)

	got, err = s.Samples("BPSK_OUT", 4)
	require.NoError(t, err)
	assert.Equal(t, []complex64{1, -1, complex(0.5, -0.5), -1}, got)

	ann, err := s.Announcements("BPSK_OUT")
	require.NoError(t, err)
	require.Len(t, ann, 1)
	// Keywords come back sorted by id.
	want := sri.Clone()
	want.Keywords = []bulkio.Keyword{want.Keywords[1], want.Keywords[0]}
	if diff := cmp.Diff(want, ann[0], protocmp.Transform()); diff != "" {
		t.Errorf("announcement mismatch (-want +got):\n%s", diff)
	}

	streams, err := s.Streams()
	require.NoError(t, err)
	assert.Equal(t, []StreamSummary{{StreamID: "BPSK_OUT", Packets: 2, Samples: 5, Announcements: 1, Ended: true}}, streams)
}

func TestStoreEmptyPacketAndNoKeywords(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PushSRI(bulkio.CreateSRI("bare")))
	require.NoError(t, s.PushPacket(&bulkio.Packet[complex64]{StreamID: "bare", Time: bulkio.NotSet(), EOS: true}))

	got, err := s.Samples("bare", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	ann, err := s.Announcements("bare")
	require.NoError(t, err)
	require.Len(t, ann, 1)
	if diff := cmp.Diff(bulkio.CreateSRI("bare"), ann[0], cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("announcement mismatch (-want +got):\n%s", diff)
	}

	missing, err := s.Samples("nope", 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestStreamsIncludesAnnounceOnly(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PushSRI(bulkio.CreateSRI("b")))
	require.NoError(t, s.PushPacket(&bulkio.Packet[complex64]{StreamID: "a", Data: []complex64{1}}))

	streams, err := s.Streams()
	require.NoError(t, err)
	assert.Equal(t, []StreamSummary{
		{StreamID: "a", Packets: 1, Samples: 1},
		{StreamID: "b", Announcements: 1},
	}, streams)
}

func TestStoreAsOutPortConsumer(t *testing.T) {
	s := openTestStore(t)
	out := bulkio.NewOutPort[complex64]("dataFloat_out")
	out.Connect("capture", s)

	// No SRI pushed first: the port announces a default one.
	require.NoError(t, out.PushPacket(&bulkio.Packet[complex64]{StreamID: "late", Data: []complex64{1, 1}}))
	ann, err := s.Announcements("late")
	require.NoError(t, err)
	assert.Len(t, ann, 1)
}

func TestDecodeSamplesRejectsRaggedBlob(t *testing.T) {
	_, err := decodeSamples(make([]byte, 12))
	assert.Error(t, err)
}

func TestAttachAdminRoutes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PushPacket(&bulkio.Packet[complex64]{StreamID: "x", Data: []complex64{1}}))

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/capture", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var streams []StreamSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &streams))
	require.Len(t, streams, 1)
	assert.Equal(t, int64(1), streams[0].Samples)
}
