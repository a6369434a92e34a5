// Package capture records the modulator's output stream into SQLite so runs
// can be inspected after the fact: every SRI announcement and every sample
// packet, samples stored as interleaved little-endian float32.
package capture

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a capture database. It implements bulkio.Consumer[complex64], so
// it can be connected straight to the modulator's output port.
type Store struct {
	db   *sql.DB
	path string
}

// StreamSummary describes one captured stream.
type StreamSummary struct {
	StreamID      string `json:"stream_id"`
	Packets       int64  `json:"packets"`
	Samples       int64  `json:"samples"`
	Announcements int64  `json:"announcements"`
	Ended         bool   `json:"ended"`
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations. m is not closed because that
// would close the shared *sql.DB.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion reports the applied schema version; 0 when none is.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PushSRI records an announcement.
func (s *Store) PushSRI(sri bulkio.StreamSRI) error {
	keywords, err := sri.KeywordsJSON()
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sri_announcements (
			stream_id, hversion, xstart, xdelta, xunits, subsize,
			ystart, ydelta, yunits, complex, blocking, keywords
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sri.StreamID, sri.HVersion, sri.XStart, sri.XDelta, sri.XUnits, sri.Subsize,
		sri.YStart, sri.YDelta, sri.YUnits, sri.Complex, sri.Blocking, string(keywords),
	)
	if err != nil {
		return fmt.Errorf("failed to record SRI for %q: %w", sri.StreamID, err)
	}
	return nil
}

// PushPacket records a sample packet.
func (s *Store) PushPacket(pkt *bulkio.Packet[complex64]) error {
	blob, err := encodeSamples(pkt.Data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO packets (
			stream_id, tc_status, twsec, tfsec, eos, sri_changed, sample_count, samples
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pkt.StreamID, pkt.Time.TCStatus, pkt.Time.TWSec, pkt.Time.TFSec,
		pkt.EOS, pkt.SRIChanged, len(pkt.Data), blob,
	)
	if err != nil {
		return fmt.Errorf("failed to record packet for %q: %w", pkt.StreamID, err)
	}
	return nil
}

func encodeSamples(samples []complex64) ([]byte, error) {
	floats := make([]float32, 2*len(samples))
	if err := bulkio.InterleaveComplex(floats, samples); err != nil {
		return nil, err
	}
	blob := make([]byte, 0, 4*len(floats))
	for _, f := range floats {
		blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(f))
	}
	return blob, nil
}

func decodeSamples(blob []byte) ([]complex64, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("sample blob of %d bytes is not whole complex samples", len(blob))
	}
	floats := make([]float32, len(blob)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	out := make([]complex64, len(floats)/2)
	if err := bulkio.DeinterleaveComplex(out, floats); err != nil {
		return nil, err
	}
	return out, nil
}

// Streams summarises every stream in the capture, ordered by id.
func (s *Store) Streams() ([]StreamSummary, error) {
	rows, err := s.db.Query(`
		SELECT ids.stream_id,
			COALESCE(p.packets, 0), COALESCE(p.samples, 0), COALESCE(p.ended, 0),
			COALESCE(a.announcements, 0)
		FROM (
			SELECT stream_id FROM packets
			UNION
			SELECT stream_id FROM sri_announcements
		) AS ids
		LEFT JOIN (
			SELECT stream_id, COUNT(*) AS packets, SUM(sample_count) AS samples, MAX(eos) AS ended
			FROM packets GROUP BY stream_id
		) AS p ON p.stream_id = ids.stream_id
		LEFT JOIN (
			SELECT stream_id, COUNT(*) AS announcements
			FROM sri_announcements GROUP BY stream_id
		) AS a ON a.stream_id = ids.stream_id
		ORDER BY ids.stream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamSummary
	for rows.Next() {
		var st StreamSummary
		if err := rows.Scan(&st.StreamID, &st.Packets, &st.Samples, &st.Ended, &st.Announcements); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Samples returns up to limit samples of streamID in capture order. A limit
// of zero or less returns everything.
func (s *Store) Samples(streamID string, limit int) ([]complex64, error) {
	rows, err := s.db.Query(`SELECT samples FROM packets WHERE stream_id = ? ORDER BY id`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []complex64
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		samples, err := decodeSamples(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, samples...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, rows.Err()
}

// Announcements returns the SRIs recorded for streamID, oldest first.
// Keywords come back ordered by id.
func (s *Store) Announcements(streamID string) ([]bulkio.StreamSRI, error) {
	rows, err := s.db.Query(`SELECT hversion, xstart, xdelta, xunits, subsize,
			ystart, ydelta, yunits, complex, blocking, keywords
		FROM sri_announcements WHERE stream_id = ? ORDER BY id`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bulkio.StreamSRI
	for rows.Next() {
		sri := bulkio.StreamSRI{StreamID: streamID}
		var keywords string
		if err := rows.Scan(&sri.HVersion, &sri.XStart, &sri.XDelta, &sri.XUnits, &sri.Subsize,
			&sri.YStart, &sri.YDelta, &sri.YUnits, &sri.Complex, &sri.Blocking, &keywords); err != nil {
			return nil, err
		}
		if sri.Keywords, err = parseKeywords(keywords); err != nil {
			return nil, fmt.Errorf("stream %q: %w", streamID, err)
		}
		out = append(out, sri)
	}
	return out, rows.Err()
}

func parseKeywords(s string) ([]bulkio.Keyword, error) {
	st := &structpb.Struct{}
	if err := protojson.Unmarshal([]byte(s), st); err != nil {
		return nil, fmt.Errorf("bad keywords: %w", err)
	}
	if len(st.Fields) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(st.Fields))
	for id := range st.Fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]bulkio.Keyword, len(ids))
	for i, id := range ids {
		out[i] = bulkio.Keyword{ID: id, Value: st.Fields[id]}
	}
	return out, nil
}

// AttachAdminRoutes mounts a capture summary and a tailsql console on the
// tsweb debug mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Capture DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("capture", "Captured streams", func(w http.ResponseWriter, r *http.Request) {
		streams, err := s.Streams()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(streams)
	})
	return nil
}
