package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/timeutil"
	"github.com/banshee-data/bpskmod/internal/wire"
)

// ReplayConfig configures ReplayPCAP.
type ReplayConfig struct {
	// UDPPort keeps only datagrams sent to this port. Zero keeps all UDP.
	UDPPort int

	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// SpeedMultiplier scales realtime pacing (2.0 = twice as fast).
	SpeedMultiplier float64

	Clock timeutil.Clock // defaults to timeutil.RealClock
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets  int // capture records read
	Frames   int // symbol frames delivered
	Skipped  int // non-UDP or other-port records
	Errors   int // frames that failed to decode or push
	Duration time.Duration
}

// ReplayPCAP reads a pcap capture from r and pushes every symbol frame it
// carries into w, in capture order. It returns when the capture ends or ctx
// is done.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig, w bulkio.PacketWriter[uint32]) (st ReplayStats, err error) {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	logf := monitoring.Prefixed("pcap")

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("failed to open pcap stream: %w", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	var counters sourceCounters
	var lastCapture time.Time
	start := cfg.Clock.Now()
	defer func() { st.Duration = cfg.Clock.Since(start) }()

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			logf("replay complete: %d records, %d frames, %d skipped, %d errors", st.Packets, st.Frames, st.Skipped, st.Errors)
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("failed to read pcap record %d: %w", st.Packets+1, err)
		}
		st.Packets++

		if cfg.Realtime {
			captured := packet.Metadata().Timestamp
			if !lastCapture.IsZero() {
				delay := time.Duration(float64(captured.Sub(lastCapture)) / cfg.SpeedMultiplier)
				if delay > 0 {
					select {
					case <-ctx.Done():
						return st, ctx.Err()
					case <-cfg.Clock.After(delay):
					}
				}
			}
			lastCapture = captured
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (cfg.UDPPort != 0 && int(udp.DstPort) != cfg.UDPPort) || len(udp.Payload) == 0 {
			st.Skipped++
			continue
		}

		frame, err := wire.DecodeSymbolFrame(udp.Payload)
		if err != nil {
			st.Errors++
			monitoring.Debugf("pcap record %d: %v", st.Packets, err)
			continue
		}
		if err := counters.deliver(ctx, w, frame); err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			st.Errors++
			logf("pcap record %d: push failed: %v", st.Packets, err)
			if errors.Is(err, bulkio.ErrPortClosed) {
				return st, err
			}
			continue
		}
		st.Frames++
	}
}
