// Command bpskmod runs the streaming modulator: symbols arrive from a UDP
// socket, a serial line, a pcap capture or a PRBS generator, and complex
// baseband samples leave as UDP IQ frames and/or rows in a capture database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/capture"
	"github.com/banshee-data/bpskmod/internal/config"
	"github.com/banshee-data/bpskmod/internal/modulator"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/network"
	"github.com/banshee-data/bpskmod/internal/prbs"
	"github.com/banshee-data/bpskmod/internal/serialsrc"
	"github.com/banshee-data/bpskmod/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to a JSON config file (default: "+config.DefaultConfigPath+" if present)")
	sourceKind = flag.String("source", "udp", "Symbol source: udp, serial, pcap or prbs")

	listen = flag.String("listen", fmt.Sprintf(":%d", network.DefaultSymbolPort), "UDP listen address for symbol frames")
	rcvBuf = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")

	serialPort = flag.String("serial-port", "/dev/ttyUSB0", "Serial device for -source=serial")
	baud       = flag.Int("baud", serialsrc.DefaultBaudRate, "Serial baud rate")

	pcapFile = flag.String("pcap", "", "Capture file for -source=pcap")
	pcapPort = flag.Int("pcap-port", network.DefaultSymbolPort, "UDP destination port to replay (0 = all)")
	realtime = flag.Bool("realtime", false, "Pace pcap replay by capture timestamps")
	speed    = flag.Float64("speed", 1.0, "Realtime replay speed multiplier")

	prbsPoly    = flag.String("prbs", "prbs9", "PRBS polynomial for -source=prbs (prbs9, prbs15)")
	prbsPackets = flag.Int("prbs-packets", 0, "Stop the PRBS source after this many packets (0 = never)")
	prbsPaced   = flag.Bool("prbs-paced", true, "Pace PRBS packets at the configured symbol rate")

	sinkAddr    = flag.String("sink-addr", "", "Send IQ frames to this UDP address")
	captureDB   = flag.String("capture-db", "", "Record output to this SQLite database")
	debugListen = flag.String("debug-listen", "localhost:8080", "Debug HTTP listen address (empty disables)")

	debugLog    = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debugLog)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("bpskmod: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path, or the defaults file when path is empty and the
// file exists, or falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadConfig(config.DefaultConfigPath)
	}
	return config.EmptyConfig(), nil
}

// run wires source -> modulator -> sinks and blocks until ctx is done, a
// finite source has been fully modulated, or the modulator fails.
func run(ctx context.Context, cfg *config.Config) error {
	comp := modulator.NewComponent(modulator.OptionsFromConfig(cfg))
	monitoring.Logf("bpskmod %s: component %s, scheme %s", version.String(), comp.ID(), cfg.GetScheme())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *sinkAddr != "" {
		sink, err := network.NewUDPSink(*sinkAddr, 0)
		if err != nil {
			return err
		}
		defer sink.Close()
		sink.Start(runCtx, time.Minute)
		comp.OutPort().Connect("udp-sink", sink)
	}

	var err error
	var store *capture.Store
	if *captureDB != "" {
		store, err = capture.Open(*captureDB)
		if err != nil {
			return fmt.Errorf("failed to open capture database: %w", err)
		}
		defer store.Close()
		comp.OutPort().Connect("capture", store)
	}

	var server *http.Server
	if *debugListen != "" {
		mux := http.NewServeMux()
		comp.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		server = &http.Server{Addr: *debugListen, Handler: mux}
	}

	// Built last: the UDP source binds its socket here, and only Serve
	// closes it.
	source, err := newSource(cfg, comp.InPort())
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					monitoring.Logf("debug server failed: %v", err)
				}
			}()
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Logf("debug server shutdown error: %v", err)
				server.Close()
			}
		}()
	}

	// A finite source closes the input port when done; the component drains
	// what is queued and returns.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer comp.InPort().Close()
		if err := source(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("%s source stopped: %v", *sourceKind, err)
		}
	}()

	err = comp.Run(runCtx)
	cancel()
	wg.Wait()

	st := comp.Stats()
	monitoring.Logf("modulated %d packets (%d samples), %d errors, %d rebuilds", st.Packets, st.Samples, st.Errors, st.Rebuilds)
	return err
}

// newSource returns the runner for the -source flag, pushing into in.
func newSource(cfg *config.Config, in *bulkio.InPort[uint32]) (func(context.Context) error, error) {
	switch *sourceKind {
	case "udp":
		src := network.NewUDPSource(network.UDPSourceConfig{Address: *listen, RcvBuf: *rcvBuf, Writer: in})
		if err := src.Listen(); err != nil {
			return nil, err
		}
		return src.Serve, nil

	case "serial":
		src, err := serialsrc.New(serialsrc.Config{
			Path:             *serialPort,
			Options:          serialsrc.PortOptions{BaudRate: *baud},
			Scheme:           cfg.GetScheme(),
			SymbolsPerPacket: cfg.GetSymbolsPerPacket(),
			SymbolRate:       cfg.GetSymbolRate(),
			Writer:           in,
		})
		if err != nil {
			return nil, err
		}
		return src.Run, nil

	case "pcap":
		if *pcapFile == "" {
			return nil, errors.New("-pcap is required with -source=pcap")
		}
		return func(ctx context.Context) error {
			f, err := os.Open(*pcapFile)
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := network.ReplayPCAP(ctx, f, network.ReplayConfig{
				UDPPort:         *pcapPort,
				Realtime:        *realtime,
				SpeedMultiplier: *speed,
			}, in)
			monitoring.Logf("pcap replay: %d frames from %d records in %v", st.Frames, st.Packets, st.Duration)
			return err
		}, nil

	case "prbs":
		poly, err := prbs.ParsePolynomial(*prbsPoly)
		if err != nil {
			return nil, err
		}
		gen, err := prbs.NewGenerator(prbs.Config{
			Polynomial:       poly,
			Scheme:           cfg.GetScheme(),
			SymbolsPerPacket: cfg.GetSymbolsPerPacket(),
			SymbolRate:       cfg.GetSymbolRate(),
			Packets:          *prbsPackets,
			Paced:            *prbsPaced,
			Writer:           in,
		})
		if err != nil {
			return nil, err
		}
		return gen.Run, nil
	}
	return nil, fmt.Errorf("unknown source %q: expected udp, serial, pcap or prbs", *sourceKind)
}
