package modulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/config"
	"github.com/banshee-data/bpskmod/internal/modem"
	"github.com/banshee-data/bpskmod/internal/monitoring"
	"github.com/banshee-data/bpskmod/internal/timeutil"
)

// Options configure a Component. Zero values fall back to the config
// package defaults.
type Options struct {
	Label          string
	Scheme         modem.Scheme
	OutputStreamID string
	ReceiveMode    bulkio.ReceiveMode
	NoopDelay      time.Duration
	QueueDepth     int
	StatsWindow    int

	Capability modem.Capability // defaults to modem.NewNative()
	Clock      timeutil.Clock   // defaults to timeutil.RealClock
}

// OptionsFromConfig maps a loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Scheme:         cfg.GetScheme(),
		OutputStreamID: cfg.GetOutputStreamID(),
		ReceiveMode:    cfg.GetReceiveMode(),
		NoopDelay:      cfg.GetNoopDelay(),
		QueueDepth:     cfg.GetQueueDepth(),
		StatsWindow:    cfg.GetStatsWindow(),
	}
}

func (o *Options) fill() {
	defaults := config.EmptyConfig()
	if o.Label == "" {
		o.Label = "bpskmod"
	}
	if o.Scheme == 0 {
		o.Scheme = defaults.GetScheme()
	}
	if o.OutputStreamID == "" {
		o.OutputStreamID = defaults.GetOutputStreamID()
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaults.GetQueueDepth()
	}
	if o.StatsWindow <= 0 {
		o.StatsWindow = defaults.GetStatsWindow()
	}
	if o.Capability == nil {
		o.Capability = modem.NewNative()
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Stats is a point-in-time view of a Component.
type Stats struct {
	ID       string                `json:"id"`
	Label    string                `json:"label"`
	Scheme   string                `json:"scheme"`
	State    string                `json:"state"`
	Rebuilds uint64                `json:"rebuilds"`
	Counters                       // packets, samples, no-progress, errors
	In       bulkio.PortStatistics `json:"in"`
	Out      bulkio.PortStatistics `json:"out"`
}

// Component is one modulator instance: an input port of symbol indices, an
// output port of complex samples, and the pump between them.
type Component struct {
	id    uuid.UUID
	opts  Options
	logf  func(format string, v ...interface{})
	in    *bulkio.InPort[uint32]
	out   *bulkio.OutPort[complex64]
	pump  *Pump
	state *ModemState
}

// NewComponent builds a Component with a fresh instance id.
func NewComponent(opts Options) *Component {
	opts.fill()
	portOpts := []bulkio.PortOption{
		bulkio.WithQueueDepth(opts.QueueDepth),
		bulkio.WithStatsWindow(opts.StatsWindow),
		bulkio.WithClock(opts.Clock),
	}
	in := bulkio.NewInPort[uint32]("dataUlong_in", portOpts...)
	out := bulkio.NewOutPort[complex64]("dataFloat_out", portOpts...)
	state := NewModemState(opts.Capability)
	engine := NewEngine(opts.Scheme, opts.OutputStreamID, state)
	return &Component{
		id:    uuid.New(),
		opts:  opts,
		logf:  monitoring.Prefixed(opts.Label),
		in:    in,
		out:   out,
		pump:  NewPump(in, engine, out),
		state: state,
	}
}

// ID returns the instance identifier.
func (c *Component) ID() string { return c.id.String() }

// Label returns the human-readable instance name.
func (c *Component) Label() string { return c.opts.Label }

// InPort is where producers push symbol packets.
func (c *Component) InPort() *bulkio.InPort[uint32] { return c.in }

// OutPort is where consumers connect for complex sample packets.
func (c *Component) OutPort() *bulkio.OutPort[complex64] { return c.out }

// Run services the pump until ctx is done, the input port is closed and
// drained, or a fatal error occurs. After a call that made no progress it
// waits NoopDelay before trying again. Packets that fail to modulate are
// logged and dropped. The modem is torn down before Run returns.
func (c *Component) Run(ctx context.Context) (err error) {
	c.logf("starting %s (%s, %s receive)", c.id, c.opts.Scheme, c.opts.ReceiveMode)
	defer func() {
		if terr := c.pump.Shutdown(); terr != nil {
			c.logf("teardown failed: %v", terr)
			err = errors.Join(err, terr)
		}
		c.logf("stopped %s", c.id)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		outcome, serr := c.pump.Service(ctx, c.opts.ReceiveMode)
		switch {
		case serr == nil:
		case errors.Is(serr, context.Canceled), errors.Is(serr, context.DeadlineExceeded):
			return nil
		case errors.Is(serr, bulkio.ErrPortClosed):
			c.logf("input port closed")
			return nil
		case IsFatal(serr):
			return fmt.Errorf("modulator %s: %w", c.opts.Label, serr)
		default:
			c.logf("dropping packet: %v", serr)
			continue
		}

		if outcome == NoProgress && c.opts.NoopDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-c.opts.Clock.After(c.opts.NoopDelay):
			}
		}
	}
}

// Stats returns a snapshot of the component's counters and port traffic.
func (c *Component) Stats() Stats {
	return Stats{
		ID:       c.ID(),
		Label:    c.opts.Label,
		Scheme:   c.opts.Scheme.String(),
		State:    c.pump.State().String(),
		Rebuilds: c.state.Rebuilds(),
		Counters: c.pump.Counters(),
		In:       c.in.Statistics(),
		Out:      c.out.Statistics(),
	}
}

// AttachAdminRoutes mounts the modulator's debug pages on mux under
// /debug/. tsweb restricts them to loopback and tailnet callers.
func (c *Component) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("modulator", "Modulator counters and port statistics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.Stats()); err != nil {
			http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		}
	})
	debug.HandleSilentFunc("modulator/sri", func(w http.ResponseWriter, r *http.Request) {
		type view struct {
			In  []bulkio.StreamSRI `json:"in"`
			Out []bulkio.StreamSRI `json:"out"`
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view{In: c.in.ActiveSRIs(), Out: c.out.ActiveSRIs()}); err != nil {
			http.Error(w, "failed to encode sri", http.StatusInternalServerError)
		}
	})
}
