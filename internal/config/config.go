package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/bpskmod/internal/bulkio"
	"github.com/banshee-data/bpskmod/internal/modem"
)

// DefaultConfigPath is the path to the canonical modulator defaults file.
const DefaultConfigPath = "config/bpskmod.defaults.json"

// Config holds the modulator settings. Every field is optional; the Get*
// methods supply defaults for anything the file leaves out.
type Config struct {
	// Modulation
	Scheme         *string `json:"scheme,omitempty"`
	OutputStreamID *string `json:"output_stream_id,omitempty"`

	// Service loop
	ReceiveMode *string `json:"receive_mode,omitempty"`
	NoopDelay   *string `json:"noop_delay,omitempty"` // duration string like "100ms"

	// Ports
	QueueDepth  *int `json:"queue_depth,omitempty"`
	StatsWindow *int `json:"stats_window,omitempty"`

	// Byte-stream sources (serial, PRBS)
	SymbolsPerPacket *int     `json:"symbols_per_packet,omitempty"`
	SymbolRate       *float64 `json:"symbol_rate,omitempty"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Fields omitted from the file keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repo root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/constellation/
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Scheme != nil {
		if _, err := modem.ParseScheme(*c.Scheme); err != nil {
			return fmt.Errorf("scheme: %w", err)
		}
	}
	if c.OutputStreamID != nil && *c.OutputStreamID == "" {
		return fmt.Errorf("output_stream_id must not be empty")
	}
	if c.ReceiveMode != nil {
		if _, err := bulkio.ParseReceiveMode(*c.ReceiveMode); err != nil {
			return fmt.Errorf("receive_mode: %w", err)
		}
	}
	if c.NoopDelay != nil && *c.NoopDelay != "" {
		d, err := time.ParseDuration(*c.NoopDelay)
		if err != nil {
			return fmt.Errorf("invalid noop_delay '%s': %w", *c.NoopDelay, err)
		}
		if d < 0 {
			return fmt.Errorf("noop_delay must be non-negative, got %s", d)
		}
	}
	if c.QueueDepth != nil && *c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", *c.QueueDepth)
	}
	if c.StatsWindow != nil && *c.StatsWindow < 1 {
		return fmt.Errorf("stats_window must be at least 1, got %d", *c.StatsWindow)
	}
	if c.SymbolsPerPacket != nil && *c.SymbolsPerPacket < 1 {
		return fmt.Errorf("symbols_per_packet must be at least 1, got %d", *c.SymbolsPerPacket)
	}
	if c.SymbolRate != nil && *c.SymbolRate <= 0 {
		return fmt.Errorf("symbol_rate must be positive, got %f", *c.SymbolRate)
	}
	return nil
}

// GetScheme returns the modulation scheme, BPSK by default.
func (c *Config) GetScheme() modem.Scheme {
	if c.Scheme == nil {
		return modem.BPSK
	}
	s, err := modem.ParseScheme(*c.Scheme)
	if err != nil {
		return modem.BPSK
	}
	return s
}

// GetOutputStreamID returns the stream id of the output SRI used before the
// first input descriptor arrives.
func (c *Config) GetOutputStreamID() string {
	if c.OutputStreamID == nil || *c.OutputStreamID == "" {
		return "BPSK_OUT"
	}
	return *c.OutputStreamID
}

// GetReceiveMode returns the receive mode, blocking by default.
func (c *Config) GetReceiveMode() bulkio.ReceiveMode {
	if c.ReceiveMode == nil {
		return bulkio.Blocking
	}
	m, err := bulkio.ParseReceiveMode(*c.ReceiveMode)
	if err != nil {
		return bulkio.Blocking
	}
	return m
}

// GetNoopDelay parses and returns the back-off after a no-progress service
// call.
func (c *Config) GetNoopDelay() time.Duration {
	if c.NoopDelay == nil || *c.NoopDelay == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.NoopDelay)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}

// GetQueueDepth returns the in-port queue depth.
func (c *Config) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return bulkio.DefaultQueueDepth
	}
	return *c.QueueDepth
}

// GetStatsWindow returns the number of calls port statistics average over.
func (c *Config) GetStatsWindow() int {
	if c.StatsWindow == nil {
		return bulkio.DefaultStatsWindow
	}
	return *c.StatsWindow
}

// GetSymbolsPerPacket returns the packet size for byte-stream sources.
func (c *Config) GetSymbolsPerPacket() int {
	if c.SymbolsPerPacket == nil {
		return 1024
	}
	return *c.SymbolsPerPacket
}

// GetSymbolRate returns the symbol rate in symbols/s for byte-stream
// sources; the source SRI uses 1/rate as its sample spacing.
func (c *Config) GetSymbolRate() float64 {
	if c.SymbolRate == nil {
		return 1e6
	}
	return *c.SymbolRate
}
