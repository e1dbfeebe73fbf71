// Package config defines the explicit configuration record threaded through
// the orchestrator and engines, per §9's note that global mutable state
// (interface name, queue range, binding ids) must not leak as package-level
// variables. Everything here is loaded once at startup and passed by value
// or pointer from then on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dmtcp-tools/dmtcpdiag/internal/bytesize"
)

// Config is the ambient/operational record: logging, telemetry, metrics,
// and the data-plane tunables the source hard-coded empirically (§9's note
// on the receive buffer size applies equally to the other tunables below).
//
// Configuration sources, highest precedence first:
//  1. CLI flags (cmd/dmtcpdiag applies the ambient flags onto this Config;
//     role, address and queue flags go to RunParams)
//  2. Environment variables (DMTCP_*)
//  3. Configuration file (YAML)
//  4. Defaults
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	// Engine contains the tunables the original tool hard-coded.
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
}

// LoggingConfig controls internal/logger's output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing and Pyroscope profiling,
// mirrored from internal/telemetry's expectations.
type TelemetryConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string          `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool            `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64         `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
	Profiling  ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls continuous profiling via Pyroscope.
type ProfilingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// MetricsConfig configures the optional Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// EngineConfig holds the data-plane constants the source chose empirically.
// §9 explicitly frees implementers to size these as long as the stated
// invariants hold. CompletionWait, ValidationThreshold, BufferSize and
// LineSize are passed to the engines by the orchestrator and take effect
// without a rebuild. SettlingInterval, ControlBufferFragments and
// MaxSegments are loaded and validated but not read by any engine: pkg/rx
// and pkg/tx use their own unexported constants, which equal the defaults
// below.
type EngineConfig struct {
	// SettlingInterval is the pause after RSS/channel reconfiguration
	// before bind_rx, per §4.3 step 1. pkg/rx does not read it.
	SettlingInterval time.Duration `mapstructure:"settling_interval" validate:"gt=0" yaml:"settling_interval"`

	// CompletionWait is the wait_completion deadline (waittime_ms), §5.
	CompletionWait time.Duration `mapstructure:"completion_wait" validate:"gt=0" yaml:"completion_wait"`

	// ValidationThreshold is the default mismatch count above which
	// ValidationFailure becomes fatal, per §4.3.
	ValidationThreshold int `mapstructure:"validation_threshold" validate:"gt=0" yaml:"validation_threshold"`

	// ControlBufferFragments sizes the RX control-message buffer in units
	// of fragment descriptors, replacing the source's empirical ~800KiB
	// constant (§9 open question). pkg/rx does not read it.
	ControlBufferFragments int `mapstructure:"control_buffer_fragments" validate:"gt=0" yaml:"control_buffer_fragments"`

	// MaxSegments caps how many chunks a single line_size payload may be
	// split into, per §4.4 step 3. pkg/tx does not read it.
	MaxSegments int `mapstructure:"max_segments" validate:"gt=0" yaml:"max_segments"`

	// BufferSize is the device buffer's byte length L (§3), a multiple of
	// the page size.
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" validate:"required" yaml:"buffer_size"`

	// LineSize is the per-iteration payload length the TX producer loop
	// requests from its source (§4.4 step 2).
	LineSize bytesize.ByteSize `mapstructure:"line_size" validate:"required" yaml:"line_size"`
}

// RunParams is the per-invocation role/address/queue record bound from the
// CLI flags listed in §6. It is kept separate from Config because it
// describes one run's identity, not the process's ambient stack.
type RunParams struct {
	Listen bool `validate:"-"`

	Interface string `validate:"required"`
	Ifindex   int    `validate:"-"`

	// PeerAddr is -s: required on sender, the local bind address on listener.
	PeerAddr string `validate:"-"`
	// ClientAddr is -c: optional 5-tuple/local-bind address on sender.
	ClientAddr string `validate:"-"`
	Port       uint16 `validate:"-"`

	RxQueueCount int `validate:"gte=0"`
	RxQueueStart int `validate:"gte=0"`

	// ValidationModulus is -v; 0 disables validation.
	ValidationModulus int `validate:"gte=0"`
	// MaxChunk is -z; 0 means unchunked.
	MaxChunk int `validate:"gte=0"`
}

// IsSender reports whether these params describe a transmit run.
func (p RunParams) IsSender() bool {
	return !p.Listen && p.PeerAddr != ""
}

// IsSelfTest reports whether neither role was asked to communicate, per
// §4.5's dispatch rule.
func (p RunParams) IsSelfTest() bool {
	return !p.Listen && p.PeerAddr == ""
}

// ListenAddr formats the RX bind address from PeerAddr/Port per §6 (-s on a
// listener is the local bind address).
func (p RunParams) ListenAddr() string {
	return fmt.Sprintf("%s:%d", p.PeerAddr, p.Port)
}

// ResolveQueues applies §6's default queue-selection rule when -q/-t are
// both omitted (zero).
func (p RunParams) ResolveQueues(totalQueues int) (start, n int) {
	if p.RxQueueCount > 0 || p.RxQueueStart > 0 {
		return p.RxQueueStart, p.RxQueueCount
	}
	if p.IsSelfTest() {
		return totalQueues / 2, totalQueues / 2
	}
	return totalQueues - 1, 1
}

// Load reads configuration from file, environment, and defaults, following
// the same precedence and decode-hook pattern as the ambient config layer
// elsewhere in this codebase.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			byteSizeDecodeHook(),
			mapstructure.StringToTimeDurationHookFunc(),
		))); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	applyEnvOverrides(v, cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
			Profiling: ProfilingConfig{
				Enabled:  false,
				Endpoint: "http://localhost:4040",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		Engine: EngineConfig{
			SettlingInterval:       200 * time.Millisecond,
			CompletionWait:         750 * time.Millisecond,
			ValidationThreshold:    20,
			ControlBufferFragments: 64,
			MaxSegments:            1024,
			BufferSize:             64 * bytesize.MiB,
			LineSize:               4 * bytesize.KiB,
		},
	}
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// ValidateRunParams runs struct-tag validation over p, the per-invocation
// record; CLI surface errors are ConfigurationError and fatal before any
// I/O per §7.
func ValidateRunParams(p *RunParams) error {
	return validator.New().Struct(p)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("DMTCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// applyEnvOverrides pulls the handful of DMTCP_* env vars that matter most
// for field diagnostics (log level/format, telemetry endpoint) on top of
// whatever the file or defaults set, without requiring a full Unmarshal
// round trip when there is no config file at all.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if lvl := os.Getenv("DMTCP_LOGGING_LEVEL"); lvl != "" {
		cfg.Logging.Level = strings.ToUpper(lvl)
	}
	if format := os.Getenv("DMTCP_LOGGING_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if endpoint := os.Getenv("DMTCP_TELEMETRY_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = endpoint
	}
	if addr := os.Getenv("DMTCP_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = addr
	}
}

// byteSizeDecodeHook lets config files use human-readable sizes like "64Mi"
// or "4Ki" for buffer_size/line_size, following the same mapstructure hook
// pattern used elsewhere in this codebase for ByteSize fields.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// SaveConfig writes cfg to path as YAML, creating parent directories as
// needed. Used by a first-run "write the defaults to disk" path so a user
// can edit the engine tunables without relying on env var overrides.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dmtcpdiag")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dmtcpdiag")
}
