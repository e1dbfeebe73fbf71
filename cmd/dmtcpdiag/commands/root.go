// Package commands implements dmtcpdiag's single-invocation CLI surface.
package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmtcp-tools/dmtcpdiag/internal/logger"
	"github.com/dmtcp-tools/dmtcpdiag/internal/telemetry"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/config"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/devmem"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/metrics"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/nic"
	"github.com/dmtcp-tools/dmtcpdiag/pkg/orchestrator"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string

	listen            bool
	serverAddr        string
	clientAddr        string
	port              uint16
	ifaceName         string
	rxQueueCount      int
	rxQueueStart      int
	validationModulus int
	maxChunk          int

	writeConfigPath string

	logLevel          string
	logFormat         string
	telemetryEndpoint string
	metricsAddr       string
	profile           bool
)

// rootCmd is the only command: dmtcpdiag is a netcat-style single-invocation
// tool, not a subcommand tree. The role (listener, sender, self-test) is
// chosen from the flags actually given, per §4.5.
var rootCmd = &cobra.Command{
	Use:   "dmtcpdiag",
	Short: "Exercise and diagnose device-memory TCP receive and transmit paths",
	Long: `dmtcpdiag drives a NIC through the device-memory TCP control plane
(header/data split, RSS, flow steering, queue-to-dmabuf binding) and the
corresponding zero-copy socket data plane.

With -l, it listens and receives fragments into a device buffer. With -s
(and no -l), it connects and transmits from a device buffer. With neither,
it runs a self-contained control-plane self-test against the named
interface and exits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dmtcpdiag/config.yaml)")

	rootCmd.Flags().BoolVarP(&listen, "listen", "l", false, "listen and receive instead of connecting and sending")
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "listen address (with -l) or peer address to connect to")
	rootCmd.Flags().StringVarP(&clientAddr, "client", "c", "", "local bind address on the sender, or flow-rule client address on the listener")
	rootCmd.Flags().Uint16VarP(&port, "port", "p", 5201, "TCP port")
	rootCmd.Flags().StringVarP(&ifaceName, "interface", "f", "", "network interface name to drive (required)")
	rootCmd.Flags().IntVarP(&rxQueueCount, "queue-count", "q", 0, "number of RX queues to bind, starting at -t (default: computed per role)")
	rootCmd.Flags().IntVarP(&rxQueueStart, "queue-start", "t", 0, "first RX queue index to bind")
	rootCmd.Flags().IntVarP(&validationModulus, "validate", "v", 0, "validate payload bytes as a repeating 0..m-1 sequence; 0 disables validation")
	rootCmd.Flags().IntVarP(&maxChunk, "chunk", "z", 0, "cap each zero-copy send at this many bytes; 0 means unchunked")
	rootCmd.Flags().StringVar(&writeConfigPath, "write-config", "", "write the effective configuration to this path as YAML and exit")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override the configured log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&telemetryEndpoint, "telemetry-endpoint", "", "override the OTLP endpoint and enable telemetry export")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "override the Prometheus listener address and enable it")
	rootCmd.PersistentFlags().BoolVar(&profile, "profile", false, "enable continuous profiling export for this run")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

// applyFlagOverrides layers the ambient CLI flags on top of whatever
// config.Load already resolved from file/env/defaults, mirroring
// applyEnvOverrides's precedence: a flag given on this invocation always
// wins, since it is the most specific source available.
func applyFlagOverrides(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(logLevel)
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if telemetryEndpoint != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = telemetryEndpoint
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}
	if profile {
		cfg.Telemetry.Profiling.Enabled = true
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if writeConfigPath != "" {
		return config.SaveConfig(cfg, writeConfigPath)
	}

	applyFlagOverrides(cfg)

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dmtcpdiag",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "dmtcpdiag",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go func() {
			if err := metrics.ServeHTTP(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics listener exited", "error", err)
			}
		}()
	}

	params := config.RunParams{
		Listen:            listen,
		Interface:         ifaceName,
		PeerAddr:          serverAddr,
		ClientAddr:        clientAddr,
		Port:              port,
		RxQueueCount:      rxQueueCount,
		RxQueueStart:      rxQueueStart,
		ValidationModulus: validationModulus,
		MaxChunk:          maxChunk,
	}

	provider := devmem.NewHostProvider()
	shellOut := nic.EthtoolShellOut{InterfaceName: func(ifindex int) (string, error) {
		return ifaceName, nil
	}}

	orch, err := orchestrator.New(cfg, params, provider, shellOut)
	if err != nil {
		return err
	}

	return orch.Run(ctx, os.Stdout)
}
