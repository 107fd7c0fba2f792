package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/homeroute/homeroute/pkg/agent"
	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/metrics"
	"github.com/homeroute/homeroute/pkg/netif"
	"github.com/homeroute/homeroute/pkg/pd"
	"github.com/homeroute/homeroute/pkg/proxy"
	"github.com/homeroute/homeroute/pkg/services"
	"github.com/homeroute/homeroute/pkg/update"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "homeroute-agent",
	Short: "Homeroute agent - per-application gateway endpoint",
	Long: `The homeroute agent runs next to one application container. It keeps a
persistent connection to the registry, terminates TLS for the
application's domains on its assigned global IPv6 address, and relays
traffic to local backend ports.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"homeroute-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringP("config", "c", "/etc/homeroute/agent.yaml", "Path to agent configuration")
	rootCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("service", cfg.ServiceName).Msg("Starting homeroute agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	// On restart, a still-valid delegated prefix means the address the
	// registry pushes should already be routable.
	if lease, err := pd.Load(cfg.LeasePath); err == nil {
		if lease.Valid(time.Now()) {
			logger.Info().Str("prefix", lease.Prefix).Msg("Delegated prefix lease still valid")
		} else {
			logger.Warn().Str("prefix", lease.Prefix).Msg("Delegated prefix lease expired, renegotiation required")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("Failed to read prefix delegation lease")
	}

	addrs := netif.NewManager(cfg.Interface, netif.NewIPController())
	if adopted, err := addrs.Discover(ctx); err != nil {
		logger.Warn().Err(err).Msg("Address discovery failed")
	} else if adopted != nil {
		logger.Info().Str("address", adopted.IP.String()).Msg("Adopted existing global address")
	}

	proxySrv := proxy.NewServer(cfg.ProxyPort)

	units := make(map[services.ServiceType]string, len(cfg.ServiceUnits))
	for svc, unit := range cfg.ServiceUnits {
		units[services.ServiceType(svc)] = unit
	}
	tracker := services.NewTracker(services.NewSystemdSupervisor(units))
	go tracker.Run(ctx)
	defer tracker.Close()

	updater := update.New(cfg.BinaryPath, cfg.ServiceUnit)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	sup := agent.NewSupervisor(cfg, Version, addrs, proxySrv, tracker, updater)
	err = sup.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	proxySrv.Stop()
	logger.Info().Msg("Agent stopped")
	return nil
}
