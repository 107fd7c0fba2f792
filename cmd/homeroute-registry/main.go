package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/homeroute/homeroute/pkg/api"
	"github.com/homeroute/homeroute/pkg/events"
	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/registry"
	"github.com/homeroute/homeroute/pkg/security"
	"github.com/homeroute/homeroute/pkg/storage"
	"github.com/homeroute/homeroute/pkg/types"
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
	Use:   "homeroute-registry",
	Short: "Homeroute registry - gateway fleet control plane",
	Long: `The homeroute registry owns the application fleet: it allocates stable
IPv6 suffixes, issues certificates through the internal CA, derives
per-domain routes, and pushes configuration to connected agents.`,
	Version: Version,
	RunE:    runRegistry,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"homeroute-registry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("listen-addr", ":7443", "Agent listener address")
	rootCmd.Flags().String("api-addr", "127.0.0.1:7080", "Admin API address")
	rootCmd.Flags().String("data-dir", "/var/lib/homeroute", "Data directory")
	rootCmd.Flags().String("base-domain", "", "Base domain applications are served under (required)")
	rootCmd.Flags().String("ipv6-prefix", "", "Delegated IPv6 prefix, e.g. 2001:db8:1::/64 (required)")
	rootCmd.Flags().String("auth-url", "", "Forward-auth endpoint pushed to agents")
	rootCmd.Flags().String("registry-domain", "registry.homeroute.local", "Domain on the registry's own TLS certificate")
	rootCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}

func runRegistry(cmd *cobra.Command, args []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	baseDomain, _ := cmd.Flags().GetString("base-domain")
	ipv6Prefix, _ := cmd.Flags().GetString("ipv6-prefix")
	authURL, _ := cmd.Flags().GetString("auth-url")
	registryDomain, _ := cmd.Flags().GetString("registry-domain")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("main")

	if baseDomain == "" || ipv6Prefix == "" {
		return fmt.Errorf("--base-domain and --ipv6-prefix are required")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ca := security.NewCertAuthority(store, filepath.Join(dataDir, "certs"))
	if !ca.IsInitialized() {
		logger.Info().Msg("Initializing certificate authority")
	}
	if err := ca.Init(); err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg, err := registry.New(store, ca, nil, broker, registry.Options{
		BaseDomain: baseDomain,
		IPv6Prefix: ipv6Prefix,
		AuthURL:    authURL,
	})
	if err != nil {
		return err
	}

	serverCert, err := registryCertificate(store, ca, registryDomain)
	if err != nil {
		return err
	}

	sessionServer := registry.NewServer(reg, serverCert)
	if err := sessionServer.Start(listenAddr); err != nil {
		return err
	}
	defer sessionServer.Stop()

	apiServer := api.NewServer(reg, Version)
	if err := apiServer.Start(apiAddr); err != nil {
		return err
	}
	defer apiServer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	logger.Info().
		Str("version", Version).
		Str("listen_addr", listenAddr).
		Str("api_addr", apiAddr).
		Str("base_domain", baseDomain).
		Msg("Registry running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}

// registryCertificate loads the registry's own TLS identity from the
// internal CA, issuing a fresh leaf when none exists or the current one
// is close to expiry.
func registryCertificate(store storage.Store, ca *security.CertAuthority, domain string) (tls.Certificate, error) {
	var info *types.CertificateInfo
	existing, err := store.ListCertificates()
	if err != nil {
		return tls.Certificate{}, err
	}
	for _, cert := range existing {
		if len(cert.Domains) == 1 && cert.Domains[0] == domain {
			info = cert
			break
		}
	}

	switch {
	case info == nil:
		info, err = ca.IssueCertificate([]string{domain})
	case info.NeedsRenewal(time.Now(), security.DefaultRenewalThresholdDays):
		info, err = ca.RenewCertificate(info.ID)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to provision registry certificate: %w", err)
	}

	certPEM, keyPEM, err := ca.CertPEM(info)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}
