// Command cdnfastd runs the CDN-accelerating DNS forwarder: a DNS responder
// that overrides a curated set of A-record queries with the lowest-latency
// address a background prober has measured, forwarding everything else
// upstream verbatim.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cdnfast-dns/internal/cidrset"
	"cdnfast-dns/internal/config"
	"cdnfast-dns/internal/dnsserver"
	"cdnfast-dns/internal/fastip"
	"cdnfast-dns/internal/oracle"
	"cdnfast-dns/internal/prober"
	"cdnfast-dns/internal/resource"
)

// dnsStartupDelay lets the prober populate an initial sample before the
// responder starts accepting queries.
const dnsStartupDelay = 5 * time.Second

func main() {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "cdnfastd",
		Short: "Authoritative-override DNS forwarder for CDN latency acceleration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}
	root.Flags().StringVar(&configPath, "config", config.DefaultPath, "path to TOML configuration file")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug/info/warn/error")

	root.AddCommand(genConfigCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("cdnfastd exited with error")
	}
}

// genConfigCmd writes a commented example config.toml, mirroring the
// teacher's "--gen-key writes a file and exits" helper pattern.
func genConfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Write an example config.toml and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.WriteFile(out, []byte(exampleConfig), 0o644); err != nil {
				return fmt.Errorf("genconfig: write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "conf/config.toml", "output path")
	return cmd
}

func setupLogging(level string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return fmt.Errorf("invalid log level %q", level)
	}
	return nil
}

func run(configPath, logLevel string) error {
	if err := setupLogging(logLevel); err != nil {
		log.Fatal().Err(err).Msg("invalid --log-level")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	cidrBlocks, err := resource.LoadCIDRs(cfg.Resource.IPv4Filepath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load CIDR resource file")
	}
	cidrs := cidrset.New(cidrBlocks)
	log.Info().Int("blocks", cidrs.Len()).Msg("loaded CIDR set")

	domains, err := resource.LoadDomains(cfg.Resource.DomainFilepath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load domain resource file")
	}
	log.Info().Int("domains", len(domains)).Msg("loaded domain set")

	fast := fastip.New()

	var (
		cdnOracle     oracle.CdnDomainOracle
		learnedOracle *oracle.LearnedCacheOracle
	)
	switch cfg.Oracle.Mode {
	case "static":
		cdnOracle = oracle.NewStaticSuffixOracle(domains, cfg.Oracle.ProperSuffix)
	case "cache":
		learnedOracle = oracle.NewLearnedCacheOracle(cidrs, oracle.DefaultCacheCapacity)
		cdnOracle = learnedOracle
	default:
		log.Fatal().Str("mode", cfg.Oracle.Mode).Msg("unknown oracle.mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pb := prober.New(cidrs, fast, prober.Config{
		Port:              cfg.Ping.Port,
		Workers:           cfg.Ping.Workers,
		Times:             cfg.Ping.Times,
		Timeout:           time.Duration(cfg.Ping.TimeoutMS) * time.Millisecond,
		Interval:          time.Duration(cfg.Ping.IntervalMS) * time.Millisecond,
		Cooldown:          time.Duration(cfg.Ping.CooldownSeconds) * time.Second,
		DropFailedSamples: cfg.Ping.DropFailedSamples,
	})

	errCh := make(chan error, 2)

	go func() {
		log.Info().Msg("starting prober")
		errCh <- pb.Run(ctx)
	}()

	go func() {
		select {
		case <-time.After(dnsStartupDelay):
		case <-ctx.Done():
			return
		}

		responder := &dnsserver.Responder{
			UpstreamAddr:  &net.UDPAddr{IP: cfg.Upstream.Host, Port: int(cfg.Upstream.Port)},
			TTL:           cfg.Server.TTL,
			Oracle:        cdnOracle,
			Fast:          fast,
			Cidrs:         cidrs,
			LearnedOracle: learnedOracle,
		}

		addr := dnsserver.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
		srv := dnsserver.NewServer(addr, responder)

		log.Info().Msg("starting DNS responder after startup delay")
		errCh <- srv.Run(ctx)
	}()

	select {
	case err := <-errCh:
		stop()
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown complete")
	return nil
}

const exampleConfig = `# cdnfastd example configuration

[server]
host = "0.0.0.0"
port = 53
ttl = 300

[upstream]
host = "1.1.1.1"
port = 53

[ping]
port = 443
workers = 64
times = 4
timeout = 500
interval = 50
cooldown = 7200
drop_failed_samples = false

[resource]
ipv4_filepath = "conf/cidrs.txt"
domain_filepath = "conf/domains.txt"

[oracle]
mode = "cache"
proper_suffix = true
`
