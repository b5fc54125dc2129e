package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/api"
	"github.com/anstrom/portscope/internal/config"
	"github.com/anstrom/portscope/internal/db"
	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/output"
	"github.com/anstrom/portscope/internal/scanning"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
	"github.com/anstrom/portscope/internal/workers"
)

const (
	resolverTimeout = 3 * time.Second
	sinkTimeout     = 30 * time.Second
	cacheSize       = 65536
)

// scanFlags holds the raw flag values of the scan command. A flag only
// overrides the configuration when the user set it.
type scanFlags struct {
	targets         string
	ports           string
	scanType        string
	timeout         time.Duration
	portParallelism int
	hostParallelism int
	hostRate        float64
	rate            float64
	burst           int
	noFallback      bool
	firewall        bool
	service         string
	noLearn         bool
	format          string
	outputFile      string
	cacheTTL        time.Duration
	nameserver      string
	resultsDSN      string
	metricsListen   string
}

var scanOpts scanFlags

var scanCmd = &cobra.Command{
	Use:   "scan [targets...]",
	Short: "Scan hosts for open ports",
	Long: `Scan one or more targets. Targets are addresses, hostnames, ranges
(192.168.1.10-20) and CIDR blocks, given as arguments or via --targets.

Timeout, per-host parallelism and per-host rate come from the learned profile
of each target's network class unless set explicitly. Raw techniques (syn,
fin, xmas, null) need raw socket privilege; without it the scan falls back to
connect scanning unless --no-fallback is given.`,
	Example: `  portscope scan 192.168.1.0/24 -p common
  portscope scan example.com -p 1-1024 --timeout 800ms
  portscope scan 10.0.0.5 -s syn --firewall --service banner
  portscope scan localhost -p web -o json --output-file scan.json`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd.Flags(), &scanOpts)
}

func addScanFlags(f *pflag.FlagSet, o *scanFlags) {
	f.StringVarP(&o.targets, "targets", "t", "", "comma-separated targets")
	f.StringVarP(&o.ports, "ports", "p", "", "ports: numbers, ranges or groups (common, web, database, mail, remote, all)")
	f.StringVarP(&o.scanType, "type", "s", "", "scan type: connect, syn, udp, fin, xmas, null")
	f.DurationVar(&o.timeout, "timeout", 0, "per-probe timeout (overrides learned value)")
	f.IntVar(&o.portParallelism, "port-parallelism", 0, "concurrent probes per host (overrides learned value)")
	f.IntVar(&o.hostParallelism, "host-parallelism", 0, "hosts scanned concurrently")
	f.Float64Var(&o.hostRate, "host-rate", 0, "probes per second per host (overrides learned value)")
	f.Float64Var(&o.rate, "rate", 0, "global probes per second (0 = unlimited)")
	f.IntVar(&o.burst, "burst", 0, "global rate limiter burst")
	f.BoolVar(&o.noFallback, "no-fallback", false, "fail instead of falling back to connect scanning")
	f.BoolVar(&o.firewall, "firewall", false, "flag ports that look statefully filtered (needs raw sockets)")
	f.StringVar(&o.service, "service", "", "service detector for open ports: none, banner, nmap")
	f.BoolVar(&o.noLearn, "no-learn", false, "do not use or update learned profiles")
	f.StringVarP(&o.format, "output", "o", "", "output format: human, json, csv, xml")
	f.StringVar(&o.outputFile, "output-file", "", "write results to this file instead of stdout")
	f.DurationVar(&o.cacheTTL, "cache-ttl", 0, "reuse definitive results younger than this")
	f.StringVar(&o.nameserver, "nameserver", "", "resolve hostnames via this DNS server (host[:port])")
	f.StringVar(&o.resultsDSN, "results-dsn", "", "PostgreSQL DSN to store results in")
	f.StringVar(&o.metricsListen, "metrics-listen", "", "serve /metrics and /api/v1 on this address during the scan")
}

// applyScanFlags merges the flags that were set into cfg.
func applyScanFlags(cfg *config.Config, f *pflag.FlagSet, o *scanFlags) {
	sc := &cfg.Scanning
	if f.Changed("ports") {
		sc.Ports = o.ports
	}
	if f.Changed("type") {
		sc.ScanType = strings.ToLower(o.scanType)
	}
	if f.Changed("timeout") {
		sc.TimeoutMS = int(o.timeout / time.Millisecond)
	}
	if f.Changed("port-parallelism") {
		sc.PortParallelism = o.portParallelism
	}
	if f.Changed("host-parallelism") {
		sc.HostParallelism = o.hostParallelism
	}
	if f.Changed("host-rate") {
		sc.HostRate = o.hostRate
	}
	if f.Changed("rate") {
		sc.Rate = o.rate
	}
	if f.Changed("burst") {
		cfg.Performance.Burst = o.burst
	}
	if f.Changed("no-fallback") {
		sc.FallbackToConnect = !o.noFallback
	}
	if f.Changed("firewall") {
		sc.FirewallDetection = o.firewall
	}
	if f.Changed("service") {
		sc.ServiceDetection = strings.ToLower(o.service)
	}
	if f.Changed("no-learn") {
		cfg.Adaptive.Enabled = !o.noLearn
	}
	if f.Changed("output") {
		cfg.Output.Format = strings.ToLower(o.format)
	}
	if f.Changed("output-file") {
		cfg.Output.File = o.outputFile
	}
	if f.Changed("cache-ttl") {
		sc.CacheTTL = o.cacheTTL
	}
	if f.Changed("nameserver") {
		sc.Nameserver = o.nameserver
	}
	if f.Changed("results-dsn") {
		cfg.Storage.ResultsDSN = o.resultsDSN
	}
	if f.Changed("metrics-listen") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = o.metricsListen
	}
}

// targetSpec joins positional targets and --targets into one specification.
func targetSpec(args []string, flagValue string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			parts = append(parts, a)
		}
	}
	if v := strings.TrimSpace(flagValue); v != "" {
		parts = append(parts, v)
	}
	return strings.Join(parts, ",")
}

// scanOptions converts the configuration into orchestrator options.
func scanOptions(cfg *config.Config, spec string) (scanning.Options, error) {
	scanType, err := scanning.ParseScanType(cfg.Scanning.ScanType)
	if err != nil {
		return scanning.Options{}, err
	}
	service := cfg.Scanning.ServiceDetection
	if service == "none" {
		service = ""
	}
	opts := scanning.Options{
		Targets:           spec,
		Ports:             cfg.Scanning.Ports,
		ScanType:          scanType,
		Timeout:           cfg.Scanning.Timeout(),
		PortParallelism:   cfg.Scanning.PortParallelism,
		HostRate:          cfg.Scanning.HostRate,
		HostParallelism:   cfg.Scanning.HostParallelism,
		Rate:              cfg.Scanning.Rate,
		Burst:             cfg.Performance.Burst,
		FallbackToConnect: cfg.Scanning.FallbackToConnect,
		FirewallDetection: cfg.Scanning.FirewallDetection,
		ServiceDetection:  service,
		Learn:             cfg.Adaptive.Enabled,
		PrioritizeLearned: cfg.Adaptive.Enabled,
	}
	return opts, opts.Validate()
}

func learningParams(ac config.AdaptiveConfig) adaptive.Params {
	p := adaptive.DefaultParams()
	p.LearningRate = ac.LearningRate
	p.MinParallelism = ac.MinParallelism
	p.MaxParallelism = ac.MaxParallelism
	p.HighWater = ac.HighWater
	p.LowWater = ac.LowWater
	p.LowLatencyFactor = ac.LowLatencyFactor
	p.Retention = time.Duration(ac.RetentionDays) * 24 * time.Hour
	return p
}

// newLearner builds the learning engine. With learning disabled it keeps
// state in memory only.
func newLearner(cfg *config.Config, logger *logging.Logger) *adaptive.Engine {
	var store *adaptive.Store
	if cfg.Adaptive.Enabled && cfg.Adaptive.StorePath != "" {
		store = adaptive.NewStore(cfg.Adaptive.StorePath, cfg.Adaptive.RetentionDays)
	}
	return adaptive.NewEngine(learningParams(cfg.Adaptive), store, logger)
}

func newResolver(nameserver string) (targets.Resolver, error) {
	if nameserver == "" {
		return targets.NewSystemResolver(), nil
	}
	return targets.NewDNSResolver(nameserver, resolverTimeout)
}

func poolConfig(pc config.PerformanceConfig) workers.Config {
	c := workers.DefaultConfig()
	c.Size = pc.Workers
	if pc.QueueSize > 0 {
		c.QueueSize = pc.QueueSize
	}
	return c
}

func runScan(cmd *cobra.Command, args []string) error {
	spec := targetSpec(args, scanOpts.targets)
	if spec == "" {
		return scanerrors.ErrInvalidTarget("", "no targets given; pass them as arguments or with --targets")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyScanFlags(cfg, cmd.Flags(), &scanOpts)
	if err := cfg.Validate(); err != nil {
		return err
	}
	format, err := output.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	opts, err := scanOptions(cfg, spec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := executeScan(ctx, cfg, opts, logging.Default())
	if err != nil {
		return err
	}

	if err := writeResult(cmd.OutOrStdout(), cfg, format, result); err != nil {
		return err
	}

	if cfg.Storage.ResultsDSN != "" {
		storeResult(cfg, result, logging.Default())
	}
	if result.Cancelled {
		fmt.Fprintln(cmd.ErrOrStderr(), "scan interrupted; results are partial")
	}
	return nil
}

// executeScan wires the collaborators and runs one scan.
func executeScan(ctx context.Context, cfg *config.Config, opts scanning.Options, logger *logging.Logger) (*scanning.ScanResult, error) {
	resolver, err := newResolver(cfg.Scanning.Nameserver)
	if err != nil {
		return nil, err
	}

	tr := transport.Open(logger)
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Warn("Failed to close transport", "error", err)
		}
	}()

	learner := newLearner(cfg, logger)
	orchOpts := []scanning.Option{
		scanning.WithTransport(tr),
		scanning.WithEnumerator(targets.NewEnumerator(resolver)),
		scanning.WithLearner(learner),
		scanning.WithPoolConfig(poolConfig(cfg.Performance)),
		scanning.WithFlushInterval(cfg.Adaptive.FlushInterval),
		scanning.WithLogger(logger),
	}
	if cfg.Scanning.CacheTTL > 0 {
		orchOpts = append(orchOpts, scanning.WithCache(scanning.NewResultCache(cacheSize, cfg.Scanning.CacheTTL)))
	}

	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheusMetrics()
		progress := api.NewProgress()
		orchOpts = append(orchOpts,
			scanning.WithPrometheus(prom),
			scanning.WithHostCallback(progress.Record))

		apiCfg := api.DefaultConfig()
		apiCfg.Listen = cfg.Metrics.Listen
		apiCfg.Version = version
		server := api.New(apiCfg, learner, prom, progress, logger)

		serverCtx, stopServer := context.WithCancel(context.Background())
		defer stopServer()
		go func() {
			if err := server.Start(serverCtx); err != nil {
				logger.Warn("Metrics endpoint failed", "listen", apiCfg.Listen, "error", err)
			}
		}()
	}

	return scanning.NewOrchestrator(orchOpts...).Run(ctx, opts)
}

func writeResult(stdout io.Writer, cfg *config.Config, format output.Format, result *scanning.ScanResult) error {
	outOpts := output.Options{Verbose: cfg.Output.Verbose}
	if cfg.Output.File != "" {
		if err := output.SaveResults(result, cfg.Output.File, format, outOpts); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Results written to %s\n", cfg.Output.File)
		return nil
	}
	return output.Write(stdout, format, result, outOpts)
}

// storeResult writes the scan to the results database. Failures are logged;
// the scan itself already succeeded.
func storeResult(cfg *config.Config, result *scanning.ScanResult, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	database, err := db.ConnectAndMigrate(ctx, cfg.Storage.ResultsDSN, db.DefaultPoolConfig(), logger)
	if err != nil {
		logger.Warn("Results database unavailable", "error", err)
		return
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Warn("Failed to close results database", "error", err)
		}
	}()

	if _, err := db.NewResultStore(database, nil, logger).SaveScan(ctx, result); err != nil {
		logger.Warn("Failed to store scan results", "scan_id", result.ScanID, "error", err)
	}
}
