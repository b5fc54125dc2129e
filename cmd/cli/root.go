// Package cli provides the portscope command-line interface.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/portscope/internal/config"
	"github.com/anstrom/portscope/internal/logging"
)

const envPrefix = "PORTSCOPE"

var (
	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "portscope",
	Short: "Adaptive port scanner",
	Long: `portscope scans hosts for open ports with connect, SYN, UDP, FIN, XMAS
and NULL techniques. It learns per network class (local host, LAN, cloud,
internet) which timeouts and parallelism work and applies them to later scans.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (JSON or YAML, default ./portscope.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text, json")

	for key, flag := range map[string]string{
		"output.verbose": "verbose",
		"logging.level":  "log-level",
		"logging.format": "log-format",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
		}
	}
}

// initConfig locates the config file and enables PORTSCOPE_* overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("portscope")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// loadConfig reads the config file and applies environment and persistent
// flag overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies viper-visible values (env vars and bound flags) into
// cfg. Only keys that are actually set are applied.
func applyOverrides(cfg *config.Config) {
	str := func(key string, dst *string) {
		if viper.IsSet(key) {
			if v := viper.GetString(key); v != "" {
				*dst = v
			}
		}
	}
	str("scanning.ports", &cfg.Scanning.Ports)
	str("scanning.scan_type", &cfg.Scanning.ScanType)
	str("scanning.service_detection", &cfg.Scanning.ServiceDetection)
	str("scanning.nameserver", &cfg.Scanning.Nameserver)
	str("adaptive.store_path", &cfg.Adaptive.StorePath)
	str("output.format", &cfg.Output.Format)
	str("output.file", &cfg.Output.File)
	str("storage.results_dsn", &cfg.Storage.ResultsDSN)
	str("metrics.listen", &cfg.Metrics.Listen)

	if viper.IsSet("scanning.timeout_ms") {
		cfg.Scanning.TimeoutMS = viper.GetInt("scanning.timeout_ms")
	}
	if viper.IsSet("scanning.rate") {
		cfg.Scanning.Rate = viper.GetFloat64("scanning.rate")
	}
	if viper.IsSet("adaptive.enabled") {
		cfg.Adaptive.Enabled = viper.GetBool("adaptive.enabled")
	}
	if viper.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = viper.GetBool("metrics.enabled")
	}
	if viper.GetBool("output.verbose") {
		cfg.Output.Verbose = true
	}

	if v := viper.GetString("logging.level"); v != "" {
		cfg.Logging.Level = logging.LogLevel(strings.ToLower(v))
	}
	if v := viper.GetString("logging.format"); v != "" {
		cfg.Logging.Format = logging.LogFormat(strings.ToLower(v))
	}
}

func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging configures the default logger from the loaded configuration.
func initLogging() {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg)
	if verbose && cfg.Logging.Level == logging.LevelWarn {
		cfg.Logging.Level = logging.LevelInfo
	}
	cfg.Logging.AddSource = cfg.Logging.Level == logging.LevelDebug

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)
}
