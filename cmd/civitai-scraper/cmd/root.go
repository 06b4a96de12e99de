package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-scraper/internal/api"
	"go-civitai-scraper/internal/config"
	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Persistent flag values. They only reach the configuration when the user
// actually set them, see globalFlags.
var (
	cfgFile        string
	logLevel       string
	logFormat      string
	logFile        string
	logApiFlag     bool
	savePathFlag   string
	dbPathFlag     string
	apiKeyFlag     string
	apiTimeoutFlag int
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// logFileHandle is closed when the process exits.
var logFileHandle *os.File

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "civitai-scraper",
	Short: "Bulk downloader for Civitai images and videos",
	Long: `Civitai Scraper walks the Civitai image listing, downloads every payload
that passes the filters, sorts it by content rating and keeps a SQLite ledger
of what was fetched, with tags and generation parameters for searching.`,
	PersistentPreRunE: loadGlobalConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { shutdown() },
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		shutdown()
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml)")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Logging format (text, json)")
	pf.StringVar(&logFile, "log-file", "", "Also write logs to this file")
	pf.BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log in the save path (overrides config)")
	pf.StringVar(&savePathFlag, "save-path", "", "Base directory for downloads (overrides config)")
	pf.StringVar(&dbPathFlag, "db-path", "", "Ledger database path (default is [SavePath]/civitai.db)")
	pf.StringVar(&apiKeyFlag, "api-key", "", "Civitai API key (prefer CIVITAI_API_KEY)")
	pf.IntVar(&apiTimeoutFlag, "api-timeout", config.DefaultAPIClientTimeoutSec, "Timeout for API HTTP client in seconds (overrides config)")
}

// globalFlags converts the persistent flags the user set into config flags.
func globalFlags(cmd *cobra.Command) config.CliFlags {
	flags := config.CliFlags{}
	if cfgFile != "" {
		flags.ConfigFilePath = &cfgFile
	}
	changed := cmd.Flags().Changed
	if changed("log-level") {
		flags.LogLevel = &logLevel
	}
	if changed("log-format") {
		flags.LogFormat = &logFormat
	}
	if changed("log-file") {
		flags.LogFile = &logFile
	}
	if changed("log-api") {
		flags.LogApiRequests = &logApiFlag
	}
	if changed("save-path") {
		flags.SavePath = &savePathFlag
	}
	if changed("db-path") {
		flags.DatabasePath = &dbPathFlag
	}
	if changed("api-key") {
		flags.APIKey = &apiKeyFlag
	}
	if changed("api-timeout") {
		flags.APIClientTimeoutSec = &apiTimeoutFlag
	}
	return flags
}

// commandFlags is filled by commands that contribute their own flags to the
// configuration (scrape, serve).
var commandFlags = map[*cobra.Command]func(cmd *cobra.Command, flags *config.CliFlags){}

// loadGlobalConfig loads the configuration and applies flag overrides.
// It also sets up logging and the global HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	// Early level so config loading can log at the requested verbosity.
	if lvl, err := log.ParseLevel(logLevel); err == nil {
		log.SetLevel(lvl)
	}

	flags := globalFlags(cmd)
	if fill, ok := commandFlags[cmd]; ok {
		fill(cmd, &flags)
	}

	cfg, transport, err := config.Initialize(flags)
	if err != nil {
		return err
	}
	globalConfig = cfg
	globalHttpTransport = transport

	return initLogging(cfg)
}

// initLogging applies the configured level, format and optional log file.
func initLogging(cfg models.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	}

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0750); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logFileHandle = f
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	log.Debugf("Logging at level %s (%s)", level, cfg.LogFormat)
	return nil
}

func shutdown() {
	api.CloseAllLoggingTransports()
	if logFileHandle != nil {
		_ = logFileHandle.Close()
		logFileHandle = nil
	}
}

// openDatabase opens the ledger named by the configuration.
func openDatabase() (*database.DB, error) {
	if globalConfig.DatabasePath == "" {
		return nil, fmt.Errorf("database path is not set")
	}
	if dir := filepath.Dir(globalConfig.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", globalConfig.DatabasePath, err)
	}
	return db, nil
}

// newHttpClient builds a client on the global transport.
func newHttpClient(timeout time.Duration) *http.Client {
	if globalHttpTransport == nil {
		log.Warn("Global HTTP transport not initialized, using default.")
		globalHttpTransport = http.DefaultTransport
	}
	return &http.Client{Transport: globalHttpTransport, Timeout: timeout}
}

// newApiClient returns an API client using the configured key and timeout.
func newApiClient() *api.Client {
	timeout := time.Duration(globalConfig.APIClientTimeoutSec) * time.Second
	return api.NewClient(globalConfig.APIKey, newHttpClient(timeout), globalConfig)
}
