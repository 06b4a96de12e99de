package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go-civitai-scraper/internal/api"
	"go-civitai-scraper/internal/models"
	"go-civitai-scraper/internal/paths"
	"go-civitai-scraper/internal/sniff"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultSavePath            = "downloads"
	DefaultDatabaseName        = "civitai.db"   // inside SavePath unless set
	DefaultBleveIndexName      = "civitai.bleve" // inside SavePath unless set
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfigFilePath      = "config.toml"
	DefaultEnvFilePath         = ".env"
	DefaultAPIClientTimeoutSec = 30
	DefaultLogApiRequests      = false

	// Scrape specific defaults
	DefaultScrapeSort             = "Most Reactions"
	DefaultScrapePeriod           = "AllTime"
	DefaultScrapeNsfw             = "" // all levels
	DefaultScrapeTarget           = 100
	DefaultScrapeWorkers          = 5
	DefaultScrapeMaxRetries       = 3
	DefaultScrapeBackoffFactor    = 2.0
	DefaultScrapeDelayMs          = 500
	DefaultScrapeSaveMetadata     = true
	DefaultScrapeOrganizeByRating = true

	// Web specific defaults
	DefaultWebListen   = ":5000"
	DefaultWebPageSize = 50
)

// Defaults returns the configuration used when nothing else is given.
func Defaults() models.Config {
	return models.Config{
		SavePath:            DefaultSavePath,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		APIBaseURL:          api.CivitaiApiBaseUrl,
		TagsURL:             api.CivitaiTagsUrl,
		APIClientTimeoutSec: DefaultAPIClientTimeoutSec,
		LogApiRequests:      DefaultLogApiRequests,
		Scrape: models.ScrapeConfig{
			Sort:             DefaultScrapeSort,
			Period:           DefaultScrapePeriod,
			Nsfw:             DefaultScrapeNsfw,
			FilenamePattern:  paths.DefaultFilenamePattern,
			FileTypes:        []string{},
			BackoffFactor:    DefaultScrapeBackoffFactor,
			Target:           DefaultScrapeTarget,
			Workers:          DefaultScrapeWorkers,
			MaxRetries:       DefaultScrapeMaxRetries,
			DelayMs:          DefaultScrapeDelayMs,
			SaveMetadata:     DefaultScrapeSaveMetadata,
			OrganizeByRating: DefaultScrapeOrganizeByRating,
		},
		Web: models.WebConfig{
			Listen:   DefaultWebListen,
			PageSize: DefaultWebPageSize,
		},
	}
}

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("apikey", "")
	v.SetDefault("savepath", d.SavePath)
	v.SetDefault("databasepath", "")
	v.SetDefault("bleveindexpath", "")
	v.SetDefault("loglevel", d.LogLevel)
	v.SetDefault("logformat", d.LogFormat)
	v.SetDefault("logfile", "")
	v.SetDefault("apibaseurl", d.APIBaseURL)
	v.SetDefault("tagsurl", d.TagsURL)
	v.SetDefault("apiclienttimeoutsec", d.APIClientTimeoutSec)
	v.SetDefault("logapirequests", d.LogApiRequests)

	v.SetDefault("scrape.sort", d.Scrape.Sort)
	v.SetDefault("scrape.period", d.Scrape.Period)
	v.SetDefault("scrape.nsfw", d.Scrape.Nsfw)
	v.SetDefault("scrape.username", "")
	v.SetDefault("scrape.filenamepattern", d.Scrape.FilenamePattern)
	v.SetDefault("scrape.filetypes", []string{})
	v.SetDefault("scrape.backofffactor", d.Scrape.BackoffFactor)
	v.SetDefault("scrape.target", d.Scrape.Target)
	v.SetDefault("scrape.workers", d.Scrape.Workers)
	v.SetDefault("scrape.maxretries", d.Scrape.MaxRetries)
	v.SetDefault("scrape.delayms", d.Scrape.DelayMs)
	v.SetDefault("scrape.minresolution", 0)
	v.SetDefault("scrape.minreactions", 0)
	v.SetDefault("scrape.modelid", 0)
	v.SetDefault("scrape.postid", 0)
	v.SetDefault("scrape.unlimited", false)
	v.SetDefault("scrape.ratingonly", false)
	v.SetDefault("scrape.savemetadata", d.Scrape.SaveMetadata)
	v.SetDefault("scrape.organizebyrating", d.Scrape.OrganizeByRating)
	v.SetDefault("scrape.dryrun", false)
	v.SetDefault("scrape.resume", false)
	v.SetDefault("scrape.skipconfirmation", false)

	v.SetDefault("web.listen", d.Web.Listen)
	v.SetDefault("web.pagesize", d.Web.PageSize)
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	// Global/Persistent Flags
	ConfigFilePath      *string
	LogLevel            *string // --log-level
	LogFormat           *string // --log-format
	LogFile             *string // --log-file
	LogApiRequests      *bool   // --log-api
	SavePath            *string // --save-path
	DatabasePath        *string // --db-path
	APIKey              *string // --api-key
	APIClientTimeoutSec *int    // --api-timeout

	Scrape *CliScrapeFlags
	Web    *CliWebFlags
}

// CliScrapeFlags are the flags of the scrape command.
type CliScrapeFlags struct {
	Target           *int      // -n
	Unlimited        *bool     // --unlimited
	Sort             *string   // --sort
	Period           *string   // --period
	Nsfw             *string   // --nsfw
	RatingOnly       *bool     // --rating-only
	Username         *string   // --username
	ModelID          *int      // --model-id
	PostID           *int      // --post-id
	MinResolution    *int      // --min-resolution
	MinReactions     *int      // --min-reactions
	Workers          *int      // -w
	FileTypes        *[]string // --file-types
	DelayMs          *int      // --delay
	MaxRetries       *int      // --max-retries
	BackoffFactor    *float64  // --backoff
	NoMetadata       *bool     // --no-metadata
	OrganizeByRating *bool     // --organize-by-rating
	DryRun           *bool     // --dry-run
	Resume           *bool     // --resume
	OutputDir        *string   // -o
	FilenamePattern  *string   // --filename-pattern
	SkipConfirmation *bool     // --yes
}

// CliWebFlags are the flags of the serve command.
type CliWebFlags struct {
	Listen   *string // --listen
	PageSize *int    // --page-size
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Initialize loads configuration based on defaults, .env, config file,
// environment and flags. Precedence: Flags > Env > Config File > Defaults.
func Initialize(flags CliFlags) (models.Config, http.RoundTripper, error) {
	if err := godotenv.Load(DefaultEnvFilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warnf("[Initialize] Could not load %s", DefaultEnvFilePath)
	}

	finalCfg := Defaults()

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("CIVITAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The documented name of the key variable has an underscore.
	_ = v.BindEnv("apikey", "CIVITAI_API_KEY", "CIVITAI_APIKEY")
	setViperDefaults(v)

	actualConfigFilePath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil && *flags.ConfigFilePath != "" {
		actualConfigFilePath = *flags.ConfigFilePath
		log.Debugf("[Initialize] Using config file path from CLI flag: %s", actualConfigFilePath)
	}
	v.SetConfigFile(actualConfigFilePath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			log.Debugf("[Initialize] Config file '%s' not found. Using defaults, environment and flags.", actualConfigFilePath)
		} else {
			log.Warnf("[Initialize] Error reading config file '%s': %v. Using defaults, environment and flags.", actualConfigFilePath, err)
		}
	} else {
		log.Infof("[Initialize] Read config file: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&finalCfg); err != nil {
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}

	applyFlags(&finalCfg, flags)

	// Derived paths follow the final save path.
	if finalCfg.DatabasePath == "" {
		finalCfg.DatabasePath = filepath.Join(finalCfg.SavePath, DefaultDatabaseName)
	}
	if finalCfg.BleveIndexPath == "" {
		finalCfg.BleveIndexPath = filepath.Join(finalCfg.SavePath, DefaultBleveIndexName)
	}

	if err := Validate(&finalCfg); err != nil {
		return models.Config{}, nil, err
	}

	var finalTransport http.RoundTripper = http.DefaultTransport
	if finalCfg.LogApiRequests {
		logFilePath := filepath.Join(finalCfg.SavePath, "api.log")
		log.Infof("API logging to file: %s", logFilePath)
		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			finalTransport = loggingTransport
		}
	}

	log.Debug("Configuration initialized successfully.")
	return finalCfg, finalTransport, nil
}

func applyFlags(cfg *models.Config, flags CliFlags) {
	setString(&cfg.APIKey, flags.APIKey)
	setString(&cfg.SavePath, flags.SavePath)
	setString(&cfg.DatabasePath, flags.DatabasePath)
	setString(&cfg.LogLevel, flags.LogLevel)
	setString(&cfg.LogFormat, flags.LogFormat)
	setString(&cfg.LogFile, flags.LogFile)
	setBool(&cfg.LogApiRequests, flags.LogApiRequests)
	setInt(&cfg.APIClientTimeoutSec, flags.APIClientTimeoutSec)

	if s := flags.Scrape; s != nil {
		sc := &cfg.Scrape
		// -o is the scrape command's name for the save path.
		setString(&cfg.SavePath, s.OutputDir)
		setInt(&sc.Target, s.Target)
		setBool(&sc.Unlimited, s.Unlimited)
		setString(&sc.Sort, s.Sort)
		setString(&sc.Period, s.Period)
		setString(&sc.Nsfw, s.Nsfw)
		setBool(&sc.RatingOnly, s.RatingOnly)
		setString(&sc.Username, s.Username)
		setInt(&sc.ModelID, s.ModelID)
		setInt(&sc.PostID, s.PostID)
		setInt(&sc.MinResolution, s.MinResolution)
		setInt(&sc.MinReactions, s.MinReactions)
		setInt(&sc.Workers, s.Workers)
		if s.FileTypes != nil && len(*s.FileTypes) > 0 {
			sc.FileTypes = *s.FileTypes
		}
		setInt(&sc.DelayMs, s.DelayMs)
		setInt(&sc.MaxRetries, s.MaxRetries)
		if s.BackoffFactor != nil {
			sc.BackoffFactor = *s.BackoffFactor
		}
		if s.NoMetadata != nil && *s.NoMetadata {
			sc.SaveMetadata = false
		}
		setBool(&sc.OrganizeByRating, s.OrganizeByRating)
		setBool(&sc.DryRun, s.DryRun)
		setBool(&sc.Resume, s.Resume)
		setString(&sc.FilenamePattern, s.FilenamePattern)
		setBool(&sc.SkipConfirmation, s.SkipConfirmation)
	}

	if w := flags.Web; w != nil {
		setString(&cfg.Web.Listen, w.Listen)
		setInt(&cfg.Web.PageSize, w.PageSize)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Validate checks the merged configuration and normalizes list values.
func Validate(cfg *models.Config) error {
	if cfg.SavePath == "" {
		return fmt.Errorf("%w: SavePath cannot be empty (set via --save-path flag or SavePath in config)", ErrInvalidConfig)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: LogFormat must be text or json, got %q", ErrInvalidConfig, cfg.LogFormat)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	sc := &cfg.Scrape
	if sc.Workers < 1 {
		return fmt.Errorf("%w: Workers must be at least 1", ErrInvalidConfig)
	}
	if sc.MaxRetries < 1 {
		return fmt.Errorf("%w: MaxRetries must be at least 1", ErrInvalidConfig)
	}
	if sc.BackoffFactor <= 0 {
		return fmt.Errorf("%w: BackoffFactor must be positive", ErrInvalidConfig)
	}
	if sc.DelayMs < 0 || sc.Target < 0 || sc.MinResolution < 0 || sc.MinReactions < 0 {
		return fmt.Errorf("%w: numeric scrape settings cannot be negative", ErrInvalidConfig)
	}
	if err := paths.ValidatePattern(sc.FilenamePattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	types := make([]string, 0, len(sc.FileTypes))
	for _, ft := range sc.FileTypes {
		t := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ft)), ".")
		if t == "" {
			continue
		}
		if t == "jpeg" {
			t = "jpg"
		}
		known := false
		for _, k := range sniff.KnownTypes {
			if k == t {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown file type %q (known: %s)", ErrInvalidConfig, ft, strings.Join(sniff.KnownTypes, ", "))
		}
		types = append(types, t)
	}
	sc.FileTypes = types
	return nil
}

// WriteTemplate writes the default configuration as TOML. An existing file
// is only replaced when overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	var buf bytes.Buffer
	buf.WriteString("# civitai-scraper configuration\n")
	buf.WriteString("# The API key is better kept in the CIVITAI_API_KEY environment variable or .env\n\n")
	if err := toml.NewEncoder(&buf).Encode(Defaults()); err != nil {
		return fmt.Errorf("encoding template: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}
