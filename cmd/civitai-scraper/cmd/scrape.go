package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go-civitai-scraper/internal/config"
	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/downloader"
	"go-civitai-scraper/internal/helpers"
	"go-civitai-scraper/internal/index"
	"go-civitai-scraper/internal/models"
	"go-civitai-scraper/internal/paths"
	"go-civitai-scraper/internal/scraper"
	"go-civitai-scraper/internal/stats"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Variables for scrape flags (package level)
var (
	scrapeTargetFlag        int
	scrapeUnlimitedFlag     bool
	scrapeSortFlag          string
	scrapePeriodFlag        string
	scrapeNsfwFlag          string
	scrapeRatingOnlyFlag    bool
	scrapeUsernameFlag      string
	scrapeModelIDFlag       int
	scrapePostIDFlag        int
	scrapeMinResFlag        int
	scrapeMinReactionsFlag  int
	scrapeWorkersFlag       int
	scrapeFileTypesFlag     []string
	scrapeDelayFlag         int
	scrapeMaxRetriesFlag    int
	scrapeBackoffFlag       float64
	scrapeNoMetadataFlag    bool
	scrapeOrganizeFlag      bool
	scrapeDryRunFlag        bool
	scrapeResumeFlag        bool
	scrapeOutputDirFlag     string
	scrapeFilenamePattern   string
	scrapeYesFlag           bool
	scrapeNoIndexFlag       bool
	scrapeProgressEveryFlag time.Duration
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Download images and videos from the Civitai listing",
	Long: `Walks the Civitai image listing page by page with the given sort, period
and filters, downloading each payload once. Files are sniffed for their real
type, sorted into SFW/NSFW folders and recorded in the ledger together with
their metadata, tags and generation parameters.

Press Ctrl+C once to stop after the current downloads finish, twice to abort.
When stdin is a terminal, type "p" and Enter to pause or resume, "q" to stop.`,
	Run: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)

	f := scrapeCmd.Flags()
	f.IntVarP(&scrapeTargetFlag, "target", "n", config.DefaultScrapeTarget, "Number of downloads to stop after")
	f.BoolVar(&scrapeUnlimitedFlag, "unlimited", false, "Ignore the target and walk the whole listing")
	f.StringVarP(&scrapeSortFlag, "sort", "s", config.DefaultScrapeSort, "Sort order (Most Reactions, Most Comments, Most Collected, Newest, Oldest)")
	f.StringVarP(&scrapePeriodFlag, "period", "p", config.DefaultScrapePeriod, "Time period (AllTime, Year, Month, Week, Day)")
	f.StringVar(&scrapeNsfwFlag, "nsfw", "", "NSFW level sent to the API (None, Soft, Mature, X, true, false). Empty means all.")
	f.BoolVar(&scrapeRatingOnlyFlag, "rating-only", false, "Keep only X and XXX rated items")
	f.StringVarP(&scrapeUsernameFlag, "username", "u", "", "Only images by this user")
	f.IntVar(&scrapeModelIDFlag, "model-id", 0, "Only images made with this model")
	f.IntVar(&scrapePostIDFlag, "post-id", 0, "Only images from this post")
	f.IntVar(&scrapeMinResFlag, "min-resolution", 0, "Minimum length of the longer side in pixels")
	f.IntVar(&scrapeMinReactionsFlag, "min-reactions", 0, "Minimum number of reactions")
	f.IntVarP(&scrapeWorkersFlag, "workers", "w", config.DefaultScrapeWorkers, "Number of concurrent downloads")
	f.StringSliceVar(&scrapeFileTypesFlag, "file-types", nil, "Allowed file types, e.g. jpg,png,mp4 (default all)")
	f.IntVar(&scrapeDelayFlag, "delay", config.DefaultScrapeDelayMs, "Delay between listing pages in ms")
	f.IntVar(&scrapeMaxRetriesFlag, "max-retries", config.DefaultScrapeMaxRetries, "Attempts per download")
	f.Float64Var(&scrapeBackoffFlag, "backoff", config.DefaultScrapeBackoffFactor, "Backoff factor between attempts (seconds = factor^(attempt-1))")
	f.BoolVar(&scrapeNoMetadataFlag, "no-metadata", false, "Do not write .json metadata sidecars")
	f.BoolVar(&scrapeOrganizeFlag, "organize-by-rating", config.DefaultScrapeOrganizeByRating, "Sort downloads into SFW and NSFW folders")
	f.BoolVar(&scrapeDryRunFlag, "dry-run", false, "Only report what would be downloaded")
	f.BoolVar(&scrapeResumeFlag, "resume", false, "Continue from the cursor saved by the last run of the same query")
	f.StringVarP(&scrapeOutputDirFlag, "output-dir", "o", "", "Directory to save downloads (overrides --save-path)")
	f.StringVar(&scrapeFilenamePattern, "filename-pattern", paths.DefaultFilenamePattern, "Filename pattern ({imageId}, {username}, {postId}, {baseModel}, {nsfwLevel}, {bucket})")
	f.BoolVarP(&scrapeYesFlag, "yes", "y", false, "Skip the configuration review")
	f.BoolVar(&scrapeNoIndexFlag, "no-index", false, "Do not update the full-text search index")
	f.DurationVar(&scrapeProgressEveryFlag, "progress-every", 30*time.Second, "Interval of the progress log line, 0 disables")

	commandFlags[scrapeCmd] = scrapeCliFlags
}

// scrapeCliFlags passes the scrape flags the user set to the configuration.
func scrapeCliFlags(cmd *cobra.Command, flags *config.CliFlags) {
	changed := cmd.Flags().Changed
	sf := &config.CliScrapeFlags{}
	if changed("target") {
		sf.Target = &scrapeTargetFlag
	}
	if changed("unlimited") {
		sf.Unlimited = &scrapeUnlimitedFlag
	}
	if changed("sort") {
		sf.Sort = &scrapeSortFlag
	}
	if changed("period") {
		sf.Period = &scrapePeriodFlag
	}
	if changed("nsfw") {
		sf.Nsfw = &scrapeNsfwFlag
	}
	if changed("rating-only") {
		sf.RatingOnly = &scrapeRatingOnlyFlag
	}
	if changed("username") {
		sf.Username = &scrapeUsernameFlag
	}
	if changed("model-id") {
		sf.ModelID = &scrapeModelIDFlag
	}
	if changed("post-id") {
		sf.PostID = &scrapePostIDFlag
	}
	if changed("min-resolution") {
		sf.MinResolution = &scrapeMinResFlag
	}
	if changed("min-reactions") {
		sf.MinReactions = &scrapeMinReactionsFlag
	}
	if changed("workers") {
		sf.Workers = &scrapeWorkersFlag
	}
	if changed("file-types") {
		sf.FileTypes = &scrapeFileTypesFlag
	}
	if changed("delay") {
		sf.DelayMs = &scrapeDelayFlag
	}
	if changed("max-retries") {
		sf.MaxRetries = &scrapeMaxRetriesFlag
	}
	if changed("backoff") {
		sf.BackoffFactor = &scrapeBackoffFlag
	}
	if changed("no-metadata") {
		sf.NoMetadata = &scrapeNoMetadataFlag
	}
	if changed("organize-by-rating") {
		sf.OrganizeByRating = &scrapeOrganizeFlag
	}
	if changed("dry-run") {
		sf.DryRun = &scrapeDryRunFlag
	}
	if changed("resume") {
		sf.Resume = &scrapeResumeFlag
	}
	if changed("output-dir") {
		sf.OutputDir = &scrapeOutputDirFlag
	}
	if changed("filename-pattern") {
		sf.FilenamePattern = &scrapeFilenamePattern
	}
	if changed("yes") {
		sf.SkipConfirmation = &scrapeYesFlag
	}
	flags.Scrape = sf
}

// buildImageParams turns the scrape settings into listing query parameters.
func buildImageParams(cfg *models.Config) models.ImageAPIParameters {
	sc := cfg.Scrape
	params := models.ImageAPIParameters{
		Username: sc.Username,
		Sort:     sc.Sort,
		Period:   sc.Period,
		Nsfw:     sc.Nsfw,
		ModelID:  sc.ModelID,
		PostID:   sc.PostID,
		Limit:    models.MaxPageSize,
	}
	log.WithField("params", fmt.Sprintf("%+v", params)).Debug("Final query parameters constructed")
	return params
}

func runScrape(cmd *cobra.Command, args []string) {
	cfg := globalConfig
	sc := cfg.Scrape

	confirmScrapeConfiguration(&cfg)

	layout := paths.Layout{Base: cfg.SavePath, Organize: sc.OrganizeByRating}
	if !sc.DryRun {
		if err := layout.EnsureDirs(sc.SaveMetadata); err != nil {
			log.WithError(err).Fatal("Failed to create output directories")
		}
	}

	db, err := openDatabase()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if n, err := db.MigrateLegacyLog(filepath.Join(cfg.SavePath, database.LegacyLogName)); err != nil {
		log.WithError(err).Warn("Could not import the legacy download log")
	} else if n > 0 {
		log.Infof("Imported %d ids from %s", n, database.LegacyLogName)
	}

	var idx *index.Index
	if !scrapeNoIndexFlag && !sc.DryRun {
		idx, err = index.OpenOrCreate(cfg.BleveIndexPath)
		if err != nil {
			log.WithError(err).Warn("Search index unavailable, continuing without it")
			idx = nil
		} else {
			defer idx.Close()
		}
	}

	client := newApiClient()
	// No overall timeout for payloads, large videos take a while.
	dl := downloader.NewDownloader(newHttpClient(0), cfg.APIKey)
	worker := scraper.NewWorker(db, dl, scraper.WorkerConfig{
		Layout:          layout,
		FilenamePattern: sc.FilenamePattern,
		AllowTypes:      sc.FileTypes,
		SaveMetadata:    sc.SaveMetadata,
		DryRun:          sc.DryRun,
	}, scraper.Retrier{MaxRetries: sc.MaxRetries, BackoffFactor: sc.BackoffFactor})

	counters := &scraper.Counters{}
	ctrl := scraper.NewController()
	st := stats.New()

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	dispatcher := scraper.NewDispatcher(worker, sc.Workers, counters, ctrl, st, writer)
	driver := scraper.NewDriver(client, db, dispatcher, counters, ctrl, scraper.DriverConfig{
		Params:    buildImageParams(&cfg),
		Target:    sc.Target,
		Unlimited: sc.Unlimited,
		Delay:     time.Duration(sc.DelayMs) * time.Millisecond,
		Filters: scraper.Filters{
			RatingOnly:    sc.RatingOnly,
			MinResolution: sc.MinResolution,
			MinReactions:  sc.MinReactions,
		},
		Resume: sc.Resume,
	})
	if idx != nil {
		driver.WithIndexer(idx)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(ctrl, cancel)
	defer stopSignals()
	go watchKeyboard(ctx, ctrl)
	if scrapeProgressEveryFlag > 0 {
		go logProgress(ctx, counters, st, sc, scrapeProgressEveryFlag)
	}

	if sc.DryRun {
		log.Info("Dry run: nothing will be downloaded or written")
	}
	log.Infof("Starting scrape into %s with %d workers", cfg.SavePath, sc.Workers)
	summary := driver.Run(ctx)

	writer.Stop()
	printScrapeSummary(summary, st, sc)
}

// handleSignals stops the controller on the first interrupt and cancels the
// context on the second. The returned func releases the handler.
func handleSignals(ctrl *scraper.Controller, cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				count++
				if count == 1 {
					log.Warnf("Received %s, finishing in-flight downloads. Repeat to abort.", sig)
					ctrl.Stop()
					continue
				}
				log.Warnf("Received %s again, aborting.", sig)
				cancel()
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// watchKeyboard toggles pause with "p" and stops with "q" when stdin is a
// terminal.
func watchKeyboard(ctx context.Context, ctrl *scraper.Controller) {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.ToLower(strings.TrimSpace(scanner.Text()))
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch line {
			case "p":
				if ctrl.Toggle() {
					log.Info("Paused. Type p and Enter to resume.")
				} else {
					log.Info("Resumed.")
				}
			case "q":
				log.Info("Stopping after in-flight downloads.")
				ctrl.Stop()
				return
			}
		}
	}
}

// logProgress logs the totals with a rough ETA at a fixed interval.
func logProgress(ctx context.Context, counters *scraper.Counters, st *stats.DownloadStatistics, sc models.ScrapeConfig, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := counters.Snapshot()
			entry := log.WithFields(log.Fields{
				"pages":      t.Pages,
				"downloaded": t.Downloaded,
				"skipped":    t.Skipped,
				"failed":     t.Failed,
				"size":       st.FormatSize(),
				"speed":      st.FormatSpeed(),
			})
			if !sc.Unlimited && sc.Target > 0 {
				entry = entry.WithField("eta", st.ETA(sc.Target-t.Downloaded))
			}
			entry.Info("Progress")
		}
	}
}

func printScrapeSummary(sum scraper.Summary, st *stats.DownloadStatistics, sc models.ScrapeConfig) {
	t := sum.Totals
	fmt.Println("--------------------------")
	log.Infof("Scrape Summary (run %s):", sum.RunID)
	log.Infof("  Final state:        %s", sum.State)
	log.Infof("  Pages fetched:      %d", t.Pages)
	if sc.DryRun {
		log.Infof("  Would download:     %d", t.Simulated)
	} else {
		log.Infof("  Downloaded:         %d", t.Downloaded)
	}
	log.Infof("  Skipped (present):  %d", t.Skipped)
	log.Infof("  Filtered (type):    %d", t.Filtered)
	log.Infof("  Dropped (filters):  %d", t.Dropped)
	log.Infof("  Failed:             %d", t.Failed)
	log.Infof("  Data:               %s at %s", helpers.BytesToSize(uint64(max(t.Bytes, 0))), st.FormatSpeed())
	log.Infof("  Elapsed:            %s", helpers.FormatDuration(sum.Elapsed))
	if sum.Cursor != "" {
		log.Infof("  Resume with --resume (cursor %s saved)", sum.Cursor)
	}
	fmt.Println("--------------------------")
}

// confirmScrapeConfiguration displays the effective settings and asks for
// confirmation unless --yes was given.
func confirmScrapeConfiguration(cfg *models.Config) {
	if cfg.Scrape.SkipConfirmation {
		log.Debug("Skipping configuration review due to --yes flag or config setting.")
		return
	}
	log.Info("--- Review Effective Configuration (Scrape Command) ---")
	display := map[string]any{
		"SavePath":       cfg.SavePath,
		"DatabasePath":   cfg.DatabasePath,
		"ApiKeySet":      cfg.APIKey != "",
		"LogApiRequests": cfg.LogApiRequests,
		"Query":          buildImageParams(cfg),
		"Scrape":         cfg.Scrape,
	}
	out, _ := json.MarshalIndent(display, "  ", "  ")
	fmt.Println("  " + string(out))

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("\nProceed with these settings? (y/N): ")
	input, _ := reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	if input != "y" {
		log.Info("Operation canceled by user.")
		os.Exit(0)
	}
	log.Info("Configuration confirmed.")
}
