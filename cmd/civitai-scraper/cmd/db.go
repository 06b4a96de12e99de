package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/helpers"
	"go-civitai-scraper/internal/index"
	"go-civitai-scraper/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Package-level variables for db flags
var (
	dbFormatFlag    string
	dbViewPageFlag  int
	dbViewLimitFlag int
	dbViewSortFlag  string
	dbViewBucket    string
	dbViewStatus    string
	dbCheckHashFlag bool
	dbPruneFlag     bool
	dbYesFlag       bool
	dbPurgeFiles    bool
	dbRunsLimitFlag int
)

// dbCmd represents the base command for database operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the download ledger",
	Long:  `Inspect, verify, migrate and maintain the SQLite download ledger.`,
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runDbView,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify downloaded files against the ledger",
	Long: `Checks that the file of every successful download exists at its recorded
location and, when a hash was recorded, that its BLAKE3 digest still matches.
With --prune the entries of missing files are removed so the next scrape
downloads them again.`,
	Args: cobra.NoArgs,
	RunE: runDbVerify,
}

var dbPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Clear every ledger table",
	Long: `Deletes all ledger rows, saved cursors and run history. With --files the
downloaded files under the save path are removed as well, except the database.`,
	Args: cobra.NoArgs,
	RunE: runDbPurge,
}

var dbMigrateLogCmd = &cobra.Command{
	Use:   "migrate-log [PATH]",
	Short: "Import a legacy download_log.txt",
	Long: `Imports the ids of a plain-text download log (one id per line) as migrated
entries so they are not downloaded again, then renames the log to .bak.
PATH defaults to [SavePath]/download_log.txt.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDbMigrateLog,
}

var dbRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show the history of scrape runs",
	Args:  cobra.NoArgs,
	RunE:  runDbRuns,
}

var dbReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the full-text search index from the ledger",
	Args:  cobra.NoArgs,
	RunE:  runDbReindex,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd, dbStatsCmd, dbVerifyCmd, dbPurgeCmd, dbMigrateLogCmd, dbRunsCmd, dbReindexCmd)

	for _, c := range []*cobra.Command{dbViewCmd, dbStatsCmd, dbRunsCmd} {
		c.Flags().StringVarP(&dbFormatFlag, "format", "f", formatTable, "Output format (table, json, yaml)")
	}
	dbViewCmd.Flags().IntVar(&dbViewPageFlag, "page", 1, "Page number")
	dbViewCmd.Flags().IntVarP(&dbViewLimitFlag, "limit", "l", 50, "Entries per page")
	dbViewCmd.Flags().StringVar(&dbViewSortFlag, "sort", "newest", "newest or reactions")
	dbViewCmd.Flags().StringVar(&dbViewBucket, "bucket", "", "Only SFW or NSFW entries")
	dbViewCmd.Flags().StringVar(&dbViewStatus, "status", models.StatusSuccess, "Only entries with this status (empty for all)")

	dbVerifyCmd.Flags().BoolVar(&dbCheckHashFlag, "check-hash", true, "Compare BLAKE3 digests of existing files")
	dbVerifyCmd.Flags().BoolVar(&dbPruneFlag, "prune", false, "Remove entries whose file is missing")
	for _, c := range []*cobra.Command{dbVerifyCmd, dbPurgeCmd} {
		c.Flags().BoolVarP(&dbYesFlag, "yes", "y", false, "Do not ask for confirmation")
	}
	dbPurgeCmd.Flags().BoolVar(&dbPurgeFiles, "files", false, "Also delete downloaded files")
	dbRunsCmd.Flags().IntVarP(&dbRunsLimitFlag, "limit", "l", 20, "Number of runs to show")
}

func runDbView(cmd *cobra.Command, args []string) error {
	if err := validFormat(dbFormatFlag); err != nil {
		return err
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	page := max(dbViewPageFlag, 1)
	recs, total, err := db.List(database.ListOptions{
		Status: dbViewStatus,
		Sort:   dbViewSortFlag,
		Bucket: dbViewBucket,
		Limit:  dbViewLimitFlag,
		Offset: (page - 1) * dbViewLimitFlag,
	})
	if err != nil {
		return err
	}
	if err := printRecords(dbFormatFlag, recs); err != nil {
		return err
	}
	if dbFormatFlag == formatTable {
		log.Infof("Page %d, %d entries in total", page, total)
	}
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	if err := validFormat(dbFormatFlag); err != nil {
		return err
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Stats()
	if err != nil {
		return err
	}
	if dbFormatFlag != formatTable {
		return writeStructured(os.Stdout, dbFormatFlag, st)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Status\tCount")
	for _, k := range sortedKeys(st.ByStatus) {
		fmt.Fprintf(tw, "%s\t%d\n", k, st.ByStatus[k])
	}
	fmt.Fprintln(tw, "\t")
	fmt.Fprintln(tw, "Type\tCount")
	for _, k := range sortedKeys(st.ByType) {
		fmt.Fprintf(tw, "%s\t%d\n", k, st.ByType[k])
	}
	fmt.Fprintln(tw, "\t")
	fmt.Fprintf(tw, "Total size\t%s\n", helpers.BytesToSize(uint64(max(st.TotalBytes, 0))))
	fmt.Fprintf(tw, "Average resolution\t%.0fx%.0f\n", st.AvgWidth, st.AvgHeight)
	fmt.Fprintf(tw, "Favorites\t%d\n", st.Favorites)
	fmt.Fprintf(tw, "Distinct tags\t%d\n", st.Tags)
	if idx, err := openExistingIndex(); err == nil && idx != nil {
		if n, err := idx.Count(); err == nil {
			fmt.Fprintf(tw, "Indexed documents\t%d\n", n)
		}
		_ = idx.Close()
	}
	return tw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// verificationProblem is one entry whose file is missing or altered.
type verificationProblem struct {
	Reason string
	Record models.DownloadRecord
	Path   string
}

func runDbVerify(cmd *cobra.Command, args []string) error {
	log.Info("Verifying ledger entries against filesystem...")
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.ListByStatus(models.StatusSuccess)
	if err != nil {
		return err
	}

	var (
		ok       int
		problems []verificationProblem
	)
	for _, rec := range recs {
		path := filepath.Join(globalConfig.SavePath, filepath.FromSlash(rec.FolderPath), rec.Filename)
		if _, err := os.Stat(path); err != nil {
			problems = append(problems, verificationProblem{Reason: "missing", Record: rec, Path: path})
			continue
		}
		if dbCheckHashFlag && rec.FileHash != "" {
			sum, err := helpers.HashFile(path)
			if err != nil {
				log.WithError(err).Warnf("Could not hash %s", path)
				continue
			}
			if !strings.EqualFold(sum, rec.FileHash) {
				problems = append(problems, verificationProblem{Reason: "hash mismatch", Record: rec, Path: path})
				continue
			}
		}
		ok++
	}

	log.Infof("Checked %d entries: %d ok, %d with problems", len(recs), ok, len(problems))
	if len(problems) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tProblem\tPath")
	for _, p := range problems {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Record.ImageID, p.Reason, p.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !dbPruneFlag {
		return nil
	}
	var missing []verificationProblem
	for _, p := range problems {
		if p.Reason == "missing" {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 || !confirm(fmt.Sprintf("Remove %d entries with missing files?", len(missing))) {
		return nil
	}

	idx, _ := openExistingIndex()
	if idx != nil {
		defer idx.Close()
	}
	removed := 0
	for _, p := range missing {
		if err := db.DeleteRecord(p.Record.ImageID); err != nil {
			log.WithError(err).Warnf("Could not remove %s", p.Record.ImageID)
			continue
		}
		if idx != nil {
			_ = idx.Delete(p.Record.ImageID)
		}
		removed++
	}
	log.Infof("Removed %d entries", removed)
	return nil
}

func runDbPurge(cmd *cobra.Command, args []string) error {
	what := "all ledger entries"
	if dbPurgeFiles {
		what += " and every downloaded file under " + globalConfig.SavePath
	}
	if !confirm("Delete " + what + "?") {
		log.Info("Purge canceled.")
		return nil
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.ClearAll(); err != nil {
		return err
	}
	if err := index.Remove(globalConfig.BleveIndexPath); err != nil {
		log.WithError(err).Warn("Could not remove the search index")
	}

	if dbPurgeFiles {
		n, err := removeDownloads(globalConfig.SavePath, globalConfig.DatabasePath)
		if err != nil {
			return err
		}
		log.Infof("Deleted %d file(s)", n)
	}
	return nil
}

// removeDownloads deletes every file under base except the database and its
// journal files, then prunes empty directories.
func removeDownloads(base, dbPath string) (int, error) {
	absDB, _ := filepath.Abs(dbPath)
	removed := 0
	var dirs []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != base {
				dirs = append(dirs, path)
			}
			return nil
		}
		abs, _ := filepath.Abs(path)
		if abs == absDB || strings.HasPrefix(abs, absDB+"-") {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.WithError(err).Warnf("Could not delete %s", path)
			return nil
		}
		removed++
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	// Deepest first so parents are empty when reached.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return removed, err
}

func runDbMigrateLog(cmd *cobra.Command, args []string) error {
	path := filepath.Join(globalConfig.SavePath, database.LegacyLogName)
	if len(args) == 1 {
		path = args[0]
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.MigrateLegacyLog(path)
	if err != nil {
		return err
	}
	log.Infof("Imported %d id(s) from %s", n, path)
	return nil
}

func runDbRuns(cmd *cobra.Command, args []string) error {
	if err := validFormat(dbFormatFlag); err != nil {
		return err
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(dbRunsLimitFlag)
	if err != nil {
		return err
	}
	if dbFormatFlag != formatTable {
		if runs == nil {
			runs = []models.RunRecord{}
		}
		return writeStructured(os.Stdout, dbFormatFlag, runs)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Run\tStarted\tState\tPages\tDownloaded\tSkipped\tFiltered\tFailed\tSize")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.RunID, r.StartedAt, r.FinalState, r.Pages, r.Downloaded, r.Skipped, r.Filtered, r.Failed,
			helpers.BytesToSize(uint64(max(r.Bytes, 0))))
	}
	return tw.Flush()
}

const reindexBatch = 500

func runDbReindex(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := index.Remove(globalConfig.BleveIndexPath); err != nil {
		return err
	}
	idx, err := index.OpenOrCreate(globalConfig.BleveIndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	recs, err := db.ListByStatus(models.StatusSuccess)
	if err != nil {
		return err
	}
	batch := make([]index.Document, 0, reindexBatch)
	indexed := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := idx.PutBatch(batch); err != nil {
			return err
		}
		indexed += len(batch)
		log.Debugf("Indexed %d/%d", indexed, len(recs))
		batch = batch[:0]
		return nil
	}
	for _, rec := range recs {
		params, err := db.GetGenerationParams(rec.ImageID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		tags, err := db.GetTags(rec.ImageID)
		if err != nil {
			return err
		}
		batch = append(batch, index.FromRecord(rec, params, tags))
		if len(batch) == reindexBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	log.Infof("Indexed %d downloads into %s", indexed, globalConfig.BleveIndexPath)
	return nil
}

// confirm asks a yes/no question unless --yes was given.
func confirm(question string) bool {
	if dbYesFlag {
		return true
	}
	fmt.Printf("%s (y/N): ", question)
	input, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(input)) == "y"
}
