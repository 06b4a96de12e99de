package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/scraper"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	backfillMaxFlag   int
	backfillDelayFlag int
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Work with image tags",
}

var tagsFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch tags for downloads that have none yet",
	Long: `Asks Civitai for the votable tags of every successful download whose tags
were never fetched and stores them in the ledger. Images without tags are
marked as well so they are not asked for again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackfill("tags", func(ctx context.Context, db *database.DB, cfg scraper.BackfillConfig) (scraper.BackfillReport, error) {
			return scraper.BackfillTags(ctx, newApiClient(), db, cfg)
		})
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Work with image metadata",
}

var metadataFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Refetch metadata for downloads without generation parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackfill("metadata", func(ctx context.Context, db *database.DB, cfg scraper.BackfillConfig) (scraper.BackfillReport, error) {
			return scraper.BackfillMetadata(ctx, newApiClient(), db, cfg)
		})
	},
}

func init() {
	rootCmd.AddCommand(tagsCmd, metadataCmd)
	tagsCmd.AddCommand(tagsFetchCmd)
	metadataCmd.AddCommand(metadataFetchCmd)

	for _, c := range []*cobra.Command{tagsFetchCmd, metadataFetchCmd} {
		c.Flags().IntVar(&backfillMaxFlag, "max", 0, "Maximum number of images to process (0 for all)")
		c.Flags().IntVar(&backfillDelayFlag, "delay", 500, "Delay between requests in ms")
	}
}

func runBackfill(what string, job func(ctx context.Context, db *database.DB, cfg scraper.BackfillConfig) (scraper.BackfillReport, error)) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := job(ctx, db, scraper.BackfillConfig{
		Max:   backfillMaxFlag,
		Delay: time.Duration(backfillDelayFlag) * time.Millisecond,
	})
	log.WithFields(log.Fields{
		"processed": rep.Processed,
		"updated":   rep.Updated,
		"empty":     rep.Empty,
		"notFound":  rep.NotFound,
		"failed":    rep.Failed,
	}).Infof("%s backfill finished", what)
	if errors.Is(err, context.Canceled) {
		log.Warn("Interrupted")
		return nil
	}
	return err
}
