package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"go-civitai-scraper/internal/config"
	"go-civitai-scraper/internal/search"
	"go-civitai-scraper/internal/web"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveListenFlag    string
	servePageSizeFlag  int
	serveAccessLogFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a JSON API for browsing downloads",
	Long: `Starts an HTTP server with JSON endpoints over the ledger:

  GET    /api/images               paged list (?page, per_page, sort=newest|reactions, bucket, type)
  GET    /api/images/:id           record, generation parameters, tags and favorite flag
  GET    /api/images/:id/file      the downloaded file
  POST   /api/images/:id/favorite  toggle favorite
  DELETE /api/images/:id/favorite  remove favorite
  GET    /api/stats | /api/tags | /api/models
  GET    /api/search               ?q, tags, exclude, match=all, model, sampler, prompt, aspect, from, to
  GET    /api/favorites            POST /api/favorites/organize | /api/favorites/clean`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListenFlag, "listen", config.DefaultWebListen, "Address to listen on")
	serveCmd.Flags().IntVar(&servePageSizeFlag, "page-size", config.DefaultWebPageSize, "Default images per page")
	serveCmd.Flags().BoolVar(&serveAccessLogFlag, "access-log", false, "Log every request")

	commandFlags[serveCmd] = func(cmd *cobra.Command, flags *config.CliFlags) {
		wf := &config.CliWebFlags{}
		if cmd.Flags().Changed("listen") {
			wf.Listen = &serveListenFlag
		}
		if cmd.Flags().Changed("page-size") {
			wf.PageSize = &servePageSizeFlag
		}
		flags.Web = wf
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	var ti search.TextIndex
	idx, err := openExistingIndex()
	if err != nil {
		log.WithError(err).Warn("Search index unavailable, text search disabled")
	} else if idx != nil {
		defer idx.Close()
		ti = idx
	}

	srv := web.New(db, ti, web.Options{
		SavePath:         globalConfig.SavePath,
		PageSize:         globalConfig.Web.PageSize,
		OrganizeByRating: globalConfig.Scrape.OrganizeByRating,
		AccessLog:        serveAccessLogFlag,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down server")
		if err := srv.Shutdown(); err != nil {
			log.WithError(err).Error("Shutdown failed")
		}
	}()

	return srv.Listen(globalConfig.Web.Listen)
}
