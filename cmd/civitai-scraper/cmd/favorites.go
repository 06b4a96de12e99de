package cmd

import (
	"errors"
	"fmt"
	"os"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/favorites"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	favFormatFlag   string
	favCopyFlag     bool
	favByRatingFlag bool
)

var favoritesCmd = &cobra.Command{
	Use:     "favorites",
	Aliases: []string{"fav"},
	Short:   "Manage favorite images",
}

var favAddCmd = &cobra.Command{
	Use:   "add IMAGE_ID...",
	Short: "Mark downloaded images as favorites",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachFavorite(args, "Added", func(db *database.DB, id string) error { return db.AddFavorite(id) })
	},
}

var favRemoveCmd = &cobra.Command{
	Use:     "remove IMAGE_ID...",
	Aliases: []string{"rm"},
	Short:   "Unmark favorites",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachFavorite(args, "Removed", func(db *database.DB, id string) error { return db.RemoveFavorite(id) })
	},
}

var favListCmd = &cobra.Command{
	Use:   "list",
	Short: "List favorites",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validFormat(favFormatFlag); err != nil {
			return err
		}
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		favs, err := db.ListFavorites()
		if err != nil {
			return err
		}
		return printRecords(favFormatFlag, favs)
	},
}

var favOrganizeCmd = &cobra.Command{
	Use:   "organize",
	Short: "Link or copy favorites into the Favorites folder",
	Long: `Places every favorite under [SavePath]/Favorites, split into SFW and NSFW
folders when downloads are organized by rating. A symlink is tried first, then
a hard link, then a copy.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		rep, err := favOrganizer(cmd).Organize(db)
		if err != nil {
			return err
		}
		log.Infof("Organized %d of %d favorites into %s (%d skipped)", rep.Organized, rep.Total, rep.Dir, rep.Skipped)
		for _, e := range rep.Errors {
			log.Warn(e)
		}
		return nil
	},
}

var favCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove files from the Favorites folder that are no longer favorites",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		removed, err := favOrganizer(cmd).Clean(db)
		if err != nil {
			return err
		}
		log.Infof("Removed %d stale file(s)", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(favoritesCmd)
	favoritesCmd.AddCommand(favAddCmd, favRemoveCmd, favListCmd, favOrganizeCmd, favCleanCmd)

	favListCmd.Flags().StringVarP(&favFormatFlag, "format", "f", formatTable, "Output format (table, json, yaml)")
	favOrganizeCmd.Flags().BoolVar(&favCopyFlag, "copy", false, "Always copy instead of linking")
	for _, c := range []*cobra.Command{favOrganizeCmd, favCleanCmd} {
		c.Flags().BoolVar(&favByRatingFlag, "by-rating", true, "Split the mirror into SFW and NSFW (defaults to the scrape setting)")
	}
}

func favOrganizer(cmd *cobra.Command) *favorites.Organizer {
	byRating := globalConfig.Scrape.OrganizeByRating
	if cmd.Flags().Changed("by-rating") {
		byRating = favByRatingFlag
	}
	return favorites.NewOrganizer(globalConfig.SavePath, byRating, favCopyFlag)
}

// eachFavorite applies op to every id, reporting unknown ids without
// stopping.
func eachFavorite(ids []string, verb string, op func(db *database.DB, id string) error) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	failed := 0
	for _, id := range ids {
		err := op(db, id)
		switch {
		case errors.Is(err, database.ErrNotFound):
			failed++
			fmt.Fprintf(os.Stderr, "%s: not found\n", id)
		case err != nil:
			return err
		default:
			fmt.Printf("%s %s\n", verb, id)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d id(s) not found", failed, len(ids))
	}
	return nil
}
