package cmd

import (
	"errors"
	"os"

	"go-civitai-scraper/internal/index"
	"go-civitai-scraper/internal/search"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	searchTextFlag     string
	searchTagsFlag     []string
	searchExcludeFlag  []string
	searchMatchAllFlag bool
	searchModelFlag    string
	searchSamplerFlag  string
	searchPromptFlag   string
	searchAspectFlag   string
	searchFromFlag     string
	searchToFlag       string
	searchLimitFlag    int
	searchListTags     bool
	searchListModels   bool
	searchMinCountFlag int
	searchFormatFlag   string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search downloaded images",
	Long: `Searches the ledger by tags, model, sampler, prompt text, aspect ratio or
download date, or the full-text index with --text. The first criterion given
decides the search, in that order: text, tags, model/sampler, prompt, aspect
ratio, dates. Only successful downloads are returned.

Examples:
  civitai-scraper search --tags landscape,sunset --match-all
  civitai-scraper search --tags portrait --exclude nsfw
  civitai-scraper search --model "Juggernaut XL" --sampler "DPM++ 2M"
  civitai-scraper search --aspect-ratio 16:9 --format json
  civitai-scraper search --text 'prompt:lighthouse +tags:fog'
  civitai-scraper search --list-tags --min-count 5`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	f := searchCmd.Flags()
	f.StringVarP(&searchTextFlag, "text", "q", "", "Full-text query over prompts, models and tags (bleve query string syntax)")
	f.StringSliceVarP(&searchTagsFlag, "tags", "t", nil, "Tags to search for")
	f.StringSliceVar(&searchExcludeFlag, "exclude", nil, "Tags to exclude")
	f.BoolVar(&searchMatchAllFlag, "match-all", false, "Require every tag instead of any")
	f.StringVar(&searchModelFlag, "model", "", "Model name substring")
	f.StringVar(&searchSamplerFlag, "sampler", "", "Sampler name substring")
	f.StringVar(&searchPromptFlag, "prompt", "", "Prompt substring")
	f.StringVar(&searchAspectFlag, "aspect-ratio", "", "square, portrait, landscape or W:H")
	f.StringVar(&searchFromFlag, "from", "", "Downloaded on or after (YYYY-MM-DD)")
	f.StringVar(&searchToFlag, "to", "", "Downloaded on or before (YYYY-MM-DD)")
	f.IntVarP(&searchLimitFlag, "limit", "l", 100, "Maximum number of results")
	f.BoolVar(&searchListTags, "list-tags", false, "List tags with their image counts")
	f.BoolVar(&searchListModels, "list-models", false, "List models with their image counts")
	f.IntVar(&searchMinCountFlag, "min-count", 1, "Minimum count for --list-tags")
	f.StringVarP(&searchFormatFlag, "format", "f", formatTable, "Output format (table, json, yaml)")
}

func runSearch(cmd *cobra.Command, args []string) error {
	if err := validFormat(searchFormatFlag); err != nil {
		return err
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	switch {
	case searchListTags:
		counts, err := db.TagCounts(searchMinCountFlag, searchLimitFlag)
		if err != nil {
			return err
		}
		names, nums := make([]string, len(counts)), make([]int, len(counts))
		for i, c := range counts {
			names[i], nums[i] = c.Name, c.Count
		}
		return printCounts(searchFormatFlag, "Tag", names, nums)
	case searchListModels:
		counts, err := db.ModelCounts(searchLimitFlag)
		if err != nil {
			return err
		}
		names, nums := make([]string, len(counts)), make([]int, len(counts))
		for i, c := range counts {
			names[i], nums[i] = c.Name, c.Count
		}
		return printCounts(searchFormatFlag, "Model", names, nums)
	}

	q := search.Query{
		Text:     searchTextFlag,
		Tags:     searchTagsFlag,
		Exclude:  searchExcludeFlag,
		MatchAll: searchMatchAllFlag,
		Model:    searchModelFlag,
		Sampler:  searchSamplerFlag,
		Prompt:   searchPromptFlag,
		Aspect:   searchAspectFlag,
		From:     searchFromFlag,
		To:       searchToFlag,
		Limit:    searchLimitFlag,
	}
	if q.Empty() {
		return errors.New("no search criteria given, see --help")
	}

	var ti search.TextIndex
	if q.Text != "" {
		idx, err := openExistingIndex()
		if err != nil {
			return err
		}
		if idx != nil {
			defer idx.Close()
			ti = idx
		}
	}

	recs, err := search.Run(db, ti, q)
	if errors.Is(err, search.ErrNoIndex) {
		log.Error("No full-text index yet. Run a scrape or 'db reindex' first.")
	}
	if err != nil {
		return err
	}
	return printRecords(searchFormatFlag, recs)
}

// openExistingIndex opens the configured bleve index, or returns nil when it
// was never created.
func openExistingIndex() (*index.Index, error) {
	if _, err := os.Stat(globalConfig.BleveIndexPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return index.OpenOrCreate(globalConfig.BleveIndexPath)
}
