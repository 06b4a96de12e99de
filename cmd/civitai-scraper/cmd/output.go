package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"go-civitai-scraper/internal/helpers"
	"go-civitai-scraper/internal/models"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validFormat(f string) error {
	switch f {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown format %q (table, json, yaml)", f)
}

// writeStructured prints v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown format %q", format)
}

// printRecords renders ledger rows in the chosen format.
func printRecords(format string, recs []models.DownloadRecord) error {
	if format != formatTable {
		if recs == nil {
			recs = []models.DownloadRecord{}
		}
		return writeStructured(os.Stdout, format, recs)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFile\tFolder\tSize\tResolution\tReactions\tDownloaded")
	fmt.Fprintln(tw, "--\t----\t------\t----\t----------\t---------\t----------")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dx%d\t%d\t%s\n",
			r.ImageID, r.Filename, r.FolderPath, helpers.BytesToSize(uint64(max(r.FileSize, 0))),
			r.Width, r.Height, r.ReactionTotal, r.DownloadTimestamp)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d result(s)\n", len(recs))
	return nil
}

// printCounts renders name/count pairs.
func printCounts(format, header string, names []string, counts []int) error {
	if format != formatTable {
		rows := make([]map[string]any, len(names))
		for i := range names {
			rows[i] = map[string]any{"name": names[i], "count": counts[i]}
		}
		return writeStructured(os.Stdout, format, rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tCount\n", header)
	for i := range names {
		fmt.Fprintf(tw, "%s\t%d\n", names[i], counts[i])
	}
	return tw.Flush()
}
