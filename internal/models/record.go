package models

// Ledger statuses
const (
	StatusSuccess  = "success"
	StatusMigrated = "migrated"
	StatusFailed   = "failed"
)

// IsComplete reports whether a status means the item needs no further work.
func IsComplete(status string) bool {
	return status == StatusSuccess || status == StatusMigrated
}

type (
	// DownloadRecord is one row of the downloads ledger.
	DownloadRecord struct {
		ImageID           string `db:"image_id" json:"imageId"`
		URL               string `db:"url" json:"url"`
		Filename          string `db:"filename" json:"filename"`
		FileExtension     string `db:"file_extension" json:"fileExtension"`
		FolderPath        string `db:"folder_path" json:"folderPath"`
		DownloadTimestamp string `db:"download_timestamp" json:"downloadTimestamp"`
		Status            string `db:"status" json:"status"`
		ErrorMessage      string `db:"error_message" json:"errorMessage,omitempty"`
		FileHash          string `db:"file_hash" json:"fileHash,omitempty"`
		FileSize          int64  `db:"file_size" json:"fileSize"`
		Width             int    `db:"width" json:"width"`
		Height            int    `db:"height" json:"height"`
		NsfwLevel         int    `db:"nsfw_level" json:"nsfwLevel"`
		ReactionTotal     int    `db:"reaction_total" json:"reactionTotal"`
		TagsFetched       bool   `db:"tags_fetched" json:"tagsFetched"`
	}

	// TagCount is a tag with the number of images carrying it.
	TagCount struct {
		Name  string `db:"tag_name" json:"name" yaml:"name"`
		Count int    `db:"count" json:"count" yaml:"count"`
	}

	// ModelCount is a model name with the number of images generated with it.
	ModelCount struct {
		Name  string `db:"model_name" json:"name" yaml:"name"`
		Count int    `db:"count" json:"count" yaml:"count"`
	}

	// LedgerStats summarizes the ledger.
	LedgerStats struct {
		ByStatus   map[string]int `json:"byStatus" yaml:"byStatus"`
		ByType     map[string]int `json:"byType" yaml:"byType"`
		TotalBytes int64          `json:"totalBytes" yaml:"totalBytes"`
		AvgWidth   float64        `json:"avgWidth" yaml:"avgWidth"`
		AvgHeight  float64        `json:"avgHeight" yaml:"avgHeight"`
		Favorites  int            `json:"favorites" yaml:"favorites"`
		Tags       int            `json:"tags" yaml:"tags"`
	}

	// RunRecord is a summary row written at the end of a scrape run.
	RunRecord struct {
		RunID      string `db:"run_id" json:"runId" yaml:"runId"`
		StartedAt  string `db:"started_at" json:"startedAt" yaml:"startedAt"`
		FinishedAt string `db:"finished_at" json:"finishedAt" yaml:"finishedAt"`
		FinalState string `db:"final_state" json:"finalState" yaml:"finalState"`
		QueryKey   string `db:"query_key" json:"queryKey" yaml:"queryKey"`
		Pages      int    `db:"pages" json:"pages" yaml:"pages"`
		Downloaded int    `db:"downloaded" json:"downloaded" yaml:"downloaded"`
		Skipped    int    `db:"skipped" json:"skipped" yaml:"skipped"`
		Filtered   int    `db:"filtered" json:"filtered" yaml:"filtered"`
		Failed     int    `db:"failed" json:"failed" yaml:"failed"`
		Bytes      int64  `db:"bytes" json:"bytes" yaml:"bytes"`
	}
)
