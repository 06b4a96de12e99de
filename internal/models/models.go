package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

type (
	// Config holds the application's configuration settings.
	Config struct {
		SavePath            string       `toml:"SavePath" json:"SavePath" yaml:"SavePath"`
		DatabasePath        string       `toml:"DatabasePath" json:"DatabasePath" yaml:"DatabasePath"`
		BleveIndexPath      string       `toml:"BleveIndexPath" json:"BleveIndexPath" yaml:"BleveIndexPath"`
		LogLevel            string       `toml:"LogLevel" json:"LogLevel" yaml:"LogLevel"`
		LogFormat           string       `toml:"LogFormat" json:"LogFormat" yaml:"LogFormat"`
		LogFile             string       `toml:"LogFile" json:"LogFile" yaml:"LogFile"`
		APIKey              string       `toml:"ApiKey" json:"-" yaml:"-"`
		APIBaseURL          string       `toml:"ApiBaseUrl" json:"ApiBaseUrl" yaml:"ApiBaseUrl"`
		TagsURL             string       `toml:"TagsUrl" json:"TagsUrl" yaml:"TagsUrl"`
		Scrape              ScrapeConfig `toml:"Scrape" json:"Scrape" yaml:"Scrape"`
		Web                 WebConfig    `toml:"Web" json:"Web" yaml:"Web"`
		APIClientTimeoutSec int          `toml:"ApiClientTimeoutSec" json:"ApiClientTimeoutSec" yaml:"ApiClientTimeoutSec"`
		LogApiRequests      bool         `toml:"LogApiRequests" json:"LogApiRequests" yaml:"LogApiRequests"`
	}

	// ScrapeConfig holds settings specific to the 'scrape' command.
	ScrapeConfig struct {
		// Strings first
		Sort            string `toml:"Sort" json:"Sort" yaml:"Sort"`
		Period          string `toml:"Period" json:"Period" yaml:"Period"`
		Nsfw            string `toml:"Nsfw" json:"Nsfw" yaml:"Nsfw"`
		Username        string `toml:"Username" json:"Username" yaml:"Username"`
		FilenamePattern string `toml:"FilenamePattern" json:"FilenamePattern" yaml:"FilenamePattern"`
		// Slices
		FileTypes []string `toml:"FileTypes" json:"FileTypes" yaml:"FileTypes"`
		// Numbers
		BackoffFactor float64 `toml:"BackoffFactor" json:"BackoffFactor" yaml:"BackoffFactor"`
		Target        int     `toml:"Target" json:"Target" yaml:"Target"`
		Workers       int     `toml:"Workers" json:"Workers" yaml:"Workers"`
		MaxRetries    int     `toml:"MaxRetries" json:"MaxRetries" yaml:"MaxRetries"`
		DelayMs       int     `toml:"DelayMs" json:"DelayMs" yaml:"DelayMs"`
		MinResolution int     `toml:"MinResolution" json:"MinResolution" yaml:"MinResolution"`
		MinReactions  int     `toml:"MinReactions" json:"MinReactions" yaml:"MinReactions"`
		ModelID       int     `toml:"ModelID" json:"ModelID" yaml:"ModelID"`
		PostID        int     `toml:"PostID" json:"PostID" yaml:"PostID"`
		// Bools
		Unlimited        bool `toml:"Unlimited" json:"Unlimited" yaml:"Unlimited"`
		RatingOnly       bool `toml:"RatingOnly" json:"RatingOnly" yaml:"RatingOnly"`
		SaveMetadata     bool `toml:"SaveMetadata" json:"SaveMetadata" yaml:"SaveMetadata"`
		OrganizeByRating bool `toml:"OrganizeByRating" json:"OrganizeByRating" yaml:"OrganizeByRating"`
		DryRun           bool `toml:"DryRun" json:"DryRun" yaml:"DryRun"`
		Resume           bool `toml:"Resume" json:"Resume" yaml:"Resume"`
		SkipConfirmation bool `toml:"SkipConfirmation" json:"SkipConfirmation" yaml:"SkipConfirmation"`
	}

	// WebConfig holds settings for the 'serve' command.
	WebConfig struct {
		Listen   string `toml:"Listen" json:"Listen" yaml:"Listen"`
		PageSize int    `toml:"PageSize" json:"PageSize" yaml:"PageSize"`
	}

	// ImageApiResponse represents the structure of the response from the /api/v1/images endpoint.
	ImageApiResponse struct {
		Items    []ImageItem        `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	// PaginationMetadata is the cursor block of a listing page.
	PaginationMetadata struct {
		NextCursor Cursor `json:"nextCursor"`
		NextPage   string `json:"nextPage"`
	}

	// ImageAPIParameters defines the query parameters specific to the /api/v1/images endpoint.
	ImageAPIParameters struct {
		// Strings first
		Username string `json:"username,omitempty"`
		Sort     string `json:"sort,omitempty"`
		Period   string `json:"period,omitempty"`
		Nsfw     string `json:"nsfw,omitempty"` // None, Soft, Mature, X or true/false. Empty means omit.
		Cursor   string `json:"cursor,omitempty"`
		// Integers
		ModelID int `json:"modelId,omitempty"`
		PostID  int `json:"postId,omitempty"`
		Limit   int `json:"limit,omitempty"` // max 200
	}

	// TagVote is a single entry of the votable tags response.
	TagVote struct {
		Name string `json:"name"`
	}

	// TagsResponse is the tRPC envelope returned by the votable tags endpoint.
	TagsResponse struct {
		Result struct {
			Data struct {
				JSON []TagVote `json:"json"`
			} `json:"data"`
		} `json:"result"`
	}
)

// MaxPageSize is the largest page the listing endpoint serves.
const MaxPageSize = 200

// Cursor is an opaque pagination token. The API sends it as either a
// string or a number.
type Cursor string

// UnmarshalJSON implements json.Unmarshaler for Cursor
func (c *Cursor) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*c = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*c = Cursor(str)
		return nil
	}
	*c = Cursor(s)
	return nil
}

// QueryKey returns a stable key describing the listing query, ignoring the
// cursor. It is used to remember where a run left off.
func (p ImageAPIParameters) QueryKey() string {
	parts := []string{
		"sort=" + p.Sort,
		"period=" + p.Period,
		"nsfw=" + p.Nsfw,
		"username=" + p.Username,
		"modelId=" + strconv.Itoa(p.ModelID),
		"postId=" + strconv.Itoa(p.PostID),
	}
	return strings.Join(parts, "&")
}
