package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-civitai-scraper/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
)

const (
	CivitaiApiBaseUrl = "https://civitai.com/api/v1"
	CivitaiTagsUrl    = "https://civitai.com/api/trpc/tag.getVotableTags"

	// rateLimitWarnThreshold is the X-RateLimit-Remaining value below which a warning is logged.
	rateLimitWarnThreshold = 10
	defaultMaxRetries      = 3
)

// Client struct for interacting with the Civitai API
type Client struct {
	ApiKey     string
	HttpClient *http.Client // Use a shared client
	BaseURL    string
	TagsURL    string
	MaxRetries int
	// Sleep waits between retries. It returns early with ctx.Err() on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new API client
func NewClient(apiKey string, httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = CivitaiApiBaseUrl
	}
	tags := cfg.TagsURL
	if tags == "" {
		tags = CivitaiTagsUrl
	}
	log.Debugf("NewClient called (API logging handled by transport if enabled)")

	return &Client{
		ApiKey:     apiKey,
		HttpClient: httpClient,
		BaseURL:    base,
		TagsURL:    tags,
		MaxRetries: defaultMaxRetries,
		Sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetImages fetches one page of the images listing. The cursor in params is
// sent only when set.
func (c *Client) GetImages(ctx context.Context, params models.ImageAPIParameters) (models.ImageApiResponse, error) {
	values := ConvertImageAPIParamsToURLValues(params)
	reqURL := fmt.Sprintf("%s/images?%s", c.BaseURL, values.Encode())

	var response models.ImageApiResponse
	body, header, err := c.doGet(ctx, reqURL, nil)
	if err != nil {
		return response, err
	}
	warnOnRateLimit(header)

	if err := json.Unmarshal(body, &response); err != nil {
		log.WithError(err).Errorf("Error unmarshalling response JSON")
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return response, fmt.Errorf("error unmarshalling response JSON: %w", err)
	}
	return response, nil
}

// GetImage fetches the full record of a single image.
func (c *Client) GetImage(ctx context.Context, imageID string) (models.ImageItem, error) {
	reqURL := fmt.Sprintf("%s/images/%s", c.BaseURL, url.PathEscape(imageID))

	var item models.ImageItem
	body, _, err := c.doGet(ctx, reqURL, nil)
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal(body, &item); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return item, fmt.Errorf("error unmarshalling image %s JSON: %w", imageID, err)
	}
	if item.ID == "" {
		item.ID = models.ItemID(imageID)
	}
	return item, nil
}

// GetImageTags fetches the votable tags of an image through the tRPC endpoint.
func (c *Client) GetImageTags(ctx context.Context, imageID string) ([]string, error) {
	var id any = imageID
	if n, err := strconv.ParseInt(imageID, 10, 64); err == nil {
		id = n
	}
	input, err := json.Marshal(map[string]any{"json": map[string]any{"id": id, "type": "image"}})
	if err != nil {
		return nil, err
	}
	reqURL := c.TagsURL + "?" + url.Values{"input": {string(input)}}.Encode()

	headers := http.Header{}
	headers.Set("x-client", "web")
	headers.Set("x-client-date", strconv.FormatInt(time.Now().UnixMilli(), 10))

	body, _, err := c.doGet(ctx, reqURL, headers)
	if err != nil {
		return nil, err
	}
	var resp models.TagsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error unmarshalling tags for %s: %w", imageID, err)
	}
	var names []string
	for _, t := range resp.Result.Data.JSON {
		if name := strings.TrimSpace(t.Name); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// doGet performs a GET with retries on network errors, 429 and 5xx. 401, 403
// and 404 fail immediately.
func (c *Client) doGet(ctx context.Context, reqURL string, extra http.Header) ([]byte, http.Header, error) {
	maxRetries := c.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range extra {
			req.Header[k] = v
		}
		if c.ApiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.ApiKey)
		}

		resp, err := c.HttpClient.Do(req) // Transport will log if enabled
		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			wait = time.Duration(attempt+1) * 2 * time.Second
		} else {
			switch {
			case resp.StatusCode == http.StatusOK:
				body, readErr := io.ReadAll(resp.Body)
				resp.Body.Close()
				if readErr != nil {
					return nil, nil, fmt.Errorf("error reading response body: %w", readErr)
				}
				return body, resp.Header, nil
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				resp.Body.Close()
				return nil, nil, ErrUnauthorized
			case resp.StatusCode == http.StatusNotFound:
				resp.Body.Close()
				return nil, nil, ErrNotFound
			case resp.StatusCode == http.StatusTooManyRequests:
				lastErr = ErrRateLimited
				wait = time.Duration(attempt+1) * 5 * time.Second
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
				wait = time.Duration(attempt+1) * 3 * time.Second
			default:
				resp.Body.Close()
				return nil, nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
			}
			// Drain and close the body to allow connection reuse for retry
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		if attempt < maxRetries-1 {
			log.WithError(lastErr).Warnf("Retrying (%d/%d) after %s...", attempt+1, maxRetries, wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, nil, err
			}
		}
	}
	log.WithError(lastErr).Errorf("Request failed after %d attempts", maxRetries)
	return nil, nil, lastErr
}

func warnOnRateLimit(h http.Header) {
	remaining := h.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	if n, err := strconv.Atoi(remaining); err == nil && n < rateLimitWarnThreshold {
		log.Warnf("API rate limit low: %d requests remaining", n)
	}
}

// ConvertImageAPIParamsToURLValues converts the ImageAPIParameters struct into url.Values
// suitable for Civitai API requests. Empty fields are omitted and the limit
// is capped at models.MaxPageSize.
func ConvertImageAPIParamsToURLValues(params models.ImageAPIParameters) url.Values {
	values := url.Values{}
	limit := params.Limit
	if limit <= 0 || limit > models.MaxPageSize {
		limit = models.MaxPageSize
	}
	values.Set("limit", strconv.Itoa(limit))
	if params.Sort != "" {
		values.Set("sort", params.Sort)
	}
	if params.Period != "" {
		values.Set("period", params.Period)
	}
	if params.Nsfw != "" {
		values.Set("nsfw", params.Nsfw)
	}
	if params.Username != "" {
		values.Set("username", params.Username)
	}
	if params.ModelID > 0 {
		values.Set("modelId", strconv.Itoa(params.ModelID))
	}
	if params.PostID > 0 {
		values.Set("postId", strconv.Itoa(params.PostID))
	}
	if params.Cursor != "" {
		values.Set("cursor", params.Cursor)
	}
	return values
}
