package web

import (
	"encoding/json"
	"errors"
	"os"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/models"
	"go-civitai-scraper/internal/search"

	"github.com/gofiber/fiber/v2"
)

// ImageSummary is one entry of the image list.
type ImageSummary struct {
	models.DownloadRecord
	Favorited bool `json:"favorited"`
}

// ImageDetail is everything known about one image.
type ImageDetail struct {
	Record    models.DownloadRecord    `json:"record"`
	Params    *models.GenerationParams `json:"params,omitempty"`
	Tags      []string                 `json:"tags"`
	Metadata  json.RawMessage          `json:"metadata,omitempty"`
	Favorited bool                     `json:"favorited"`
}

// ImagePage is a page of the image list.
type ImagePage struct {
	Images     []ImageSummary `json:"images"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PerPage    int            `json:"perPage"`
	TotalPages int            `json:"totalPages"`
}

func (s *Server) favoriteSet() (map[string]bool, error) {
	favs, err := s.db.ListFavorites()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(favs))
	for _, f := range favs {
		set[f.ImageID] = true
	}
	return set, nil
}

func (s *Server) summaries(recs []models.DownloadRecord) ([]ImageSummary, error) {
	favs, err := s.favoriteSet()
	if err != nil {
		return nil, err
	}
	out := make([]ImageSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, ImageSummary{DownloadRecord: r, Favorited: favs[r.ImageID]})
	}
	return out, nil
}

func (s *Server) listImages(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := c.QueryInt("per_page", s.opts.PageSize)
	if perPage < 1 || perPage > maxPageSize {
		return fail(c, fiber.StatusBadRequest, "per_page out of range")
	}

	recs, total, err := s.db.List(database.ListOptions{
		Status:    models.StatusSuccess,
		Sort:      c.Query("sort", "newest"),
		Bucket:    c.Query("bucket"),
		MediaType: c.Query("type"),
		Limit:     perPage,
		Offset:    (page - 1) * perPage,
	})
	if err != nil {
		return err
	}
	images, err := s.summaries(recs)
	if err != nil {
		return err
	}
	return ok(c, "Images found", ImagePage{
		Images:     images,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	})
}

func (s *Server) getImage(c *fiber.Ctx) error {
	id := c.Params("id")
	rec, err := s.db.Get(id)
	if err != nil {
		return err
	}
	detail := ImageDetail{Record: rec, Tags: []string{}}

	if p, err := s.db.GetGenerationParams(id); err == nil {
		detail.Params = &p
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}
	if tags, err := s.db.GetTags(id); err != nil {
		return err
	} else if tags != nil {
		detail.Tags = tags
	}
	if meta, err := s.db.GetMetadata(id); err == nil {
		detail.Metadata = meta
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}
	if detail.Favorited, err = s.db.IsFavorite(id); err != nil {
		return err
	}
	return ok(c, "Image found", detail)
}

func (s *Server) getFile(c *fiber.Ctx) error {
	rec, err := s.db.Get(c.Params("id"))
	if err != nil {
		return err
	}
	if rec.Status != models.StatusSuccess || rec.Filename == "" {
		return fail(c, fiber.StatusNotFound, "No file for image")
	}
	path, allowed := s.resolve(rec.FolderPath, rec.Filename)
	if !allowed {
		return fail(c, fiber.StatusForbidden, "File outside save path")
	}
	if _, err := os.Stat(path); err != nil {
		return fail(c, fiber.StatusNotFound, "File missing on disk")
	}
	return c.SendFile(path)
}

// toggleFavorite flips the favorite flag and reports the new state.
func (s *Server) toggleFavorite(c *fiber.Ctx) error {
	id := c.Params("id")
	fav, err := s.db.IsFavorite(id)
	if err != nil {
		return err
	}
	if fav {
		err = s.db.RemoveFavorite(id)
	} else {
		err = s.db.AddFavorite(id)
	}
	if err != nil {
		return err
	}
	return ok(c, "Favorite updated", fiber.Map{"id": id, "favorited": !fav})
}

func (s *Server) removeFavorite(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.db.RemoveFavorite(id); err != nil {
		return err
	}
	return ok(c, "Favorite removed", fiber.Map{"id": id, "favorited": false})
}

func (s *Server) listFavorites(c *fiber.Ctx) error {
	favs, err := s.db.ListFavorites()
	if err != nil {
		return err
	}
	if favs == nil {
		favs = []models.DownloadRecord{}
	}
	return ok(c, "Favorites found", favs)
}

func (s *Server) organizeFavorites(c *fiber.Ctx) error {
	rep, err := s.organizer.Organize(s.db)
	if err != nil {
		return err
	}
	return ok(c, "Favorites organized", rep)
}

func (s *Server) cleanFavorites(c *fiber.Ctx) error {
	removed, err := s.organizer.Clean(s.db)
	if err != nil {
		return err
	}
	return ok(c, "Favorites cleaned", fiber.Map{"removed": removed})
}

func (s *Server) showStats(c *fiber.Ctx) error {
	st, err := s.db.Stats()
	if err != nil {
		return err
	}
	return ok(c, "Statistics", st)
}

func (s *Server) listTags(c *fiber.Ctx) error {
	counts, err := s.db.TagCounts(c.QueryInt("min", 1), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	if counts == nil {
		counts = []models.TagCount{}
	}
	return ok(c, "Tags found", counts)
}

func (s *Server) listModels(c *fiber.Ctx) error {
	counts, err := s.db.ModelCounts(c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	if counts == nil {
		counts = []models.ModelCount{}
	}
	return ok(c, "Models found", counts)
}

func (s *Server) runSearch(c *fiber.Ctx) error {
	q := search.Query{
		Text:     c.Query("q"),
		Tags:     search.SplitList(c.Query("tags")),
		Exclude:  search.SplitList(c.Query("exclude")),
		MatchAll: c.Query("match") == "all",
		Model:    c.Query("model"),
		Sampler:  c.Query("sampler"),
		Prompt:   c.Query("prompt"),
		Aspect:   c.Query("aspect"),
		From:     c.Query("from"),
		To:       c.Query("to"),
		Limit:    c.QueryInt("limit", s.opts.PageSize),
	}
	recs, err := search.Run(s.db, s.index, q)
	if err != nil {
		return err
	}
	images, err := s.summaries(recs)
	if err != nil {
		return err
	}
	return ok(c, "Search results", images)
}
