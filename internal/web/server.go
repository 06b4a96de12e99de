// Package web serves a JSON browse API over the download ledger.
package web

import (
	"errors"
	"path/filepath"
	"strings"

	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/favorites"
	"go-civitai-scraper/internal/search"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	log "github.com/sirupsen/logrus"
)

// DefaultPageSize is the images per page when the request does not say.
const DefaultPageSize = 50

const maxPageSize = 500

// Options configure a Server.
type Options struct {
	SavePath         string
	PageSize         int
	OrganizeByRating bool
	AccessLog        bool
}

// Server wires the ledger, the optional text index and the favorites mirror
// to fiber routes.
type Server struct {
	db        *database.DB
	index     search.TextIndex
	organizer *favorites.Organizer
	opts      Options
	app       *fiber.App
}

// New builds the fiber app. idx may be nil.
func New(db *database.DB, idx search.TextIndex, opts Options) *Server {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	s := &Server{
		db:        db,
		index:     idx,
		organizer: favorites.NewOrganizer(opts.SavePath, opts.OrganizeByRating, false),
		opts:      opts,
		app: fiber.New(fiber.Config{
			AppName:               "civitai-scraper",
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
	}
	s.routes()
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving on addr.
func (s *Server) Listen(addr string) error {
	log.Infof("Serving browse API on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	var api fiber.Router
	if s.opts.AccessLog {
		api = s.app.Group("/api", logger.New(logger.Config{Output: log.StandardLogger().Out}))
	} else {
		api = s.app.Group("/api")
	}

	images := api.Group("/images")
	images.Get("/", s.listImages)
	images.Get("/:id", s.getImage)
	images.Get("/:id/file", s.getFile)
	images.Post("/:id/favorite", s.toggleFavorite)
	images.Delete("/:id/favorite", s.removeFavorite)

	api.Get("/stats", s.showStats)
	api.Get("/tags", s.listTags)
	api.Get("/models", s.listModels)
	api.Get("/search", s.runSearch)

	favs := api.Group("/favorites")
	favs.Get("/", s.listFavorites)
	favs.Post("/organize", s.organizeFavorites)
	favs.Post("/clean", s.cleanFavorites)
}

func ok(c *fiber.Ctx, message string, data any) error {
	return c.JSON(fiber.Map{"status": "success", "message": message, "data": data})
}

func fail(c *fiber.Ctx, code int, message string) error {
	return c.Status(code).JSON(fiber.Map{"status": "error", "message": message, "data": nil})
}

// errorHandler maps ledger errors to status codes.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, database.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, database.ErrInvalidQuery), errors.Is(err, search.ErrNoCriteria):
		code = fiber.StatusBadRequest
	case errors.Is(err, search.ErrNoIndex):
		code = fiber.StatusServiceUnavailable
	}
	if code >= fiber.StatusInternalServerError {
		log.WithError(err).Errorf("%s %s failed", c.Method(), c.Path())
	}
	return fail(c, code, err.Error())
}

// resolve returns the on-disk path of a ledger entry, refusing anything that
// escapes the save path.
func (s *Server) resolve(folder, name string) (string, bool) {
	base, err := filepath.Abs(s.opts.SavePath)
	if err != nil {
		return "", false
	}
	p := filepath.Join(base, filepath.FromSlash(folder), name)
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}
