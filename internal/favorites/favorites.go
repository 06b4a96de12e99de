// Package favorites mirrors favorited downloads into a Favorites directory.
package favorites

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go-civitai-scraper/internal/models"

	log "github.com/sirupsen/logrus"
)

// DirName is the folder under the save path that holds the mirror.
const DirName = "Favorites"

// Lister is the part of the ledger Organize and Clean read.
type Lister interface {
	ListFavorites() ([]models.DownloadRecord, error)
}

// Method says how a favorite was placed.
type Method string

const (
	MethodSymlink  Method = "symlink"
	MethodHardlink Method = "hardlink"
	MethodCopy     Method = "copy"
)

// Report is the outcome of Organize.
type Report struct {
	Total     int      `json:"total" yaml:"total"`
	Organized int      `json:"organized" yaml:"organized"`
	Skipped   int      `json:"skipped" yaml:"skipped"`
	Dir       string   `json:"dir" yaml:"dir"`
	Errors    []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

const maxReportedErrors = 10

// Organizer places favorites under <base>/Favorites.
type Organizer struct {
	Base      string
	ByRating  bool // split into SFW and NSFW like the downloads
	CopyOnly  bool // skip the link attempts
	linkFuncs []linkFunc
}

type linkFunc struct {
	method Method
	fn     func(src, dst string) error
}

// NewOrganizer returns an Organizer for the given save path.
func NewOrganizer(base string, byRating, copyOnly bool) *Organizer {
	return &Organizer{
		Base:     base,
		ByRating: byRating,
		CopyOnly: copyOnly,
		linkFuncs: []linkFunc{
			{MethodSymlink, os.Symlink},
			{MethodHardlink, os.Link},
		},
	}
}

// Dir is the root of the favorites mirror.
func (o *Organizer) Dir() string {
	return filepath.Join(o.Base, DirName)
}

func (o *Organizer) destDir(level int) string {
	if !o.ByRating {
		return o.Dir()
	}
	return filepath.Join(o.Dir(), models.RatingBucket(level))
}

func (o *Organizer) source(rec models.DownloadRecord) string {
	return filepath.Join(o.Base, filepath.FromSlash(rec.FolderPath), rec.Filename)
}

// Organize links or copies every successful favorite into the mirror.
// Entries already present count as organized.
func (o *Organizer) Organize(l Lister) (Report, error) {
	rep := Report{Dir: o.Dir()}
	favs, err := l.ListFavorites()
	if err != nil {
		return rep, fmt.Errorf("listing favorites: %w", err)
	}

	for _, rec := range favs {
		if rec.Status != models.StatusSuccess || rec.Filename == "" {
			continue
		}
		rep.Total++

		src := o.source(rec)
		if _, err := os.Stat(src); err != nil {
			rep.fail(fmt.Sprintf("file not found: %s", rec.Filename))
			continue
		}

		dir := o.destDir(rec.NsfwLevel)
		if err := os.MkdirAll(dir, 0750); err != nil {
			rep.fail(fmt.Sprintf("%s: %v", rec.Filename, err))
			continue
		}
		dst := filepath.Join(dir, rec.Filename)
		if _, err := os.Lstat(dst); err == nil {
			rep.Organized++
			continue
		}

		method, err := o.place(src, dst)
		if err != nil {
			rep.fail(fmt.Sprintf("%s: %v", rec.Filename, err))
			continue
		}
		log.Debugf("Favorite %s placed via %s", rec.ImageID, method)
		rep.Organized++
	}
	return rep, nil
}

func (r *Report) fail(msg string) {
	r.Skipped++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

func (o *Organizer) place(src, dst string) (Method, error) {
	if !o.CopyOnly {
		abs, err := filepath.Abs(src)
		if err != nil {
			abs = src
		}
		for _, lf := range o.linkFuncs {
			if err := lf.fn(abs, dst); err == nil {
				return lf.method, nil
			}
		}
	}
	return MethodCopy, copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// Clean removes entries from the mirror whose file name is no longer a
// successful favorite. It returns how many were removed.
func (o *Organizer) Clean(l Lister) (int, error) {
	root := o.Dir()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	favs, err := l.ListFavorites()
	if err != nil {
		return 0, fmt.Errorf("listing favorites: %w", err)
	}
	keep := make(map[string]struct{}, len(favs))
	for _, rec := range favs {
		if rec.Status == models.StatusSuccess {
			keep[rec.Filename] = struct{}{}
		}
	}

	removed := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := keep[d.Name()]; ok {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			log.WithError(rmErr).Warnf("Failed to remove %s", path)
			return nil
		}
		removed++
		return nil
	})
	return removed, err
}
