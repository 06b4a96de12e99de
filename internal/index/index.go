// Package index keeps a full-text index of downloaded images next to the ledger.
package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go-civitai-scraper/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const DefaultIndexPath = "civitai.bleve"

// Document is what gets indexed for one image. Fields are searchable by
// their JSON names, e.g. '+tags:cat prompt:lighthouse'.
type Document struct {
	ID             string   `json:"id"`
	Prompt         string   `json:"prompt,omitempty"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	ModelName      string   `json:"modelName,omitempty"`
	Sampler        string   `json:"sampler,omitempty"`
	BaseModel      string   `json:"baseModel,omitempty"`
	Username       string   `json:"username,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Bucket         string   `json:"bucket,omitempty"`
	Extension      string   `json:"extension,omitempty"`
	FilePath       string   `json:"filePath,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID    string  `json:"id" yaml:"id"`
	Score float64 `json:"score" yaml:"score"`
}

// Index is a bleve index safe for concurrent use.
type Index struct {
	mu   sync.Mutex
	idx  bleve.Index
	path string
}

// OpenOrCreate opens the index at path, creating it when missing.
func OpenOrCreate(path string) (*Index, error) {
	if path == "" {
		path = DefaultIndexPath
	}
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Debugf("Creating new index at: %s", path)
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
				return nil, mkErr
			}
		}
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	return &Index{idx: idx, path: path}, nil
}

// FromItem builds a document from a freshly downloaded item.
func FromItem(item models.ImageItem, filePath string) Document {
	level := item.RatingLevel()
	doc := Document{
		ID:        item.ID.String(),
		BaseModel: item.BaseModel,
		Username:  item.Username,
		Tags:      item.Tags,
		Bucket:    models.RatingBucket(level),
		Extension: filepath.Ext(filePath),
		FilePath:  filePath,
	}
	if p, ok := models.ExtractGenerationParams(item.Meta); ok {
		doc.Prompt = p.Prompt
		doc.NegativePrompt = p.NegativePrompt
		doc.ModelName = p.ModelName
		doc.Sampler = p.Sampler
	}
	return doc
}

// FromRecord builds a document from ledger rows.
func FromRecord(rec models.DownloadRecord, params models.GenerationParams, tags []string) Document {
	return Document{
		ID:             rec.ImageID,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		ModelName:      params.ModelName,
		Sampler:        params.Sampler,
		Tags:           tags,
		Bucket:         models.RatingBucket(rec.NsfwLevel),
		Extension:      rec.FileExtension,
		FilePath:       filepath.ToSlash(filepath.Join(rec.FolderPath, rec.Filename)),
	}
}

// IndexItem indexes a downloaded item.
func (i *Index) IndexItem(item models.ImageItem, filePath string) error {
	return i.Put(FromItem(item, filePath))
}

// Put adds or replaces a document.
func (i *Index) Put(doc Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Index(doc.ID, doc)
}

// PutBatch indexes many documents in one batch.
func (i *Index) PutBatch(docs []Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	b := i.idx.NewBatch()
	for _, d := range docs {
		if err := b.Index(d.ID, d); err != nil {
			return err
		}
	}
	return i.idx.Batch(b)
}

// Delete removes a document.
func (i *Index) Delete(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Delete(id)
}

// Count returns the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	return i.idx.DocCount()
}

// Search runs a query string query and returns up to size hits and the total.
func (i *Index) Search(query string, size int) ([]Hit, uint64, error) {
	if size <= 0 {
		size = 50
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), size, 0, false)
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, 0, fmt.Errorf("searching index: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, res.Total, nil
}

// Close closes the index.
func (i *Index) Close() error {
	return i.idx.Close()
}

// Remove deletes the index directory.
func Remove(path string) error {
	if path == "" {
		path = DefaultIndexPath
	}
	log.Infof("Removing index at: %s", path)
	return os.RemoveAll(path)
}
