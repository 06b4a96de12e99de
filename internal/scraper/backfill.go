package scraper

import (
	"context"
	"errors"
	"time"

	"go-civitai-scraper/internal/api"
	"go-civitai-scraper/internal/database"
	"go-civitai-scraper/internal/models"

	log "github.com/sirupsen/logrus"
)

// TagSource fetches the votable tags of an image.
type TagSource interface {
	GetImageTags(ctx context.Context, imageID string) ([]string, error)
}

// ItemSource fetches a single image item.
type ItemSource interface {
	GetImage(ctx context.Context, imageID string) (models.ImageItem, error)
}

// BackfillStore is the part of the ledger the backfill jobs touch.
type BackfillStore interface {
	ImagesMissingTags(limit int) ([]string, error)
	StoreTags(imageID string, tags []string) error
	ImagesMissingGenerationParams(limit int) ([]string, error)
	StoreItemDetails(item models.ImageItem) (bool, error)
}

// BackfillConfig bounds a backfill job.
type BackfillConfig struct {
	Max   int // images to process, <= 0 means all
	Delay time.Duration
}

// BackfillReport counts what a backfill job did.
type BackfillReport struct {
	Processed int `json:"processed" yaml:"processed"`
	Updated   int `json:"updated" yaml:"updated"`
	Empty     int `json:"empty" yaml:"empty"` // no tags or no generation params
	NotFound  int `json:"notFound" yaml:"notFound"`
	Failed    int `json:"failed" yaml:"failed"`
}

// BackfillTags fetches tags for successful downloads whose tags were never
// fetched. Images without tags are marked so they are not asked for again.
func BackfillTags(ctx context.Context, src TagSource, store BackfillStore, cfg BackfillConfig) (BackfillReport, error) {
	var rep BackfillReport
	ids, err := store.ImagesMissingTags(cfg.Max)
	if err != nil {
		return rep, err
	}
	log.Infof("Fetching tags for %d images", len(ids))

	for i, id := range ids {
		if i > 0 && sleepCtx(ctx, cfg.Delay) != nil {
			break
		}
		rep.Processed++
		tags, err := src.GetImageTags(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			rep.Failed++
			log.WithError(err).Warnf("Tags for image %s", id)
			continue
		}
		if err := store.StoreTags(id, tags); err != nil {
			rep.Failed++
			log.WithError(err).Errorf("Storing tags for image %s", id)
			continue
		}
		if len(tags) == 0 {
			rep.Empty++
		} else {
			rep.Updated++
		}
		log.Debugf("Image %s: %d tags", id, len(tags))
	}
	return rep, ctx.Err()
}

// BackfillMetadata refetches items that have no generation parameters and
// stores their metadata, parameters and tags.
func BackfillMetadata(ctx context.Context, src ItemSource, store BackfillStore, cfg BackfillConfig) (BackfillReport, error) {
	var rep BackfillReport
	ids, err := store.ImagesMissingGenerationParams(cfg.Max)
	if err != nil {
		return rep, err
	}
	log.Infof("Fetching metadata for %d images", len(ids))

	for i, id := range ids {
		if i > 0 && sleepCtx(ctx, cfg.Delay) != nil {
			break
		}
		rep.Processed++
		item, err := src.GetImage(ctx, id)
		switch {
		case errors.Is(err, api.ErrNotFound):
			rep.NotFound++
			log.Debugf("Image %s no longer exists upstream", id)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed++
			log.WithError(err).Warnf("Metadata for image %s", id)
			continue
		}
		hasParams, err := store.StoreItemDetails(item)
		if err != nil {
			rep.Failed++
			log.WithError(err).Errorf("Storing metadata for image %s", id)
			continue
		}
		if hasParams {
			rep.Updated++
		} else {
			rep.Empty++
		}
	}
	return rep, ctx.Err()
}

var _ BackfillStore = (*database.DB)(nil)
