package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"app/internal/dynamo"
	"app/internal/model"

	"github.com/google/uuid"
)

// DefaultProvider is stamped on images that don't name their generation
// provider.
const DefaultProvider = "fal.ai"

// ImageRepository persists Image entities with tag and owner index fan-out.
type ImageRepository interface {
	// Create writes the image row, then one index row per tag, then (if the
	// image has an owner) one owner index row, in that order. Assigns an
	// image id when the caller did not.
	Create(ctx context.Context, img *model.Image) (*model.Image, error)
	Get(ctx context.Context, imageID string) (*model.Image, error)
	Save(ctx context.Context, img *model.Image) error
	SoftDelete(ctx context.Context, imageID string) error
	// ListByTag resolves images through the tag index, re-fetching each and
	// filtering out soft-deleted results post-fetch. The index is not pruned
	// on delete; the filter is the correctness boundary.
	ListByTag(ctx context.Context, tag string, limit int32, cursor string) ([]*model.Image, string, error)
	// ListByOwner resolves images through the owner index the same way.
	ListByOwner(ctx context.Context, userID string, limit int32, cursor string) ([]*model.Image, string, error)
}

type imageRepo struct {
	store Store
	now   func() int64
}

// NewImageRepo creates a new ImageRepository.
func NewImageRepo(store Store) ImageRepository {
	return &imageRepo{store: store, now: func() int64 { return time.Now().Unix() }}
}

func (r *imageRepo) Create(ctx context.Context, img *model.Image) (*model.Image, error) {
	if img.ImageID == "" {
		img.ImageID = uuid.NewString()
	}
	if img.Provider == "" {
		img.Provider = DefaultProvider
	}
	if img.FlagStatus == "" {
		img.FlagStatus = model.FlagClean
	}
	img.CreatedAt = r.now()

	item, err := itemFrom(img, pkImage+img.ImageID, skMeta)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("create image %s: %w", img.ImageID, err)
	}

	for _, tag := range img.Tags {
		tagIndex := dynamo.Item{
			"pk": pkTag + tag,
			"sk": pkImage + img.ImageID,
		}
		if _, err := r.store.Put(ctx, tagIndex); err != nil {
			return nil, fmt.Errorf("create tag index %q for image %s: %w", tag, img.ImageID, err)
		}
	}

	if img.UserID != "" {
		ownerIndex := dynamo.Item{
			"pk": pkUser + img.UserID,
			"sk": pkImage + img.ImageID,
		}
		if _, err := r.store.Put(ctx, ownerIndex); err != nil {
			return nil, fmt.Errorf("create owner index for image %s: %w", img.ImageID, err)
		}
	}
	return img, nil
}

func (r *imageRepo) Get(ctx context.Context, imageID string) (*model.Image, error) {
	item, err := r.store.Get(ctx, pkImage+imageID, skMeta)
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", imageID, err)
	}
	if item == nil || deletedAt(item) {
		return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}
	var img model.Image
	if err := into(item, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (r *imageRepo) Save(ctx context.Context, img *model.Image) error {
	item, err := itemFrom(img, pkImage+img.ImageID, skMeta)
	if err != nil {
		return err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return fmt.Errorf("save image %s: %w", img.ImageID, err)
	}
	return nil
}

func (r *imageRepo) SoftDelete(ctx context.Context, imageID string) error {
	if err := r.store.SoftDelete(ctx, pkImage+imageID, skMeta); err != nil {
		return fmt.Errorf("delete image %s: %w", imageID, err)
	}
	return nil
}

func (r *imageRepo) ListByTag(ctx context.Context, tag string, limit int32, cursor string) ([]*model.Image, string, error) {
	items, next, err := r.store.Query(ctx, pkTag+tag, "", limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list images by tag %q: %w", tag, err)
	}
	images, err := r.resolve(ctx, items)
	if err != nil {
		return nil, "", err
	}
	return images, next, nil
}

func (r *imageRepo) ListByOwner(ctx context.Context, userID string, limit int32, cursor string) ([]*model.Image, string, error) {
	items, next, err := r.store.QueryIndex(ctx, indexImagesByUser, pkUser+userID, "", limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list images for user %s: %w", userID, err)
	}
	images, err := r.resolve(ctx, items)
	if err != nil {
		return nil, "", err
	}
	return images, next, nil
}

// resolve re-fetches each referenced image, dropping index rows whose target
// is missing, soft-deleted, or not an image reference at all.
func (r *imageRepo) resolve(ctx context.Context, items []dynamo.Item) ([]*model.Image, error) {
	images := make([]*model.Image, 0, len(items))
	for _, item := range items {
		sk, _ := item["sk"].(string)
		if !strings.HasPrefix(sk, pkImage) {
			continue
		}
		img, err := r.Get(ctx, strings.TrimPrefix(sk, pkImage))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}
