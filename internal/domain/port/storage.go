package port

import (
	"context"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
)

// MaskStorage is durable per-(video, frame) mask persistence. Get returns
// entity.ErrNotFound for absent frames. GetRange returns the masks present
// in [start, start+count) in ascending frame order, skipping absent frames.
type MaskStorage interface {
	Put(ctx context.Context, mask *entity.Mask) error
	Get(ctx context.Context, videoID int64, frameIdx int) (*entity.Mask, error)
	GetRange(ctx context.Context, videoID int64, start, count int) ([]*entity.Mask, error)
	DeleteFrame(ctx context.Context, videoID int64, frameIdx int) error
	DeleteForVideo(ctx context.Context, videoID int64) error
}
