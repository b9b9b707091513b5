package port

import (
	"context"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
)

type VideoRepository interface {
	Create(ctx context.Context, video *entity.Video) error
	FindByID(ctx context.Context, id int64) (*entity.Video, error)
	List(ctx context.Context) ([]*entity.Video, error)
}

// PromptRepository stores the ordered per-frame prompt lists. Ordering is
// insertion order (id ascending).
type PromptRepository interface {
	Add(ctx context.Context, prompt *entity.Prompt) error
	ListForFrame(ctx context.Context, videoID int64, frameIdx int) ([]*entity.Prompt, error)
	ListForVideo(ctx context.Context, videoID int64) ([]*entity.Prompt, error)
	DeleteForFrame(ctx context.Context, videoID int64, frameIdx int) (int64, error)
	DeleteForVideo(ctx context.Context, videoID int64) (int64, error)
}

// BboxRepository stores one derived bounding box per (video, frame). Get
// returns entity.ErrNotFound for absent frames; GetRange skips them.
type BboxRepository interface {
	Put(ctx context.Context, box entity.Bbox) error
	Get(ctx context.Context, videoID int64, frameIdx int) (entity.Bbox, error)
	GetRange(ctx context.Context, videoID int64, start, count int) ([]entity.Bbox, error)
	DeleteFrame(ctx context.Context, videoID int64, frameIdx int) error
	DeleteForVideo(ctx context.Context, videoID int64) error
}
