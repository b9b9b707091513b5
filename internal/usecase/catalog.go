package usecase

import (
	"context"
	"fmt"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CatalogUseCase manages the video catalog. Registration probes the file up
// front so a broken path is rejected at registration time, not on first open.
type CatalogUseCase struct {
	videos port.VideoRepository
	prober port.VideoProber
	logger *zap.Logger
}

func NewCatalogUseCase(videos port.VideoRepository, prober port.VideoProber, logger *zap.Logger) *CatalogUseCase {
	return &CatalogUseCase{videos: videos, prober: prober, logger: logger}
}

// RegisterVideo probes the file and adds it to the catalog.
func (uc *CatalogUseCase) RegisterVideo(ctx context.Context, name, path string) (*entity.Video, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "CatalogUseCase.RegisterVideo")
	defer span.End()
	span.SetAttributes(attribute.String("video.path", path))

	info, err := uc.prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe video: %w", err)
	}

	video := entity.NewVideo(name, path)
	if err := uc.videos.Create(ctx, video); err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}

	uc.logger.Info("video registered",
		zap.Int64("video_id", video.ID),
		zap.String("path", path),
		zap.Int("frame_count", info.FrameCount),
		zap.Float64("fps", info.FPS))
	return video, nil
}

// GetVideo returns the catalog record, entity.ErrNotFound if absent.
func (uc *CatalogUseCase) GetVideo(ctx context.Context, id int64) (*entity.Video, error) {
	return uc.videos.FindByID(ctx, id)
}

// ListVideos returns the catalog ordered by id.
func (uc *CatalogUseCase) ListVideos(ctx context.Context) ([]*entity.Video, error) {
	return uc.videos.List(ctx)
}
