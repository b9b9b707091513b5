package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
)

type VideoRepository struct {
	pool *pgxpool.Pool
}

func NewVideoRepository(pool *pgxpool.Pool) *VideoRepository {
	return &VideoRepository{pool: pool}
}

func (r *VideoRepository) Create(ctx context.Context, video *entity.Video) error {
	query := `
		INSERT INTO videos (name, path, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	err := r.pool.QueryRow(ctx, query, video.Name, video.Path, video.CreatedAt).Scan(&video.ID)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (r *VideoRepository) FindByID(ctx context.Context, id int64) (*entity.Video, error) {
	query := `SELECT id, name, path, created_at FROM videos WHERE id=$1`

	video := &entity.Video{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&video.ID, &video.Name, &video.Path, &video.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: video %d", entity.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find video by id: %w", err)
	}
	return video, nil
}

func (r *VideoRepository) List(ctx context.Context) ([]*entity.Video, error) {
	query := `SELECT id, name, path, created_at FROM videos ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	var videos []*entity.Video
	for rows.Next() {
		video := &entity.Video{}
		if err := rows.Scan(&video.ID, &video.Name, &video.Path, &video.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return videos, nil
}

type PromptRepository struct {
	pool *pgxpool.Pool
}

func NewPromptRepository(pool *pgxpool.Pool) *PromptRepository {
	return &PromptRepository{pool: pool}
}

func (r *PromptRepository) Add(ctx context.Context, prompt *entity.Prompt) error {
	query := `
		INSERT INTO prompts (video_id, frame_idx, kind, x, y, x2, y2, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		prompt.VideoID, prompt.FrameIdx, string(prompt.Kind),
		prompt.X, prompt.Y, prompt.X2, prompt.Y2, prompt.CreatedAt,
	).Scan(&prompt.ID)
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

const promptColumns = `id, video_id, frame_idx, kind, x, y, x2, y2, created_at`

func (r *PromptRepository) ListForFrame(ctx context.Context, videoID int64, frameIdx int) ([]*entity.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE video_id=$1 AND frame_idx=$2 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, videoID, frameIdx)
	if err != nil {
		return nil, fmt.Errorf("list prompts for frame: %w", err)
	}
	defer rows.Close()
	return scanPrompts(rows)
}

func (r *PromptRepository) ListForVideo(ctx context.Context, videoID int64) ([]*entity.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE video_id=$1 ORDER BY frame_idx, id`

	rows, err := r.pool.Query(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("list prompts for video: %w", err)
	}
	defer rows.Close()
	return scanPrompts(rows)
}

func scanPrompts(rows pgx.Rows) ([]*entity.Prompt, error) {
	var prompts []*entity.Prompt
	for rows.Next() {
		p := &entity.Prompt{}
		var kind string
		if err := rows.Scan(&p.ID, &p.VideoID, &p.FrameIdx, &kind, &p.X, &p.Y, &p.X2, &p.Y2, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p.Kind = entity.PromptKind(kind)
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan prompts: %w", err)
	}
	return prompts, nil
}

func (r *PromptRepository) DeleteForFrame(ctx context.Context, videoID int64, frameIdx int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM prompts WHERE video_id=$1 AND frame_idx=$2`, videoID, frameIdx)
	if err != nil {
		return 0, fmt.Errorf("delete prompts for frame: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PromptRepository) DeleteForVideo(ctx context.Context, videoID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM prompts WHERE video_id=$1`, videoID)
	if err != nil {
		return 0, fmt.Errorf("delete prompts for video: %w", err)
	}
	return tag.RowsAffected(), nil
}

type BboxRepository struct {
	pool *pgxpool.Pool
}

func NewBboxRepository(pool *pgxpool.Pool) *BboxRepository {
	return &BboxRepository{pool: pool}
}

// Put upserts the frame's box; propagation rewrites the same frames over and
// over.
func (r *BboxRepository) Put(ctx context.Context, box entity.Bbox) error {
	query := `
		INSERT INTO bboxes (video_id, frame_idx, x1, y1, x2, y2, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (video_id, frame_idx)
		DO UPDATE SET x1=$3, y1=$4, x2=$5, y2=$6, updated_at=now()`

	_, err := r.pool.Exec(ctx, query, box.VideoID, box.FrameIdx, box.X1, box.Y1, box.X2, box.Y2)
	if err != nil {
		return fmt.Errorf("upsert bbox: %w", err)
	}
	return nil
}

func (r *BboxRepository) Get(ctx context.Context, videoID int64, frameIdx int) (entity.Bbox, error) {
	query := `SELECT video_id, frame_idx, x1, y1, x2, y2 FROM bboxes WHERE video_id=$1 AND frame_idx=$2`

	var box entity.Bbox
	err := r.pool.QueryRow(ctx, query, videoID, frameIdx).Scan(
		&box.VideoID, &box.FrameIdx, &box.X1, &box.Y1, &box.X2, &box.Y2,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Bbox{}, fmt.Errorf("%w: bbox for frame %d", entity.ErrNotFound, frameIdx)
	}
	if err != nil {
		return entity.Bbox{}, fmt.Errorf("get bbox: %w", err)
	}
	return box, nil
}

func (r *BboxRepository) GetRange(ctx context.Context, videoID int64, start, count int) ([]entity.Bbox, error) {
	query := `
		SELECT video_id, frame_idx, x1, y1, x2, y2 FROM bboxes
		WHERE video_id=$1 AND frame_idx >= $2 AND frame_idx < $3
		ORDER BY frame_idx`

	rows, err := r.pool.Query(ctx, query, videoID, start, start+count)
	if err != nil {
		return nil, fmt.Errorf("get bbox range: %w", err)
	}
	defer rows.Close()

	var boxes []entity.Bbox
	for rows.Next() {
		var box entity.Bbox
		if err := rows.Scan(&box.VideoID, &box.FrameIdx, &box.X1, &box.Y1, &box.X2, &box.Y2); err != nil {
			return nil, fmt.Errorf("scan bbox: %w", err)
		}
		boxes = append(boxes, box)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get bbox range: %w", err)
	}
	return boxes, nil
}

func (r *BboxRepository) DeleteFrame(ctx context.Context, videoID int64, frameIdx int) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM bboxes WHERE video_id=$1 AND frame_idx=$2`, videoID, frameIdx)
	if err != nil {
		return fmt.Errorf("delete bbox: %w", err)
	}
	return nil
}

func (r *BboxRepository) DeleteForVideo(ctx context.Context, videoID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM bboxes WHERE video_id=$1`, videoID)
	if err != nil {
		return fmt.Errorf("delete bboxes for video: %w", err)
	}
	return nil
}
