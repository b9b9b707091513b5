package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
)

// Storage keeps one PNG object per (video, frame) mask under
// videos/{id}/masks/{frame}.png.
type Storage struct {
	client *miniogo.Client
	bucket string
}

type StorageConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	MaskBucket string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Storage{client: client, bucket: cfg.MaskBucket}, nil
}

func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func maskKey(videoID int64, frameIdx int) string {
	return fmt.Sprintf("videos/%d/masks/%06d.png", videoID, frameIdx)
}

func videoPrefix(videoID int64) string {
	return fmt.Sprintf("videos/%d/masks/", videoID)
}

func (s *Storage) Put(ctx context.Context, mask *entity.Mask) error {
	data, err := mask.EncodePNG()
	if err != nil {
		return fmt.Errorf("store mask: %w", err)
	}
	key := maskKey(mask.VideoID, mask.FrameIdx)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return fmt.Errorf("store mask %s: %w", key, err)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, videoID int64, frameIdx int) (*entity.Mask, error) {
	key := maskKey(videoID, frameIdx)
	obj, err := s.client.GetObject(ctx, s.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get mask %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if miniogo.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: mask for frame %d", entity.ErrNotFound, frameIdx)
		}
		return nil, fmt.Errorf("read mask %s: %w", key, err)
	}
	mask, err := entity.MaskFromPNG(videoID, frameIdx, data)
	if err != nil {
		return nil, fmt.Errorf("decode mask %s: %w", key, err)
	}
	return mask, nil
}

// GetRange fetches masks for frames [start, start+count). Absent frames are
// skipped, not errors; batch readers fill the gaps with nulls. One list call
// finds the stored frames so sparse ranges do not turn into one GET per
// frame. Zero-padded keys make the listing order numeric.
func (s *Storage) GetRange(ctx context.Context, videoID int64, start, count int) ([]*entity.Mask, error) {
	prefix := videoPrefix(videoID)
	var masks []*entity.Mask
	for obj := range s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list masks under %s: %w", prefix, obj.Err)
		}
		idx, ok := frameIdxFromKey(obj.Key)
		if !ok || idx < start || idx >= start+count {
			continue
		}
		mask, err := s.Get(ctx, videoID, idx)
		if errors.Is(err, entity.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		masks = append(masks, mask)
	}
	return masks, nil
}

func frameIdxFromKey(key string) (int, bool) {
	name := strings.TrimSuffix(path.Base(key), ".png")
	idx, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (s *Storage) DeleteFrame(ctx context.Context, videoID int64, frameIdx int) error {
	key := maskKey(videoID, frameIdx)
	if err := s.client.RemoveObject(ctx, s.bucket, key, miniogo.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete mask %s: %w", key, err)
	}
	return nil
}

// DeleteForVideo removes every mask object under the video's prefix.
func (s *Storage) DeleteForVideo(ctx context.Context, videoID int64) error {
	prefix := videoPrefix(videoID)
	objects := s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	toRemove := make(chan miniogo.ObjectInfo)
	go func() {
		defer close(toRemove)
		for obj := range objects {
			if obj.Err != nil {
				continue
			}
			toRemove <- obj
		}
	}()

	for result := range s.client.RemoveObjects(ctx, s.bucket, toRemove, miniogo.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("delete masks under %s: %w", prefix, result.Err)
		}
	}
	return nil
}
