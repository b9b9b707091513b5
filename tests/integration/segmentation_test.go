package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/archive"
	"github.com/ethoseg/segmentation-service/internal/infra/ffmpeg"
	miniostorage "github.com/ethoseg/segmentation-service/internal/infra/minio"
	"github.com/ethoseg/segmentation-service/internal/infra/postgres"
	"github.com/ethoseg/segmentation-service/internal/infra/rabbitmq"
	"github.com/ethoseg/segmentation-service/internal/infra/worker"
	"github.com/ethoseg/segmentation-service/internal/service"
	"github.com/ethoseg/segmentation-service/internal/usecase"
	"github.com/ethoseg/segmentation-service/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func TestSegmentationEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Test video (the ffmpeg prober needs a real file)
	testVideoPath, err := filepath.Abs(filepath.Join("..", "testdata", "test.mp4"))
	require.NoError(t, err)
	if _, err := os.Stat(testVideoPath); os.IsNotExist(err) {
		t.Skip("test video not found at tests/testdata/test.mp4 - generate it with: ffmpeg -f lavfi -i testsrc=duration=2:size=128x72:rate=25 -c:v libx264 -pix_fmt yuv420p tests/testdata/test.mp4")
	}

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("segmentation"),
		tcpostgres.WithUsername("seg_user"),
		tcpostgres.WithPassword("seg_pass"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Start MinIO container
	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer minioContainer.Terminate(ctx)

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	// Start RabbitMQ container
	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	defer rmqContainer.Terminate(ctx)

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	// Run migrations
	err = postgres.RunMigrations(pgConnStr, "../../migrations")
	require.NoError(t, err)

	// Setup MinIO mask storage
	masks, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:   minioEndpoint,
		AccessKey:  "minioadmin",
		SecretKey:  "minioadmin",
		UseSSL:     false,
		MaskBucket: "masks",
	})
	require.NoError(t, err)
	require.NoError(t, masks.EnsureBucket(ctx))

	// Setup RabbitMQ publisher and an event capture queue
	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, "ethoseg.segmentation")
	require.NoError(t, err)
	defer pub.Close()

	eventCh, err := rmqConn.Channel()
	require.NoError(t, err)
	defer eventCh.Close()

	q, err := eventCh.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	err = eventCh.QueueBind(q.Name, "segmentation.events", "ethoseg.segmentation", false, nil)
	require.NoError(t, err)
	deliveries, err := eventCh.Consume(q.Name, "", true, false, false, false, nil)
	require.NoError(t, err)

	// Setup DB pool and adapters
	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	defer pool.Close()

	log, _ := logger.New("debug")
	videos := postgres.NewVideoRepository(pool)
	prompts := postgres.NewPromptRepository(pool)
	bboxes := postgres.NewBboxRepository(pool)
	frames := ffmpeg.NewClient(8, log)

	// In-process stub model; the pipe transport has its own tests
	factory := func(ctx context.Context) (port.InferenceWorker, error) {
		return worker.NewStub(), nil
	}
	models := service.NewModelService(ctx, factory, 0, log)
	defer models.Shutdown()

	registry := service.NewSessionRegistry(models, frames, log)
	go registry.Run(ctx)

	uc := usecase.NewSegmentationUseCase(
		registry, models, videos, prompts, bboxes, masks,
		pub, archive.NewZipArchiver(),
		log,
		usecase.SegmentationConfig{
			PropagateMaxFrames: 100,
			MaskBatchLimit:     500,
		},
	)
	catalog := usecase.NewCatalogUseCase(videos, frames, log)

	// Load the model
	uc.PreloadModel(ctx)
	require.Eventually(t, func() bool {
		return models.Status().State == entity.ModelStateReady
	}, 30*time.Second, 100*time.Millisecond, "model never became ready")

	// Register the video (probes via ffprobe)
	video, err := catalog.RegisterVideo(ctx, "testclip", testVideoPath)
	require.NoError(t, err)
	require.NotZero(t, video.ID)

	// Open a session; a second open is idempotent
	sess, err := uc.OpenSession(ctx, video.ID)
	require.NoError(t, err)
	require.Greater(t, sess.FrameCount, 10)
	require.Greater(t, sess.FPS, 0.0)

	again, err := uc.OpenSession(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Handle, again.Handle)
	assert.Equal(t, sess.FrameCount, again.FrameCount)

	// Prompt frame 0
	prompt, mask, box, err := uc.AddPrompt(ctx, video.ID, 0, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	require.NoError(t, err)
	require.NotZero(t, prompt.ID)
	require.NotNil(t, mask)
	require.NoError(t, mask.Validate())
	assert.False(t, mask.Empty())
	assert.False(t, box.IsZero())

	framePrompts, err := uc.ListFramePrompts(ctx, video.ID, 0)
	require.NoError(t, err)
	assert.Len(t, framePrompts, 1)

	// Mask and bbox are durable
	stored, err := uc.GetMask(ctx, video.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, mask.Width, stored.Width)
	assert.Equal(t, mask.Height, stored.Height)

	storedBox, err := uc.GetBbox(ctx, video.ID, 0)
	require.NoError(t, err)
	assert.False(t, storedBox.IsZero())

	// Propagate forward from frame 0
	run, err := uc.Propagate(ctx, video.ID, 0, entity.DirectionForward, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, run.FramesProcessed)

	batch, count, err := uc.GetMaskBatch(ctx, video.ID, 0, 12)
	require.NoError(t, err)
	require.Equal(t, 12, count)
	require.Len(t, batch, 12)
	for i := 0; i < 10; i++ {
		assert.NotNil(t, batch[i], "frame %d should have a propagated mask", i)
	}
	assert.Nil(t, batch[10])
	assert.Nil(t, batch[11])

	// Export the masks as a zip
	var buf bytes.Buffer
	require.NoError(t, uc.ExportMasks(ctx, video.ID, &buf))
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 10)
	assert.Equal(t, "000000.png", zr.File[0].Name)

	// Reset one frame, then the whole video
	require.NoError(t, uc.ResetFrame(ctx, video.ID, 5))
	_, err = uc.GetMask(ctx, video.ID, 5)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	require.NoError(t, uc.ResetVideo(ctx, video.ID))
	_, err = uc.GetMask(ctx, video.ID, 0)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	remaining, err := uc.ListVideoPrompts(ctx, video.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Close is idempotent
	require.NoError(t, uc.CloseSession(ctx, video.ID))
	require.NoError(t, uc.CloseSession(ctx, video.ID))

	// Advisory events reached the broker
	seen := collectEvents(deliveries, 10*time.Second,
		entity.EventMaskUpdated,
		entity.EventPropagationDone,
		entity.EventFrameReset,
		entity.EventVideoReset,
	)
	assert.GreaterOrEqual(t, seen[entity.EventMaskUpdated], 1, "expected at least one mask.updated event")
	assert.Equal(t, 1, seen[entity.EventPropagationDone])
	assert.Equal(t, 1, seen[entity.EventFrameReset])
	assert.Equal(t, 1, seen[entity.EventVideoReset])
}

// collectEvents drains deliveries until every wanted type was seen at least
// once or the deadline passes, and returns the per-type counts.
func collectEvents(deliveries <-chan amqp.Delivery, timeout time.Duration, want ...entity.EventType) map[entity.EventType]int {
	pending := make(map[entity.EventType]bool, len(want))
	for _, w := range want {
		pending[w] = true
	}
	seen := make(map[entity.EventType]int)
	deadline := time.After(timeout)

	for len(pending) > 0 {
		select {
		case d := <-deliveries:
			var ev entity.SegmentationEvent
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				continue
			}
			seen[ev.Type]++
			delete(pending, ev.Type)
		case <-deadline:
			return seen
		}
	}
	return seen
}
