package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/metrics"
)

// runner executes an external command and returns its stdout. Tests inject
// one to avoid depending on ffmpeg binaries.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w, stderr: %s", name, err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Client probes videos and opens lazy frame sources over the ffmpeg and
// ffprobe binaries.
type Client struct {
	cacheSize int
	logger    *zap.Logger
	run       runner
}

func NewClient(cacheSize int, logger *zap.Logger) *Client {
	return &Client{cacheSize: cacheSize, logger: logger, run: execRun}
}

func (c *Client) Probe(ctx context.Context, videoPath string) (port.VideoInfo, error) {
	out, err := c.run(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,r_frame_rate,nb_frames,nb_read_packets,duration",
		"-of", "default=noprint_wrappers=1",
		videoPath,
	)
	if err != nil {
		return port.VideoInfo{}, fmt.Errorf("probe %s: %w", videoPath, err)
	}
	info, err := parseProbeOutput(out)
	if err != nil {
		return port.VideoInfo{}, fmt.Errorf("probe %s: %w", videoPath, err)
	}
	return info, nil
}

// OpenVideo probes the file once and returns a source that decodes frames on
// demand.
func (c *Client) OpenVideo(ctx context.Context, videoPath string) (port.FrameSource, error) {
	info, err := c.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	c.logger.Info("video opened",
		zap.String("path", videoPath),
		zap.Int("frames", info.FrameCount),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
	)
	return &Source{
		path:  videoPath,
		info:  info,
		cache: newFrameCache(c.cacheSize),
		run:   c.run,
	}, nil
}

// Source reads single frames out of one video file. Frames are decoded only
// when asked for; a small LRU keeps scrubbing over nearby frames cheap.
type Source struct {
	path  string
	info  port.VideoInfo
	cache *frameCache
	run   runner
}

func (s *Source) Info() port.VideoInfo { return s.info }

func (s *Source) Frame(ctx context.Context, idx int) (image.Image, error) {
	if idx < 0 || idx >= s.info.FrameCount {
		return nil, fmt.Errorf("%w: frame %d of %d", entity.ErrFrameOutOfRange, idx, s.info.FrameCount)
	}
	if img, ok := s.cache.get(idx); ok {
		metrics.FrameReadsTotal.WithLabelValues("hit").Inc()
		return img, nil
	}
	metrics.FrameReadsTotal.WithLabelValues("miss").Inc()

	out, err := s.run(ctx, "ffmpeg",
		"-v", "error",
		"-i", s.path,
		"-vf", fmt.Sprintf("select=eq(n\\,%d)", idx),
		"-vsync", "0",
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	if err != nil {
		return nil, fmt.Errorf("extract frame %d: %w", idx, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: frame %d yielded no data", entity.ErrFrameOutOfRange, idx)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", idx, err)
	}
	s.cache.put(idx, img)
	return img, nil
}

func (s *Source) Close() error {
	s.cache.clear()
	return nil
}

// parseProbeOutput reads ffprobe's key=value stream section. nb_frames is
// absent in some containers, so it falls back to counted packets and then to
// duration times rate.
func parseProbeOutput(out []byte) (port.VideoInfo, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = value
	}

	var info port.VideoInfo
	var err error
	if info.Width, err = probeInt(fields, "width"); err != nil {
		return info, err
	}
	if info.Height, err = probeInt(fields, "height"); err != nil {
		return info, err
	}
	info.FPS, err = parseRate(fields["r_frame_rate"])
	if err != nil {
		return info, err
	}
	if d, derr := strconv.ParseFloat(fields["duration"], 64); derr == nil {
		info.Duration = d
	}

	if n, nerr := probeInt(fields, "nb_frames"); nerr == nil && n > 0 {
		info.FrameCount = n
	} else if n, nerr := probeInt(fields, "nb_read_packets"); nerr == nil && n > 0 {
		info.FrameCount = n
	} else if info.Duration > 0 && info.FPS > 0 {
		info.FrameCount = int(math.Round(info.Duration * info.FPS))
	}
	if info.FrameCount <= 0 {
		return info, errors.New("could not determine frame count")
	}
	return info, nil
}

func probeInt(fields map[string]string, key string) (int, error) {
	raw, ok := fields[key]
	if !ok || raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, raw, err)
	}
	return n, nil
}

// parseRate turns ffprobe's fractional rate ("30000/1001") into frames per
// second.
func parseRate(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "N/A" {
		return 0, errors.New("missing r_frame_rate")
	}
	num, den, ok := strings.Cut(raw, "/")
	if !ok {
		return strconv.ParseFloat(raw, 64)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", raw, err)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("parse rate %q: bad denominator", raw)
	}
	return n / d, nil
}
