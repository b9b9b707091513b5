package viewer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the segmentation service's HTTP API. Methods block until
// the service replies; cancellation comes from the caller's context. The
// zero timeout on the underlying client is deliberate: propagation and
// session opening are long-running and bounded server-side.
type Client struct {
	base string
	http *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ModelStatus(ctx context.Context) (ModelStatus, error) {
	var st ModelStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/model/status", nil, &st)
	return st, err
}

// PreloadModel asks the service to start loading the model. It returns the
// status at the moment of the request; READY arrives on the status stream.
func (c *Client) PreloadModel(ctx context.Context) (ModelStatus, error) {
	var st ModelStatus
	err := c.doJSON(ctx, http.MethodPost, "/api/model/load", nil, &st)
	return st, err
}

// WatchStatus subscribes to the model status event stream. The returned
// channel delivers every transition pushed by the service and closes when
// the stream ends or ctx is cancelled.
func (c *Client) WatchStatus(ctx context.Context) (<-chan ModelStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/model/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	updates := make(chan ModelStatus, 8)
	go func() {
		defer close(updates)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var st ModelStatus
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
				continue
			}
			select {
			case updates <- st:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates, nil
}

func (c *Client) RegisterVideo(ctx context.Context, name, path string) (Video, error) {
	var video Video
	body := map[string]string{"name": name, "path": path}
	err := c.doJSON(ctx, http.MethodPost, "/api/videos", body, &video)
	return video, err
}

func (c *Client) ListVideos(ctx context.Context) ([]Video, error) {
	var videos []Video
	err := c.doJSON(ctx, http.MethodGet, "/api/videos", nil, &videos)
	return videos, err
}

func (c *Client) GetVideo(ctx context.Context, videoID int64) (Video, error) {
	var video Video
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/videos/%d", videoID), nil, &video)
	return video, err
}

func (c *Client) OpenSession(ctx context.Context, videoID int64) (Session, error) {
	var sess Session
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/videos/%d/session", videoID), nil, &sess)
	return sess, err
}

func (c *Client) CloseSession(ctx context.Context, videoID int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/videos/%d/session", videoID), nil, nil)
}

type maskPayload struct {
	FrameIdx  int    `json:"frame_idx"`
	PNGBase64 string `json:"png_base64"`
}

func (p *maskPayload) decode() (*Mask, error) {
	data, err := base64.StdEncoding.DecodeString(p.PNGBase64)
	if err != nil {
		return nil, fmt.Errorf("decode mask frame %d: %w", p.FrameIdx, err)
	}
	return &Mask{FrameIdx: p.FrameIdx, PNG: data}, nil
}

// AddPrompt submits one prompt and returns the recomputed frame state.
func (c *Client) AddPrompt(ctx context.Context, videoID int64, in PromptInput) (*PromptResult, error) {
	var resp struct {
		Prompt Prompt       `json:"prompt"`
		Mask   *maskPayload `json:"mask"`
		Bbox   *Bbox        `json:"bbox"`
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/videos/%d/prompts", videoID), in, &resp)
	if err != nil {
		return nil, err
	}
	res := &PromptResult{Prompt: resp.Prompt, Bbox: resp.Bbox}
	if resp.Mask != nil {
		if res.Mask, err = resp.Mask.decode(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (c *Client) ListFramePrompts(ctx context.Context, videoID int64, frameIdx int) ([]Prompt, error) {
	var prompts []Prompt
	path := fmt.Sprintf("/api/videos/%d/prompts?frame=%d", videoID, frameIdx)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &prompts)
	return prompts, err
}

func (c *Client) ListVideoPrompts(ctx context.Context, videoID int64) ([]Prompt, error) {
	var prompts []Prompt
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/videos/%d/prompts", videoID), nil, &prompts)
	return prompts, err
}

// Propagate runs mask propagation. On partial failure the returned result is
// still populated with the durable frame count alongside the error.
func (c *Client) Propagate(ctx context.Context, videoID int64, startFrame int, direction string, maxFrames int) (PropagateResult, error) {
	body := map[string]interface{}{
		"start_frame": startFrame,
		"direction":   direction,
		"max_frames":  maxFrames,
	}
	var res PropagateResult
	resp, raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/videos/%d/propagate", videoID), body)
	if err != nil {
		return res, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return res, json.Unmarshal(raw, &res)
	}
	// A failed run that made progress still carries the run body.
	if json.Unmarshal(raw, &res) == nil && res.Partial {
		return res, &APIError{StatusCode: resp.StatusCode, Message: res.Error}
	}
	return PropagateResult{}, apiErrorFromBody(resp.StatusCode, raw)
}

func (c *Client) ResetFrame(ctx context.Context, videoID int64, frameIdx int) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/videos/%d/frames/%d", videoID, frameIdx), nil, nil)
}

func (c *Client) ResetVideo(ctx context.Context, videoID int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/videos/%d/frames", videoID), nil, nil)
}

// GetMask fetches one frame's mask. IsNotFound(err) means the frame has no
// mask, which for caching purposes is an answer, not a failure.
func (c *Client) GetMask(ctx context.Context, videoID int64, frameIdx int) (*Mask, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/videos/%d/masks/%d", videoID, frameIdx), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFromBody(resp.StatusCode, raw)
	}
	return &Mask{FrameIdx: frameIdx, PNG: raw}, nil
}

// GetMaskBatch fetches the masks for [start, start+count) in one round trip.
// The reply covers every frame in the effective range; mask-free frames come
// back as nil slots.
func (c *Client) GetMaskBatch(ctx context.Context, videoID int64, start, count int) (MaskBatch, error) {
	var resp struct {
		VideoID int64          `json:"video_id"`
		Start   int            `json:"start"`
		Count   int            `json:"count"`
		Masks   []*maskPayload `json:"masks"`
	}
	path := fmt.Sprintf("/api/videos/%d/masks?start=%d&count=%d", videoID, start, count)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return MaskBatch{}, err
	}
	batch := MaskBatch{
		VideoID: resp.VideoID,
		Start:   resp.Start,
		Count:   resp.Count,
		Masks:   make([]*Mask, len(resp.Masks)),
	}
	for i, p := range resp.Masks {
		if p == nil {
			continue
		}
		mask, err := p.decode()
		if err != nil {
			return MaskBatch{}, err
		}
		batch.Masks[i] = mask
	}
	return batch, nil
}

func (c *Client) GetBbox(ctx context.Context, videoID int64, frameIdx int) (Bbox, error) {
	var box Bbox
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/videos/%d/bboxes/%d", videoID, frameIdx), nil, &box)
	return box, err
}

// GetBboxBatch fetches the boxes for [start, start+count); absent frames are
// nil slots, aligned so that Bboxes[i] belongs to frame start+i.
func (c *Client) GetBboxBatch(ctx context.Context, videoID int64, start, count int) ([]*Bbox, error) {
	var resp struct {
		Bboxes []*Bbox `json:"bboxes"`
	}
	path := fmt.Sprintf("/api/videos/%d/bboxes?start=%d&count=%d", videoID, start, count)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bboxes, nil
}

// FrameImage fetches one decoded video frame for display.
func (c *Client) FrameImage(ctx context.Context, videoID int64, frameIdx int) (image.Image, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/videos/%d/frames/%d/image", videoID, frameIdx), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFromBody(resp.StatusCode, raw)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", frameIdx, err)
	}
	return img, nil
}

// DownloadMasks streams the video's mask archive. The caller owns the reader.
func (c *Client) DownloadMasks(ctx context.Context, videoID int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+fmt.Sprintf("/api/videos/%d/export", videoID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp.Body, nil
}

// do issues one request and returns the response with its body fully read.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, raw, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFromBody(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiErrorFromBody(status int, raw []byte) error {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			msg = body.Message
		} else if body.Error != "" {
			msg = body.Error
		}
	}
	return &APIError{StatusCode: status, Message: msg}
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	return apiErrorFromBody(resp.StatusCode, raw)
}
