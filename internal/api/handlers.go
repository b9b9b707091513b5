package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"strconv"
	"time"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/usecase"
	"go.uber.org/zap"
)

type Handler struct {
	segmentation *usecase.SegmentationUseCase
	catalog      *usecase.CatalogUseCase
	frames       *framePool
	logger       *zap.Logger
}

func NewHandler(
	segmentation *usecase.SegmentationUseCase,
	catalog *usecase.CatalogUseCase,
	opener port.FrameOpener,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		segmentation: segmentation,
		catalog:      catalog,
		frames:       newFramePool(opener),
		logger:       logger,
	}
}

// Close releases the handler's open frame sources.
func (h *Handler) Close() {
	h.frames.Close()
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	st := h.segmentation.ModelStatus()
	h.respondJSON(w, http.StatusOK, ModelStatusResponse{State: string(st.State), Error: st.Error})
}

func (h *Handler) PreloadModel(w http.ResponseWriter, r *http.Request) {
	st := h.segmentation.PreloadModel(r.Context())
	h.respondJSON(w, http.StatusAccepted, ModelStatusResponse{State: string(st.State), Error: st.Error})
}

func (h *Handler) RegisterVideo(w http.ResponseWriter, r *http.Request) {
	var req RegisterVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Path == "" {
		h.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.Name == "" {
		req.Name = req.Path
	}
	video, err := h.catalog.RegisterVideo(r.Context(), req.Name, req.Path)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondJSON(w, http.StatusCreated, video)
}

func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.catalog.ListVideos(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	if videos == nil {
		videos = []*entity.Video{}
	}
	h.respondJSON(w, http.StatusOK, videos)
}

func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	video, err := h.catalog.GetVideo(r.Context(), videoID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, video)
}

func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	sess, err := h.segmentation.OpenSession(r.Context(), videoID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, SessionResponse{
		VideoID:    sess.VideoID,
		FrameCount: sess.FrameCount,
		Width:      sess.Width,
		Height:     sess.Height,
		FPS:        sess.FPS,
	})
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	if err := h.segmentation.CloseSession(r.Context(), videoID); err != nil {
		h.handleError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, CloseSessionResponse{Closed: true})
}

func (h *Handler) AddPrompt(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	var req AddPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	prompt, mask, box, err := h.segmentation.AddPrompt(
		r.Context(), videoID, req.FrameIdx, entity.PromptKind(req.Kind), req.X, req.Y, req.X2, req.Y2)
	if err != nil {
		h.handleError(w, err)
		return
	}
	payload, err := maskToPayload(mask)
	if err != nil {
		h.handleError(w, err)
		return
	}
	resp := AddPromptResponse{Prompt: prompt, Mask: payload}
	if !box.IsZero() {
		resp.Bbox = &box
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	var prompts []*entity.Prompt
	var err error
	if frame := r.URL.Query().Get("frame"); frame != "" {
		frameIdx, convErr := strconv.Atoi(frame)
		if convErr != nil {
			h.respondError(w, http.StatusBadRequest, "invalid frame parameter")
			return
		}
		prompts, err = h.segmentation.ListFramePrompts(r.Context(), videoID, frameIdx)
	} else {
		prompts, err = h.segmentation.ListVideoPrompts(r.Context(), videoID)
	}
	if err != nil {
		h.handleError(w, err)
		return
	}
	if prompts == nil {
		prompts = []*entity.Prompt{}
	}
	h.respondJSON(w, http.StatusOK, prompts)
}

func (h *Handler) ResetFrame(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	frameIdx, ok := h.pathInt(w, r, "frameIdx")
	if !ok {
		return
	}
	if err := h.segmentation.ResetFrame(r.Context(), videoID, frameIdx); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResetVideo(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	if err := h.segmentation.ResetVideo(r.Context(), videoID); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Propagate(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	var req PropagateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run, err := h.segmentation.Propagate(
		r.Context(), videoID, req.StartFrame, entity.Direction(req.Direction), req.MaxFrames)
	if err != nil {
		// Frames written before the failure are durable; tell the client
		// how far it got instead of a bare error.
		if run != nil && run.FramesProcessed > 0 {
			status := errorStatus(err)
			h.respondJSON(w, status, PropagateResponse{
				VideoID:         run.VideoID,
				StartFrame:      run.StartFrame,
				Direction:       string(run.Direction),
				MaxFrames:       run.MaxFrames,
				FramesProcessed: run.FramesProcessed,
				Partial:         true,
				Error:           err.Error(),
			})
			return
		}
		h.handleError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, PropagateResponse{
		VideoID:         run.VideoID,
		StartFrame:      run.StartFrame,
		Direction:       string(run.Direction),
		MaxFrames:       run.MaxFrames,
		FramesProcessed: run.FramesProcessed,
	})
}

func (h *Handler) GetMask(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	frameIdx, ok := h.pathInt(w, r, "frameIdx")
	if !ok {
		return
	}
	mask, err := h.segmentation.GetMask(r.Context(), videoID, frameIdx)
	if err != nil {
		h.handleError(w, err)
		return
	}
	data, err := mask.EncodePNG()
	if err != nil {
		h.handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

func (h *Handler) GetMaskBatch(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	start := queryInt(r, "start", 0)
	count := queryInt(r, "count", 0)
	masks, count, err := h.segmentation.GetMaskBatch(r.Context(), videoID, start, count)
	if err != nil {
		h.handleError(w, err)
		return
	}
	// One slot per frame in range; absent frames stay null so the client
	// can cache "no mask here" and keep its prefetch watermark moving.
	slots := make([]*MaskPayload, count)
	for _, m := range masks {
		payload, err := maskToPayload(m)
		if err != nil {
			h.handleError(w, err)
			return
		}
		if i := m.FrameIdx - start; i >= 0 && i < count {
			slots[i] = payload
		}
	}
	h.respondJSON(w, http.StatusOK, MaskBatchResponse{VideoID: videoID, Start: start, Count: count, Masks: slots})
}

func (h *Handler) GetBbox(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	frameIdx, ok := h.pathInt(w, r, "frameIdx")
	if !ok {
		return
	}
	box, err := h.segmentation.GetBbox(r.Context(), videoID, frameIdx)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, box)
}

func (h *Handler) GetBboxBatch(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	start := queryInt(r, "start", 0)
	count := queryInt(r, "count", 0)
	boxes, count, err := h.segmentation.GetBboxBatch(r.Context(), videoID, start, count)
	if err != nil {
		h.handleError(w, err)
		return
	}
	slots := make([]*entity.Bbox, count)
	for i := range boxes {
		if j := boxes[i].FrameIdx - start; j >= 0 && j < count {
			slots[j] = &boxes[i]
		}
	}
	h.respondJSON(w, http.StatusOK, BboxBatchResponse{VideoID: videoID, Start: start, Count: count, Bboxes: slots})
}

func (h *Handler) GetFrameImage(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	frameIdx, ok := h.pathInt(w, r, "frameIdx")
	if !ok {
		return
	}
	video, err := h.catalog.GetVideo(r.Context(), videoID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	img, err := h.frames.frame(r.Context(), video, frameIdx)
	if err != nil {
		h.handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: 85}); err != nil {
		h.logger.Warn("frame encode failed", zap.Int64("video_id", videoID), zap.Error(err))
	}
}

func (h *Handler) ExportMasks(w http.ResponseWriter, r *http.Request) {
	videoID, ok := h.videoID(w, r)
	if !ok {
		return
	}
	if _, err := h.catalog.GetVideo(r.Context(), videoID); err != nil {
		h.handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="video-%d-masks.zip"`, videoID))
	if err := h.segmentation.ExportMasks(r.Context(), videoID, w); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		h.logger.Error("mask export failed", zap.Int64("video_id", videoID), zap.Error(err))
	}
}

func (h *Handler) videoID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("videoID"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid video id")
		return 0, false
	}
	return id, true
}

func (h *Handler) pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func maskToPayload(mask *entity.Mask) (*MaskPayload, error) {
	data, err := mask.EncodePNG()
	if err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	return &MaskPayload{
		FrameIdx:  mask.FrameIdx,
		PNGBase64: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.respondError(w, status, err.Error())
}

// errorStatus translates the domain error taxonomy to HTTP. Session-lost and
// propagation conflicts are 409: the request was well-formed, the resource
// state requires the client to re-open or wait.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, entity.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, entity.ErrSessionLost), errors.Is(err, entity.ErrPropagationActive):
		return http.StatusConflict
	case errors.Is(err, entity.ErrFrameOutOfRange),
		errors.Is(err, entity.ErrInvalidPrompt),
		errors.Is(err, entity.ErrInvalidDirection):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
