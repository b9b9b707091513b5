package api

import (
	"net/http"

	"go.uber.org/zap"
)

func SetupRoutes(h *Handler, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.HealthCheck)

	// Model lifecycle
	mux.HandleFunc("GET /api/model/status", h.ModelStatus)
	mux.HandleFunc("POST /api/model/load", h.PreloadModel)
	mux.HandleFunc("GET /api/model/events", h.ModelEvents)

	// Video catalog
	mux.HandleFunc("GET /api/videos", h.ListVideos)
	mux.HandleFunc("POST /api/videos", h.RegisterVideo)
	mux.HandleFunc("GET /api/videos/{videoID}", h.GetVideo)

	// Session lifecycle
	mux.HandleFunc("POST /api/videos/{videoID}/session", h.OpenSession)
	mux.HandleFunc("DELETE /api/videos/{videoID}/session", h.CloseSession)

	// Prompting and propagation
	mux.HandleFunc("POST /api/videos/{videoID}/prompts", h.AddPrompt)
	mux.HandleFunc("GET /api/videos/{videoID}/prompts", h.ListPrompts)
	mux.HandleFunc("POST /api/videos/{videoID}/propagate", h.Propagate)

	// Frame state
	mux.HandleFunc("DELETE /api/videos/{videoID}/frames/{frameIdx}", h.ResetFrame)
	mux.HandleFunc("DELETE /api/videos/{videoID}/frames", h.ResetVideo)
	mux.HandleFunc("GET /api/videos/{videoID}/frames/{frameIdx}/image", h.GetFrameImage)

	// Masks and boxes
	mux.HandleFunc("GET /api/videos/{videoID}/masks/{frameIdx}", h.GetMask)
	mux.HandleFunc("GET /api/videos/{videoID}/masks", h.GetMaskBatch)
	mux.HandleFunc("GET /api/videos/{videoID}/bboxes/{frameIdx}", h.GetBbox)
	mux.HandleFunc("GET /api/videos/{videoID}/bboxes", h.GetBboxBatch)
	mux.HandleFunc("GET /api/videos/{videoID}/export", h.ExportMasks)

	handler := LoggingMiddleware(logger, mux)
	handler = RecoveryMiddleware(logger, handler)
	handler = CORSMiddleware(handler)

	return handler
}
