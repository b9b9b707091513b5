package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
)

const ssePingInterval = 15 * time.Second

// ModelEvents streams model state transitions as server-sent events. The
// current state is sent immediately so a late subscriber does not wait for
// the next transition; periodic comment pings keep proxies from closing the
// idle stream.
func (h *Handler) ModelEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := h.segmentation.WatchModel()
	defer cancel()

	writeStatusEvent(w, h.segmentation.ModelStatus())
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			writeStatusEvent(w, st)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeStatusEvent(w io.Writer, st entity.ModelStatus) {
	body, err := json.Marshal(ModelStatusResponse{State: string(st.State), Error: st.Error})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: model_status\ndata: %s\n\n", body)
}
