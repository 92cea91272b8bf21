package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleStreamTiles pushes freshly stored tiles to the map page as
// Server-Sent Events, so rectangles appear while an import is still
// running instead of on the next /api/tiles poll.
func (h *Handler) handleStreamTiles(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	feed := h.Bus.Subscribe(ctx, 64)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-feed:
			if !ok {
				fmt.Fprint(w, "event: done\ndata: end\n\n")
				flusher.Flush()
				return
			}
			b, _ := json.Marshal(rec)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}
