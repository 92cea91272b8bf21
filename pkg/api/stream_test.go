package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"explorer-tile-map/pkg/database"
	"explorer-tile-map/pkg/tilestream"
)

func TestStreamTilesDisabledWithoutBus(t *testing.T) {
	t.Parallel()

	_, mux := newTestHandler(t)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stream_tiles", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("stream without bus = %d, want 503", rr.Code)
	}
}

func TestStreamTilesDeliversEvents(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	h.Bus = tilestream.NewBus(8)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream_tiles", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.handleStreamTiles(rr, req)
	}()

	// The subscription registers asynchronously, so keep publishing until
	// the handler had a chance to attach.
	rec := database.TileRecord{X: 8647, Y: 7692, Z: 14, FirstVisitedAt: 1686832245, ActivityID: "11"}
	for i := 0; i < 20; i++ {
		h.Bus.Publish(rec)
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop on context cancel")
	}

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `data: {"x":8647`) {
		t.Errorf("stream body = %q, want at least one tile event", body)
	}
	if !rr.Flushed {
		t.Error("handler never flushed")
	}
}
