package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"explorer-tile-map/pkg/gridimage"
	"explorer-tile-map/pkg/tilearchive"
	"explorer-tile-map/pkg/tiles"
)

// handlePreview renders the visited grid as a PNG overview. Rendering
// walks every tile, so the route sits behind the heavy cooldown.
func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestHeavy)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	coords, err := h.visitedCoords(r.Context())
	if err != nil {
		h.logf("preview coords: %v", err)
		http.Error(w, "tile query failed", http.StatusInternalServerError)
		return
	}
	if len(coords) == 0 {
		http.Error(w, "no tiles yet", http.StatusNotFound)
		return
	}

	square := tiles.MaxSquare(coords)
	cluster := tiles.MaxCluster(coords)
	opt := gridimage.Options{
		CellPx: clampInt(parseIntDefault(r.URL.Query().Get("cell"), 0), 0, 64),
		Title:  fmt.Sprintf("%d tiles | square %d | cluster %d", len(coords), square.Size, cluster.Size),
	}

	png, err := gridimage.Render(coords, square, cluster, opt)
	if err != nil {
		h.logf("preview render: %v", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// handleShareQR encodes a share link as a QR PNG. The target comes from
// ?u=, then the referer, then the map root.
func (h *Handler) handleShareQR(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("u")
	if u == "" {
		if ref := r.Referer(); ref != "" {
			u = ref
		} else {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			u = scheme + "://" + r.Host + "/"
		}
	}
	if len(u) > 4096 {
		u = u[:4096]
	}

	png, err := qrcode.Encode(u, qrcode.Medium, 512)
	if err != nil {
		http.Error(w, "QR encode: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", `inline; filename="qr.png"`)
	_, _ = w.Write(png)
}

// handleArchiveDownload streams the tar.gz snapshot kept current by the
// background generator.
func (h *Handler) handleArchiveDownload(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		http.Error(w, "archive disabled", http.StatusServiceUnavailable)
		return
	}
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestHeavy)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	info, err := h.Archive.Fetch(ctx)
	if err != nil {
		h.logf("archive fetch: %v", err)
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}

	file, err := os.Open(info.Path)
	if err != nil {
		http.Error(w, "archive open error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "archive stat error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(info.Path)))
	http.ServeContent(w, r, filepath.Base(info.Path), stat.ModTime(), file)
}

// handleParquetExport builds the tile table as a parquet file on demand.
func (h *Handler) handleParquetExport(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), RequestHeavy)
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()

	data, err := tilearchive.BuildParquet(r.Context(), h.DB)
	if err != nil {
		h.logf("parquet export: %v", err)
		http.Error(w, "parquet build failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="tiles.parquet"`)
	_, _ = w.Write(data)
}
