// Package api exposes the visited-tile map over HTTP: tile and stats
// queries for the Leaflet page, uploads, live tile streaming, exports
// and the Strava OAuth round trip.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"explorer-tile-map/pkg/database"
	"explorer-tile-map/pkg/ingest"
	"explorer-tile-map/pkg/notify"
	"explorer-tile-map/pkg/strava"
	"explorer-tile-map/pkg/tilearchive"
	"explorer-tile-map/pkg/tiles"
	"explorer-tile-map/pkg/tilestream"
	"explorer-tile-map/pkg/trackfile"
)

// Handler wires the store, importer and background builders into HTTP
// routes. Only DB is mandatory; a nil field degrades its routes to a
// clear error response instead of panicking, so a minimal deployment
// can run with just a database.
type Handler struct {
	DB      *database.Database
	Bus     *tilestream.Bus        // live tile feed for /stream_tiles
	Ingest  *ingest.Service        // upload and fetch-activities imports
	Strava  *strava.Client         // OAuth and remote sync routes
	Archive *tilearchive.Generator // tar.gz export builder
	Cache   *ResponseCache         // optional response cache
	Limiter *RateLimiter           // optional per-IP limiter
	Notify  *notify.Notifier       // optional Discord announcements
	DataDir string                 // where activity GPX files live
	Logf    func(string, ...any)
}

// Register attaches every route to mux. The wiring stays declarative so
// the URL map reads at a glance.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/tiles", h.handleTiles)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/square-cluster", h.handleSquareCluster)
	mux.HandleFunc("/api/gpx", h.handleGPXList)
	mux.HandleFunc("/api/gpx/", h.handleGPXFile)
	mux.HandleFunc("/upload", h.handleUpload)
	mux.HandleFunc("/stream_tiles", h.handleStreamTiles)
	mux.HandleFunc("/api/preview.png", h.handlePreview)
	mux.HandleFunc("/qrpng", h.handleShareQR)
	mux.HandleFunc("/api/archive/tiles.tar.gz", h.handleArchiveDownload)
	mux.HandleFunc("/api/export/tiles.parquet", h.handleParquetExport)
	mux.HandleFunc("/auth/start", h.handleAuthStart)
	mux.HandleFunc("/auth/callback", h.handleAuthCallback)
	mux.HandleFunc("/auth/status", h.handleAuthStatus)
	mux.HandleFunc("/api/fetch-activities", h.handleFetchActivities)
}

// tileWithBounds decorates a stored tile with its geographic box so the
// map page can draw rectangles without projecting client-side.
type tileWithBounds struct {
	database.TileRecord
	Bounds tiles.Bounds `json:"bounds"`
}

func (h *Handler) handleTiles(w http.ResponseWriter, r *http.Request) {
	data, err := h.cachedJSON(r.Context(), "api:tiles", h.loadTilesPayload)
	if err != nil {
		h.logf("tiles payload: %v", err)
		http.Error(w, "tile query failed", http.StatusInternalServerError)
		return
	}
	h.writeJSONBytes(w, data)
}

func (h *Handler) loadTilesPayload(ctx context.Context) ([]byte, error) {
	records, err := h.DB.AllTiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]tileWithBounds, 0, len(records))
	for _, rec := range records {
		coord := tiles.Coord{X: rec.X, Y: rec.Y, Z: rec.Z}
		out = append(out, tileWithBounds{TileRecord: rec, Bounds: coord.Bounds()})
	}
	return marshalIndented(struct {
		Tiles      []tileWithBounds `json:"tiles"`
		Zoom       int              `json:"zoom"`
		TotalCount int              `json:"totalCount"`
	}{out, tiles.DefaultZoom, len(out)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	data, err := h.cachedJSON(r.Context(), "api:stats", h.loadStatsPayload)
	if err != nil {
		h.logf("stats payload: %v", err)
		http.Error(w, "stats query failed", http.StatusInternalServerError)
		return
	}
	h.writeJSONBytes(w, data)
}

func (h *Handler) loadStatsPayload(ctx context.Context) ([]byte, error) {
	distance, err := h.DB.TotalDistanceKm(ctx)
	if err != nil {
		return nil, err
	}
	activityCount, err := h.DB.CountActivities(ctx)
	if err != nil {
		return nil, err
	}
	rides, err := h.DB.ActivityDistances(ctx)
	if err != nil {
		return nil, err
	}
	coords, err := h.visitedCoords(ctx)
	if err != nil {
		return nil, err
	}

	return marshalIndented(struct {
		TotalDistanceKm float64 `json:"totalDistanceKm"`
		ActivityCount   int     `json:"activityCount"`
		MaxSquare       int     `json:"maxSquare"`
		MaxCluster      int     `json:"maxCluster"`
		Eddington       int     `json:"eddington"`
	}{
		distance,
		activityCount,
		tiles.MaxSquare(coords).Size,
		tiles.MaxCluster(coords).Size,
		tiles.Eddington(rides),
	})
}

// squareGeometry and clusterGeometry use the Leaflet corner-pair form
// [[south, west], [north, east]] so the page feeds them straight into
// L.rectangle.
type squareGeometry struct {
	Size   int           `json:"size"`
	Bounds [2][2]float64 `json:"bounds"`
}

type clusterGeometry struct {
	Size  int             `json:"size"`
	Tiles [][2][2]float64 `json:"tiles"`
}

func (h *Handler) handleSquareCluster(w http.ResponseWriter, r *http.Request) {
	data, err := h.cachedJSON(r.Context(), "api:square-cluster", h.loadSquareClusterPayload)
	if err != nil {
		h.logf("square-cluster payload: %v", err)
		http.Error(w, "geometry query failed", http.StatusInternalServerError)
		return
	}
	h.writeJSONBytes(w, data)
}

func (h *Handler) loadSquareClusterPayload(ctx context.Context) ([]byte, error) {
	coords, err := h.visitedCoords(ctx)
	if err != nil {
		return nil, err
	}
	square := tiles.MaxSquare(coords)
	cluster := tiles.MaxCluster(coords)

	var squareBounds [2][2]float64
	if square.Size > 0 {
		b := square.Bounds()
		squareBounds = [2][2]float64{{b.MinLat, b.MinLon}, {b.MaxLat, b.MaxLon}}
	}
	clusterTiles := make([][2][2]float64, 0, len(cluster.Tiles))
	for _, c := range cluster.Tiles {
		b := c.Bounds()
		clusterTiles = append(clusterTiles, [2][2]float64{{b.MinLat, b.MinLon}, {b.MaxLat, b.MaxLon}})
	}

	return marshalIndented(struct {
		MaxSquare  squareGeometry  `json:"max_square"`
		MaxCluster clusterGeometry `json:"max_cluster"`
		Zoom       int             `json:"zoom"`
	}{
		squareGeometry{Size: square.Size, Bounds: squareBounds},
		clusterGeometry{Size: cluster.Size, Tiles: clusterTiles},
		tiles.DefaultZoom,
	})
}

// gpxFileInfo keeps the original export schema: snake_case with the
// activity start time standing in for the modification stamp.
type gpxFileInfo struct {
	Filename   string  `json:"filename"`
	Modified   int64   `json:"modified"`
	DistanceKm float64 `json:"distance_km"`
}

func (h *Handler) handleGPXList(w http.ResponseWriter, r *http.Request) {
	data, err := h.cachedJSON(r.Context(), "api:gpx", h.loadGPXListPayload)
	if err != nil {
		h.logf("gpx list: %v", err)
		http.Error(w, "gpx listing failed", http.StatusInternalServerError)
		return
	}
	h.writeJSONBytes(w, data)
}

func (h *Handler) loadGPXListPayload(context.Context) ([]byte, error) {
	entries, err := os.ReadDir(h.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return marshalIndented([]gpxFileInfo{})
		}
		return nil, err
	}

	var scan trackfile.Scanner
	infos := make([]gpxFileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".gpx") {
			continue
		}
		info := gpxFileInfo{Filename: entry.Name()}
		if data, err := os.ReadFile(filepath.Join(h.DataDir, entry.Name())); err == nil {
			if track, err := scan.Extract(entry.Name(), data); err == nil {
				pts := make([]tiles.LatLon, 0, len(track.Points))
				for _, p := range track.Points {
					pts = append(pts, tiles.LatLon{Lat: p.Lat, Lon: p.Lon})
				}
				info.DistanceKm = tiles.TrackDistanceKm(pts)
				if len(track.Points) > 0 {
					info.Modified = track.Points[0].Time
				}
			}
		}
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Modified != infos[j].Modified {
			return infos[i].Modified > infos[j].Modified
		}
		return infos[i].Filename < infos[j].Filename
	})
	return marshalIndented(infos)
}

func (h *Handler) handleGPXFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/gpx/")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(filepath.Join(h.DataDir, name))
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/gpx+xml")
	_, _ = w.Write(data)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if h.Ingest == nil {
		http.Error(w, "upload disabled", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseMultipartForm(100 << 20); err != nil {
		http.Error(w, "multipart parse error", http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["files[]"]
	if len(files) == 0 {
		http.Error(w, "no files selected", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	results := make([]ingest.Result, 0, len(files))
	var imported, skipped, failed, newTiles int
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			h.logf("upload: open %s: %v", fh.Filename, err)
			failed++
			results = append(results, ingest.Result{File: fh.Filename})
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.logf("upload: read %s: %v", fh.Filename, err)
			failed++
			results = append(results, ingest.Result{File: fh.Filename})
			continue
		}

		res, err := h.Ingest.Process(ctx, fh.Filename, data)
		results = append(results, res)
		if err != nil {
			h.logf("upload: %s: %v", fh.Filename, err)
			failed++
			continue
		}
		if res.Skipped {
			skipped++
		} else {
			imported++
			newTiles += res.TileCount
		}
	}

	h.afterImport(ctx, "upload", imported, skipped, failed, newTiles)

	h.respondJSON(w, struct {
		Success  bool            `json:"success"`
		Imported int             `json:"imported"`
		Skipped  int             `json:"skipped"`
		Failed   int             `json:"failed"`
		Results  []ingest.Result `json:"results"`
	}{failed == 0, imported, skipped, failed, results})
}

// afterImport refreshes every derived view once new rows have landed:
// cached responses, the downloadable archive, and the optional Discord
// channel. Rounds that changed nothing leave all three alone.
func (h *Handler) afterImport(ctx context.Context, source string, imported, skipped, failed, newTiles int) {
	if imported == 0 && failed == 0 {
		return
	}
	h.Cache.Invalidate()
	if h.Archive != nil {
		h.Archive.Refresh()
	}
	if h.Notify != nil {
		total, err := h.DB.CountTiles(ctx)
		if err != nil {
			total = 0
		}
		go h.Notify.AnnounceImport(notify.Summary{
			Source:     source,
			Imported:   imported,
			Skipped:    skipped,
			Failed:     failed,
			NewTiles:   newTiles,
			TotalTiles: total,
		}, nil)
	}
}

// visitedCoords loads the full tile set as geometry input.
func (h *Handler) visitedCoords(ctx context.Context) ([]tiles.Coord, error) {
	records, err := h.DB.AllTiles(ctx)
	if err != nil {
		return nil, err
	}
	coords := make([]tiles.Coord, 0, len(records))
	for _, rec := range records {
		coords = append(coords, tiles.Coord{X: rec.X, Y: rec.Y, Z: rec.Z})
	}
	return coords, nil
}

// cachedJSON serves key from the response cache, falling back to a
// direct load when caching is disabled or stopped.
func (h *Handler) cachedJSON(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	data, err := h.Cache.Get(ctx, key, loader)
	if errors.Is(err, errCacheDisabled) || errors.Is(err, errCacheStopped) {
		return loader(ctx)
	}
	return data, err
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func (h *Handler) writeJSONBytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func marshalIndented(payload any) ([]byte, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (h *Handler) logf(format string, v ...any) {
	if h.Logf != nil {
		h.Logf(format, v...)
	}
}

// clientIP keys the rate limiter. The port changes per connection and
// would defeat the queue, so it is stripped.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
