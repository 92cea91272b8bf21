package main

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"

	"explorer-tile-map/pkg/api"
	"explorer-tile-map/pkg/database"
	"explorer-tile-map/pkg/gridimage"
	"explorer-tile-map/pkg/ingest"
	"explorer-tile-map/pkg/notify"
	"explorer-tile-map/pkg/strava"
	"explorer-tile-map/pkg/tilearchive"
	"explorer-tile-map/pkg/tiles"
	"explorer-tile-map/pkg/tilestream"
	"explorer-tile-map/pkg/trackfile"
)

//go:embed public_html/*
var content embed.FS

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: genji, sqlite, duckdb, or pgx (postgresql)")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for genji, sqlite drivers)")
var dbConn = flag.String("db-conn", "", "Full database DSN, overrides the host/port fields (applicable for pgx driver)")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "ExplorerTileMap", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var dataDir = flag.String("data-dir", "data", "Directory for activity GPX files (uploads from Strava land here)")
var importDir = flag.String("import-dir", "", "Import every *.gpx and *.fit file from this directory on startup")
var parser = flag.String("parser", "scan", "GPX parser: scan (tolerant substring scanner) or xml (strict)")
var discordChannel = flag.String("discord-channel", "", "Discord channel ID for import announcements (needs DISCORD_BOT_TOKEN)")
var version = flag.Bool("version", false, "Show the application version")

var CompileVersion = "dev"

// withServerHeader wraps any http.Handler, adding a
// "Server: explorer-tile-map/<CompileVersion>" header.
//
// A HEAD request to "/" answers 200 OK with no body so health checks can
// see the service is alive.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "explorer-tile-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80  for the ACME HTTP-01 challenge plus a 301 redirect to https://<domain>/…
//   - :443 for HTTPS with automatic Let's Encrypt certificates.
//
// When autocert cannot issue a certificate for a host or SNI, the server
// still answers with the previously fetched fallback certificate so IP
// hits do not litter the log with "host not configured".
//
// Compatibility: TLS >= 1.0, ALPN h2/http1.1/http1.0. Errors are logged,
// never fatal.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow the bare domain and www.<domain>.
			if host == domain || host == "www."+domain {
				return nil
			}
			// An IP address is not blocked, we just never request a cert for it.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// :80, challenge + redirect.
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// Daily certificate check keeps renewals ahead of expiry.
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// :443, HTTPS.
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	// Fallback certificate for IPs and odd SNI values.
	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443 (TLS ≥1.0, ALPN h2/http1.1/1.0)", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// announceDirectoryImport posts the Discord summary for a startup import,
// attaching the rendered grid when rendering succeeds.
func announceDirectoryImport(ctx context.Context, db *database.Database, notifier *notify.Notifier, sum ingest.DirectorySummary) {
	records, err := db.AllTiles(ctx)
	if err != nil {
		log.Printf("import summary: %v", err)
		return
	}
	coords := make([]tiles.Coord, 0, len(records))
	for _, rec := range records {
		coords = append(coords, tiles.Coord{X: rec.X, Y: rec.Y, Z: rec.Z})
	}
	square := tiles.MaxSquare(coords)
	cluster := tiles.MaxCluster(coords)
	rides, err := db.ActivityDistances(ctx)
	if err != nil {
		rides = nil
	}

	var preview []byte
	if len(coords) > 0 {
		img, err := gridimage.Render(coords, square, cluster, gridimage.Options{
			Title: fmt.Sprintf("%d tiles | square %d | cluster %d", len(coords), square.Size, cluster.Size),
		})
		if err != nil {
			log.Printf("import preview: %v", err)
		} else {
			preview = img
		}
	}

	notifier.AnnounceImport(notify.Summary{
		Source:     "directory import",
		Imported:   sum.Imported,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
		NewTiles:   sum.TileCount,
		TotalTiles: len(coords),
		DistanceKm: sum.DistanceKm,
		MaxSquare:  square.Size,
		MaxCluster: cluster.Size,
		Eddington:  tiles.Eddington(rides),
	}, preview)
}

func main() {
	// .env first so flags and env fallbacks see the same world.
	_ = godotenv.Load()
	flag.Parse()

	if *version {
		fmt.Printf("explorer-tile-map version %s\n", CompileVersion)
		return
	}

	// Privilege warning for :80 / :443.
	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	db, err := database.NewDatabase(database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBConn:    *dbConn,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	})
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		log.Fatalf("DB schema: %v", err)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	bus := tilestream.NewBus(256)
	importer := &ingest.Service{DB: db, Bus: bus}
	switch *parser {
	case "", "scan":
	case "xml":
		importer.GPX = trackfile.XMLExtractor{}
	default:
		log.Fatalf("unknown -parser %q, want scan or xml", *parser)
	}

	redirect := os.Getenv("STRAVA_REDIRECT_URI")
	if redirect == "" {
		if *domain != "" {
			redirect = "https://" + *domain + "/auth/callback"
		} else {
			redirect = fmt.Sprintf("http://localhost:%d/auth/callback", *port)
		}
	}
	stravaClient := strava.NewClient(strava.Config{
		ClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		ClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),
		RedirectURI:  redirect,
	}, db)

	ctxBG, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	archive := tilearchive.Start(ctxBG, db, filepath.Join(*dataDir, "tiles.tar.gz"), 24*time.Hour, log.Printf)

	notifier, err := notify.New(os.Getenv("DISCORD_BOT_TOKEN"), *discordChannel, log.Printf)
	if err != nil {
		log.Printf("discord notifications disabled: %v", err)
	}

	cache := api.NewResponseCache(30 * time.Second)
	handler := &api.Handler{
		DB:      db,
		Bus:     bus,
		Ingest:  importer,
		Strava:  stravaClient,
		Archive: archive,
		Cache:   cache,
		Limiter: api.NewRateLimiter(5 * time.Second),
		Notify:  notifier,
		DataDir: *dataDir,
		Logf:    log.Printf,
	}
	handler.Register(http.DefaultServeMux)

	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}
	http.Handle("/", http.FileServer(http.FS(staticFS)))

	rootHandler := withServerHeader(http.DefaultServeMux)

	if *domain != "" {
		// Dual server :80 + :443 with Let's Encrypt.
		go serveWithDomain(*domain, rootHandler)
	} else {
		go func() {
			log.Printf("HTTP server ➜ http://localhost:%d", *port)
			if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), rootHandler); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	if *importDir != "" {
		go func() {
			sum, err := importer.ImportDirectory(ctxBG, *importDir)
			if err != nil {
				log.Printf("import %s: %v", *importDir, err)
				return
			}
			log.Printf("import %s: %d imported, %d skipped, %d failed, %d new tiles, %.2f km",
				*importDir, sum.Imported, sum.Skipped, sum.Failed, sum.TileCount, sum.DistanceKm)
			if sum.Imported == 0 && sum.Failed == 0 {
				return
			}
			cache.Invalidate()
			archive.Refresh()
			if notifier != nil {
				announceDirectoryImport(ctxBG, db, notifier, sum)
			}
		}()
	}

	// Index builds run in the background so listeners come up first;
	// pages may be slower until the indexes are ready.
	log.Printf("⏳ background index build scheduled (engine=%s)", *dbType)
	db.EnsureIndexesAsync(ctxBG)

	select {}
}
