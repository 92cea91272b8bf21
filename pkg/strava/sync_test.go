package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"explorer-tile-map/pkg/database"
	"explorer-tile-map/pkg/ingest"
)

// TestFetchActivitiesImportsAndSkips runs the whole sync path against a
// fake endpoint: one new activity lands as tiles and a saved GPX file,
// one already-imported activity is skipped before its streams are ever
// requested, and a second run imports nothing.
func TestFetchActivitiesImportsAndSkips(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	dataDir := t.TempDir()

	if err := db.SaveToken(ctx, database.AuthToken{
		Provider:     Provider,
		AccessToken:  "at-live",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	if err := db.EnsureActivityImported(ctx, database.ActivityRecord{ID: "12", Name: "Old Ride"}); err != nil {
		t.Fatalf("seed activity: %v", err)
	}

	var streamHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/athlete/activities":
			fmt.Fprint(w, `[
				{"id":11,"name":"Morning Ride","start_date":"2023-06-15T12:30:45Z"},
				{"id":12,"name":"Old Ride","start_date":"2023-06-14T09:00:00Z"}
			]`)
		case "/api/v3/activities/11/streams":
			streamHits.Add(1)
			fmt.Fprint(w, `{"latlng":{"data":[[10.0,10.0],[10.1,10.3]]},"time":{"data":[0,5]}}`)
		case "/api/v3/activities/12/streams":
			t.Error("streams requested for an already-imported activity")
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{ClientID: "123", ClientSecret: "shh", BaseURL: srv.URL}, db)
	ing := &ingest.Service{DB: db}

	res, err := c.FetchActivities(ctx, ing, dataDir, FetchOptions{}, t.Logf)
	if err != nil {
		t.Fatalf("FetchActivities: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 1 {
		t.Fatalf("FetchActivities = %+v, want 1 imported, 1 skipped", res)
	}

	if done, err := db.IsActivityImported(ctx, "11"); err != nil || !done {
		t.Errorf("activity 11 should be on record: done=%v err=%v", done, err)
	}
	if n, err := db.CountTiles(ctx); err != nil || n != 2 {
		t.Errorf("CountTiles = %d, %v, want 2", n, err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "activity_11.gpx")); err != nil {
		t.Errorf("saved GPX missing: %v", err)
	}

	// Second run finds both on record and downloads nothing new.
	res, err = c.FetchActivities(ctx, ing, dataDir, FetchOptions{}, t.Logf)
	if err != nil {
		t.Fatalf("second FetchActivities: %v", err)
	}
	if res.Imported != 0 || res.Skipped != 2 {
		t.Errorf("second run = %+v, want 0 imported, 2 skipped", res)
	}
	if hits := streamHits.Load(); hits != 1 {
		t.Errorf("streams fetched %d times, want 1", hits)
	}
}

// TestFetchActivitiesRefreshesRejectedToken covers early revocation: the
// stored token looks live but Strava answers 401, so the sync refreshes
// once and retries with the new token.
func TestFetchActivitiesRefreshesRejectedToken(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	if err := db.SaveToken(ctx, database.AuthToken{
		Provider:     Provider,
		AccessToken:  "at-revoked",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at-new",
				"refresh_token": "rt-2",
				"expires_at":    time.Now().Add(6 * time.Hour).Unix(),
			})
		case "/api/v3/athlete/activities":
			if r.Header.Get("Authorization") != "Bearer at-new" {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"message":"Authorization Error"}`)
				return
			}
			fmt.Fprint(w, `[{"id":11,"name":"Morning Ride","start_date":"2023-06-15T12:30:45Z"}]`)
		case "/api/v3/activities/11/streams":
			fmt.Fprint(w, `{"latlng":{"data":[[10.0,10.0]]},"time":{"data":[0]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{ClientID: "123", ClientSecret: "shh", BaseURL: srv.URL}, db)
	res, err := c.FetchActivities(ctx, &ingest.Service{DB: db}, "", FetchOptions{}, t.Logf)
	if err != nil {
		t.Fatalf("FetchActivities: %v", err)
	}
	if res.Imported != 1 {
		t.Errorf("FetchActivities = %+v, want 1 imported", res)
	}
}

// TestFetchActivitiesNotAuthenticated fails fast with no token on record.
func TestFetchActivitiesNotAuthenticated(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	c := NewClient(Config{ClientID: "123", ClientSecret: "shh", BaseURL: "http://127.0.0.1:0"}, db)

	if _, err := c.FetchActivities(context.Background(), &ingest.Service{DB: db}, "", FetchOptions{}, nil); err == nil {
		t.Fatal("FetchActivities without a token should fail")
	}
}

// TestFetchActivitiesSkipsEmptyStreams counts coordinate-less activities
// as skipped rather than writing empty GPX files.
func TestFetchActivitiesSkipsEmptyStreams(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	dataDir := t.TempDir()

	if err := db.SaveToken(ctx, database.AuthToken{
		Provider:    Provider,
		AccessToken: "at-live",
		ExpiresAt:   time.Now().Add(6 * time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/athlete/activities":
			fmt.Fprint(w, `[{"id":33,"name":"Pool Swim","start_date":"2023-06-15T08:00:00Z"}]`)
		case "/api/v3/activities/33/streams":
			fmt.Fprint(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{ClientID: "123", ClientSecret: "shh", BaseURL: srv.URL}, db)
	res, err := c.FetchActivities(ctx, &ingest.Service{DB: db}, dataDir, FetchOptions{}, t.Logf)
	if err != nil {
		t.Fatalf("FetchActivities: %v", err)
	}
	if res.Imported != 0 || res.Skipped != 1 {
		t.Errorf("FetchActivities = %+v, want 0 imported, 1 skipped", res)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "activity_33.gpx")); !os.IsNotExist(err) {
		t.Errorf("no GPX should be written for empty streams, stat err = %v", err)
	}
}
