package strava

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"explorer-tile-map/pkg/ingest"
)

// FetchOptions mirror the fetch-activities request body.  Zero values
// mean one page of fifty, skipping activities already on record.
type FetchOptions struct {
	FetchAll bool `json:"fetchAll"`
	PerPage  int  `json:"perPage"`
	Page     int  `json:"page"`
}

// FetchResult reports how one sync run went.
type FetchResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// FetchActivities pulls one page of the athlete's activities, renders
// each new one as GPX, saves it under dataDir and feeds it through the
// import pipeline.  Known activities are skipped before their streams
// are downloaded, so re-syncing costs almost no API quota.  Failures on
// a single activity are logged and the run continues.
func (c *Client) FetchActivities(ctx context.Context, ing *ingest.Service, dataDir string, opt FetchOptions, logf Logger) (FetchResult, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	token, ok, err := c.AccessToken(ctx)
	if err != nil {
		return FetchResult{}, err
	}
	if !ok {
		return FetchResult{}, errors.New("strava: not authenticated")
	}

	acts, err := c.Activities(ctx, token, opt.PerPage, opt.Page)
	if errors.Is(err, ErrUnauthorized) {
		// Strava sometimes revokes tokens before their stated expiry.
		// One refresh, one retry.
		stored, found, loadErr := c.db.LoadToken(ctx, Provider)
		if loadErr != nil || !found || stored.RefreshToken == "" {
			return FetchResult{}, err
		}
		logf("strava: token rejected, refreshing")
		fresh, refreshErr := c.Refresh(ctx, stored.RefreshToken)
		if refreshErr != nil {
			return FetchResult{}, refreshErr
		}
		token = fresh.AccessToken
		acts, err = c.Activities(ctx, token, opt.PerPage, opt.Page)
	}
	if err != nil {
		return FetchResult{}, err
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return FetchResult{}, fmt.Errorf("create data dir: %w", err)
		}
	}

	var res FetchResult
	for _, act := range acts {
		id := strconv.FormatInt(act.ID, 10)

		if !opt.FetchAll {
			done, err := c.db.IsActivityImported(ctx, id)
			if err != nil {
				return res, err
			}
			if done {
				res.Skipped++
				continue
			}
		}

		st, err := c.Streams(ctx, token, act.ID)
		if err != nil {
			logf("strava: streams for %d: %v", act.ID, err)
			continue
		}
		if len(st.LatLng) == 0 {
			logf("strava: activity %d has no coordinates, skipping", act.ID)
			res.Skipped++
			continue
		}

		name := fmt.Sprintf("activity_%d.gpx", act.ID)
		data := BuildGPX(act, st)
		if dataDir != "" {
			if err := os.WriteFile(filepath.Join(dataDir, name), data, 0o644); err != nil {
				logf("strava: save %s: %v", name, err)
			}
		}

		out, err := ing.Process(ctx, name, data)
		if err != nil {
			logf("strava: import %s: %v", name, err)
			continue
		}
		if out.Skipped && !opt.FetchAll {
			res.Skipped++
			continue
		}
		res.Imported++
	}
	return res, nil
}
