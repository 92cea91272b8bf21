// Package strava talks to the Strava v3 API: the OAuth code exchange and
// refresh dance, activity listings, and the raw latlng/time/altitude
// streams that get rendered into GPX files for the import pipeline.
// Tokens persist through the database so a restart keeps the session.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"explorer-tile-map/pkg/database"
)

// Provider names the token row in the oauth_tokens table.
const Provider = "strava"

// expirySkew renews tokens slightly before Strava says they die, so a
// request started right at the boundary still carries a live token.
const expirySkew = 60 * time.Second

// ErrUnauthorized marks a 401 from Strava.  Callers refresh the token and
// retry once before giving up.
var ErrUnauthorized = errors.New("strava: unauthorized")

// Logger mirrors log.Printf so callers decide where messages go.
type Logger func(format string, v ...any)

// Config captures Strava credentials and endpoints so the whole
// integration is configured in one place.  Zero values for everything but
// the credentials fall back to the public Strava API.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
}

// Client fetches Strava data over plain HTTP and stores OAuth tokens
// through the database.
type Client struct {
	cfg    Config
	db     *database.Database
	client *http.Client
}

// NewClient builds a Client, applying defaults so callers only need to
// supply credentials.
func NewClient(cfg Config, db *database.Database) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.strava.com"
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "explorer-tile-map/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Client{
		cfg: cfg,
		db:  db,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Configured reports whether OAuth credentials were supplied at all.
// When false, the auth endpoints answer with setup instructions instead
// of a broken redirect.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// AuthorizeURL returns the browser URL that starts the OAuth flow.
func (c *Client) AuthorizeURL() (string, error) {
	if c.cfg.ClientID == "" {
		return "", errors.New("strava client id not configured")
	}
	q := url.Values{
		"client_id":       {c.cfg.ClientID},
		"response_type":   {"code"},
		"redirect_uri":    {c.cfg.RedirectURI},
		"approval_prompt": {"auto"},
		"scope":           {"read,activity:read,activity:read_all"},
	}
	return c.cfg.BaseURL + "/oauth/authorize?" + q.Encode(), nil
}

// tokenResponse mirrors the oauth/token payload.  The athlete block only
// appears on the initial exchange, never on refreshes.
type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Athlete      struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

// Exchange swaps an authorization code for tokens and persists them.
func (c *Client) Exchange(ctx context.Context, code string) (database.AuthToken, error) {
	if !c.Configured() {
		return database.AuthToken{}, errors.New("strava credentials not configured")
	}
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	}
	tok, err := c.postToken(ctx, form)
	if err != nil {
		return database.AuthToken{}, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// Refresh trades a refresh token for a fresh access token and persists
// the result.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (database.AuthToken, error) {
	if !c.Configured() {
		return database.AuthToken{}, errors.New("strava credentials not configured")
	}
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	tok, err := c.postToken(ctx, form)
	if err != nil {
		return database.AuthToken{}, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}

// postToken performs the oauth/token POST shared by exchange and refresh,
// then merges the response with whatever the previous row knew.  Refresh
// responses omit the athlete and may omit the refresh token.
func (c *Client) postToken(ctx context.Context, form url.Values) (database.AuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return database.AuthToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return database.AuthToken{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return database.AuthToken{}, httpError(resp)
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return database.AuthToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return database.AuthToken{}, errors.New("token response carried no access token")
	}

	tok := database.AuthToken{
		Provider:     Provider,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    payload.ExpiresAt,
		AthleteID:    payload.Athlete.ID,
	}
	if prev, ok, _ := c.db.LoadToken(ctx, Provider); ok {
		if tok.AthleteID == 0 {
			tok.AthleteID = prev.AthleteID
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = prev.RefreshToken
		}
	}
	if err := c.db.SaveToken(ctx, tok); err != nil {
		return database.AuthToken{}, err
	}
	return tok, nil
}

// AccessToken returns a live access token, renewing a stale one first.
// The boolean is false when nobody has authenticated yet.
func (c *Client) AccessToken(ctx context.Context) (string, bool, error) {
	tok, ok, err := c.db.LoadToken(ctx, Provider)
	if err != nil {
		return "", false, err
	}
	if !ok || tok.AccessToken == "" {
		return "", false, nil
	}

	if tok.ExpiresAt > 0 && time.Now().Add(expirySkew).Unix() >= tok.ExpiresAt {
		if tok.RefreshToken == "" {
			return "", false, errors.New("strava token expired and no refresh token stored")
		}
		fresh, err := c.Refresh(ctx, tok.RefreshToken)
		if err != nil {
			return "", false, err
		}
		return fresh.AccessToken, true, nil
	}
	return tok.AccessToken, true, nil
}

// Authenticated reports whether a usable token is on record.  Expired
// tokens with a refresh token still count: they renew on first use.
func (c *Client) Authenticated(ctx context.Context) bool {
	tok, ok, err := c.db.LoadToken(ctx, Provider)
	if err != nil || !ok {
		return false
	}
	if tok.ExpiresAt > 0 && time.Now().Unix() >= tok.ExpiresAt {
		return tok.RefreshToken != ""
	}
	return tok.AccessToken != ""
}

// Activity is one entry from the athlete's activity list.
type Activity struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
}

// Activities lists one page of the athlete's activities, newest first.
func (c *Client) Activities(ctx context.Context, accessToken string, perPage, page int) ([]Activity, error) {
	if perPage <= 0 {
		perPage = 50
	}
	if page <= 0 {
		page = 1
	}
	endpoint := fmt.Sprintf("%s/api/v3/athlete/activities?per_page=%d&page=%d",
		c.cfg.BaseURL, perPage, page)

	var acts []Activity
	if err := c.getJSON(ctx, endpoint, accessToken, &acts); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return acts, nil
}

// Streams carries the per-point series of one activity.  Time and
// Altitude may be shorter than LatLng; missing entries are simply left
// out of the GPX output.
type Streams struct {
	LatLng   [][2]float64
	Time     []int64
	Altitude []float64
}

// Streams downloads the latlng, time and altitude series for an activity.
func (c *Client) Streams(ctx context.Context, accessToken string, activityID int64) (Streams, error) {
	endpoint := fmt.Sprintf("%s/api/v3/activities/%d/streams?keys=latlng,time,altitude&key_by_type=true",
		c.cfg.BaseURL, activityID)

	var payload struct {
		LatLng struct {
			Data [][2]float64 `json:"data"`
		} `json:"latlng"`
		Time struct {
			Data []int64 `json:"data"`
		} `json:"time"`
		Altitude struct {
			Data []float64 `json:"data"`
		} `json:"altitude"`
	}
	if err := c.getJSON(ctx, endpoint, accessToken, &payload); err != nil {
		return Streams{}, fmt.Errorf("streams for %d: %w", activityID, err)
	}
	return Streams{
		LatLng:   payload.LatLng.Data,
		Time:     payload.Time.Data,
		Altitude: payload.Altitude.Data,
	}, nil
}

// getJSON performs an authenticated GET and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return httpError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// httpError folds a short body snippet into the error so failures carry
// Strava's own explanation.
func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}
	return fmt.Errorf("strava http %d: %s", resp.StatusCode, msg)
}
