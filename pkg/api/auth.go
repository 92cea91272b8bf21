package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"

	"explorer-tile-map/pkg/strava"
)

// authStartResponse keeps the wire schema the map page consumes;
// auth_url stays snake_case for the popup opener.
type authStartResponse struct {
	Success bool   `json:"success"`
	AuthURL string `json:"auth_url,omitempty"`
	Message string `json:"message"`
}

func (h *Handler) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.Strava == nil || !h.Strava.Configured() {
		h.respondJSON(w, authStartResponse{Message: "STRAVA_CLIENT_ID is not set."})
		return
	}
	u, err := h.Strava.AuthorizeURL()
	if err != nil {
		h.respondJSON(w, authStartResponse{Message: err.Error()})
		return
	}
	h.respondJSON(w, authStartResponse{
		Success: true,
		AuthURL: u,
		Message: "Complete the Strava login in the popup window.",
	})
}

func (h *Handler) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if msg := q.Get("error"); msg != "" {
		h.authPage(w, "Authorization failed", "Strava reported: "+msg, false)
		return
	}
	code := q.Get("code")
	if code == "" {
		h.authPage(w, "Authorization failed", "No authorization code received.", false)
		return
	}
	if h.Strava == nil || !h.Strava.Configured() {
		h.authPage(w, "Configuration error", "STRAVA_CLIENT_ID or STRAVA_CLIENT_SECRET is not set.", false)
		return
	}

	if _, err := h.Strava.Exchange(r.Context(), code); err != nil {
		h.logf("strava exchange: %v", err)
		h.authPage(w, "Token exchange failed", err.Error(), false)
		return
	}
	h.authPage(w, "Successfully authorized!", "You can close this window and fetch activities now.", true)
}

// authPage writes the small HTML shown in the OAuth popup. The success
// page notifies the opener with the message the map page listens for,
// then closes itself.
func (h *Handler) authPage(w http.ResponseWriter, heading, body string, success bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	script, color, mark := "", "#dc3545", "❌"
	if success {
		color, mark = "#28a745", "✅"
		script = `<script>
  if (window.opener) {
    window.opener.postMessage({ type: 'strava-auth-success' }, '*');
    setTimeout(() => window.close(), 2000);
  }
</script>`
	}

	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>%s</title>%s</head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1 style="color: %s;">%s %s</h1>
<p>%s</p>
<p><a href="/">Back to the map</a></p>
</body></html>`,
		html.EscapeString(heading), script, color, mark,
		html.EscapeString(heading), html.EscapeString(body))
}

func (h *Handler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, struct {
		Authenticated bool `json:"authenticated"`
	}{h.Strava != nil && h.Strava.Authenticated(r.Context())})
}

type fetchActivitiesResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
}

func (h *Handler) handleFetchActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if h.Strava == nil || !h.Strava.Configured() {
		h.respondJSON(w, fetchActivitiesResponse{
			Message: "Strava is not configured. Set STRAVA_CLIENT_ID and STRAVA_CLIENT_SECRET.",
		})
		return
	}
	if h.Ingest == nil {
		h.respondJSON(w, fetchActivitiesResponse{Message: "import pipeline disabled"})
		return
	}

	var opt strava.FetchOptions
	if err := json.NewDecoder(r.Body).Decode(&opt); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	res, err := h.Strava.FetchActivities(r.Context(), h.Ingest, h.DataDir, opt, h.Logf)
	if err != nil {
		h.logf("fetch activities: %v", err)
		h.respondJSON(w, fetchActivitiesResponse{Message: err.Error()})
		return
	}

	h.afterImport(r.Context(), "strava sync", res.Imported, res.Skipped, 0, 0)

	h.respondJSON(w, fetchActivitiesResponse{
		Success:  true,
		Message:  fmt.Sprintf("%d activities imported, %d skipped", res.Imported, res.Skipped),
		Imported: res.Imported,
		Skipped:  res.Skipped,
	})
}
