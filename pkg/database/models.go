package database

// TileRecord is one visited tile row: where it is, when it was first
// entered, and which activity earned it.
type TileRecord struct {
	X              uint32 `json:"x"`
	Y              uint32 `json:"y"`
	Z              int    `json:"z"`
	FirstVisitedAt int64  `json:"firstVisitedAt"` // UNIX seconds, 0 when the source had no timestamps
	ActivityID     string `json:"activityId"`
	ActivityTitle  string `json:"activityTitle"`
	SourceFile     string `json:"sourceFile"`
}

// ActivityRecord summarises one imported activity.
type ActivityRecord struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	DistanceKm float64 `json:"distanceKm"`
	ImportedAt int64   `json:"importedAt"` // UNIX seconds
}

// AuthToken holds OAuth credentials for an external provider, one row per
// provider name.
type AuthToken struct {
	Provider     string `json:"provider"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	ExpiresAt    int64  `json:"expiresAt"`
	AthleteID    int64  `json:"athleteId"`
	UpdatedAt    int64  `json:"updatedAt"`
}
