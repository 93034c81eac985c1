package platform

// Built-in platform definitions. Deployment credentials always come from the
// environment; a YAML overlay may replace or extend any of these.
var builtins = []Definition{
	{
		Name:          "spotify",
		DisplayName:   "Spotify",
		AuthURL:       "https://accounts.spotify.com/authorize",
		TokenURL:      "https://accounts.spotify.com/api/token",
		IdentityURL:   "https://api.spotify.com/v1/me",
		IdentityField: "id",
		Scopes: []string{
			"user-read-recently-played",
			"user-top-read",
			"playlist-read-private",
		},
		ExtraAuthParams: map[string]string{"show_dialog": "true"},
		AuthStyle:       AuthStyleBasic,
	},
	{
		Name:          "strava",
		DisplayName:   "Strava",
		AuthURL:       "https://www.strava.com/oauth/authorize",
		TokenURL:      "https://www.strava.com/oauth/token",
		IdentityURL:   "https://www.strava.com/api/v3/athlete",
		IdentityField: "id",
		Scopes:        []string{"read", "activity:read_all"},
		// Strava wants a comma-separated scope list.
		ScopeSeparator:  ",",
		ExtraAuthParams: map[string]string{"approval_prompt": "auto"},
		AuthStyle:       AuthStylePost,
		WebhookScheme:   WebhookVerifyToken,
	},
	{
		Name:          "fitbit",
		DisplayName:   "Fitbit",
		AuthURL:       "https://www.fitbit.com/oauth2/authorize",
		TokenURL:      "https://api.fitbit.com/oauth2/token",
		IdentityURL:   "https://api.fitbit.com/1/user/-/profile.json",
		IdentityField: "user.encodedId",
		Scopes:        []string{"activity", "heartrate", "sleep", "profile"},
		AuthStyle:     AuthStyleBasic,
		WebhookScheme: WebhookHMACSHA1,
	},
	{
		Name:          "whoop",
		DisplayName:   "WHOOP",
		AuthURL:       "https://api.prod.whoop.com/oauth/oauth2/auth",
		TokenURL:      "https://api.prod.whoop.com/oauth/oauth2/token",
		IdentityURL:   "https://api.prod.whoop.com/developer/v1/user/profile/basic",
		IdentityField: "user_id",
		Scopes:        []string{"read:recovery", "read:sleep", "read:workout", "offline"},
		AuthStyle:     AuthStylePost,
		WebhookScheme: WebhookHMACSHA256Timestamped,
	},
	{
		Name:          "github",
		DisplayName:   "GitHub",
		AuthURL:       "https://github.com/login/oauth/authorize",
		TokenURL:      "https://github.com/login/oauth/access_token",
		IdentityURL:   "https://api.github.com/user",
		IdentityField: "id",
		Scopes:        []string{"read:user", "repo"},
		AuthStyle:     AuthStylePost,
	},
	{
		Name:          "google",
		DisplayName:   "Google",
		AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:      "https://oauth2.googleapis.com/token",
		IdentityURL:   "https://openidconnect.googleapis.com/v1/userinfo",
		IdentityField: "sub",
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/calendar.readonly",
		},
		// Offline access is required or Google never issues a refresh token.
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		AuthStyle:     AuthStylePost,
		WebhookScheme: WebhookHMACSHA256Timestamped,
		// Google push payloads carry no usable account identity.
		IdentityInPath: true,
	},
}
