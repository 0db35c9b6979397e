package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Endpoints used by the Google account login flow. The defaults point at
// production; tests override them.
const (
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultIssueJWTURL = "https://nestauthproxyservice-pa.googleapis.com/v1/issue_jwt"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/77.0.3865.120 Safari/537.36"

	// The /session expiry header uses the cookie date layout.
	sessionExpiryLayout = "Mon, 02-Jan-2006 15:04:05 MST"
)

// API performs the three-step Google account login:
// credential -> Google access token -> Nest JWT -> czfe session.
type API struct {
	TokenURL    string
	IssueJWTURL string
	Host        string // e.g. https://home.nest.com
	ClientID    string

	hc  *http.Client
	log *slog.Logger
}

// NewAPI creates the login API client. host and clientID identify the Nest
// environment (production or field test).
func NewAPI(host, clientID string, timeout time.Duration, log *slog.Logger) *API {
	return &API{
		TokenURL:    DefaultTokenURL,
		IssueJWTURL: DefaultIssueJWTURL,
		Host:        host,
		ClientID:    clientID,
		hc:          &http.Client{Timeout: timeout},
		log:         log,
	}
}

type googleToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// Login runs the full exchange and returns a fresh Session.
func (a *API) Login(ctx context.Context, cred Credential) (Session, error) {
	var (
		tok googleToken
		err error
	)
	switch {
	case cred.RefreshToken != "":
		tok, err = a.refreshGrant(ctx, cred.RefreshToken)
	case cred.IssueToken != "" && cred.Cookies != "":
		tok, err = a.cookieGrant(ctx, cred.IssueToken, cred.Cookies)
	default:
		return Session{}, reauthErr("login", fmt.Errorf("no credential material"))
	}
	if err != nil {
		return Session{}, err
	}

	jwt, err := a.issueJWT(ctx, tok.AccessToken)
	if err != nil {
		return Session{}, err
	}

	return a.openSession(ctx, jwt)
}

// refreshGrant exchanges the refresh token at the Google token endpoint.
func (a *API) refreshGrant(ctx context.Context, refreshToken string) (googleToken, error) {
	form := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {a.ClientID},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return googleToken{}, transientErr("refresh grant", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.hc.Do(req)
	if err != nil {
		return googleToken{}, transientErr("refresh grant", err)
	}
	defer resp.Body.Close()

	var tok googleToken
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tok); err != nil {
		return googleToken{}, transientErr("refresh grant", fmt.Errorf("decode: %w", err))
	}
	if tok.Error != "" {
		if tok.Error == "invalid_grant" {
			return googleToken{}, reauthErr("refresh grant", fmt.Errorf("token endpoint: %s", tok.Error))
		}
		return googleToken{}, transientErr("refresh grant", fmt.Errorf("token endpoint: %s", tok.Error))
	}
	if tok.AccessToken == "" {
		return googleToken{}, transientErr("refresh grant", fmt.Errorf("token endpoint: HTTP %d, empty access token", resp.StatusCode))
	}
	return tok, nil
}

// cookieGrant fetches an access token using the browser-captured issue token
// and cookie jar.
func (a *API) cookieGrant(ctx context.Context, issueToken, cookies string) (googleToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issueToken, nil)
	if err != nil {
		return googleToken{}, transientErr("cookie grant", err)
	}
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Requested-With", "XmlHttpRequest")
	req.Header.Set("Referer", "https://accounts.google.com/o/oauth2/iframe")
	req.Header.Set("Cookie", cookies)

	resp, err := a.hc.Do(req)
	if err != nil {
		return googleToken{}, transientErr("cookie grant", err)
	}
	defer resp.Body.Close()

	var tok googleToken
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tok); err != nil {
		return googleToken{}, transientErr("cookie grant", fmt.Errorf("decode: %w", err))
	}
	if tok.Error != "" {
		// Expired browser cookies always need a fresh capture.
		return googleToken{}, reauthErr("cookie grant", fmt.Errorf("issue token endpoint: %s", tok.Error))
	}
	if tok.AccessToken == "" {
		return googleToken{}, reauthErr("cookie grant", fmt.Errorf("issue token endpoint: HTTP %d, empty access token", resp.StatusCode))
	}
	return tok, nil
}

// issueJWT trades the Google access token for a Nest JWT.
func (a *API) issueJWT(ctx context.Context, accessToken string) (string, error) {
	form := url.Values{
		"embed_google_oauth_access_token": {"true"},
		"expire_after":                    {"3600s"},
		"google_oauth_access_token":       {accessToken},
		"policy_id":                       {"authproxy-oauth-policy"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.IssueJWTURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", transientErr("issue jwt", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", a.Host)

	resp, err := a.hc.Do(req)
	if err != nil {
		return "", transientErr("issue jwt", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", reauthErr("issue jwt", fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var out struct {
		JWT string `json:"jwt"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", transientErr("issue jwt", fmt.Errorf("decode: %w", err))
	}
	if out.JWT == "" {
		return "", transientErr("issue jwt", fmt.Errorf("HTTP %d, empty jwt", resp.StatusCode))
	}
	return out.JWT, nil
}

// openSession starts a czfe session with the Nest JWT. The response carries
// the short-lived access token, the user id and the transport URL.
func (a *API) openSession(ctx context.Context, jwt string) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Host+"/session", nil)
	if err != nil {
		return Session{}, transientErr("session", err)
	}
	req.Header.Set("Authorization", "Basic "+jwt)
	req.Header.Set("Cookie", "G_ENABLED_IDPS=google; cztoken="+jwt)
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.hc.Do(req)
	if err != nil {
		return Session{}, transientErr("session", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Session{}, reauthErr("session", fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Session{}, transientErr("session", fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"userid"`
		Email       string `json:"email"`
		ExpiresIn   string `json:"expires_in"`
		URLs        struct {
			TransportURL string `json:"transport_url"`
		} `json:"urls"`
		Error any `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Session{}, transientErr("session", fmt.Errorf("decode: %w", err))
	}
	if out.AccessToken == "" || out.UserID == "" {
		return Session{}, transientErr("session", fmt.Errorf("incomplete session response"))
	}

	sess := Session{
		AccessToken:  out.AccessToken,
		UserID:       out.UserID,
		Email:        out.Email,
		TransportURL: out.URLs.TransportURL,
	}
	if exp, err := time.Parse(sessionExpiryLayout, out.ExpiresIn); err == nil {
		sess.Expiry = exp
	} else {
		// The service has always returned the cookie layout; if that ever
		// changes fall back to the documented session lifetime.
		a.log.Warn("unparseable session expiry, assuming 1h", "expires_in", out.ExpiresIn)
		sess.Expiry = time.Now().Add(time.Hour)
	}
	return sess, nil
}
