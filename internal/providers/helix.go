// Package providers fetches catalog data from Twitch Helix, FrankerFaceZ,
// BetterTTV and the recent-messages service.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/core"
	"github.com/you/gnasty-emotes/internal/payload"
)

const defaultTTL = 6 * time.Hour

var (
	helixBaseURL     = "https://api.twitch.tv/helix"
	oauthTokenURL    = "https://id.twitch.tv/oauth2/token"
	badgeGlobalPath  = "/chat/badges/global"
	badgeChannelPath = "/chat/badges"
	usersPath        = "/users"
	emoteSetPath     = "/chat/emotes/set"
	userEmotesPath   = "/chat/emotes/user"
)

// ErrNotFound is returned when the upstream has no record for the request.
var ErrNotFound = errors.New("providers: not found")

// ErrNoCredentials is returned by Helix calls when no client id/secret is set.
var ErrNoCredentials = errors.New("providers: helix credentials missing")

// Helix talks to the Twitch API with an app token from client credentials.
// User ids and set owners are cached for TTL.
type Helix struct {
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
	TTL          time.Duration

	mu     sync.Mutex
	token  cachedToken
	users  map[string]cacheEntry
	owners map[string]cacheEntry
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

type helixUsersResponse struct {
	Data []struct {
		ID          string `json:"id"`
		Login       string `json:"login"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

type helixEmoteSetResponse struct {
	Data []struct {
		ID         string `json:"id"`
		EmoteSetID string `json:"emote_set_id"`
		OwnerID    string `json:"owner_id"`
	} `json:"data"`
}

type helixUserEmotesResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		EmoteSetID string `json:"emote_set_id"`
	} `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

func NewHelix(clientID, clientSecret string) *Helix {
	return &Helix{ClientID: clientID, ClientSecret: clientSecret}
}

// Enabled reports whether credentials are configured.
func (h *Helix) Enabled() bool {
	return h != nil && strings.TrimSpace(h.ClientID) != "" && strings.TrimSpace(h.ClientSecret) != ""
}

// GlobalBadges returns the global chat badge table.
func (h *Helix) GlobalBadges(ctx context.Context) (core.BadgeTable, error) {
	return h.badges(ctx, "")
}

// ChannelBadges returns the badge table of channel, a login or numeric id.
func (h *Helix) ChannelBadges(ctx context.Context, channel string) (core.BadgeTable, error) {
	id, err := h.UserID(ctx, channel)
	if err != nil {
		return nil, err
	}
	return h.badges(ctx, id)
}

func (h *Helix) badges(ctx context.Context, broadcasterID string) (core.BadgeTable, error) {
	endpoint := badgeGlobalPath
	if broadcasterID != "" {
		endpoint = badgeChannelPath + "?broadcaster_id=" + url.QueryEscape(broadcasterID)
	}
	var table core.BadgeTable
	err := h.get(ctx, endpoint, "", func(r io.Reader) error {
		p, err := payload.Decode(payload.KindBadges, "", r)
		table = p.Badges
		return err
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// UserID resolves a login to its numeric id. Numeric input is returned as is.
func (h *Helix) UserID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if isNumericID(login) {
		return login, nil
	}
	if id, ok := h.cached(&h.users, login); ok {
		return id, nil
	}

	var parsed helixUsersResponse
	if err := h.getJSON(ctx, usersPath+"?login="+url.QueryEscape(login), "", &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].ID == "" {
		return "", fmt.Errorf("user %s: %w", login, ErrNotFound)
	}
	h.store(&h.users, login, parsed.Data[0].ID)
	return parsed.Data[0].ID, nil
}

// SetOwner returns the display name of the channel owning an emote set, or
// "" for sets owned by Twitch itself.
func (h *Helix) SetOwner(ctx context.Context, setID string) (string, error) {
	if owner, ok := h.cached(&h.owners, setID); ok {
		return owner, nil
	}

	var sets helixEmoteSetResponse
	if err := h.getJSON(ctx, emoteSetPath+"?emote_set_id="+url.QueryEscape(setID), "", &sets); err != nil {
		return "", err
	}
	ownerID := ""
	for _, e := range sets.Data {
		if e.OwnerID != "" {
			ownerID = e.OwnerID
			break
		}
	}

	owner := ""
	if ownerID != "" && ownerID != "0" && ownerID != "twitch" {
		var users helixUsersResponse
		if err := h.getJSON(ctx, usersPath+"?id="+url.QueryEscape(ownerID), "", &users); err != nil {
			return "", err
		}
		if len(users.Data) > 0 {
			owner = users.Data[0].DisplayName
		}
	}
	h.store(&h.owners, setID, owner)
	return owner, nil
}

// UserEmoteSets lists every emote userID may use, grouped by set. It needs a
// user access token; the app token cannot read user emotes.
func (h *Helix) UserEmoteSets(ctx context.Context, userToken, userID string) ([]catalog.TwitchSet, error) {
	if strings.TrimSpace(userToken) == "" {
		return nil, ErrNoCredentials
	}
	bySet := map[string][]catalog.TwitchEmote{}
	var order []string
	cursor := ""
	for {
		endpoint := userEmotesPath + "?user_id=" + url.QueryEscape(userID)
		if cursor != "" {
			endpoint += "&after=" + url.QueryEscape(cursor)
		}
		var page helixUserEmotesResponse
		if err := h.getJSON(ctx, endpoint, strings.TrimPrefix(userToken, "oauth:"), &page); err != nil {
			return nil, err
		}
		for _, e := range page.Data {
			if _, seen := bySet[e.EmoteSetID]; !seen {
				order = append(order, e.EmoteSetID)
			}
			bySet[e.EmoteSetID] = append(bySet[e.EmoteSetID], catalog.TwitchEmote{ID: e.ID, Code: e.Name})
		}
		if page.Pagination.Cursor == "" || len(page.Data) == 0 {
			break
		}
		cursor = page.Pagination.Cursor
	}

	out := make([]catalog.TwitchSet, 0, len(order))
	for _, id := range order {
		out = append(out, catalog.TwitchSet{ID: id, Emotes: bySet[id]})
	}
	return out, nil
}

func (h *Helix) getJSON(ctx context.Context, endpoint, bearer string, dst any) error {
	return h.get(ctx, endpoint, bearer, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(dst); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// get issues an authenticated GET. An empty bearer uses the app token.
func (h *Helix) get(ctx context.Context, endpoint, bearer string, decode func(io.Reader) error) error {
	if !h.Enabled() {
		return ErrNoCredentials
	}
	if bearer == "" {
		token, err := h.appToken(ctx)
		if err != nil {
			return fmt.Errorf("app token: %w", err)
		}
		bearer = token
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(helixBaseURL, "/")+endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Client-Id", strings.TrimSpace(h.ClientID))

	resp, err := httpClient(h.HTTP).Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return decode(resp.Body)
}

func (h *Helix) appToken(ctx context.Context) (string, error) {
	h.mu.Lock()
	if h.token.token != "" && time.Now().Before(h.token.expiresAt) {
		token := h.token.token
		h.mu.Unlock()
		return token, nil
	}
	h.mu.Unlock()

	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(h.ClientID))
	form.Set("client_secret", strings.TrimSpace(h.ClientSecret))
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient(h.HTTP).Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token status %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	token := strings.TrimSpace(parsed.AccessToken)
	if token == "" {
		return "", errors.New("empty access_token")
	}
	expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
	if parsed.ExpiresIn <= 0 {
		expiresIn = time.Hour
	}

	h.mu.Lock()
	h.token = cachedToken{token: token, expiresAt: time.Now().Add(expiresIn)}
	h.mu.Unlock()
	slog.Debug("providers: refreshed helix app token", "expires_in", expiresIn)
	return token, nil
}

func (h *Helix) cached(m *map[string]cacheEntry, key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := (*m)[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (h *Helix) store(m *map[string]cacheEntry, key, value string) {
	ttl := h.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if *m == nil {
		*m = map[string]cacheEntry{}
	}
	(*m)[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", resp.Request.URL.Path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func isNumericID(value string) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}
