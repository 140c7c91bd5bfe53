package usertoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var tokenEndpoint = "https://id.twitch.tv/oauth2/token"

const (
	refreshTimeout = 15 * time.Second
	minRefreshWait = time.Minute
	maxBackoff     = time.Minute
)

// Refresh trades the refresh token for a new access token. Twitch may rotate
// the refresh token as well; both are written back to their files when
// configured.
func (s *Source) Refresh(ctx context.Context, client *http.Client) (time.Duration, error) {
	if !s.CanRefresh() {
		return 0, errors.New("usertoken: refresh requires client credentials and a refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}

	s.mu.RLock()
	refresh := s.refresh
	s.mu.RUnlock()

	oc := &oauth2.Config{
		ClientID:     s.opts.ClientID,
		ClientSecret: s.opts.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenEndpoint, AuthStyle: oauth2.AuthStyleInParams},
	}
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return 0, fmt.Errorf("usertoken: refresh: %w", err)
	}

	token := Normalize(tok.AccessToken)
	if token == "" {
		return 0, ErrEmptyToken
	}
	expires := time.Hour
	if !tok.Expiry.IsZero() {
		expires = time.Until(tok.Expiry).Round(time.Second)
	}

	if s.opts.File != "" {
		if err := atomicWrite(s.opts.File, []byte(token+"\n")); err != nil {
			return 0, fmt.Errorf("usertoken: write token file: %w", err)
		}
	}
	if rotated := strings.TrimSpace(tok.RefreshToken); rotated != "" && rotated != refresh {
		s.mu.Lock()
		s.refresh = rotated
		s.mu.Unlock()
		if s.opts.RefreshFile != "" {
			if err := atomicWrite(s.opts.RefreshFile, []byte(rotated+"\n")); err != nil {
				return 0, fmt.Errorf("usertoken: write refresh file: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.lastExpires = expires
	s.mu.Unlock()
	s.set(token)

	slog.Info("usertoken: refreshed", "expires_at", s.clock.Now().Add(expires).UTC().Format(time.RFC3339))
	return expires, nil
}

// Run refreshes the token at 85% of its lifetime until ctx is done. Failures
// retry with doubling waits capped at a minute. It returns immediately when
// refresh is not configured.
func (s *Source) Run(ctx context.Context, client *http.Client) {
	if !s.CanRefresh() {
		return
	}

	s.mu.RLock()
	wait := nextWait(s.lastExpires)
	s.mu.RUnlock()
	if s.Token() == "" {
		wait = 0
	}

	backoff := time.Second
	timer := s.clock.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}

		expires, err := s.Refresh(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("usertoken: auto refresh failed", "error", err, "retry_in", backoff)
			timer.Reset(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		timer.Reset(nextWait(expires))
	}
}

func nextWait(expires time.Duration) time.Duration {
	if expires <= 0 {
		return minRefreshWait
	}
	return max(expires*85/100, minRefreshWait)
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
