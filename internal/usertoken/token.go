// Package usertoken keeps the Twitch user access token used for chat and the
// user emote endpoint. The token may come from config, from a file kept up to
// date by another process, or from refresh-token rotation.
package usertoken

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrEmptyToken = errors.New("usertoken: empty token")

// Normalize trims s and prefixes it with "oauth:". Empty input stays empty.
func Normalize(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// Bare strips the "oauth:" prefix, which Helix rejects.
func Bare(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "oauth:")
}

type Options struct {
	// Static is used when no file is configured or the file is unreadable.
	Static string
	// File holds the access token. Refreshes are written back to it.
	File string
	// RefreshFile holds the refresh token. When empty the refresh token
	// lives in memory only.
	RefreshFile  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	Clock        clockwork.Clock
}

// Source hands out the current user token and notifies subscribers when it
// changes.
type Source struct {
	opts  Options
	clock clockwork.Clock

	mu          sync.RWMutex
	token       string
	refresh     string
	lastExpires time.Duration
	listeners   []func(string)
}

func NewSource(opts Options) *Source {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{
		opts:    opts,
		clock:   clock,
		token:   Normalize(opts.Static),
		refresh: strings.TrimSpace(opts.RefreshToken),
	}
}

// Token returns the current token in "oauth:" form, or "" when none is known.
func (s *Source) Token() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// OnChange registers fn to run after every token change.
func (s *Source) OnChange(fn func(token string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// CanRefresh reports whether refresh-token rotation is configured.
func (s *Source) CanRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.ClientID != "" && s.opts.ClientSecret != "" && s.refresh != ""
}

// Load reads the token file and, when set, the refresh token file. A
// missing or empty token file keeps the current token.
func (s *Source) Load() error {
	if s.opts.File != "" {
		data, err := os.ReadFile(s.opts.File)
		if err != nil {
			return err
		}
		token := Normalize(string(data))
		if token == "" {
			return ErrEmptyToken
		}
		s.set(token)
	}
	if s.opts.RefreshFile != "" {
		data, err := os.ReadFile(s.opts.RefreshFile)
		if err != nil {
			return err
		}
		if refresh := strings.TrimSpace(string(data)); refresh != "" {
			s.mu.Lock()
			s.refresh = refresh
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *Source) set(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	slog.Info("usertoken: token updated")
	for _, fn := range listeners {
		fn(token)
	}
}
