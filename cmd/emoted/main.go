package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/you/gnasty-emotes/internal/annotator"
	"github.com/you/gnasty-emotes/internal/backfill"
	"github.com/you/gnasty-emotes/internal/catalog"
	"github.com/you/gnasty-emotes/internal/config"
	"github.com/you/gnasty-emotes/internal/httpapi"
	"github.com/you/gnasty-emotes/internal/ingest"
	"github.com/you/gnasty-emotes/internal/logging"
	"github.com/you/gnasty-emotes/internal/metrics"
	"github.com/you/gnasty-emotes/internal/payload"
	"github.com/you/gnasty-emotes/internal/providers"
	"github.com/you/gnasty-emotes/internal/refresh"
	"github.com/you/gnasty-emotes/internal/sink"
	"github.com/you/gnasty-emotes/internal/usertoken"
	"github.com/you/gnasty-emotes/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		versionFlag bool
		envFile     string
	)
	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&envFile, "env", ".env", "Optional env file read before the environment")
	flag.Parse()

	if versionFlag {
		fmt.Printf("emoted version: %s\n", version.Get())
		return
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emoted: %v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("emoted: starting", "version", version.Version, "commit", version.Commit)
	slog.Info("emoted: config", "summary", string(cfg.SummaryJSON()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("emoted: exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("emoted: stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	helix := providers.NewHelix(cfg.TwitchClientID, cfg.TwitchClientSecret)
	third := providers.NewThirdParty(nil)

	svcOpts := annotator.Options{CacheCapacity: cfg.CacheCapacity, Metrics: m}
	if helix.Enabled() {
		svcOpts.SetOwners = helix
	}

	var invalidator *backfill.Invalidator
	if cfg.RedisURL != "" {
		guard, err := backfill.NewRedisGuardFromURL(ctx, cfg.RedisURL, cfg.BackfillTTL)
		if err != nil {
			return err
		}
		defer guard.Close()
		svcOpts.Guard = guard
		invalidator = backfill.NewInvalidator(guard.Client())
	}
	svc := annotator.New(svcOpts)

	tokens := usertoken.NewSource(usertoken.Options{
		Static:       cfg.TwitchToken,
		File:         cfg.TwitchTokenFile,
		RefreshFile:  cfg.TwitchRefreshFile,
		RefreshToken: cfg.TwitchRefresh,
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
	})
	if err := tokens.Load(); err != nil {
		slog.Warn("emoted: token files unreadable; using configured token", "err", err)
	}

	db, err := sink.OpenSQLite(cfg.SQLitePath, sink.SQLiteOptions{Tuning: cfg.SQLiteTuning})
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("emoted: closing sink", "err", err)
		}
	}()

	apiOpts := httpapi.Options{
		Addr:           cfg.HTTPAddr,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOrigins,
		EnableMetrics:  cfg.MetricsEnabled,
		Metrics:        m,
		Build:          httpapi.BuildInfo{Version: version.Version, Revision: version.Commit, BuiltAt: version.BuiltAt()},
		AdminToken:     cfg.AdminToken,
	}
	if invalidator != nil {
		apiOpts.Publisher = invalidator
	}
	// filled in once the chat client and refresher exist
	channels := &channelControl{}
	apiOpts.Channels = channels
	api := httpapi.New(svc, db, apiOpts)

	var writer sink.Writer = sink.WithAPI(db, api, m)
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		buffered := sink.NewBufferedWriter(writer, sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		defer func() {
			if err := buffered.Close(); err != nil {
				slog.Warn("emoted: flush buffered sink", "err", err)
			}
		}()
		writer = buffered
	}

	var (
		loader *backfill.Loader
		bf     ingest.Backfiller
	)
	if cfg.BackfillEnabled {
		loader = backfill.NewLoader(third, svc, writer)
		bf = loader
	}
	chat := ingest.New(ingest.Config{
		Nick:     cfg.TwitchNick,
		Token:    tokens.Token(),
		Channels: cfg.TwitchChannels,
	}, svc, writer, bf)
	tokens.OnChange(chat.SetToken)

	refresher := refresh.New(refresh.Options{
		Target:   svc,
		Emotes:   third,
		Twitch:   userEmotes(helix, tokens, cfg.TwitchNick),
		Interval: cfg.RefreshInterval,
		Metrics:  m,
		Badges:   badgeSource(helix),
		IDs:      idResolver(helix),
	})
	for _, ch := range cfg.TwitchChannels {
		refresher.Add(ch)
	}
	channels.chat = chat
	channels.refresh = refresher

	g, ctx := errgroup.WithContext(ctx)

	if cfg.PayloadDir != "" {
		watcher := payload.NewWatcher(cfg.PayloadDir, svc)
		g.Go(func() error { return watcher.Run(ctx, nil) })
	}

	if invalidator != nil {
		// Another instance cleared a gate: replay the channel here if we
		// read it. The shared guard lets exactly one instance win.
		<-invalidator.Subscribe(ctx, func(channel string) {
			if loader == nil || !slices.Contains(chat.Channels(), channel) {
				return
			}
			go func() {
				if _, err := loader.Load(ctx, channel); err != nil {
					slog.Warn("emoted: backfill after clear failed", "channel", channel, "err", err)
				}
			}()
		})
	}

	g.Go(func() error { return api.Start() })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return refresher.Run(ctx) })
	g.Go(func() error {
		svc.Frames().Animate(ctx, clockwork.NewRealClock(), cfg.FrameInterval)
		return nil
	})
	g.Go(func() error {
		tokens.Run(ctx, nil)
		return nil
	})
	g.Go(func() error { return tokens.Watch(ctx) })

	if len(cfg.TwitchChannels) > 0 {
		g.Go(func() error { return chat.Run(ctx) })
	} else {
		slog.Info("emoted: no twitch channels configured; chat ingest disabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// userEmotes reads the emote sets of the configured chat user. It needs
// Helix app credentials to resolve the user id and a user token to read the
// sets.
func userEmotes(helix *providers.Helix, tokens *usertoken.Source, nick string) refresh.TwitchFunc {
	if !helix.Enabled() || nick == "" {
		return nil
	}
	return func(ctx context.Context) ([]catalog.TwitchSet, error) {
		token := tokens.Token()
		if token == "" {
			return nil, providers.ErrNoCredentials
		}
		id, err := helix.UserID(ctx, nick)
		if err != nil {
			return nil, err
		}
		return helix.UserEmoteSets(ctx, usertoken.Bare(token), id)
	}
}

func badgeSource(helix *providers.Helix) refresh.BadgeSource {
	if !helix.Enabled() {
		return nil
	}
	return helix
}

func idResolver(helix *providers.Helix) refresh.IDResolver {
	if !helix.Enabled() {
		return nil
	}
	return helix
}
