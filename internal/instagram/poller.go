package instagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cuongbtq/tgbot-jobs/internal/instagram/storage"
)

// Authenticator is the session lifecycle the poller drives.
type Authenticator interface {
	IsLoggedIn() bool
	Login(ctx context.Context) error
	Reauthenticate(ctx context.Context) error
}

// LiveFetcher lists active broadcasts.
type LiveFetcher interface {
	FetchLive(ctx context.Context) ([]Broadcast, error)
}

// LiveStore applies a poll result.
type LiveStore interface {
	ReplaceLive(ctx context.Context, live []storage.LiveBroadcast) (storage.SwapResult, error)
}

// PollerConfig tunes the poll cadence.
type PollerConfig struct {
	// MinInterval and MaxInterval bound the randomized pause between successful polls.
	MinInterval time.Duration
	MaxInterval time.Duration
	// FailureThreshold consecutive failures switch to a Cooldown pause.
	FailureThreshold int
	Cooldown         time.Duration
	// InitialBackoff grows up to MaxBackoff across consecutive failures.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger

	// Sleep waits for d and reports false when ctx ended first. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) bool
	// Jitter returns a value in [0, n). Tests replace it.
	Jitter func(n int64) int64
}

// Poller keeps insta_links in step with the reels tray.
type Poller struct {
	session Authenticator
	fetcher LiveFetcher
	store   LiveStore
	cfg     PollerConfig
	logger  *slog.Logger
}

func NewPoller(session Authenticator, fetcher LiveFetcher, store LiveStore, cfg PollerConfig) *Poller {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 120 * time.Second
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Int63n
	}

	return &Poller{
		session: session,
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "instagram_poller")),
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// NextInterval picks the pause before the next poll, uniform in [MinInterval, MaxInterval].
func (p *Poller) NextInterval() time.Duration {
	span := int64(p.cfg.MaxInterval - p.cfg.MinInterval)
	if span <= 0 {
		return p.cfg.MinInterval
	}
	return p.cfg.MinInterval + time.Duration(p.cfg.Jitter(span+1))
}

// Poll runs one cycle: log in if needed, fetch, swap the live set.
func (p *Poller) Poll(ctx context.Context) (storage.SwapResult, error) {
	if !p.session.IsLoggedIn() {
		if err := p.session.Login(ctx); err != nil {
			return storage.SwapResult{}, fmt.Errorf("instagram login: %w", err)
		}
	}

	broadcasts, err := p.fetcher.FetchLive(ctx)
	if err != nil {
		return storage.SwapResult{}, err
	}

	live := make([]storage.LiveBroadcast, 0, len(broadcasts))
	for _, b := range broadcasts {
		live = append(live, storage.LiveBroadcast{
			Username:    b.Username,
			BroadcastID: b.ID,
			ViewerCount: b.ViewerCount,
		})
		p.logger.Debug("Account is live",
			slog.String("username", b.Username),
			slog.Int("viewers", b.ViewerCount),
		)
	}
	return p.store.ReplaceLive(ctx, live)
}

func (p *Poller) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run polls until ctx ends. Failures back off exponentially; FailureThreshold
// failures in a row pause for Cooldown and start the count over. A rejected
// session is re-authenticated before the next attempt.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Instagram poller started",
		slog.Duration("min_interval", p.cfg.MinInterval),
		slog.Duration("max_interval", p.cfg.MaxInterval),
	)

	failBackoff := p.newBackOff()
	failures := 0

	for {
		result, err := p.Poll(ctx)
		if ctx.Err() != nil {
			p.logger.Info("Instagram poller stopped")
			return nil
		}

		var wait time.Duration
		if err == nil {
			failures = 0
			failBackoff.Reset()
			wait = p.NextInterval()
			p.logger.Info("Live check complete",
				slog.Int("live", result.Live),
				slog.Duration("next_check", wait),
			)
		} else {
			failures++
			p.logger.Error("Live check failed",
				slog.Int("consecutive_failures", failures),
				slog.Any("error", err),
			)

			if errors.Is(err, ErrLoginRequired) {
				if authErr := p.session.Reauthenticate(ctx); authErr != nil {
					p.logger.Error("Instagram re-authentication failed", slog.Any("error", authErr))
				}
			}

			if failures >= p.cfg.FailureThreshold {
				wait = p.cfg.Cooldown
				p.logger.Warn("Too many consecutive failures, cooling down",
					slog.Int("failures", failures),
					slog.Duration("cooldown", wait),
				)
				failures = 0
				failBackoff.Reset()
			} else {
				wait = failBackoff.NextBackOff()
			}
		}

		if !p.cfg.Sleep(ctx, wait) {
			p.logger.Info("Instagram poller stopped")
			return nil
		}
	}
}
