package transit

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"seqlive.dev/transit/downloader"
	"seqlive.dev/transit/parse"
)

const (
	DefaultPollInterval     = 30 * time.Second
	DefaultFetchTimeout     = 10 * time.Second
	DefaultMaxFeedSize      = 16 << 20
	DefaultInitialBackoff   = 5 * time.Second
	DefaultMaxBackoff       = 2 * time.Minute
	DefaultFailureThreshold = 3
)

type PollerConfig struct {
	FeedURL string
	Headers map[string]string

	PollInterval time.Duration
	FetchTimeout time.Duration
	MaxFeedSize  int

	// Failed cycles back off exponentially from InitialBackoff up
	// to MaxBackoff. A success returns to PollInterval.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// After FailureThreshold consecutive failed cycles the store's
	// health flips to DEGRADED. It flips back on the next success.
	FailureThreshold int
}

// Poller drives the ingestion cycle: fetch the realtime feed, decode
// it, correlate trip references against the schedule, and merge into
// the snapshot store.
type Poller struct {
	cfg        PollerConfig
	dl         downloader.Downloader
	store      *Store
	correlator *Correlator
	logger     zerolog.Logger

	failures int
}

func NewPoller(
	cfg PollerConfig,
	dl downloader.Downloader,
	store *Store,
	correlator *Correlator,
	logger zerolog.Logger,
) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxFeedSize == 0 {
		cfg.MaxFeedSize = DefaultMaxFeedSize
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	return &Poller{
		cfg:        cfg,
		dl:         dl,
		store:      store,
		correlator: correlator,
		logger:     logger,
	}
}

// Poll runs a single ingestion cycle. A stale feed fails the cycle;
// the previously published snapshot stays in effect.
func (p *Poller) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	data, err := p.dl.Get(ctx, p.cfg.FeedURL, p.cfg.Headers, downloader.GetOptions{
		MaxSize: p.cfg.MaxFeedSize,
		Timeout: p.cfg.FetchTimeout,
	})
	if err != nil {
		return &FetchError{URL: p.cfg.FeedURL, Err: err}
	}

	feed, err := parse.ParseFeed(data)
	if err != nil {
		return err
	}

	p.correlator.CorrelateFeed(feed.Entities, feed.Timestamp)

	snap, err := p.store.Merge(feed)
	if err != nil {
		var stale *StaleFeedError
		if errors.As(err, &stale) {
			p.logger.Warn().
				Time("feed_timestamp", stale.FeedTimestamp).
				Time("last_accepted", stale.LastAccepted).
				Msg("feed timestamp regressed, keeping current snapshot")
		}
		return err
	}

	p.logger.Info().
		Uint64("version", snap.Version).
		Time("feed_timestamp", snap.FeedTimestamp).
		Int("trip_updates", len(snap.TripUpdates)).
		Int("vehicles", len(snap.Vehicles)).
		Int("alerts", len(snap.Alerts)).
		Msg("feed ingested")

	return nil
}

// Run polls until ctx is canceled. Failures back off exponentially
// and, past the failure threshold, mark the store DEGRADED.
func (p *Poller) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		wait := p.cfg.PollInterval

		err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			p.failures++
			wait = bo.NextBackOff()

			p.logger.Error().
				Err(err).
				Int("consecutive_failures", p.failures).
				Dur("retry_in", wait).
				Msg("poll cycle failed")

			if p.failures >= p.cfg.FailureThreshold {
				p.store.SetHealth(HealthDegraded)
			}
		} else {
			p.failures = 0
			bo.Reset()
			p.store.SetHealth(HealthOK)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
