package transit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"seqlive.dev/transit/model"
	"seqlive.dev/transit/parse"
)

const (
	DefaultStalenessWindow    = 5 * time.Minute
	DefaultClockSkewTolerance = 30 * time.Second
	DefaultSweepInterval      = 30 * time.Second
	DefaultDelayHistorySize   = 16
)

type Health int

const (
	HealthOK Health = iota
	HealthDegraded
)

func (h Health) String() string {
	if h == HealthDegraded {
		return "DEGRADED"
	}
	return "OK"
}

// Snapshot is an immutable view of current realtime state. Readers
// hold and traverse a snapshot without any locking; a merge builds a
// new one and swaps it in.
type Snapshot struct {
	// Version increases by one for every published snapshot,
	// including sweeps.
	Version uint64

	// FeedTimestamp is the header timestamp of the last accepted
	// feed. TakenAt is when this snapshot was built.
	FeedTimestamp time.Time
	TakenAt       time.Time

	Health Health

	// TripUpdates is keyed by trip instance key (trip ID plus
	// service date), Vehicles by vehicle ID, Alerts by feed entity
	// ID.
	TripUpdates map[string]*model.TripUpdate
	Vehicles    map[string]*model.VehiclePosition
	Alerts      map[string]*model.Alert

	// Bookkeeping for differential deletes and expiry: where each
	// feed entity ID landed, and when it was last observed.
	refs map[string]entityRef
	seen map[string]time.Time
}

type entityRef struct {
	kind model.EntityKind
	key  string
}

// TripUpdate returns the live update for a trip instance, trying the
// date-qualified key first and the bare trip ID second.
func (s *Snapshot) TripUpdate(tripID string, date string) *model.TripUpdate {
	if date != "" {
		if tu, ok := s.TripUpdates[tripID+"|"+date]; ok {
			return tu
		}
	}
	return s.TripUpdates[tripID]
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		FeedTimestamp: s.FeedTimestamp,
		Health:        s.Health,
		TripUpdates:   make(map[string]*model.TripUpdate, len(s.TripUpdates)),
		Vehicles:      make(map[string]*model.VehiclePosition, len(s.Vehicles)),
		Alerts:        make(map[string]*model.Alert, len(s.Alerts)),
		refs:          make(map[string]entityRef, len(s.refs)),
		seen:          make(map[string]time.Time, len(s.seen)),
	}
	for k, v := range s.TripUpdates {
		next.TripUpdates[k] = v
	}
	for k, v := range s.Vehicles {
		next.Vehicles[k] = v
	}
	for k, v := range s.Alerts {
		next.Alerts[k] = v
	}
	for k, v := range s.refs {
		next.refs[k] = v
	}
	for k, v := range s.seen {
		next.seen[k] = v
	}
	return next
}

func (s *Snapshot) deleteEntity(entityID string) bool {
	ref, ok := s.refs[entityID]
	if !ok {
		return false
	}
	switch ref.kind {
	case model.EntityTripUpdate:
		delete(s.TripUpdates, ref.key)
	case model.EntityVehiclePosition:
		delete(s.Vehicles, ref.key)
	case model.EntityAlert:
		delete(s.Alerts, ref.key)
	}
	delete(s.refs, entityID)
	delete(s.seen, entityID)
	return true
}

// dropKind clears all state of one entity kind, for per-type
// replacement on FULL_DATASET messages.
func (s *Snapshot) dropKind(kind model.EntityKind) {
	for entityID, ref := range s.refs {
		if ref.kind != kind {
			continue
		}
		s.deleteEntity(entityID)
	}
}

type StoreConfig struct {
	// Entities older than StalenessWindow are evicted; a snapshot
	// older than it is considered stale by queries.
	StalenessWindow time.Duration

	// Feed header timestamps may regress up to ClockSkewTolerance
	// before the feed is rejected as stale.
	ClockSkewTolerance time.Duration

	// SweepInterval paces the background expiry sweep in Run.
	SweepInterval time.Duration

	// DelayHistorySize bounds the per-trip rolling delay history.
	DelayHistorySize int
}

// Store owns the current snapshot. A single writer (the poller)
// merges feeds; any number of readers call Current concurrently.
type Store struct {
	cfg    StoreConfig
	logger zerolog.Logger

	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	version uint64
	history map[string][]delayObservation

	duplicateKeys atomic.Uint64
}

type delayObservation struct {
	At    time.Time
	Delay time.Duration
}

func NewStore(cfg StoreConfig, logger zerolog.Logger) *Store {
	if cfg.StalenessWindow == 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	if cfg.ClockSkewTolerance == 0 {
		cfg.ClockSkewTolerance = DefaultClockSkewTolerance
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.DelayHistorySize == 0 {
		cfg.DelayHistorySize = DefaultDelayHistorySize
	}

	s := &Store{
		cfg:     cfg,
		logger:  logger,
		history: map[string][]delayObservation{},
	}
	s.current.Store(&Snapshot{
		TripUpdates: map[string]*model.TripUpdate{},
		Vehicles:    map[string]*model.VehiclePosition{},
		Alerts:      map[string]*model.Alert{},
		refs:        map[string]entityRef{},
		seen:        map[string]time.Time{},
	})
	return s
}

// Current returns the latest published snapshot. Never nil, never
// blocks.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

func (s *Store) StalenessWindow() time.Duration {
	return s.cfg.StalenessWindow
}

// DuplicateKeys returns how many duplicate entity IDs have been seen
// across all merged feeds. A growing count is a data quality signal
// from the upstream feed.
func (s *Store) DuplicateKeys() uint64 {
	return s.duplicateKeys.Load()
}

func (s *Store) publish(next *Snapshot, now time.Time) *Snapshot {
	s.version++
	next.Version = s.version
	next.TakenAt = now
	s.current.Store(next)
	return next
}

// Merge applies a decoded feed and publishes a new snapshot. On a
// timestamp regression beyond the skew tolerance it returns a
// StaleFeedError and leaves the current snapshot untouched.
func (s *Store) Merge(feed *parse.Feed) (*Snapshot, error) {
	return s.merge(feed, time.Now().UTC())
}

func (s *Store) merge(feed *parse.Feed, now time.Time) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()

	if !feed.Timestamp.IsZero() && !prev.FeedTimestamp.IsZero() {
		if feed.Timestamp.Before(prev.FeedTimestamp.Add(-s.cfg.ClockSkewTolerance)) {
			return nil, &StaleFeedError{
				FeedTimestamp: feed.Timestamp,
				LastAccepted:  prev.FeedTimestamp,
			}
		}
	}

	next := prev.clone()
	if !feed.Timestamp.IsZero() && feed.Timestamp.After(next.FeedTimestamp) {
		next.FeedTimestamp = feed.Timestamp
	}

	if feed.Incrementality == parse.FullDataset {
		// A full dataset replaces all entities of the kinds
		// present in the message. Kinds absent from the message
		// keep their prior state.
		for _, kind := range presentKinds(feed.Entities) {
			next.dropKind(kind)
		}
	}

	merged := map[string]bool{}
	for _, entity := range feed.Entities {
		if entity.IsDeleted {
			if feed.Incrementality == parse.Differential {
				next.deleteEntity(entity.ID)
			}
			continue
		}

		if merged[entity.ID] {
			// Same entity ID twice in one message. Later
			// entity wins, in message order.
			s.duplicateKeys.Add(1)
			s.logger.Warn().
				Str("entity_id", entity.ID).
				Msg("duplicate entity key in feed")
		}
		merged[entity.ID] = true

		ts := entity.Timestamp()
		if ts.IsZero() {
			ts = feed.Timestamp
		}
		if ts.IsZero() {
			ts = now
		}

		s.upsert(next, entity, ts)
	}

	s.evict(next, now)
	snap := s.publish(next, now)

	s.logger.Debug().
		Uint64("version", snap.Version).
		Str("incrementality", feed.Incrementality.String()).
		Int("entities", len(feed.Entities)).
		Int("trip_updates", len(snap.TripUpdates)).
		Int("vehicles", len(snap.Vehicles)).
		Int("alerts", len(snap.Alerts)).
		Msg("merged feed")

	return snap, nil
}

func (s *Store) upsert(next *Snapshot, entity *model.Entity, ts time.Time) {
	var ref entityRef

	switch {
	case entity.TripUpdate != nil:
		key := entity.TripUpdate.Trip.Key()
		ref = entityRef{kind: model.EntityTripUpdate, key: key}
		next.TripUpdates[key] = entity.TripUpdate
		s.recordDelay(key, entity.TripUpdate, ts)
	case entity.Vehicle != nil:
		key := entity.Vehicle.VehicleID
		if key == "" {
			key = entity.ID
		}
		ref = entityRef{kind: model.EntityVehiclePosition, key: key}
		next.Vehicles[key] = entity.Vehicle
	case entity.Alert != nil:
		ref = entityRef{kind: model.EntityAlert, key: entity.ID}
		next.Alerts[entity.ID] = entity.Alert
	default:
		return
	}

	// If another feed entity previously owned this key, its
	// record has just been replaced. Drop its bookkeeping so a
	// later delete of that entity ID can't remove our record.
	for otherID, other := range next.refs {
		if otherID != entity.ID && other == ref {
			delete(next.refs, otherID)
			delete(next.seen, otherID)
		}
	}

	next.refs[entity.ID] = ref
	next.seen[entity.ID] = ts
}

// recordDelay appends the trip's current first-stop departure delay
// to its rolling history. Bounded per trip; old trips are pruned by
// evict.
func (s *Store) recordDelay(tripKey string, tu *model.TripUpdate, ts time.Time) {
	for _, stu := range tu.StopTimeUpdates {
		if stu.Type != model.StopTimeUpdateScheduled || !stu.DepartureIsSet {
			continue
		}
		obs := append(s.history[tripKey], delayObservation{At: ts, Delay: stu.DepartureDelay})
		if len(obs) > s.cfg.DelayHistorySize {
			obs = obs[len(obs)-s.cfg.DelayHistorySize:]
		}
		s.history[tripKey] = obs
		return
	}
}

// DelayHistory returns recent departure delay observations for a trip
// instance, oldest first.
func (s *Store) DelayHistory(tripKey string) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs := s.history[tripKey]
	delays := make([]time.Duration, len(obs))
	for i, o := range obs {
		delays[i] = o.Delay
	}
	return delays
}

func (s *Store) evict(next *Snapshot, now time.Time) {
	horizon := now.Add(-s.cfg.StalenessWindow)
	for entityID, ts := range next.seen {
		if ts.Before(horizon) {
			next.deleteEntity(entityID)
		}
	}
	for tripKey, obs := range s.history {
		if len(obs) > 0 && obs[len(obs)-1].At.Before(horizon) {
			delete(s.history, tripKey)
		}
	}
}

// Sweep evicts expired entities and publishes a new snapshot version.
// Expiry happens even when no new feeds arrive.
func (s *Store) Sweep() *Snapshot {
	return s.sweep(time.Now().UTC())
}

func (s *Store) sweep(now time.Time) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	s.evict(next, now)
	return s.publish(next, now)
}

// SetHealth republishes the current snapshot with the given health
// flag. No-op when the flag is unchanged.
func (s *Store) SetHealth(h Health) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if prev.Health == h {
		return
	}

	next := prev.clone()
	next.Health = h
	s.publish(next, time.Now().UTC())

	s.logger.Info().Str("health", h.String()).Msg("health changed")
}

// Run sweeps expired entities on a ticker until ctx is canceled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func presentKinds(entities []*model.Entity) []model.EntityKind {
	found := map[model.EntityKind]bool{}
	for _, entity := range entities {
		kind := entity.Kind()
		if kind != model.EntityUnknown {
			found[kind] = true
		}
	}

	kinds := []model.EntityKind{}
	for _, kind := range []model.EntityKind{
		model.EntityTripUpdate,
		model.EntityVehiclePosition,
		model.EntityAlert,
	} {
		if found[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
