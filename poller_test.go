package transit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"seqlive.dev/transit"
	"seqlive.dev/transit/downloader"
	"seqlive.dev/transit/parse"
)

const feedURL = "http://transit.example.com/gtfs-rt"

func marshalTripFeed(t *testing.T, timestamp time.Time, tripID string, delaySeconds int32) []byte {
	incrementality := gtfsproto.FeedHeader_FULL_DATASET
	schedRel := gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED

	feed := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(timestamp.Unix())),
		},
		Entity: []*gtfsproto.FeedEntity{
			{
				Id: proto.String("e-" + tripID),
				TripUpdate: &gtfsproto.TripUpdate{
					Trip: &gtfsproto.TripDescriptor{TripId: proto.String(tripID)},
					StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{
						{
							StopSequence:         proto.Uint32(1),
							ScheduleRelationship: &schedRel,
							Departure: &gtfsproto.TripUpdate_StopTimeEvent{
								Delay: proto.Int32(delaySeconds),
							},
						},
					},
				},
			},
		},
	}

	data, err := proto.Marshal(feed)
	require.NoError(t, err)
	return data
}

func newPoller(t *testing.T, dl downloader.Downloader, cfg transit.PollerConfig) (*transit.Poller, *transit.Store) {
	schedule := simpleScheduleFixture(t)
	store := transit.NewStore(transit.StoreConfig{}, zerolog.Nop())
	correlator := transit.NewCorrelator(schedule, zerolog.Nop())

	cfg.FeedURL = feedURL
	return transit.NewPoller(cfg, dl, store, correlator, zerolog.Nop()), store
}

func TestPollerPoll(t *testing.T) {
	dl := downloader.NewMemoryDownloader()
	dl.Set(feedURL, marshalTripFeed(t, time.Now(), "t1", 300))

	poller, store := newPoller(t, dl, transit.PollerConfig{})

	require.NoError(t, poller.Poll(context.Background()))

	snap := store.Current()
	assert.Len(t, snap.TripUpdates, 1)
	assert.Equal(t, 1, dl.Requests[feedURL])
}

func TestPollerFetchError(t *testing.T) {
	dl := downloader.NewMemoryDownloader()
	dl.SetError(feedURL, errors.New("connection refused"))

	poller, store := newPoller(t, dl, transit.PollerConfig{})

	err := poller.Poll(context.Background())
	var fetchErr *transit.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, feedURL, fetchErr.URL)

	assert.Empty(t, store.Current().TripUpdates)
}

func TestPollerDecodeError(t *testing.T) {
	dl := downloader.NewMemoryDownloader()
	dl.Set(feedURL, []byte("certainly not a protobuf"))

	poller, _ := newPoller(t, dl, transit.PollerConfig{})

	err := poller.Poll(context.Background())
	var decodeErr *parse.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestPollerStaleFeedFailsCycle(t *testing.T) {
	dl := downloader.NewMemoryDownloader()

	now := time.Now()
	dl.Set(feedURL, marshalTripFeed(t, now, "t1", 300))

	poller, store := newPoller(t, dl, transit.PollerConfig{})
	require.NoError(t, poller.Poll(context.Background()))
	version := store.Current().Version

	// A feed with a regressed timestamp fails the cycle, counting
	// toward backoff. The snapshot stays as it was.
	dl.Set(feedURL, marshalTripFeed(t, now.Add(-10*time.Minute), "t2", 60))
	err := poller.Poll(context.Background())
	var stale *transit.StaleFeedError
	require.ErrorAs(t, err, &stale)

	snap := store.Current()
	assert.Equal(t, version, snap.Version)
	assert.Len(t, snap.TripUpdates, 1)
}

func TestPollerRunDegradesAndRecovers(t *testing.T) {
	dl := downloader.NewMemoryDownloader()
	dl.SetError(feedURL, errors.New("boom"))

	poller, store := newPoller(t, dl, transit.PollerConfig{
		PollInterval:     time.Millisecond,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		FailureThreshold: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return store.Current().Health == transit.HealthDegraded
	}, 5*time.Second, 5*time.Millisecond, "expected DEGRADED after repeated failures")

	// Upstream recovers; health returns to OK on the next success.
	dl.Set(feedURL, marshalTripFeed(t, time.Now(), "t1", 120))

	require.Eventually(t, func() bool {
		return store.Current().Health == transit.HealthOK
	}, 5*time.Second, 5*time.Millisecond, "expected recovery to OK")

	cancel()
	<-done
}
