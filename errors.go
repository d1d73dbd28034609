package transit

import (
	"fmt"
	"time"

	"seqlive.dev/transit/storage"
)

// ErrNotFound is returned by lookups for unknown IDs. It aliases the
// storage sentinel so errors.Is works across package boundaries.
var ErrNotFound = storage.ErrNotFound

// StaleFeedError means a feed's header timestamp regressed past the
// configured clock skew tolerance. The previously published snapshot
// remains in effect.
type StaleFeedError struct {
	FeedTimestamp time.Time
	LastAccepted  time.Time
}

func (e *StaleFeedError) Error() string {
	return fmt.Sprintf(
		"stale feed: timestamp %s behind last accepted %s",
		e.FeedTimestamp.Format(time.RFC3339),
		e.LastAccepted.Format(time.RFC3339),
	)
}

// FetchError wraps a failure to retrieve the realtime feed.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CorrelationAmbiguityError means a trip reference without a start
// date matched more than one plausible service date. Resolution still
// returns a best guess; the ambiguity is surfaced for logging.
type CorrelationAmbiguityError struct {
	TripID     string
	Candidates []string
}

func (e *CorrelationAmbiguityError) Error() string {
	return fmt.Sprintf("trip %q matches service dates %v", e.TripID, e.Candidates)
}
