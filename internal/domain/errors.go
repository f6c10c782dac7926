package domain

import "errors"

// Failure taxonomy for the courier pipeline. Callers branch with errors.Is;
// everything else is wrapped context around one of these.
var (
	// ErrUserResolution means the source handle could not be resolved to an
	// internal identifier. Surfaced to the subscription owner; the
	// subscription stays but produces nothing.
	ErrUserResolution = errors.New("source handle resolution failed")

	// ErrNoListing means the source returned no item listing at all.
	ErrNoListing = errors.New("no item listing for source")

	// ErrNetwork is a transient network failure, safe to retry next cycle.
	ErrNetwork = errors.New("transient network failure")

	// ErrNoDownloadableMedia is permanent for the item: nothing deliverable
	// was resolved (or only a non-deliverable rendition, e.g. audio-only CDN).
	ErrNoDownloadableMedia = errors.New("no downloadable media")

	// ErrWriteFailure is a local disk problem, permanent for the attempt.
	ErrWriteFailure = errors.New("local write failed")

	// ErrItemInFlight means another caller is already downloading the item;
	// the loser skips and treats the winner as authoritative for the cycle.
	ErrItemInFlight = errors.New("item download already in flight")

	// ErrDeliveryRejected is a destination-side permanent rejection.
	ErrDeliveryRejected = errors.New("delivery rejected by destination")

	// ErrTokenExpired means a reference token no longer resolves, typically
	// because the process restarted since it was issued.
	ErrTokenExpired = errors.New("reference token expired")
)
