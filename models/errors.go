package models

import (
	"errors"
	"fmt"
)

var (
	// Registry errors
	ErrCodeSpaceExhausted   = errors.New("code space exhausted")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSelfJoinRejected     = errors.New("cannot join your own session")
	ErrSessionAlreadyJoined = errors.New("session already joined")

	// Swipe errors
	ErrSessionNotActive = errors.New("session not active")
	ErrNotAParticipant  = errors.New("not a participant")

	// ErrMatchRaceLost is internal: the other racer already created the match.
	ErrMatchRaceLost = errors.New("match race lost")

	// Store-level errors
	ErrCodeTaken     = errors.New("code already in use")
	ErrSwipeNotFound = errors.New("swipe not found")

	// Validation
	ErrInvalidArgument = errors.New("invalid argument")

	// Infrastructure errors, retried with backoff before being surfaced
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrStoreConflict is a retryable failure the backend guarantees did not
	// commit, such as a cancelled transaction. Retrying after it leaves no
	// doubt about the earlier attempt.
	ErrStoreConflict = fmt.Errorf("%w: write rejected before commit", ErrStoreUnavailable)
)
