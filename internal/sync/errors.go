package sync

import (
	"errors"
	"fmt"

	"github.com/Martian-dev/brain-sync/internal/auth"
)

// Kind categorizes sync failures. The kind decides whether a failure is
// recovered at item level or surfaces at collection level.
type Kind string

const (
	// KindCredentialUnavailable means the source cannot be reached at all.
	KindCredentialUnavailable Kind = "credential_unavailable"
	// KindTransientFetch is a failed page or item fetch.
	KindTransientFetch Kind = "transient_fetch"
	// KindMalformedItem is a raw record that could not be normalized.
	KindMalformedItem Kind = "malformed_item"
	// KindWriteFailure means the sink could not persist an artifact.
	KindWriteFailure Kind = "write_failure"
	// KindKeyCollision means two stable ids normalized to the same artifact key.
	KindKeyCollision Kind = "key_collision"
	// KindCheckpointPersist means a watermark could not be saved.
	KindCheckpointPersist Kind = "checkpoint_persist"
	// KindInternal covers everything else.
	KindInternal Kind = "internal"
)

// Error is a categorized sync failure.
type Error struct {
	Kind         Kind
	CollectionID string
	StableID     string
	Message      string
	Cause        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.CollectionID != "" {
		msg += " [" + e.CollectionID
		if e.StableID != "" {
			msg += "/" + e.StableID
		}
		msg += "]"
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, collectionID, stableID, message string, cause error) *Error {
	return &Error{Kind: kind, CollectionID: collectionID, StableID: stableID, Message: message, Cause: cause}
}

// TransientFetch wraps a failed remote call. stableID is empty for page fetches.
func TransientFetch(collectionID, stableID string, cause error) *Error {
	msg := "page fetch failed"
	if stableID != "" {
		msg = "item fetch failed"
	}
	return newError(KindTransientFetch, collectionID, stableID, msg, cause)
}

// MalformedItem wraps a normalization failure.
func MalformedItem(collectionID, stableID string, cause error) *Error {
	return newError(KindMalformedItem, collectionID, stableID, "cannot normalize item", cause)
}

// WriteFailure wraps a sink persistence failure.
func WriteFailure(collectionID, stableID string, cause error) *Error {
	return newError(KindWriteFailure, collectionID, stableID, "write failed", cause)
}

// KeyCollision reports that key is already claimed by otherID.
func KeyCollision(collectionID, stableID, key, otherID string) *Error {
	return newError(KindKeyCollision, collectionID, stableID,
		fmt.Sprintf("key %q already holds stable id %q", key, otherID), nil)
}

// CheckpointPersist wraps a failed CheckpointStore.Save.
func CheckpointPersist(collectionID string, cause error) *Error {
	return newError(KindCheckpointPersist, collectionID, "", "checkpoint save failed", cause)
}

// KindOf returns the kind of err. Credential errors from the auth package are
// recognized without being wrapped in *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, auth.ErrCredentialUnavailable) {
		return KindCredentialUnavailable
	}
	return KindInternal
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
