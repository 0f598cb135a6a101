package errors

import (
	"context"
	"errors"
	"net"
)

// Credential errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnauthorized       = errors.New("not authorized")
)

// Remote endpoint errors.
var (
	ErrNotFound          = errors.New("entry not found")
	ErrRemoteUnavailable = errors.New("remote endpoint unavailable")
	ErrRemoteLocked      = errors.New("remote entry locked")
)

// Kind buckets an error by how the sync engine reacts to it.
type Kind int

const (
	// KindPermanent marks failures a retry will not fix.
	KindPermanent Kind = iota
	// KindTransient marks connectivity-class failures worth retrying after backoff.
	KindTransient
	// KindNotFound marks an absent entry, an expected outcome during reconciliation.
	KindNotFound
)

// Classify reports how the engine should treat err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRemoteUnavailable), errors.Is(err, ErrRemoteLocked):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindPermanent
}

// Transient reports whether err is worth a backed-off retry.
func Transient(err error) bool {
	return Classify(err) == KindTransient
}

// NotFound reports whether err means the entry does not exist.
func NotFound(err error) bool {
	return Classify(err) == KindNotFound
}

// InvalidCredentials reports whether err means sign-in was refused.
func InvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// Unauthorized reports whether err means the session is not accepted.
func Unauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
