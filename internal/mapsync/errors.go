package mapsync

import (
	"errors"

	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
)

// ErrorKind classifies a terminal controller error.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindPermissionDenied ErrorKind = "permission-denied"
	KindMisconfigured    ErrorKind = "misconfigured"
	KindUnreachable      ErrorKind = "unreachable"
)

var (
	ErrConfigurationMissing = storage.ErrConfigurationMissing
	ErrPermissionDenied     = storage.ErrPermissionDenied
	ErrMisconfigured        = storage.ErrMisconfigured
	ErrUploadUnauthorized   = storage.ErrUploadUnauthorized
	ErrQuotaExceeded        = storage.ErrQuotaExceeded
	ErrInvalidMarker        = core.ErrInvalidMarker

	// ErrConnectionTimeout means the remote store did not answer within ConnectTimeout.
	ErrConnectionTimeout = errors.New("remote store connection timed out")

	// ErrNotReady is returned by mutations while connecting or in the error state.
	ErrNotReady = errors.New("map data not ready")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("controller already started")
)

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, storage.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, storage.ErrMisconfigured):
		return KindMisconfigured
	default:
		return KindNone
	}
}
