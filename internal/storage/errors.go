package storage

import "errors"

var (
	// ErrConfigurationMissing means no remote credentials were provided at all.
	ErrConfigurationMissing = errors.New("remote store not configured")

	// ErrMisconfigured means credentials are present but rejected as malformed.
	ErrMisconfigured = errors.New("remote store misconfigured")

	// ErrPermissionDenied means the remote store rejected a read or write.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUploadUnauthorized means the object store rejected an upload.
	ErrUploadUnauthorized = errors.New("upload unauthorized")

	// ErrQuotaExceeded means the fallback store could not fit the blob.
	ErrQuotaExceeded = errors.New("local storage quota exceeded")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)
