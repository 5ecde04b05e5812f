package offline

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotConfigured     = errors.New("not configured")
	ErrNotFound          = errors.New("not found")
	ErrOffline           = errors.New("offline")
	ErrSyncInProgress    = errors.New("sync in progress")
	ErrNotInstallable    = errors.New("install offer not available")
	ErrPromptInFlight    = errors.New("install prompt in flight")
	ErrNamespaceNotFound = errors.New("cache namespace not found")
)
