package driven

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEncryptionKeyNotSet is returned by TokenStore operations when
	// LEADBRIDGE_SECRET_KEY has not been configured.
	ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set LEADBRIDGE_SECRET_KEY")

	// ErrNoToken is returned when amoCRM has never been authorized.
	ErrNoToken = errors.New("amocrm not authorized")

	// ErrReauthorizationRequired is returned when amoCRM rejects the refresh
	// token and the OAuth flow has to be run again.
	ErrReauthorizationRequired = errors.New("amocrm reauthorization required")

	// ErrRejected is matched by amoCRM errors that will fail again unchanged,
	// such as a 400 on malformed contact data.
	ErrRejected = errors.New("amocrm rejected the request")
)
