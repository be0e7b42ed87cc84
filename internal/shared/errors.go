package shared

import "fmt"

var (
	// Configuration errors
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")

	// Authentication errors
	ErrAuthFailed     = fmt.Errorf("authentication failed")
	ErrRefreshFailed  = fmt.Errorf("token refresh failed")
	ErrNoRefreshToken = fmt.Errorf("no refresh token available")
	ErrTimeout        = fmt.Errorf("operation timed out")

	// Provider failure taxonomy. Transient failures are retried with
	// bounded backoff within a tick; permanent failures drop the book from
	// the active watchlist while its state is retained.
	ErrTransient    = fmt.Errorf("transient provider failure")
	ErrPermanent    = fmt.Errorf("permanent provider failure")
	ErrItemNotFound = fmt.Errorf("item not found")

	// API and service errors
	ErrAPIRequest = fmt.Errorf("API request failed")

	// State persistence errors
	ErrStatePersist = fmt.Errorf("state persistence failed")
)
