// package services defines interface Provider for interacting with platform HTTP APIs
//
// Audible, Audiobookshelf
package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
)

// Provider defines the capability set the engine needs from each platform:
// listing what the user is currently listening to, and reading and writing
// resume positions for a single book.
//
// All positions cross this boundary in seconds; platform-native units
// (Audible reports milliseconds) are converted inside the implementation.
type Provider interface {
	// Name returns the platform name (e.g. "Audible", "Audiobookshelf").
	Name() string

	// Authenticate validates the pre-provisioned credential artifact and
	// prepares the client for API calls. Session refresh is handled
	// internally; a failure here is surfaced as shared.ErrAuthFailed.
	Authenticate(ctx context.Context) error

	// ListActiveItems returns the books the platform reports as in
	// progress, most recent first.
	ListActiveItems(ctx context.Context) ([]models.ActiveItem, error)

	// GetPosition fetches the current resume position for a book.
	GetPosition(ctx context.Context, bookID string) (*models.Observation, error)

	// SetPosition writes a resume position for a book. The write is
	// externally visible and irreversible; callers gate it accordingly.
	SetPosition(ctx context.Context, bookID string, seconds float64) error
}

// classifyStatus maps an HTTP response code onto the engine's failure
// taxonomy so callers can decide between retry, skip, and watchlist removal
// with errors.Is.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", shared.ErrAuthFailed, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: http %d: %w", shared.ErrPermanent, status, shared.ErrItemNotFound)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http %d", shared.ErrTransient, status)
	case status >= 500:
		return fmt.Errorf("%w: http %d", shared.ErrTransient, status)
	case status >= 400:
		return fmt.Errorf("%w: http %d", shared.ErrPermanent, status)
	default:
		return nil
	}
}

// classifyTransportErr wraps network-level failures as transient so the
// scheduler retries them with backoff.
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: %v", shared.ErrTransient, shared.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", shared.ErrTransient, shared.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", shared.ErrTransient, err)
}
