// Audiobookshelf implementation of [Provider]
//
// API response types based on https://api.audiobookshelf.org/
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
	"golang.org/x/time/rate"
)

// Resolver caches ASIN to Audiobookshelf library item ID mappings so the
// expensive library search runs at most once per book per deployment.
type Resolver interface {
	Get(asin string) (string, bool)
	Put(asin, itemID string) error
}

// absMediaProgress is one entry of the user's mediaProgress array.
type absMediaProgress struct {
	ID            string    `json:"id"`
	LibraryItemID string    `json:"libraryItemId"`
	CurrentTime   float64   `json:"currentTime"`
	Duration      float64   `json:"duration"`
	LastUpdate    int64     `json:"lastUpdate"` // epoch milliseconds
	IsFinished    bool      `json:"isFinished"`
	Media         *absMedia `json:"media"`
}

type absMetadata struct {
	ASIN  string `json:"asin"`
	Title string `json:"title"`
}

type absMedia struct {
	ID       string      `json:"id"`
	Duration float64     `json:"duration"`
	Metadata absMetadata `json:"metadata"`
}

// absMe is the authenticated user payload from /api/me.
type absMe struct {
	ID            string             `json:"id"`
	Username      string             `json:"username"`
	MediaProgress []absMediaProgress `json:"mediaProgress"`
}

type absLibrary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

type absLibrariesResponse struct {
	Libraries []absLibrary `json:"libraries"`
}

type absLibraryItem struct {
	ID    string    `json:"id"`
	Media *absMedia `json:"media"`
}

type absSearchHit struct {
	LibraryItem *absLibraryItem `json:"libraryItem"`
}

type absSearchResponse struct {
	Book []absSearchHit `json:"book"`
}

// ABSService implements the Provider interface for an Audiobookshelf server.
type ABSService struct {
	baseURL    string
	token      string
	libraryID  string
	userID     string
	httpClient *http.Client
	limiter    *rate.Limiter
	resolver   Resolver
	logger     *log.Logger

	// asinMap is read and written by concurrent fetch workers.
	mu      sync.Mutex
	asinMap map[string]string // asin -> library item id, session cache
}

// ABSOpts contains configuration for creating an ABSService.
type ABSOpts struct {
	BaseURL    string
	Token      string
	LibraryID  string
	Timeout    time.Duration
	RateLimit  float64
	Resolver   Resolver
	HTTPClient *http.Client
	Logger     *log.Logger
}

// NewABSService creates a new Audiobookshelf provider instance.
func NewABSService(opts ABSOpts) *ABSService {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5.0
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	return &ABSService{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		libraryID:  opts.LibraryID,
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		resolver:   opts.Resolver,
		logger:     opts.Logger.With("provider", "abs"),
		asinMap:    map[string]string{},
	}
}

// Name returns the provider name.
func (a *ABSService) Name() string {
	return "Audiobookshelf"
}

// Authenticate validates the configured API token by fetching the current user.
func (a *ABSService) Authenticate(ctx context.Context) error {
	if a.token == "" {
		return fmt.Errorf("%w: no Audiobookshelf token configured", shared.ErrMissingCredentials)
	}

	var me absMe
	if err := a.doRequest(ctx, http.MethodGet, "/api/me", nil, &me); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}
	if me.ID == "" {
		return fmt.Errorf("%w: could not determine user ID", shared.ErrAuthFailed)
	}

	a.userID = me.ID
	a.logger.Info("connected to Audiobookshelf", "user", me.Username)
	return nil
}

// ListActiveItems returns in-progress books from the user's media progress,
// skipping finished items and items without an ASIN.
func (a *ABSService) ListActiveItems(ctx context.Context) ([]models.ActiveItem, error) {
	var me absMe
	if err := a.doRequest(ctx, http.MethodGet, "/api/me", nil, &me); err != nil {
		return nil, err
	}

	items := make([]models.ActiveItem, 0, len(me.MediaProgress))
	for _, prog := range me.MediaProgress {
		if prog.IsFinished || prog.Media == nil {
			continue
		}
		asin := prog.Media.Metadata.ASIN
		if asin == "" {
			continue
		}

		a.cacheResolution(asin, prog.LibraryItemID)

		duration := prog.Duration
		if duration == 0 {
			duration = prog.Media.Duration
		}

		items = append(items, models.ActiveItem{
			BookID:          asin,
			PositionSeconds: prog.CurrentTime,
			DurationSeconds: duration,
			SourceTimestamp: fromEpochMillis(prog.LastUpdate),
		})
	}
	return items, nil
}

// GetPosition fetches the resume position for a book by ASIN.
//
// A book that resolves to a library item but has no progress record yet is
// reported at position zero rather than as an error.
func (a *ABSService) GetPosition(ctx context.Context, bookID string) (*models.Observation, error) {
	itemID, err := a.resolveItem(ctx, bookID)
	if err != nil {
		return nil, err
	}

	var prog absMediaProgress
	err = a.doRequest(ctx, http.MethodGet, "/api/me/progress/"+url.PathEscape(itemID), nil, &prog)
	if err != nil {
		if isNotFound(err) {
			return &models.Observation{ObservedAt: time.Now()}, nil
		}
		return nil, err
	}

	return &models.Observation{
		PositionSeconds: prog.CurrentTime,
		SourceTimestamp: fromEpochMillis(prog.LastUpdate),
		ObservedAt:      time.Now(),
	}, nil
}

// SetPosition writes a resume position for a book by ASIN.
func (a *ABSService) SetPosition(ctx context.Context, bookID string, seconds float64) error {
	itemID, err := a.resolveItem(ctx, bookID)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"currentTime": seconds,
		"isFinished":  false,
	}
	if err := a.doRequest(ctx, http.MethodPatch, "/api/me/progress/"+url.PathEscape(itemID), payload, nil); err != nil {
		return err
	}

	a.logger.Debug("updated progress", "item", itemID, "position", seconds)
	return nil
}

// resolveItem maps an ASIN to a library item ID using, in order: the session
// cache, the persistent resolver, and a library search.
func (a *ABSService) resolveItem(ctx context.Context, asin string) (string, error) {
	a.mu.Lock()
	id, ok := a.asinMap[asin]
	a.mu.Unlock()
	if ok {
		return id, nil
	}
	if a.resolver != nil {
		if id, ok := a.resolver.Get(asin); ok {
			a.mu.Lock()
			a.asinMap[asin] = id
			a.mu.Unlock()
			return id, nil
		}
	}

	libraries, err := a.listLibraries(ctx)
	if err != nil {
		return "", err
	}

	for _, libID := range libraries {
		var result absSearchResponse
		path := fmt.Sprintf("/api/libraries/%s/search?q=%s", url.PathEscape(libID), url.QueryEscape(asin))
		if err := a.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
			a.logger.Debug("library search failed", "library", libID, "asin", asin, "err", err)
			continue
		}

		for _, hit := range result.Book {
			item := hit.LibraryItem
			if item == nil || item.Media == nil {
				continue
			}
			if item.Media.Metadata.ASIN == asin {
				a.cacheResolution(asin, item.ID)
				return item.ID, nil
			}
		}
	}

	return "", fmt.Errorf("%w: no Audiobookshelf item for ASIN %s: %w", shared.ErrPermanent, asin, shared.ErrItemNotFound)
}

func (a *ABSService) listLibraries(ctx context.Context) ([]string, error) {
	if a.libraryID != "" {
		return []string{a.libraryID}, nil
	}

	var resp absLibrariesResponse
	if err := a.doRequest(ctx, http.MethodGet, "/api/libraries", nil, &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Libraries))
	for _, lib := range resp.Libraries {
		if lib.MediaType == "" || lib.MediaType == "book" {
			ids = append(ids, lib.ID)
		}
	}
	return ids, nil
}

func (a *ABSService) cacheResolution(asin, itemID string) {
	if itemID == "" {
		return
	}
	a.mu.Lock()
	a.asinMap[asin] = itemID
	a.mu.Unlock()
	if a.resolver != nil {
		if err := a.resolver.Put(asin, itemID); err != nil {
			a.logger.Debug("failed to cache resolution", "asin", asin, "err", err)
		}
	}
}

func (a *ABSService) doRequest(ctx context.Context, method, path string, body, result any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: decode response: %v", shared.ErrAPIRequest, err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, shared.ErrItemNotFound)
}

func fromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
