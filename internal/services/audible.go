// Audible API implementation of [Provider]
//
// Talks to the Audible customer API with a pre-provisioned device session
// (access + refresh token pair, the artifact produced by device registration).
// Token refresh goes through the Amazon OAuth endpoint via [oauth2].
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const amazonTokenURL = "https://api.amazon.com/auth/o2/token"

// audibleDomains maps marketplace locales to API top-level domains.
var audibleDomains = map[string]string{
	"us": "com",
	"ca": "ca",
	"uk": "co.uk",
	"au": "com.au",
	"fr": "fr",
	"de": "de",
	"es": "es",
	"it": "it",
	"in": "in",
	"jp": "co.jp",
}

// audibleSession is the on-disk credential artifact. It is produced by an
// external registration flow and refreshed in place by this client.
type audibleSession struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	Expires      float64 `json:"expires"` // epoch seconds
	Locale       string  `json:"locale,omitempty"`
}

type audibleListeningStatus struct {
	PositionMs     int64  `json:"position_ms"`
	LastListenedAt string `json:"last_listened_at"`
	IsFinished     bool   `json:"is_finished"`
}

type audibleLibraryItem struct {
	ASIN             string                  `json:"asin"`
	Title            string                  `json:"title"`
	RuntimeLengthMin float64                 `json:"runtime_length_min"`
	PurchaseDate     string                  `json:"purchase_date"`
	ListeningStatus  *audibleListeningStatus `json:"listening_status"`
}

type audibleLibraryResponse struct {
	Items []audibleLibraryItem `json:"items"`
}

type audibleLastPosition struct {
	ASIN          string `json:"asin"`
	PositionMs    int64  `json:"position_ms"`
	LastUpdatedAt string `json:"last_updated_at"`
}

// AudibleService implements the Provider interface for Audible.
type AudibleService struct {
	sessionPath string
	locale      string
	recentLimit int
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *log.Logger

	mu          sync.Mutex
	tokenSource oauth2.TokenSource
	lastToken   string // access token last written to disk
}

// AudibleOpts contains configuration for creating an AudibleService.
type AudibleOpts struct {
	SessionPath string
	Locale      string
	BaseURL     string // override for tests; derived from locale when empty
	RecentLimit int
	Timeout     time.Duration
	RateLimit   float64
	HTTPClient  *http.Client
	Logger      *log.Logger
}

// NewAudibleService creates a new Audible provider instance.
func NewAudibleService(opts AudibleOpts) *AudibleService {
	if opts.Locale == "" {
		opts.Locale = "us"
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5.0
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		domain, ok := audibleDomains[opts.Locale]
		if !ok {
			domain = "com"
		}
		baseURL = fmt.Sprintf("https://api.audible.%s", domain)
	}

	return &AudibleService{
		sessionPath: opts.SessionPath,
		locale:      opts.Locale,
		recentLimit: opts.RecentLimit,
		baseURL:     baseURL,
		httpClient:  opts.HTTPClient,
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		logger:      opts.Logger.With("provider", "audible"),
	}
}

// Name returns the provider name.
func (s *AudibleService) Name() string {
	return "Audible"
}

// Authenticate loads the device session artifact and wires up token refresh.
func (s *AudibleService) Authenticate(ctx context.Context) error {
	data, err := os.ReadFile(s.sessionPath)
	if err != nil {
		return fmt.Errorf("%w: read session file: %v", shared.ErrMissingCredentials, err)
	}

	var session audibleSession
	if err := json.Unmarshal(data, &session); err != nil {
		return fmt.Errorf("%w: parse session file: %v", shared.ErrInvalidCredentials, err)
	}
	if session.RefreshToken == "" {
		return fmt.Errorf("%w: session file has no refresh token", shared.ErrNoRefreshToken)
	}

	token := &oauth2.Token{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Unix(int64(session.Expires), 0),
	}

	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{TokenURL: amazonTokenURL},
	}

	s.mu.Lock()
	s.tokenSource = oauth2.ReuseTokenSource(token, conf.TokenSource(ctx, token))
	s.lastToken = session.AccessToken
	s.mu.Unlock()

	if _, err := s.bearer(); err != nil {
		return err
	}

	s.logger.Info("Audible session ready", "locale", s.locale)
	return nil
}

// ListActiveItems returns recently listened books with their last positions.
func (s *AudibleService) ListActiveItems(ctx context.Context) ([]models.ActiveItem, error) {
	params := url.Values{}
	params.Set("response_groups", "listening_status")
	params.Set("sort_by", "-LastListened")
	params.Set("num_results", fmt.Sprint(s.recentLimit))

	var resp audibleLibraryResponse
	if err := s.doRequest(ctx, http.MethodGet, "/1.0/library?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	items := make([]models.ActiveItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		ls := item.ListeningStatus
		if ls == nil || ls.IsFinished || item.ASIN == "" {
			continue
		}
		items = append(items, models.ActiveItem{
			BookID:          item.ASIN,
			PositionSeconds: float64(ls.PositionMs) / 1000.0,
			DurationSeconds: item.RuntimeLengthMin * 60,
			SourceTimestamp: parseAudibleTime(ls.LastListenedAt),
		})
	}
	return items, nil
}

// ListRecentAdditions returns ASINs purchased or added since the given time,
// feeding the slow discovery pass of the watchlist.
func (s *AudibleService) ListRecentAdditions(ctx context.Context, since time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("sort_by", "-PurchaseDate")
	params.Set("num_results", "50")
	params.Set("purchased_after", since.UTC().Format(time.RFC3339))

	var resp audibleLibraryResponse
	if err := s.doRequest(ctx, http.MethodGet, "/1.0/library?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	asins := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.ASIN != "" {
			asins = append(asins, item.ASIN)
		}
	}
	return asins, nil
}

// GetPosition fetches the last position heard for a book.
func (s *AudibleService) GetPosition(ctx context.Context, bookID string) (*models.Observation, error) {
	var pos audibleLastPosition
	path := "/1.0/lastpositions/" + url.PathEscape(bookID)
	if err := s.doRequest(ctx, http.MethodGet, path, nil, &pos); err != nil {
		return nil, err
	}

	return &models.Observation{
		PositionSeconds: float64(pos.PositionMs) / 1000.0,
		SourceTimestamp: parseAudibleTime(pos.LastUpdatedAt),
		ObservedAt:      time.Now(),
	}, nil
}

// SetPosition writes the last position heard for a book. Audible positions
// are milliseconds on the wire.
func (s *AudibleService) SetPosition(ctx context.Context, bookID string, seconds float64) error {
	payload := map[string]any{
		"position_ms": int64(seconds * 1000),
		"uploaded_at": time.Now().UTC().Format(time.RFC3339),
	}
	path := "/1.0/lastpositions/" + url.PathEscape(bookID)
	if err := s.doRequest(ctx, http.MethodPut, path, payload, nil); err != nil {
		return err
	}

	s.logger.Debug("updated last position", "asin", bookID, "position", seconds)
	return nil
}

// bearer returns a currently-valid access token, persisting the session file
// when the refresh flow rotated it.
func (s *AudibleService) bearer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokenSource == nil {
		return "", fmt.Errorf("%w: Authenticate not called", shared.ErrAuthFailed)
	}

	token, err := s.tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", shared.ErrAuthFailed, shared.ErrRefreshFailed, err)
	}

	if token.AccessToken != s.lastToken {
		s.persistSession(token)
		s.lastToken = token.AccessToken
	}
	return token.AccessToken, nil
}

// persistSession rewrites the session artifact after a token refresh so a
// restart does not replay an expired access token. Best effort: a write
// failure only costs one extra refresh on the next start.
func (s *AudibleService) persistSession(token *oauth2.Token) {
	session := audibleSession{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expires:      float64(token.Expiry.Unix()),
		Locale:       s.locale,
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal refreshed session", "err", err)
		return
	}
	if err := os.WriteFile(s.sessionPath, data, 0600); err != nil {
		s.logger.Warn("failed to persist refreshed session", "err", err)
	}
}

func (s *AudibleService) doRequest(ctx context.Context, method, path string, body, result any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	accessToken, err := s.bearer()
	if err != nil {
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

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
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

func parseAudibleTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
