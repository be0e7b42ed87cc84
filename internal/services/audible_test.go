package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
)

func writeSession(t *testing.T, session audibleSession) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audible.json")
	data, err := json.Marshal(session)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// freshSession returns a session whose access token is still valid, so no
// refresh round-trip to Amazon happens during the test.
func freshSession(t *testing.T) string {
	return writeSession(t, audibleSession{
		AccessToken:  "Atna|access",
		RefreshToken: "Atnr|refresh",
		Expires:      float64(time.Now().Add(time.Hour).Unix()),
		Locale:       "us",
	})
}

func newTestAudible(t *testing.T, handler http.Handler, sessionPath string) *AudibleService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc := NewAudibleService(AudibleOpts{
		SessionPath: sessionPath,
		BaseURL:     srv.URL,
		RateLimit:   1000,
	})
	if err := svc.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	return svc
}

func TestAudibleAuthenticate(t *testing.T) {
	t.Run("missing session file", func(t *testing.T) {
		svc := NewAudibleService(AudibleOpts{SessionPath: filepath.Join(t.TempDir(), "nope.json")})
		err := svc.Authenticate(context.Background())
		if !errors.Is(err, shared.ErrMissingCredentials) {
			t.Errorf("expected ErrMissingCredentials, got %v", err)
		}
	})

	t.Run("corrupt session file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audible.json")
		os.WriteFile(path, []byte("{nope"), 0600)

		svc := NewAudibleService(AudibleOpts{SessionPath: path})
		err := svc.Authenticate(context.Background())
		if !errors.Is(err, shared.ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("session without refresh token", func(t *testing.T) {
		path := writeSession(t, audibleSession{AccessToken: "Atna|access"})
		svc := NewAudibleService(AudibleOpts{SessionPath: path})
		err := svc.Authenticate(context.Background())
		if !errors.Is(err, shared.ErrNoRefreshToken) {
			t.Errorf("expected ErrNoRefreshToken, got %v", err)
		}
	})

	t.Run("valid session is accepted", func(t *testing.T) {
		svc := NewAudibleService(AudibleOpts{SessionPath: freshSession(t)})
		if err := svc.Authenticate(context.Background()); err != nil {
			t.Errorf("expected success, got %v", err)
		}
	})
}

func TestAudibleListActiveItems(t *testing.T) {
	resp := audibleLibraryResponse{Items: []audibleLibraryItem{
		{
			ASIN:             "B0ALPHA01",
			RuntimeLengthMin: 60,
			ListeningStatus: &audibleListeningStatus{
				PositionMs:     742500,
				LastListenedAt: "2026-08-30T12:00:00Z",
			},
		},
		{
			ASIN:            "B0DONE001",
			ListeningStatus: &audibleListeningStatus{PositionMs: 100, IsFinished: true},
		},
		{ASIN: "B0NEVER01"},
	}}

	svc := newTestAudible(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer Atna|access" {
			t.Errorf("unexpected auth header %q", got)
		}
		q := r.URL.Query()
		if q.Get("response_groups") != "listening_status" || q.Get("sort_by") != "-LastListened" {
			t.Errorf("unexpected query %v", q)
		}
		json.NewEncoder(w).Encode(resp)
	}), freshSession(t))

	items, err := svc.ListActiveItems(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if len(items) != 1 {
		t.Fatalf("expected finished and never-started entries skipped, got %d", len(items))
	}
	item := items[0]
	if item.PositionSeconds != 742.5 {
		t.Errorf("expected milliseconds converted to 742.5s, got %v", item.PositionSeconds)
	}
	if item.DurationSeconds != 3600 {
		t.Errorf("expected runtime minutes converted to 3600s, got %v", item.DurationSeconds)
	}
	if item.SourceTimestamp.IsZero() {
		t.Error("expected last_listened_at parsed")
	}
}

func TestAudibleGetPosition(t *testing.T) {
	t.Run("converts milliseconds", func(t *testing.T) {
		svc := newTestAudible(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/1.0/lastpositions/B0ALPHA01" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(audibleLastPosition{
				ASIN:          "B0ALPHA01",
				PositionMs:    900000,
				LastUpdatedAt: "2026-08-30T12:00:00.000Z",
			})
		}), freshSession(t))

		obs, err := svc.GetPosition(context.Background(), "B0ALPHA01")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if obs.PositionSeconds != 900 {
			t.Errorf("expected 900s, got %v", obs.PositionSeconds)
		}
		if obs.SourceTimestamp.IsZero() {
			t.Error("expected millisecond timestamp layout parsed")
		}
	})

	t.Run("server errors are transient", func(t *testing.T) {
		svc := newTestAudible(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}), freshSession(t))

		_, err := svc.GetPosition(context.Background(), "B0ALPHA01")
		if !errors.Is(err, shared.ErrTransient) {
			t.Errorf("expected transient, got %v", err)
		}
	})
}

func TestAudibleSetPosition(t *testing.T) {
	var got map[string]any
	svc := newTestAudible(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/1.0/lastpositions/B0ALPHA01" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}), freshSession(t))

	if err := svc.SetPosition(context.Background(), "B0ALPHA01", 742.5); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got["position_ms"] != float64(742500) {
		t.Errorf("expected position_ms 742500, got %v", got["position_ms"])
	}
	if got["uploaded_at"] == "" {
		t.Error("expected uploaded_at set")
	}
}

func TestParseAudibleTime(t *testing.T) {
	tests := []struct {
		name  string
		value string
		zero  bool
	}{
		{"rfc3339", "2026-08-30T12:00:00Z", false},
		{"millisecond layout", "2026-08-30T12:00:00.000Z", false},
		{"empty", "", true},
		{"garbage", "yesterday", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAudibleTime(tt.value)
			if got.IsZero() != tt.zero {
				t.Errorf("parseAudibleTime(%q) = %v, want zero=%v", tt.value, got, tt.zero)
			}
		})
	}
}
