package quota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dubwire/dubwire/pkg/types"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

type failingTokens struct{}

func (failingTokens) Token(context.Context) (string, error) {
	return "", errors.New("no stored token")
}

func TestHTTPRemote_Sync(t *testing.T) {
	var gotAuth string
	var gotReq SyncRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		limit := 300.0
		_ = json.NewEncoder(w).Encode(SyncResponse{
			ServerUsedSeconds: 120,
			DailyLimitSeconds: &limit,
		})
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, staticTokens("tok-1"))
	resp, err := r.Sync(context.Background(), SyncRequest{
		SessionID:         "sess-9",
		ClientUsedSeconds: 33,
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if resp.ServerUsedSeconds != 120 {
		t.Errorf("ServerUsedSeconds = %v, want 120", resp.ServerUsedSeconds)
	}
	if resp.DailyLimitSeconds == nil || *resp.DailyLimitSeconds != 300 {
		t.Errorf("DailyLimitSeconds = %v, want 300", resp.DailyLimitSeconds)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok-1")
	}
	if gotReq.SessionID != "sess-9" || gotReq.ClientUsedSeconds != 33 {
		t.Errorf("request = %+v, want sess-9 with 33 used seconds", gotReq)
	}
}

func TestHTTPRemote_UnlimitedTierOmitsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"server_used_seconds": 5}`))
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, nil)
	resp, err := r.Sync(context.Background(), SyncRequest{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if resp.DailyLimitSeconds != nil {
		t.Errorf("DailyLimitSeconds = %v, want nil", resp.DailyLimitSeconds)
	}
}

func TestHTTPRemote_StatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: types.ErrAuthentication},
		{name: "forbidden", status: http.StatusForbidden, wantErr: types.ErrAuthentication},
		{name: "server error", status: http.StatusInternalServerError, wantErr: types.ErrTransientNetwork},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: types.ErrTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			r := NewHTTPRemote(srv.URL, nil)
			_, err := r.Sync(context.Background(), SyncRequest{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Sync() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPRemote_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, nil)
	_, err := r.Sync(context.Background(), SyncRequest{})
	if !errors.Is(err, types.ErrProtocol) {
		t.Errorf("Sync() error = %v, want ErrProtocol", err)
	}
}

func TestHTTPRemote_TokenSourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("request reached the server without a token")
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, failingTokens{})
	_, err := r.Sync(context.Background(), SyncRequest{})
	if !errors.Is(err, types.ErrAuthentication) {
		t.Errorf("Sync() error = %v, want ErrAuthentication", err)
	}
}

func TestHTTPRemote_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	r := NewHTTPRemote(srv.URL, nil)
	_, err := r.Sync(context.Background(), SyncRequest{})
	if !errors.Is(err, types.ErrTransientNetwork) {
		t.Errorf("Sync() error = %v, want ErrTransientNetwork", err)
	}
}
