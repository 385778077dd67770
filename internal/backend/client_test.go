// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/familysync/internal/connectivity"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL + "/api/"
	cfg.RequestsPerSecond = 0
	cfg.BreakerName = t.Name()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, env any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BaseURL = "api/"
	if _, err := NewClient(cfg); err == nil {
		t.Error("expected error for relative base url")
	}
}

func TestFetchFamilyLocations(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/location/family-locations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data": []map[string]any{
				{"userId": "u1", "userName": "Ana", "latitude": 40.4, "longitude": -3.7, "isOnline": true, "minutesAgo": 2},
				{"userId": "u2", "userName": "Luis", "latitude": 41.3, "longitude": 2.1, "minutesAgo": 45},
			},
		})
	})
	c.SetAuthToken("secret")

	locs, err := c.FetchFamilyLocations(context.Background())
	if err != nil {
		t.Fatalf("FetchFamilyLocations() error = %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("got %d locations, want 2", len(locs))
	}
	if locs[0].UserID != "u1" || !locs[0].IsOnline || locs[0].MinutesAgo != 2 {
		t.Errorf("unexpected first record %+v", locs[0])
	}
	if locs[1].UserName != "Luis" || locs[1].MinutesAgo != 45 {
		t.Errorf("unexpected second record %+v", locs[1])
	}
}

func TestFetchFamilyLocationsEmptyData(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(t, w, http.StatusOK, map[string]any{"success": true})
	})

	locs, err := c.FetchFamilyLocations(context.Background())
	if err != nil {
		t.Fatalf("FetchFamilyLocations() error = %v", err)
	}
	if locs == nil || len(locs) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", locs)
	}
}

func TestPushLocationBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/location/update" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["latitude"] != 40.5 || body["longitude"] != -3.5 || body["accuracy"] != 12 {
			t.Errorf("unexpected body %v", body)
		}
		writeEnvelope(t, w, http.StatusOK, map[string]any{"success": true})
	})

	if err := c.PushLocation(context.Background(), 40.5, -3.5, 12); err != nil {
		t.Fatalf("PushLocation() error = %v", err)
	}
}

func TestErrorTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		check     func(t *testing.T, err error)
		wantKind  connectivity.ErrorKind
		retryable bool
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, `{"success":false,"message":"maintenance"}`)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) {
					t.Fatalf("expected *StatusError, got %T", err)
				}
				if se.StatusCode() != http.StatusServiceUnavailable || se.Message != "maintenance" {
					t.Errorf("unexpected %+v", se)
				}
			},
			wantKind:  connectivity.KindHTTPRequest,
			retryable: true,
		},
		{
			name: "bad request",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "bad coordinates", http.StatusBadRequest)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
					t.Fatalf("expected 400 StatusError, got %v", err)
				}
				if !strings.Contains(se.Message, "bad coordinates") {
					t.Errorf("message = %q", se.Message)
				}
			},
			wantKind:  connectivity.KindHTTPRequest,
			retryable: false,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"success": tru`)
			},
			check: func(t *testing.T, err error) {
				var de *DecodeError
				if !errors.As(err, &de) {
					t.Fatalf("expected *DecodeError, got %T", err)
				}
			},
			wantKind:  connectivity.KindDeserialization,
			retryable: false,
		},
		{
			name: "rejected envelope",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"success":false,"message":"not a family member"}`)
			},
			check: func(t *testing.T, err error) {
				var re *RejectedError
				if !errors.As(err, &re) {
					t.Fatalf("expected *RejectedError, got %T", err)
				}
				if err.Error() != "not a family member" {
					t.Errorf("Error() = %q", err.Error())
				}
			},
			wantKind:  connectivity.KindUnknown,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.handler)
			_, err := c.FetchFamilyLocations(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)

			nerr := connectivity.Classify(err)
			if nerr.Kind != tt.wantKind {
				t.Errorf("Classify kind = %v, want %v", nerr.Kind, tt.wantKind)
			}
			if nerr.Retryable != tt.retryable {
				t.Errorf("Classify retryable = %v, want %v", nerr.Retryable, tt.retryable)
			}
		})
	}
}

func TestLoginStoresToken(t *testing.T) {
	t.Parallel()

	var sawToken atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["email"] != "ana@example.com" || body["password"] != "pw" {
				t.Errorf("unexpected login body %v", body)
			}
			writeEnvelope(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"token": "tok-1", "user": map[string]any{"id": "u1", "name": "Ana"}},
			})
		case "/api/family/members":
			sawToken.Store(r.Header.Get("Authorization") == "Bearer tok-1")
			writeEnvelope(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    []map[string]any{{"userId": "u1", "name": "Ana", "isAdmin": true}},
			})
		default:
			http.NotFound(w, r)
		}
	})

	res, err := c.Login(context.Background(), "ana@example.com", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.Token != "tok-1" || res.User.Name != "Ana" {
		t.Errorf("unexpected login result %+v", res)
	}
	if c.AuthToken() != "tok-1" {
		t.Errorf("AuthToken() = %q", c.AuthToken())
	}

	members, err := c.FamilyMembers(context.Background())
	if err != nil {
		t.Fatalf("FamilyMembers() error = %v", err)
	}
	if len(members) != 1 || !members[0].IsAdmin {
		t.Errorf("unexpected members %+v", members)
	}
	if !sawToken.Load() {
		t.Error("token from login was not attached to the next call")
	}
}

func TestCreateAndJoinFamily(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/api/family/create":
			writeEnvelope(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"id": "f1", "name": body["name"], "familyGuid": "g-1"},
			})
		case "/api/family/join":
			writeEnvelope(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"id": "f1", "familyGuid": body["familyGuid"]},
			})
		default:
			http.NotFound(w, r)
		}
	})

	fam, err := c.CreateFamily(context.Background(), "Garcia")
	if err != nil {
		t.Fatalf("CreateFamily() error = %v", err)
	}
	if fam.Name != "Garcia" || fam.FamilyGUID != "g-1" {
		t.Errorf("unexpected family %+v", fam)
	}

	fam, err = c.JoinFamily(context.Background(), "g-2")
	if err != nil {
		t.Fatalf("JoinFamily() error = %v", err)
	}
	if fam.FamilyGUID != "g-2" {
		t.Errorf("FamilyGUID = %q, want g-2", fam.FamilyGUID)
	}
}

func TestReplay(t *testing.T) {
	t.Parallel()

	type seen struct {
		method, path, body string
	}
	var (
		mu  sync.Mutex
		got []seen
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, seen{r.Method, r.URL.Path, string(b)})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	if err := c.Replay(ctx, "post", "family/join", []byte(`{"familyGuid":"g"}`)); err != nil {
		t.Fatalf("Replay(POST) error = %v", err)
	}
	if err := c.Replay(ctx, "GET", "family/members", nil); err != nil {
		t.Fatalf("Replay(GET) error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d requests, want 2", len(got))
	}
	if got[0].method != http.MethodPost || got[0].path != "/api/family/join" || got[0].body != `{"familyGuid":"g"}` {
		t.Errorf("unexpected first replay %+v", got[0])
	}
	if got[1].method != http.MethodGet || got[1].path != "/api/family/members" || got[1].body != "" {
		t.Errorf("unexpected second replay %+v", got[1])
	}
}

func TestReplayFailureStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Replay(context.Background(), http.MethodGet, "family/members", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("Replay() error = %v, want 502 StatusError", err)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = c.FetchFamilyLocations(context.Background())
	}

	if !errors.Is(lastErr, ErrCircuitOpen) {
		t.Fatalf("last error = %v, want ErrCircuitOpen", lastErr)
	}
	if !errors.Is(lastErr, gobreaker.ErrOpenState) {
		t.Errorf("expected wrapped gobreaker.ErrOpenState, got %v", lastErr)
	}
	if calls.Load() >= 10 {
		t.Errorf("server saw %d calls, breaker never short-circuited", calls.Load())
	}
	if c.BreakerState() != "open" {
		t.Errorf("BreakerState() = %q, want open", c.BreakerState())
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 10; i++ {
		_, err := c.FetchFamilyLocations(context.Background())
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d: breaker opened on 404 responses", i)
		}
	}
	if c.BreakerState() != "closed" {
		t.Errorf("BreakerState() = %q, want closed", c.BreakerState())
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 50 * time.Millisecond
	cfg.BreakerName = t.Name()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.FetchFamilyLocations(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := connectivity.Classify(err).Kind; kind != connectivity.KindTimeout {
		t.Errorf("Classify kind = %v, want Timeout", kind)
	}
}

func TestReadBodyForErrorTruncates(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", maxErrorBodySize+10)
	got := readBodyForError(strings.NewReader(big))
	if !strings.HasSuffix(string(got), "(truncated)") {
		t.Error("expected truncation marker")
	}
	if small := readBodyForError(strings.NewReader("oops")); string(small) != "oops" {
		t.Errorf("readBodyForError = %q", small)
	}
}
