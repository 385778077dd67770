// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package backend is the HTTP client for the family location service.

Every call goes through an outbound rate limiter and a circuit breaker and
returns typed errors so that connectivity.Classify can map them:

  - *StatusError for non-2xx responses (HttpRequest kind)
  - *DecodeError for bodies that cannot be parsed (Deserialization kind)
  - *RejectedError for a 2xx envelope with success=false
  - ErrCircuitOpen while the breaker refuses calls

The bearer token is opaque to this package. It is set once (SetAuthToken or
Login) and attached to every subsequent request.
*/
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/metrics"
	"github.com/tomtom215/familysync/internal/models"
)

// Endpoints relative to Config.BaseURL.
const (
	EndpointFamilyLocations = "location/family-locations"
	EndpointUpdateLocation  = "location/update"
	EndpointCreateFamily    = "family/create"
	EndpointJoinFamily      = "family/join"
	EndpointFamilyMembers   = "family/members"
	EndpointLogin           = "auth/login"
)

// maxErrorBodySize limits how much of an error response is read.
const maxErrorBodySize = 64 * 1024

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("backend circuit open")

// Config configures the client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string

	// RequestsPerSecond <= 0 disables outbound rate limiting.
	RequestsPerSecond float64
	Burst             int

	BreakerName         string
	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
}

// DefaultConfig points at a local development backend with a 30s request timeout.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "https://localhost:7000/api/",
		Timeout:             30 * time.Second,
		RequestsPerSecond:   5,
		Burst:               10,
		BreakerName:         "backend-api",
		BreakerMaxRequests:  3,
		BreakerInterval:     time.Minute,
		BreakerTimeout:      time.Minute,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,
	}
}

// Envelope is the response wrapper used by every backend endpoint.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Message)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// DecodeError means a response body could not be parsed.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Malformed marks the error as a deserialization fault.
func (e *DecodeError) Malformed() bool { return true }

// RejectedError is a 2xx envelope whose success flag is false. The backend
// was reachable; the request itself was refused.
type RejectedError struct {
	Endpoint string
	Message  string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by backend", e.Endpoint)
	}
	return e.Message
}

// Rejected marks the error as an application level refusal.
func (e *RejectedError) Rejected() bool { return true }

// Client talks to the backend.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
	name       string

	mu    sync.RWMutex
	token string
}

// NewClient creates a client. The base URL must be absolute.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("backend url %q is not absolute", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := cfg.BreakerName
	if name == "" {
		name = "backend-api"
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		name:       name,
		token:      cfg.AuthToken,
	}
	c.cb = newBreaker(name, cfg)

	metrics.RecordCircuitBreakerState(name, 0)
	return c, nil
}

func newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker[[]byte] {
	minRequests := cfg.BreakerMinRequests
	ratio := cfg.BreakerFailureRatio
	if ratio <= 0 {
		ratio = 0.6
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			trip := failureRatio >= ratio
			if trip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return trip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("[CIRCUIT BREAKER] State transition")
			metrics.RecordCircuitBreakerState(name, stateToFloat(to))
		},

		// A refused request still proves the backend is up.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code >= 400 && se.Code < 500 &&
					se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests
			}
			var de *DecodeError
			return errors.As(err, &de)
		},
	})
}

// SetAuthToken sets the bearer token attached to every call.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// AuthToken returns the current bearer token.
func (c *Client) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	return stateToString(c.cb.State())
}

// FetchFamilyLocations returns the last known position of every family member.
func (c *Client) FetchFamilyLocations(ctx context.Context) ([]models.LocationRecord, error) {
	locs, err := call[[]models.LocationRecord](ctx, c, http.MethodGet, EndpointFamilyLocations, nil)
	if err != nil {
		return nil, err
	}
	if locs == nil {
		locs = []models.LocationRecord{}
	}
	return locs, nil
}

// PushLocation reports the device position.
func (c *Client) PushLocation(ctx context.Context, latitude, longitude, accuracy float64) error {
	body := models.PushLocationRequest{Latitude: latitude, Longitude: longitude, Accuracy: accuracy}
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, EndpointUpdateLocation, body)
	return err
}

// CreateFamily creates a family owned by the current user.
func (c *Client) CreateFamily(ctx context.Context, name string) (*models.Family, error) {
	fam, err := call[models.Family](ctx, c, http.MethodPost, EndpointCreateFamily, models.CreateFamilyRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return &fam, nil
}

// JoinFamily joins an existing family by its public GUID.
func (c *Client) JoinFamily(ctx context.Context, familyGUID string) (*models.Family, error) {
	fam, err := call[models.Family](ctx, c, http.MethodPost, EndpointJoinFamily, models.JoinFamilyRequest{FamilyGUID: familyGUID})
	if err != nil {
		return nil, err
	}
	return &fam, nil
}

// FamilyMembers lists the members of the current user's family.
func (c *Client) FamilyMembers(ctx context.Context) ([]models.FamilyMember, error) {
	return call[[]models.FamilyMember](ctx, c, http.MethodGet, EndpointFamilyMembers, nil)
}

// Login authenticates and stores the returned token.
func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResult, error) {
	body := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password}

	res, err := call[models.LoginResult](ctx, c, http.MethodPost, EndpointLogin, body)
	if err != nil {
		return nil, err
	}
	if res.Token != "" {
		c.SetAuthToken(res.Token)
	}
	return &res, nil
}

// Replay resends a queued request. POST carries payload as the JSON body;
// every other method is sent as a GET. Only the status code matters.
func (c *Client) Replay(ctx context.Context, method, endpoint string, payload []byte) error {
	if strings.EqualFold(method, http.MethodPost) && len(payload) > 0 {
		_, err := c.execute(ctx, http.MethodPost, endpoint, payload)
		return err
	}
	_, err := c.execute(ctx, http.MethodGet, endpoint, nil)
	return err
}

// call encodes body, performs the request and unwraps the envelope.
func call[T any](ctx context.Context, c *Client, method, endpoint string, body any) (T, error) {
	var zero T

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		payload = b
	}

	raw, err := c.execute(ctx, method, endpoint, payload)
	if err != nil {
		return zero, err
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return zero, nil
	}

	var env Envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, &DecodeError{Endpoint: endpoint, Err: err}
	}
	if !env.Success {
		return zero, &RejectedError{Endpoint: endpoint, Message: env.Message}
	}
	return env.Data, nil
}

// execute runs one request through the limiter and breaker and returns the body of a 2xx response.
func (c *Client) execute(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, method, endpoint, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Str("endpoint", endpoint).Msg("[CIRCUIT BREAKER] Request rejected")
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	ref, err := url.Parse(strings.TrimPrefix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	target := c.baseURL.ResolveReference(ref)

	var reader io.Reader = http.NoBody
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AuthToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(readBodyForError(resp.Body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return body, nil
}

// errorMessage prefers the envelope message of an error body.
func errorMessage(body []byte) string {
	var env Envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return strings.TrimSpace(string(body))
}

// readBodyForError reads at most 64KB of a response body for diagnostics.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
