// Package api is the HTTP client for the fitness backend. It is the one
// place that turns transport failures and HTTP statuses into the network and
// server-rejected error kinds the offline layer branches on.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/uuid"
)

const (
	apiPrefix        = "/api/v1"
	defaultUserAgent = "fitcoach-core/0.1"
	defaultTimeout   = 10 * time.Second
	maxErrorBody     = 64 << 10
)

// TokenSource supplies the bearer token for each request. Authentication
// itself lives outside this module.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Client talks to the fitness backend.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	tokens    TokenSource
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient builds a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// =====================================================
// Sets
// =====================================================

// UpdateSet sends PATCH /sets/{id}.
func (c *Client) UpdateSet(ctx context.Context, setID string, patch models.SetPatch) (*models.WorkoutSet, error) {
	id, err := canonicalID("set", setID)
	if err != nil {
		return nil, err
	}
	var out models.WorkoutSet
	if err := c.do(ctx, http.MethodPatch, "/sets/"+id, nil, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSet sends DELETE /sets/{id}.
func (c *Client) DeleteSet(ctx context.Context, setID string) error {
	id, err := canonicalID("set", setID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, "/sets/"+id, nil, nil, nil)
}

// AddSet sends POST /workout-exercises/{id}/sets.
func (c *Client) AddSet(ctx context.Context, workoutExerciseID string, body models.NewSet) (*models.WorkoutSet, error) {
	id, err := canonicalID("workout exercise", workoutExerciseID)
	if err != nil {
		return nil, err
	}
	var out models.WorkoutSet
	if err := c.do(ctx, http.MethodPost, "/workout-exercises/"+id+"/sets", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =====================================================
// Workouts
// =====================================================

// ListWorkouts sends GET /workouts?limit=N. A limit of zero uses the
// server default.
func (c *Client) ListWorkouts(ctx context.Context, limit int) (*models.HistoryPage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out models.HistoryPage
	if err := c.do(ctx, http.MethodGet, "/workouts", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWorkout sends GET /workouts/{id}.
func (c *Client) GetWorkout(ctx context.Context, workoutID string) (*models.Workout, error) {
	id, err := canonicalID("workout", workoutID)
	if err != nil {
		return nil, err
	}
	var out models.Workout
	if err := c.do(ctx, http.MethodGet, "/workouts/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartWorkout sends POST /workouts/start. The server returns the existing
// draft if there is one.
func (c *Client) StartWorkout(ctx context.Context) (*models.Workout, error) {
	var out models.Workout
	if err := c.do(ctx, http.MethodPost, "/workouts/start", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddExercise sends POST /workouts/{id}/exercises.
func (c *Client) AddExercise(ctx context.Context, workoutID string, body models.AddExercise) (*models.Workout, error) {
	id, err := canonicalID("workout", workoutID)
	if err != nil {
		return nil, err
	}
	var out models.Workout
	if err := c.do(ctx, http.MethodPost, "/workouts/"+id+"/exercises", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FinishWorkout sends POST /workouts/{id}/finish.
func (c *Client) FinishWorkout(ctx context.Context, workoutID string, body models.FinishWorkout) (*models.Workout, error) {
	id, err := canonicalID("workout", workoutID)
	if err != nil {
		return nil, err
	}
	var out models.Workout
	if err := c.do(ctx, http.MethodPost, "/workouts/"+id+"/finish", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DiscardWorkout sends POST /workouts/{id}/discard.
func (c *Client) DiscardWorkout(ctx context.Context, workoutID string) error {
	id, err := canonicalID("workout", workoutID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/workouts/"+id+"/discard", nil, nil, nil)
}

// UpdateWorkout sends PATCH /workouts/{id}.
func (c *Client) UpdateWorkout(ctx context.Context, workoutID string, body models.UpdateWorkout) (*models.Workout, error) {
	id, err := canonicalID("workout", workoutID)
	if err != nil {
		return nil, err
	}
	var out models.Workout
	if err := c.do(ctx, http.MethodPatch, "/workouts/"+id, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =====================================================
// Stats / Health
// =====================================================

// StatsSummary sends GET /users/me/stats/summary?days=N.
func (c *Client) StatsSummary(ctx context.Context, days int) (*models.StatsSummary, error) {
	if days <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "stats window must be positive")
	}
	query := url.Values{}
	query.Set("days", strconv.Itoa(days))
	var out models.StatsSummary
	if err := c.do(ctx, http.MethodGet, "/users/me/stats/summary", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health sends GET /health. It needs no token.
func (c *Client) Health(ctx context.Context) (*models.Health, error) {
	var out models.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =====================================================
// Transport
// =====================================================

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, dest any) error {
	rel := &url.URL{Path: apiPrefix + path}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	reqURL := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "create request", err)
	}
	requestID := uuid.New()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil && path != "/health" {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logging.Debug("Request failed before a response", map[string]interface{}{
			"component":  "api",
			"method":     method,
			"path":       rel.Path,
			"request_id": requestID,
			"error":      err.Error(),
		})
		return apperrors.Network(fmt.Sprintf("%s %s", method, rel.Path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	logging.Debug("Request completed", map[string]interface{}{
		"component":   "api",
		"method":      method,
		"path":        rel.Path,
		"status":      resp.StatusCode,
		"request_id":  requestID,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperrors.ServerRejected(fmt.Sprintf("%s %s", method, rel.Path), resp.StatusCode, payload)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		// The body was cut off mid-read; the request may or may not have
		// been applied, so it is treated like any other transport failure.
		if isTransportReadError(err) {
			return apperrors.Network("read response", err)
		}
		return apperrors.Wrap(apperrors.ErrInternal, "decode response", err)
	}
	return nil
}

func isTransportReadError(err error) bool {
	if stderrors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

func canonicalID(kind, id string) (string, error) {
	canon, err := uuid.Canonical(id)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("invalid %s id %q", kind, id), err)
	}
	return canon, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "api url is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("parse api url %q", raw), err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
