package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/alarmfeed/internal/eventcache"
	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

// Feed is the engine surface the observer API drives. *feedsync.Engine
// satisfies it.
type Feed interface {
	Status() feedsync.Status
	LastSuccessTime() time.Time
	NewEventCount() int
	CacheSize() int
	LastKnownIndex() string
	Fetching() bool

	SnapshotFiltered(filter eventcache.Filter) []eventcache.Event
	Event(index string) (eventcache.Event, bool)
	AlarmGroupSummaries() []eventcache.AlarmGroupSummary
	UpdateEvent(index string, patch eventcache.EventPatch) bool
	MarkAllViewed(viewed bool)
	ResetNewEventCount()
	DismissAll() error

	Acknowledge(ctx context.Context, index string) error
	Assign(ctx context.Context, index, assignee string) error
	AddNote(ctx context.Context, index, note string) error
	LoadDetails(ctx context.Context, index string) (eventcache.AlarmDetails, error)

	Poll(ctx context.Context) feedsync.PollResult
	Logout()
	EndSession() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// ActionTimeout bounds calls that reach the remote on behalf of a request.
	ActionTimeout time.Duration
	// Stream serves GET /v1/stream, normally a *notify.Hub.
	Stream http.Handler
	// Metrics serves GET /metrics without auth.
	Metrics http.Handler
	Logger  Logger
}

type Server struct {
	feed        Feed
	cfg         ServerConfig
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(feed Feed) *Server {
	return NewServerWithConfig(feed, ServerConfig{})
}

func NewServerWithConfig(feed Feed, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		feed:        feed,
		cfg:         cfg,
		rateLimiter: limiter,
		now:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope, route = ScopeEventsRead, "status"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope, route = ScopeEventsRead, "events"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "viewed" && r.Method == http.MethodPost:
		requiredScope, route = ScopeEventsWrite, "mark_all_viewed"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "dismiss" && r.Method == http.MethodPost:
		requiredScope, route = ScopeEventsWrite, "dismiss_all"
	case len(parts) == 3 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope, route = ScopeEventsRead, "event"
	case len(parts) == 3 && parts[1] == "events" && r.Method == http.MethodPatch:
		requiredScope, route = ScopeEventsWrite, "patch_event"
	case len(parts) == 4 && parts[1] == "events" && parts[3] == "details" && r.Method == http.MethodGet:
		requiredScope, route = ScopeEventsRead, "details"
	case len(parts) == 4 && parts[1] == "events" && r.Method == http.MethodPost &&
		(parts[3] == "ack" || parts[3] == "assign" || parts[3] == "notes"):
		requiredScope, route = ScopeEventsWrite, parts[3]
	case len(parts) == 2 && parts[1] == "alarm-groups" && r.Method == http.MethodGet:
		requiredScope, route = ScopeEventsRead, "alarm_groups"
	case len(parts) == 2 && parts[1] == "new-count" && r.Method == http.MethodGet:
		requiredScope, route = ScopeEventsRead, "new_count"
	case len(parts) == 2 && parts[1] == "new-count" && r.Method == http.MethodDelete:
		requiredScope, route = ScopeEventsWrite, "reset_new_count"
	case len(parts) == 2 && parts[1] == "poll" && r.Method == http.MethodPost:
		requiredScope, route = ScopeEventsWrite, "poll"
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "logout" && r.Method == http.MethodPost:
		requiredScope, route = ScopeEventsWrite, "logout"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet && s.cfg.Stream != nil:
		requiredScope, route = ScopeEventsRead, "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var claims *tokenClaims
	var authErr *authError
	if route == "stream" && r.Header.Get("Authorization") == "" {
		// Browsers cannot set headers on a websocket upgrade.
		claims, authErr = authorizeToken(r.URL.Query().Get("access_token"), s.cfg.JWTSecret, requiredScope, s.now().UTC())
	} else {
		claims, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now().UTC())
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if wait, ok := s.rateLimiter.take(claims.Subject, s.now().UTC()); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(wait.Seconds())))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		s.handleStatus(w)
	case "events":
		s.handleEvents(w, r, correlationID)
	case "mark_all_viewed":
		s.handleMarkAllViewed(w, r, correlationID)
	case "dismiss_all":
		s.handleDismissAll(w, correlationID)
	case "event":
		s.handleEvent(w, parts[2], correlationID)
	case "patch_event":
		s.handlePatchEvent(w, r, parts[2], correlationID)
	case "details":
		s.handleDetails(w, r, parts[2], correlationID)
	case "ack":
		s.handleAcknowledge(w, r, parts[2], correlationID)
	case "assign":
		s.handleAssign(w, r, parts[2], correlationID)
	case "notes":
		s.handleAddNote(w, r, parts[2], correlationID)
	case "alarm_groups":
		writeJSON(w, http.StatusOK, map[string]any{"groups": nonNil(s.feed.AlarmGroupSummaries())})
	case "new_count":
		writeJSON(w, http.StatusOK, map[string]int{"newEventCount": s.feed.NewEventCount()})
	case "reset_new_count":
		s.feed.ResetNewEventCount()
		writeJSON(w, http.StatusOK, map[string]int{"newEventCount": s.feed.NewEventCount()})
	case "poll":
		s.handlePoll(w, r)
	case "logout":
		s.handleLogout(w, r, correlationID)
	case "stream":
		s.cfg.Stream.ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type statusResponse struct {
	Status         feedsync.Status `json:"status"`
	LastSuccessAt  *time.Time      `json:"lastSuccessAt,omitempty"`
	NewEventCount  int             `json:"newEventCount"`
	CacheSize      int             `json:"cacheSize"`
	LastKnownIndex string          `json:"lastKnownIndex"`
	Fetching       bool            `json:"fetching"`
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := statusResponse{
		Status:         s.feed.Status(),
		NewEventCount:  s.feed.NewEventCount(),
		CacheSize:      s.feed.CacheSize(),
		LastKnownIndex: s.feed.LastKnownIndex(),
		Fetching:       s.feed.Fetching(),
	}
	if last := s.feed.LastSuccessTime(); !last.IsZero() {
		last = last.UTC()
		resp.LastSuccessAt = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	filter := eventcache.Filter{
		Group: strings.TrimSpace(query.Get("group")),
		State: eventcache.State(strings.ToUpper(strings.TrimSpace(query.Get("state")))),
	}
	switch filter.State {
	case "", eventcache.StateNormal, eventcache.StateFault, eventcache.StateOffNormal:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "invalid state filter", correlationID)
		return
	}
	q := eventQuery{values: query}
	filter.UnacknowledgedOnly = q.flag("unacked")
	filter.UnviewedOnly = q.flag("unviewed")
	filter.HideStale = q.flag("hideStale")
	limit := q.limit("limit", 100000)
	if q.invalid != "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+q.invalid+" value", correlationID)
		return
	}

	events := s.feed.SnapshotFiltered(filter)
	total := len(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": nonNil(events),
		"total":  total,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, index, correlationID string) {
	event, ok := s.feed.Event(index)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "event not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handlePatchEvent(w http.ResponseWriter, r *http.Request, index, correlationID string) {
	var req struct {
		Acknowledged  *bool `json:"acknowledged"`
		HasBeenViewed *bool `json:"hasBeenViewed"`
	}
	if !s.decodeBody(w, r, correlationID, &req, false) {
		return
	}
	patch := eventcache.EventPatch{Acknowledged: req.Acknowledged, HasBeenViewed: req.HasBeenViewed}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, "bad_request", "acknowledged or hasBeenViewed is required", correlationID)
		return
	}
	if !s.feed.UpdateEvent(index, patch) {
		writeError(w, http.StatusNotFound, "not_found", "event not found", correlationID)
		return
	}
	s.handleEvent(w, index, correlationID)
}

func (s *Server) handleMarkAllViewed(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Viewed *bool `json:"viewed"`
	}
	if !s.decodeBody(w, r, correlationID, &req, false) {
		return
	}
	if req.Viewed == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "viewed is required", correlationID)
		return
	}
	s.feed.MarkAllViewed(*req.Viewed)
	writeJSON(w, http.StatusOK, map[string]bool{"viewed": *req.Viewed})
}

func (s *Server) handleDismissAll(w http.ResponseWriter, correlationID string) {
	if err := s.feed.DismissAll(); err != nil {
		// The cache is cleared either way; only the remembered position failed.
		s.logf("dismiss all: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "events dismissed but read position was not saved", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dismissed": true, "lastKnownIndex": s.feed.LastKnownIndex()})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request, index, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()
	details, err := s.feed.LoadDetails(ctx, index)
	if err != nil {
		s.writeFeedError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request, index, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()
	if err := s.feed.Acknowledge(ctx, index); err != nil {
		s.writeFeedError(w, err, correlationID)
		return
	}
	s.handleEvent(w, index, correlationID)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, index, correlationID string) {
	var req struct {
		Assignee string `json:"assignee"`
	}
	if !s.decodeBody(w, r, correlationID, &req, false) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()
	if err := s.feed.Assign(ctx, index, req.Assignee); err != nil {
		s.writeFeedError(w, err, correlationID)
		return
	}
	s.handleEvent(w, index, correlationID)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request, index, correlationID string) {
	var req struct {
		Note string `json:"note"`
	}
	if !s.decodeBody(w, r, correlationID, &req, false) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()
	if err := s.feed.AddNote(ctx, index, req.Note); err != nil {
		s.writeFeedError(w, err, correlationID)
		return
	}
	s.handleEvent(w, index, correlationID)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	result := s.feed.Poll(r.Context())
	status := http.StatusOK
	if result == feedsync.PollSkipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"result": result,
		"status": s.feed.Status(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		EndSession bool `json:"endSession"`
	}
	if !s.decodeBody(w, r, correlationID, &req, true) {
		return
	}
	if !req.EndSession {
		s.feed.Logout()
		writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true, "sessionEnded": false})
		return
	}
	if err := s.feed.EndSession(); err != nil {
		s.logf("end session: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "logged out but session state was not saved", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true, "sessionEnded": true})
}

// writeFeedError maps engine and remote failures onto HTTP responses.
// Failures reported by the remote system surface as 502 with the feed
// status as the code.
func (s *Server) writeFeedError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, feedsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "event not found", correlationID)
	case errors.Is(err, feedsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, feedsync.ErrNotConfigured):
		writeError(w, http.StatusConflict, "not_configured", "no feed credentials configured", correlationID)
	default:
		status := feedsync.StatusForError(err)
		s.logf("remote action failed (%s): %v", status, err)
		writeError(w, http.StatusBadGateway, strings.ToLower(string(status)), err.Error(), correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

// getCorrelationID echoes the caller's id, or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

// decodeBody reads at most MaxBodyBytes of JSON into dst. An empty body is
// accepted only when optional is set, leaving dst untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	err := dec.Decode(dst)
	var maxErr *http.MaxBytesError
	switch {
	case err == nil, optional && errors.Is(err, io.EOF):
		return true
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
	}
	return false
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, errorBody{Code: code, Message: message, CorrelationID: correlationID})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// take counts one request for subject in its current fixed window. When the
// window is exhausted it reports how long until the window resets.
func (r *rateLimiter) take(subject string, now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entries[subject]
	if !now.Before(entry.resetAt) {
		entry = rateEntry{resetAt: now.Add(r.window)}
	}
	if entry.count >= r.max {
		return entry.resetAt.Sub(now), false
	}
	entry.count++
	r.entries[subject] = entry
	return 0, true
}

// eventQuery reads the optional /v1/events query parameters, keeping the
// name of the first one that fails to parse.
type eventQuery struct {
	values  url.Values
	invalid string
}

func (q *eventQuery) flag(name string) bool {
	raw := strings.TrimSpace(q.values.Get(name))
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil && q.invalid == "" {
		q.invalid = name
	}
	return v
}

// limit returns 0 when unset; otherwise the value must be within 1..max.
func (q *eventQuery) limit(name string, max int) int {
	raw := strings.TrimSpace(q.values.Get(name))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if (err != nil || v < 1 || v > max) && q.invalid == "" {
		q.invalid = name
		return 0
	}
	return v
}
