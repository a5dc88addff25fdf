package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticCredentials struct {
	creds Credentials
}

func (s staticCredentials) Credentials() (Credentials, bool) {
	return s.creds, s.creds.Configured()
}

func newTestHTTPClient(server *httptest.Server, authMode string) *HTTPClient {
	creds := Credentials{BaseURL: server.URL, Username: "ops", Password: "secret", AuthMode: authMode}
	client := NewHTTPClient(staticCredentials{creds: creds}, server.Client())
	client.baseDelay = 0
	return client
}

func TestHTTPClientFetchPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("filter"); got != "index>41" {
			t.Errorf("expected filter index>41, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "500" {
			t.Errorf("expected limit 500, got %q", got)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ops" || pass != "secret" {
			t.Errorf("expected basic auth ops/secret, got %q/%q", user, pass)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"events": [
				{"index": 43, "eventRef": "E7", "action": "alarm_ack", "toState": "Fault", "message": "pump",
				 "alarmGroup": {"name": "Plant", "color": "#f00"}, "priority": 2,
				 "timestamp": "2024-03-01T10:00:00Z", "receivedAt": "2024-03-01T10:05:00Z"},
				{"index": "42", "eventRef": "E6", "action": "STATUS_CHANGE", "toState": "High Limit"}
			],
			"continuation": "tok-2"
		}`))
	}))
	defer server.Close()

	client := newTestHTTPClient(server, "")
	page, err := client.FetchPage(context.Background(), AfterIndex("41"), 500)
	if err != nil {
		t.Fatalf("fetch page failed: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	first := page.Events[0]
	if first.Index != "43" || first.EventRef != "E7" || first.AlarmGroupName != "Plant" || first.AlarmGroupColor != "#f00" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if first.Action != "ALARM_ACK" || first.Priority != 2 || first.ReceivedAt.IsZero() || first.Timestamp.IsZero() {
		t.Fatalf("unexpected decoded fields %+v", first)
	}
	if page.Events[1].Index != "42" || !page.Events[1].Timestamp.IsZero() {
		t.Fatalf("expected string index and zero timestamp, got %+v", page.Events[1])
	}
	if page.ContinuationToken != "tok-2" || page.StatusCode != http.StatusOK || len(page.Raw) == 0 {
		t.Fatalf("unexpected page metadata %+v", page)
	}
}

func TestHTTPClientFetchContinuationUsesTokenAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("continuation"); got != "tok-2" {
			t.Errorf("expected continuation token, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		_, _ = w.Write([]byte(`{"events": [], "continuation": null}`))
	}))
	defer server.Close()

	client := newTestHTTPClient(server, AuthModeToken)
	page, err := client.FetchContinuation(context.Background(), "tok-2")
	if err != nil {
		t.Fatalf("fetch continuation failed: %v", err)
	}
	if len(page.Events) != 0 || page.ContinuationToken != "" {
		t.Fatalf("expected empty final page, got %+v", page)
	}
	if _, err := client.FetchContinuation(context.Background(), " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty token, got %v", err)
	}
}

func TestHTTPClientRejectsMalformedPage(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"continuation": "x"}`,
		`{"events": [{"index": "1", "priority": "high"}]}`,
		`{"events": "nope"}`,
	}
	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		client := newTestHTTPClient(server, "")
		_, err := client.FetchPage(context.Background(), UpToMaxIndex(), 10)
		server.Close()
		var malformed *MalformedResponseError
		if !errors.As(err, &malformed) {
			t.Fatalf("expected malformed response error for %q, got %v", body, err)
		}
		if StatusForError(err) != StatusRemoteError {
			t.Fatalf("expected REMOTE_ERROR for malformed body")
		}
	}
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		want   Status
	}{
		{http.StatusUnauthorized, StatusInvalidLogin},
		{http.StatusForbidden, StatusInvalidLogin},
		{http.StatusInternalServerError, StatusRemoteError},
		{http.StatusBadRequest, StatusRemoteError},
	}
	for _, tc := range cases {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"code":"x","message":"nope"}`))
		}))
		client := newTestHTTPClient(server, "")
		_, err := client.FetchPage(context.Background(), UpToMaxIndex(), 10)
		server.Close()
		if err == nil {
			t.Fatalf("expected error for status %d", tc.status)
		}
		if got := StatusForError(err); got != tc.want {
			t.Fatalf("expected %s for status %d, got %s", tc.want, tc.status, got)
		}
		if atomic.LoadInt32(&calls) != 1 {
			t.Fatalf("expected feed reads not to retry, got %d calls for %d", atomic.LoadInt32(&calls), tc.status)
		}
	}
}

func TestHTTPClientTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestHTTPClient(server, "")
	server.Close()

	_, err := client.FetchPage(context.Background(), UpToMaxIndex(), 10)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if StatusForError(err) != StatusNetworkError {
		t.Fatalf("expected NETWORK_ERROR")
	}
}

func TestHTTPClientActionRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodPost || r.URL.EscapedPath() != "/api/alarms/E%2F1/notes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["note"] != "reset breaker" {
			t.Errorf("expected note body, got %+v (%v)", body, err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestHTTPClient(server, "")
	if err := client.AddNote(context.Background(), "E/1", "reset breaker"); err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientFetchDetailsAndActions(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"assignee":"ops","notes":"checked valve"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestHTTPClient(server, "")
	ctx := context.Background()
	if err := client.Acknowledge(ctx, "E1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := client.Assign(ctx, "E1", "ops"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	details, err := client.FetchDetails(ctx, "E1")
	if err != nil {
		t.Fatalf("fetch details: %v", err)
	}
	if details.Assignee != "ops" || details.Notes != "checked valve" {
		t.Fatalf("unexpected details %+v", details)
	}
	want := []string{"POST /api/alarms/E1/ack", "POST /api/alarms/E1/assign", "GET /api/alarms/E1"}
	for i, path := range want {
		if paths[i] != path {
			t.Fatalf("expected request %d to be %s, got %s", i, path, paths[i])
		}
	}
	if err := client.Acknowledge(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty eventRef, got %v", err)
	}
}

func TestHTTPClientRequiresCredentials(t *testing.T) {
	client := NewHTTPClient(staticCredentials{}, nil)
	if _, err := client.FetchPage(context.Background(), UpToMaxIndex(), 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRemoteErrorMatchesNotFound(t *testing.T) {
	if !errors.Is(&RemoteError{StatusCode: 404}, ErrNotFound) {
		t.Fatalf("expected 404 remote error to match ErrNotFound")
	}
	if errors.Is(&RemoteError{StatusCode: 500}, ErrNotFound) {
		t.Fatalf("expected 500 remote error not to match ErrNotFound")
	}
}

func TestHTTPClientBackoff(t *testing.T) {
	client := NewHTTPClient(staticCredentials{}, nil)
	client.baseDelay = 100 * time.Millisecond
	client.maxDelay = time.Second

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, expected := range want {
		if got := client.backoff(i+1, ""); got != expected {
			t.Fatalf("expected attempt %d backoff %s, got %s", i+1, expected, got)
		}
	}
	if got := client.backoff(1, "0"); got != 100*time.Millisecond {
		t.Fatalf("expected zero Retry-After to fall back to base delay, got %s", got)
	}
	if got := client.backoff(1, "30"); got != time.Second {
		t.Fatalf("expected Retry-After capped at max delay, got %s", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"":                              0,
		"7":                             7 * time.Second,
		"-3":                            0,
		"soon":                          0,
		"Fri, 01 Mar 2024 10:00:05 GMT": 5 * time.Second,
		"Fri, 01 Mar 2024 09:59:00 GMT": 0,
	}
	for header, want := range cases {
		if got := parseRetryAfter(header, now); got != want {
			t.Fatalf("parseRetryAfter(%q) = %s, want %s", header, got, want)
		}
	}
}
