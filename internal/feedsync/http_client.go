package feedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/alarmfeed/internal/eventcache"
)

const pageSchemaURL = "https://alarmfeed.schemas/page.json"

const pageSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["events"],
	"properties": {
		"events": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"index": {"type": ["string", "integer"]},
					"eventRef": {"type": "string"},
					"action": {"type": "string"},
					"fromState": {"type": "string"},
					"toState": {"type": "string"},
					"source": {"type": "string"},
					"priority": {"type": "integer"},
					"message": {"type": "string"},
					"timestamp": {"type": "string"},
					"receivedAt": {"type": "string"},
					"alarmGroup": {
						"type": ["object", "null"],
						"properties": {
							"name": {"type": "string"},
							"color": {"type": "string"}
						}
					}
				}
			}
		},
		"continuation": {"type": ["string", "null"]}
	}
}`

var (
	pageSchemaOnce sync.Once
	pageSchema     *jsonschema.Schema
	pageSchemaErr  error
)

func compiledPageSchema() (*jsonschema.Schema, error) {
	pageSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pageSchemaJSON))
		if err != nil {
			pageSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(pageSchemaURL, doc); err != nil {
			pageSchemaErr = err
			return
		}
		pageSchema, pageSchemaErr = compiler.Compile(pageSchemaURL)
	})
	return pageSchema, pageSchemaErr
}

type wireAlarmGroup struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type wireEvent struct {
	Index      json.Number     `json:"index"`
	EventRef   string          `json:"eventRef"`
	Action     string          `json:"action"`
	FromState  string          `json:"fromState"`
	ToState    string          `json:"toState"`
	Source     string          `json:"source"`
	Priority   int             `json:"priority"`
	AlarmGroup *wireAlarmGroup `json:"alarmGroup"`
	Message    string          `json:"message"`
	Timestamp  string          `json:"timestamp"`
	ReceivedAt string          `json:"receivedAt"`
}

type wirePage struct {
	Events       []wireEvent `json:"events"`
	Continuation *string     `json:"continuation"`
}

type wireDetails struct {
	Assignee string `json:"assignee"`
	Notes    string `json:"notes"`
}

func (w wireEvent) toEvent() eventcache.Event {
	event := eventcache.Event{
		Index:     strings.TrimSpace(w.Index.String()),
		EventRef:  w.EventRef,
		Action:    eventcache.ParseAction(w.Action),
		FromState: w.FromState,
		ToState:   w.ToState,
		Source:    w.Source,
		Priority:  w.Priority,
		Message:   w.Message,
	}
	if w.AlarmGroup != nil {
		event.AlarmGroupName = w.AlarmGroup.Name
		event.AlarmGroupColor = w.AlarmGroup.Color
	}
	event.Timestamp = parseWireTime(w.Timestamp)
	event.ReceivedAt = parseWireTime(w.ReceivedAt)
	if event.Timestamp.IsZero() {
		event.Timestamp = event.ReceivedAt
	}
	return event
}

func parseWireTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// CredentialProvider supplies the credentials used on each request, so a
// credential change takes effect without rebuilding the client.
type CredentialProvider interface {
	Credentials() (Credentials, bool)
}

// HTTPClient talks to the remote alarm feed. Feed reads are attempted once
// per call because the poll interval is the retry policy; user actions retry
// transient failures with capped exponential backoff.
type HTTPClient struct {
	credentials   CredentialProvider
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	correlationID func() string
}

func NewHTTPClient(credentials CredentialProvider, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		credentials:   credentials,
		httpClient:    httpClient,
		maxRetries:    3,
		baseDelay:     100 * time.Millisecond,
		maxDelay:      2 * time.Second,
		correlationID: uuid.NewString,
	}
}

func (c *HTTPClient) FetchPage(ctx context.Context, cursor CursorExpr, maxResults int) (Page, error) {
	q := url.Values{}
	q.Set("filter", cursor.String())
	if maxResults > 0 {
		q.Set("limit", strconv.Itoa(maxResults))
	}
	return c.fetchPage(ctx, "/api/events?"+q.Encode())
}

func (c *HTTPClient) FetchContinuation(ctx context.Context, token string) (Page, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Page{}, ErrInvalidInput
	}
	q := url.Values{}
	q.Set("continuation", token)
	return c.fetchPage(ctx, "/api/events?"+q.Encode())
}

func (c *HTTPClient) fetchPage(ctx context.Context, requestPath string) (Page, error) {
	status, payload, err := c.do(ctx, http.MethodGet, requestPath, nil, false)
	if err != nil {
		return Page{StatusCode: status}, err
	}
	page := Page{StatusCode: status, Raw: payload}

	schema, err := compiledPageSchema()
	if err != nil {
		return page, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return page, &MalformedResponseError{StatusCode: status, Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return page, &MalformedResponseError{StatusCode: status, Err: err}
	}
	var decoded wirePage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return page, &MalformedResponseError{StatusCode: status, Err: err}
	}

	page.Events = make([]eventcache.Event, 0, len(decoded.Events))
	for _, wire := range decoded.Events {
		page.Events = append(page.Events, wire.toEvent())
	}
	if decoded.Continuation != nil {
		page.ContinuationToken = strings.TrimSpace(*decoded.Continuation)
	}
	return page, nil
}

func (c *HTTPClient) Acknowledge(ctx context.Context, eventRef string) error {
	path, err := alarmPath(eventRef, "/ack")
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, http.MethodPost, path, nil, true)
	return err
}

func (c *HTTPClient) Assign(ctx context.Context, eventRef, assignee string) error {
	path, err := alarmPath(eventRef, "/assign")
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, http.MethodPost, path, map[string]string{"assignee": assignee}, true)
	return err
}

func (c *HTTPClient) AddNote(ctx context.Context, eventRef, note string) error {
	path, err := alarmPath(eventRef, "/notes")
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, http.MethodPost, path, map[string]string{"note": note}, true)
	return err
}

func (c *HTTPClient) FetchDetails(ctx context.Context, eventRef string) (eventcache.AlarmDetails, error) {
	path, err := alarmPath(eventRef, "")
	if err != nil {
		return eventcache.AlarmDetails{}, err
	}
	status, payload, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return eventcache.AlarmDetails{}, err
	}
	var decoded wireDetails
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return eventcache.AlarmDetails{}, &MalformedResponseError{StatusCode: status, Err: err}
		}
	}
	return eventcache.AlarmDetails{Assignee: decoded.Assignee, Notes: decoded.Notes}, nil
}

func alarmPath(eventRef, suffix string) (string, error) {
	eventRef = strings.TrimSpace(eventRef)
	if eventRef == "" {
		return "", ErrInvalidInput
	}
	return "/api/alarms/" + url.PathEscape(eventRef) + suffix, nil
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body any, retry bool) (int, []byte, error) {
	creds, ok := Credentials{}, false
	if c.credentials != nil {
		creds, ok = c.credentials.Credentials()
	}
	if !ok {
		return 0, nil, ErrNotConfigured
	}
	baseURL := strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
	}
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, nil, err
		}
		applyAuth(req, creds)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", c.correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := sleepCtx(ctx, c.backoff(attempt+1, "")); waitErr != nil {
					return 0, nil, &TransportError{Op: method + " " + requestPath, Err: waitErr}
				}
				continue
			}
			return 0, nil, &TransportError{Op: method + " " + requestPath, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, nil, &TransportError{Op: "read " + requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp.StatusCode, payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := sleepCtx(ctx, c.backoff(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return resp.StatusCode, nil, &TransportError{Op: method + " " + requestPath, Err: waitErr}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return resp.StatusCode, payload, &AuthError{StatusCode: resp.StatusCode, Message: errPayload.Message}
		}
		return resp.StatusCode, payload, &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func applyAuth(req *http.Request, creds Credentials) {
	if strings.EqualFold(creds.AuthMode, AuthModeToken) {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(creds.Password))
		return
	}
	req.SetBasicAuth(creds.Username, creds.Password)
}

// backoff doubles baseDelay per attempt up to maxDelay. A server supplied
// Retry-After wins but is still capped.
func (c *HTTPClient) backoff(attempt int, retryAfter string) time.Duration {
	ceiling := c.maxDelay
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}
	if d := parseRetryAfter(retryAfter, time.Now()); d > 0 {
		return min(d, ceiling)
	}
	base := c.baseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	shift := min(max(attempt-1, 0), 16)
	return min(base<<shift, ceiling)
}

// parseRetryAfter accepts delta-seconds or any HTTP date format.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ RemoteClient = (*HTTPClient)(nil)

func isAuthFailure(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
