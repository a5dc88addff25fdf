package feedsync

import (
	"context"
	"strings"
	"time"

	"github.com/agentworkforce/alarmfeed/internal/eventcache"
)

type Status string

const (
	StatusUnknown      Status = "UNKNOWN"
	StatusOK           Status = "OK"
	StatusInvalidLogin Status = "INVALID_LOGIN"
	StatusNetworkError Status = "NETWORK_ERROR"
	StatusRemoteError  Status = "REMOTE_ERROR"
	StatusNotConnected Status = "NOT_CONNECTED"
)

type ConnectionStatus string

const (
	ConnectionNotInitialized ConnectionStatus = "NOT_INITIALIZED"
	ConnectionDisconnected   ConnectionStatus = "INITIALIZED_DISCONNECTED"
	ConnectionConnected      ConnectionStatus = "CONNECTED"
)

// PollResult says how a poll cycle ended.
type PollResult string

const (
	PollSkipped      PollResult = "skipped"
	PollLoggedOut    PollResult = "logged_out"
	PollConnecting   PollResult = "connecting"
	PollNotConnected PollResult = "not_connected"
	PollFailed       PollResult = "failed"
	PollUnchanged    PollResult = "unchanged"
	PollUpdated      PollResult = "updated"
)

// UnknownIndex is the cursor sentinel used before anything has been fetched.
const UnknownIndex = "0"

const maxIndexLiteral = "9223372036854775807"

// CursorExpr is the remote filter expression for a page request: either
// strictly after a known index or everything up to the largest index.
type CursorExpr struct {
	after string
}

func AfterIndex(index string) CursorExpr {
	return CursorExpr{after: strings.TrimSpace(index)}
}

func UpToMaxIndex() CursorExpr {
	return CursorExpr{}
}

func (c CursorExpr) IsUpToMax() bool {
	return c.after == ""
}

func (c CursorExpr) String() string {
	if c.IsUpToMax() {
		return "index<=" + maxIndexLiteral
	}
	return "index>" + c.after
}

// Page is one response from the remote feed. Events are newest first.
type Page struct {
	Events            []eventcache.Event
	ContinuationToken string
	StatusCode        int
	Raw               []byte
}

type Credentials struct {
	BaseURL  string `json:"baseUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
	AuthMode string `json:"authMode,omitempty"`
}

const AuthModeToken = "token"

func (c Credentials) Configured() bool {
	if strings.TrimSpace(c.BaseURL) == "" {
		return false
	}
	if strings.EqualFold(c.AuthMode, AuthModeToken) {
		return strings.TrimSpace(c.Password) != ""
	}
	return strings.TrimSpace(c.Username) != ""
}

type RemoteClient interface {
	FetchPage(ctx context.Context, cursor CursorExpr, maxResults int) (Page, error)
	FetchContinuation(ctx context.Context, token string) (Page, error)
	Acknowledge(ctx context.Context, eventRef string) error
	Assign(ctx context.Context, eventRef, assignee string) error
	AddNote(ctx context.Context, eventRef, note string) error
	FetchDetails(ctx context.Context, eventRef string) (eventcache.AlarmDetails, error)
}

type CredentialStore interface {
	Credentials() (Credentials, bool)
	IsActiveSession() bool
	DismissIndex() (string, bool)
	SetDismissIndex(index string) error
	ClearSession() error
}

type Connection interface {
	Status() ConnectionStatus
	Connect(ctx context.Context, creds Credentials) error
}

// Notification is a point-in-time view of the feed. Seq increases with every
// notification an engine builds; deliveries may race, so sinks that retain
// state keep the highest Seq they have seen.
type Notification struct {
	Seq           uint64    `json:"seq"`
	Status        Status    `json:"status"`
	NewEventCount int       `json:"newEventCount"`
	Total         int       `json:"total"`
	At            time.Time `json:"at"`
}

// Notifier receives a one-way signal that new state is available.
// Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// EventStore persists the cache contents. *eventstore.Persister satisfies it.
type EventStore interface {
	Save(events []eventcache.Event)
	Clear()
	Load() []eventcache.Event
}

type Observer interface {
	ObservePoll(result PollResult)
	ObserveFetched(n int)
	ObserveCacheSize(n int)
	ObserveStatus(status Status)
}

type Logger interface {
	Printf(format string, args ...any)
}
