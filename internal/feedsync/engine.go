package feedsync

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/alarmfeed/internal/eventcache"
)

const DefaultPollTimeout = 30 * time.Second

// Session bundles the collaborators one signed-in feed needs. It is built
// explicitly by the caller and owned by a single Engine.
type Session struct {
	Credentials CredentialStore
	Connection  Connection
	Remote      RemoteClient
	Notifier    Notifier
	Store       EventStore
	Cache       *eventcache.Cache
}

type Options struct {
	// Capacity is used only when Session.Cache is nil.
	Capacity       int
	PollTimeout    time.Duration
	IntervalJitter float64
	Logger         Logger
	Observer       Observer
	Now            func() time.Time
}

// Engine drives polling for one session. It owns the cursor, status and
// in-flight flag; every cache mutation caused by the network or by the user
// goes through it.
type Engine struct {
	credentials CredentialStore
	connection  Connection
	remote      RemoteClient
	notifier    Notifier
	store       EventStore
	cache       *eventcache.Cache
	observer    Observer
	logger      Logger
	now         func() time.Time
	pollTimeout time.Duration
	scheduler   *Scheduler

	connecting atomic.Bool

	mu             sync.Mutex
	fetching       bool
	generation     uint64
	status         Status
	lastKnownIndex string
	lastSuccess    time.Time
	newEventCount  int
	notifySeq      uint64
}

func NewEngine(session Session, opts Options) (*Engine, error) {
	if session.Credentials == nil || session.Connection == nil || session.Remote == nil {
		return nil, ErrInvalidInput
	}
	cache := session.Cache
	if cache == nil {
		cache = eventcache.New(eventcache.Options{Capacity: opts.Capacity, Logger: opts.Logger})
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		credentials:    session.Credentials,
		connection:     session.Connection,
		remote:         session.Remote,
		notifier:       session.Notifier,
		store:          session.Store,
		cache:          cache,
		observer:       opts.Observer,
		logger:         opts.Logger,
		now:            now,
		pollTimeout:    pollTimeout,
		status:         StatusUnknown,
		lastKnownIndex: UnknownIndex,
	}
	e.scheduler = NewScheduler(func(ctx context.Context) {
		e.Poll(ctx)
	}, SchedulerOptions{Jitter: opts.IntervalJitter, Logger: opts.Logger})
	e.restore()
	return e, nil
}

func (e *Engine) restore() {
	if e.store == nil {
		return
	}
	restored := e.cache.Restore(e.store.Load())
	if cursor, ok := e.cache.LastKnownCursor(); ok {
		e.lastKnownIndex = cursor
	}
	if restored > 0 {
		e.logf("restored %d cached events; resuming after index %s", restored, e.lastKnownIndex)
	}
	e.observeCacheSize()
}

// Start schedules polling. It is a no-op while already scheduled.
func (e *Engine) Start(initialDelay, interval time.Duration) bool {
	return e.scheduler.Start(initialDelay, interval)
}

func (e *Engine) Stop() {
	e.scheduler.Stop()
}

func (e *Engine) Scheduled() bool {
	return e.scheduler.Running()
}

// Poll runs one fetch cycle. A call made while another cycle is in flight
// returns PollSkipped without touching the remote or the status.
func (e *Engine) Poll(ctx context.Context) PollResult {
	e.mu.Lock()
	if e.fetching {
		e.mu.Unlock()
		e.observePoll(PollSkipped)
		return PollSkipped
	}
	e.fetching = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.fetching = false
		e.mu.Unlock()
	}()

	result := e.pollOnce(ctx)
	e.observePoll(result)
	return result
}

func (e *Engine) pollOnce(ctx context.Context) PollResult {
	creds, configured := e.credentials.Credentials()
	if !configured || !e.credentials.IsActiveSession() {
		e.logf("no active session; clearing local state")
		e.Logout()
		return PollLoggedOut
	}

	switch e.connection.Status() {
	case ConnectionNotInitialized:
		e.connectAsync(creds)
		return PollConnecting
	case ConnectionDisconnected:
		e.setStatus(StatusNotConnected)
		e.notify(ctx)
		e.connectAsync(creds)
		return PollNotConnected
	}

	e.mu.Lock()
	generation := e.generation
	cursor := e.requestCursorLocked()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.pollTimeout)
	defer cancel()

	capacity := e.cache.Capacity()
	cacheWasEmpty := e.cache.Size() == 0
	var batch []eventcache.Event
	page, err := e.remote.FetchPage(ctx, cursor, capacity)
	for {
		if err != nil {
			e.fail(ctx, generation, err)
			return PollFailed
		}
		batch = prependPage(batch, page.Events)
		// The remote reports a continuation token even when nothing is left,
		// so it is only followed when topping up an existing cache.
		if page.ContinuationToken == "" || cacheWasEmpty || len(batch) >= capacity {
			break
		}
		page, err = e.remote.FetchContinuation(ctx, page.ContinuationToken)
	}
	e.observeFetched(len(batch))
	return e.apply(ctx, generation, batch)
}

func (e *Engine) requestCursorLocked() CursorExpr {
	if e.lastKnownIndex != UnknownIndex && e.lastKnownIndex != "" {
		return AfterIndex(e.lastKnownIndex)
	}
	if dismiss, ok := e.credentials.DismissIndex(); ok {
		return AfterIndex(dismiss)
	}
	return UpToMaxIndex()
}

// prependPage turns a newest-first page into ascending order ahead of the
// already accumulated, newer events.
func prependPage(batch, page []eventcache.Event) []eventcache.Event {
	out := make([]eventcache.Event, 0, len(page)+len(batch))
	for i := len(page) - 1; i >= 0; i-- {
		out = append(out, page[i])
	}
	return append(out, batch...)
}

func newestIndex(batch []eventcache.Event) (string, bool) {
	newest := ""
	for _, event := range batch {
		index := strings.TrimSpace(event.Index)
		if index == "" {
			continue
		}
		if newest == "" || eventcache.CompareIndex(index, newest) > 0 {
			newest = index
		}
	}
	return newest, newest != ""
}

func (e *Engine) apply(ctx context.Context, generation uint64, batch []eventcache.Event) PollResult {
	e.mu.Lock()
	if e.generation != generation {
		e.mu.Unlock()
		e.logf("discarding %d fetched events; session was reset during the fetch", len(batch))
		return PollUnchanged
	}
	previous := e.status
	newest, ok := newestIndex(batch)
	if !ok || newest == e.lastKnownIndex {
		e.status = StatusOK
		e.lastSuccess = e.now()
		e.mu.Unlock()
		e.observeStatus(StatusOK)
		if previous != StatusOK {
			e.notify(ctx)
		}
		return PollUnchanged
	}

	e.status = StatusOK
	e.lastKnownIndex = newest
	e.lastSuccess = e.now()
	e.newEventCount += len(batch)
	e.cache.InsertBatch(batch)
	e.persistLocked()
	e.mu.Unlock()

	e.observeStatus(StatusOK)
	e.observeCacheSize()
	e.notify(ctx)
	return PollUpdated
}

func (e *Engine) fail(ctx context.Context, generation uint64, err error) {
	status := StatusForError(err)
	e.mu.Lock()
	if e.generation != generation {
		e.mu.Unlock()
		return
	}
	e.status = status
	e.mu.Unlock()

	e.logf("poll failed (%s): %v", status, err)
	e.observeStatus(status)
	e.notify(ctx)
}

func (e *Engine) connectAsync(creds Credentials) {
	if !e.connecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.connecting.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), e.pollTimeout)
		defer cancel()
		if err := e.connection.Connect(ctx, creds); err != nil {
			e.logf("connect to %s failed: %v", creds.BaseURL, err)
			if isAuthFailure(err) {
				e.setStatus(StatusInvalidLogin)
				e.notify(context.Background())
			}
			return
		}
		e.logf("connected to %s", creds.BaseURL)
	}()
}

func (e *Engine) ResetNewEventCount() {
	e.mu.Lock()
	e.newEventCount = 0
	e.mu.Unlock()
	e.notify(context.Background())
}

func (e *Engine) Snapshot() []eventcache.Event {
	return e.cache.Snapshot()
}

func (e *Engine) SnapshotFiltered(filter eventcache.Filter) []eventcache.Event {
	return e.cache.SnapshotFiltered(filter)
}

func (e *Engine) Event(index string) (eventcache.Event, bool) {
	return e.cache.Get(index)
}

func (e *Engine) MarkAllViewed(viewed bool) {
	e.mu.Lock()
	e.cache.UpdateAll(eventcache.EventPatch{HasBeenViewed: &viewed})
	e.persistLocked()
	e.mu.Unlock()
	e.notify(context.Background())
}

func (e *Engine) MarkViewed(index string, viewed bool) bool {
	return e.UpdateEvent(index, eventcache.EventPatch{HasBeenViewed: &viewed})
}

// UpdateEvent merges patch into a cached event. An unknown index is logged
// by the cache and reported as false.
func (e *Engine) UpdateEvent(index string, patch eventcache.EventPatch) bool {
	if patch.IsEmpty() {
		_, ok := e.cache.Get(index)
		return ok
	}
	e.mu.Lock()
	updated := e.cache.Update(index, patch)
	if updated {
		e.persistLocked()
	}
	e.mu.Unlock()
	if updated {
		e.notify(context.Background())
	}
	return updated
}

// DismissAll remembers the newest index as the read position for a future
// cold start, then drops the cache and the persisted copy.
func (e *Engine) DismissAll() error {
	e.mu.Lock()
	newest, ok := e.cache.LastKnownCursor()
	if !ok && e.lastKnownIndex != UnknownIndex {
		newest, ok = e.lastKnownIndex, true
	}
	var err error
	if ok {
		if err = e.credentials.SetDismissIndex(newest); err != nil {
			e.logf("store dismiss index %s failed: %v", newest, err)
		}
	}
	e.generation++
	e.newEventCount = 0
	e.cache.Clear()
	if e.store != nil {
		e.store.Clear()
	}
	e.mu.Unlock()

	e.observeCacheSize()
	e.notify(context.Background())
	return err
}

// Logout drops all local state and stops polling. The remote is not
// contacted.
func (e *Engine) Logout() {
	e.scheduler.Stop()
	e.mu.Lock()
	e.generation++
	e.lastKnownIndex = UnknownIndex
	e.status = StatusUnknown
	e.newEventCount = 0
	e.lastSuccess = time.Time{}
	e.cache.Clear()
	if e.store != nil {
		e.store.Clear()
	}
	e.mu.Unlock()

	if resetter, ok := e.connection.(interface{ Reset() }); ok {
		resetter.Reset()
	}
	e.observeStatus(StatusUnknown)
	e.observeCacheSize()
	e.notify(context.Background())
}

// EndSession marks the stored session inactive and logs out.
func (e *Engine) EndSession() error {
	err := e.credentials.ClearSession()
	e.Logout()
	return err
}

func (e *Engine) Acknowledge(ctx context.Context, index string) error {
	event, err := e.lookup(index)
	if err != nil {
		return err
	}
	if err := e.remoteAction(e.remote.Acknowledge(ctx, event.EventRef)); err != nil {
		return err
	}
	acknowledged := true
	e.UpdateEvent(index, eventcache.EventPatch{Acknowledged: &acknowledged})
	return nil
}

func (e *Engine) Assign(ctx context.Context, index, assignee string) error {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return ErrInvalidInput
	}
	event, err := e.lookup(index)
	if err != nil {
		return err
	}
	if err := e.remoteAction(e.remote.Assign(ctx, event.EventRef, assignee)); err != nil {
		return err
	}
	details := detailsOf(event)
	details.Assignee = assignee
	acknowledged := true
	e.UpdateEvent(index, eventcache.EventPatch{Acknowledged: &acknowledged, Details: &details})
	return nil
}

func (e *Engine) AddNote(ctx context.Context, index, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return ErrInvalidInput
	}
	event, err := e.lookup(index)
	if err != nil {
		return err
	}
	if err := e.remoteAction(e.remote.AddNote(ctx, event.EventRef, note)); err != nil {
		return err
	}
	details := detailsOf(event)
	if details.Notes == "" {
		details.Notes = note
	} else {
		details.Notes += "\n" + note
	}
	acknowledged := true
	e.UpdateEvent(index, eventcache.EventPatch{Acknowledged: &acknowledged, Details: &details})
	return nil
}

// LoadDetails fetches assignee and notes for the alarm behind a cached event
// and stores them on it.
func (e *Engine) LoadDetails(ctx context.Context, index string) (eventcache.AlarmDetails, error) {
	event, err := e.lookup(index)
	if err != nil {
		return eventcache.AlarmDetails{}, err
	}
	details, err := e.remote.FetchDetails(ctx, event.EventRef)
	if err := e.remoteAction(err); err != nil {
		return eventcache.AlarmDetails{}, err
	}
	details.FetchedAt = e.now().UTC()
	e.UpdateEvent(index, eventcache.EventPatch{Details: &details})
	return details, nil
}

func (e *Engine) lookup(index string) (eventcache.Event, error) {
	event, ok := e.cache.Get(index)
	if !ok {
		return eventcache.Event{}, ErrNotFound
	}
	if strings.TrimSpace(event.EventRef) == "" {
		return eventcache.Event{}, ErrInvalidInput
	}
	return event, nil
}

// remoteAction records a rejected login seen during a user action so the
// status reflects it before the next poll.
func (e *Engine) remoteAction(err error) error {
	if err == nil {
		return nil
	}
	if isAuthFailure(err) {
		e.setStatus(StatusInvalidLogin)
		e.notify(context.Background())
	}
	return err
}

func detailsOf(event eventcache.Event) eventcache.AlarmDetails {
	if event.Details == nil {
		return eventcache.AlarmDetails{}
	}
	return *event.Details
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) NewEventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newEventCount
}

func (e *Engine) LastSuccessTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSuccess
}

func (e *Engine) LastKnownIndex() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastKnownIndex
}

func (e *Engine) Fetching() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetching
}

func (e *Engine) AlarmGroupSummaries() []eventcache.AlarmGroupSummary {
	return e.cache.Summaries()
}

func (e *Engine) CacheSize() int {
	return e.cache.Size()
}

func (e *Engine) setStatus(status Status) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.observeStatus(status)
}

// persistLocked must be called with e.mu held so saves are issued in the
// same order as the mutations they capture.
func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	e.store.Save(e.cache.Snapshot())
}

func (e *Engine) notify(ctx context.Context) {
	if e.notifier == nil {
		return
	}
	e.mu.Lock()
	e.notifySeq++
	n := Notification{
		Seq:           e.notifySeq,
		Status:        e.status,
		NewEventCount: e.newEventCount,
		Total:         e.cache.Size(),
		At:            e.now().UTC(),
	}
	e.mu.Unlock()
	e.notifier.Notify(context.WithoutCancel(ctx), n)
}

func (e *Engine) observePoll(result PollResult) {
	if e.observer != nil {
		e.observer.ObservePoll(result)
	}
}

func (e *Engine) observeFetched(n int) {
	if e.observer != nil {
		e.observer.ObserveFetched(n)
	}
}

func (e *Engine) observeCacheSize() {
	if e.observer != nil {
		e.observer.ObserveCacheSize(e.cache.Size())
	}
}

func (e *Engine) observeStatus(status Status) {
	if e.observer != nil {
		e.observer.ObserveStatus(status)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
