package eventcache

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

const DefaultCapacity = 500

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Capacity int
	Logger   Logger
}

// Cache is a bounded FIFO of events ordered by arrival, which callers
// guarantee is ascending index order. All mutation happens under one lock
// because insertion scans the whole cache to reconcile older transitions.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	order    []*Event
	byIndex  map[string]*Event
	groups   map[string]*AlarmGroupSummary
	logger   Logger
}

func New(opts Options) *Cache {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    make([]*Event, 0, capacity),
		byIndex:  map[string]*Event{},
		groups:   map[string]*AlarmGroupSummary{},
		logger:   opts.Logger,
	}
}

func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) Insert(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(event)
}

// InsertBatch inserts events in the order given and returns how many were
// accepted.
func (c *Cache) InsertBatch(events []Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	inserted := 0
	for _, event := range events {
		if c.insertLocked(event) {
			inserted++
		}
	}
	return inserted
}

func (c *Cache) insertLocked(event Event) bool {
	event.Index = strings.TrimSpace(event.Index)
	if event.Index == "" {
		c.logf("dropping event without index (eventRef=%q)", event.EventRef)
		return false
	}
	if _, exists := c.byIndex[event.Index]; exists {
		c.logf("skipping duplicate event index %s", event.Index)
		return false
	}
	if n := len(c.order); n > 0 && CompareIndex(event.Index, c.order[n-1].Index) < 0 {
		c.logf("event index %s arrived after newer index %s", event.Index, c.order[n-1].Index)
	}

	event.Action = ParseAction(string(event.Action))
	event.CurrentState = ClassifyState(event.ToState)
	event.Message = SanitizeMessage(event.Message)
	if event.Details != nil {
		details := *event.Details
		event.Details = &details
	}

	c.incrementGroupLocked(event.AlarmGroupName, event.AlarmGroupColor)
	if len(c.order) >= c.capacity {
		c.evictOldestLocked()
	}
	inferFlags(&event)
	c.reconcileLocked(&event)

	stored := &event
	c.order = append(c.order, stored)
	c.byIndex[stored.Index] = stored
	return true
}

// inferFlags applies what the action itself says about acknowledgement. The
// remote's own acknowledged flag is unreliable, so an ack event is rewritten
// to read as an acknowledgement and dated by when the server saw it.
func inferFlags(event *Event) {
	switch event.Action {
	case ActionAlarmAck:
		event.Acknowledged = true
		event.Message = acknowledgedMessage(event.Message)
		if !event.ReceivedAt.IsZero() {
			event.Timestamp = event.ReceivedAt
		}
	case ActionAlarmAssignment, ActionAlarmComment, ActionFault:
		event.Acknowledged = true
	}
}

// reconcileLocked walks older entries newest-first. Only a status change marks
// older transitions stale; an ack leaves them live because the transition it
// acknowledges may still be active.
// An absent eventRef is the empty string and reconciles like any other ref.
func (c *Cache) reconcileLocked(event *Event) {
	for i := len(c.order) - 1; i >= 0; i-- {
		older := c.order[i]
		if older.EventRef != event.EventRef {
			continue
		}
		sameState := older.CurrentState == event.CurrentState
		switch event.Action {
		case ActionStatusChange:
			older.StaleTransition = true
			if sameState {
				older.Acknowledged = true
			}
		case ActionAlarmAck:
			if sameState {
				older.Acknowledged = true
			}
		}
	}
}

func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order[0] = nil
	c.order = c.order[1:]
	delete(c.byIndex, oldest.Index)
	c.decrementGroupLocked(oldest.AlarmGroupName)
}

func (c *Cache) incrementGroupLocked(name, color string) {
	summary, ok := c.groups[name]
	if !ok {
		summary = &AlarmGroupSummary{Name: name}
		c.groups[name] = summary
	}
	if color != "" {
		summary.Color = color
	}
	summary.Count++
}

func (c *Cache) decrementGroupLocked(name string) {
	summary, ok := c.groups[name]
	if !ok {
		return
	}
	if summary.Count > 0 {
		summary.Count--
	}
}

// Restore pre-populates the cache from persisted events. Flag inference and
// reconciliation already ran before the events were saved, so they are not
// repeated; only the newest Capacity events are kept.
func (c *Cache) Restore(events []Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	for _, event := range events {
		event.Index = strings.TrimSpace(event.Index)
		if event.Index == "" {
			continue
		}
		if _, exists := c.byIndex[event.Index]; exists {
			continue
		}
		if event.CurrentState == "" {
			event.CurrentState = ClassifyState(event.ToState)
		}
		event.Action = ParseAction(string(event.Action))
		stored := event.Clone()
		c.incrementGroupLocked(stored.AlarmGroupName, stored.AlarmGroupColor)
		c.order = append(c.order, &stored)
		c.byIndex[stored.Index] = &stored
	}
	for len(c.order) > c.capacity {
		c.evictOldestLocked()
	}
	return len(c.order)
}

// Update merges patch into the stored event in place. An unknown index is not
// an error: the event may have been evicted since the caller last saw it.
func (c *Cache) Update(index string, patch EventPatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.byIndex[strings.TrimSpace(index)]
	if !ok {
		c.logf("update for unknown event index %s ignored", index)
		return false
	}
	patch.apply(stored)
	return true
}

func (c *Cache) UpdateAll(patch EventPatch) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stored := range c.order {
		patch.apply(stored)
	}
	return len(c.order)
}

func (c *Cache) Get(index string) (Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stored, ok := c.byIndex[strings.TrimSpace(index)]
	if !ok {
		return Event{}, false
	}
	return stored.Clone(), true
}

// Snapshot returns deep copies in insertion order.
func (c *Cache) Snapshot() []Event {
	return c.SnapshotFiltered(Filter{})
}

func (c *Cache) SnapshotFiltered(filter Filter) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, 0, len(c.order))
	for _, stored := range c.order {
		if filter.Match(*stored) {
			out = append(out, stored.Clone())
		}
	}
	return out
}

func (c *Cache) Each(fn func(Event) bool) {
	for _, event := range c.Snapshot() {
		if !fn(event) {
			return
		}
	}
}

func (c *Cache) EachReverse(fn func(Event) bool) {
	events := c.Snapshot()
	for i := len(events) - 1; i >= 0; i-- {
		if !fn(events[i]) {
			return
		}
	}
}

func (c *Cache) LastKnownCursor() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return "", false
	}
	return c.order[len(c.order)-1].Index, true
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

func (c *Cache) Summaries() []AlarmGroupSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AlarmGroupSummary, 0, len(c.groups))
	for _, summary := range c.groups {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	c.order = make([]*Event, 0, c.capacity)
	c.byIndex = map[string]*Event{}
	c.groups = map[string]*AlarmGroupSummary{}
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// CompareIndex orders string-encoded feed indexes numerically. Values that do
// not parse fall back to length-then-lexical order, which matches numeric
// order for unsigned integers without leading zeros.
func CompareIndex(a, b string) int {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
