package eventcache

import (
	"strings"
	"time"
)

type Action string

const (
	ActionAlarmAck        Action = "ALARM_ACK"
	ActionAlarmAssignment Action = "ALARM_ASSIGNMENT"
	ActionAlarmComment    Action = "ALARM_COMMENT"
	ActionFault           Action = "FAULT"
	ActionStatusChange    Action = "STATUS_CHANGE"
	ActionOther           Action = "OTHER"
)

func ParseAction(raw string) Action {
	switch Action(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionAlarmAck:
		return ActionAlarmAck
	case ActionAlarmAssignment:
		return ActionAlarmAssignment
	case ActionAlarmComment:
		return ActionAlarmComment
	case ActionFault:
		return ActionFault
	case ActionStatusChange:
		return ActionStatusChange
	default:
		return ActionOther
	}
}

type State string

const (
	StateNormal    State = "NORMAL"
	StateFault     State = "FAULT"
	StateOffNormal State = "OFF_NORMAL"
)

// ClassifyState maps the free-text target state reported by the remote onto
// the three states the cache reconciles on. Anything that is not "Normal" or
// "Fault" (including an empty value) is off-normal.
func ClassifyState(toState string) State {
	toState = strings.TrimSpace(toState)
	switch {
	case strings.EqualFold(toState, "normal"):
		return StateNormal
	case strings.EqualFold(toState, "fault"):
		return StateFault
	default:
		return StateOffNormal
	}
}

func SanitizeMessage(message string) string {
	message = strings.ReplaceAll(message, "\r\n", " ")
	message = strings.ReplaceAll(message, "\r", " ")
	return strings.ReplaceAll(message, "\n", " ")
}

const acknowledgedPrefix = "Transition acknowledged"

func acknowledgedMessage(original string) string {
	if strings.TrimSpace(original) == "" {
		return acknowledgedPrefix
	}
	return acknowledgedPrefix + " (" + original + ")"
}

type AlarmDetails struct {
	Assignee  string    `json:"assignee,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
}

// Event is one state-transition notification from the remote feed. Index is
// the feed cursor and the FIFO order key; EventRef identifies the logical
// alarm across its transitions.
type Event struct {
	Index           string        `json:"index"`
	EventRef        string        `json:"eventRef"`
	Action          Action        `json:"action"`
	FromState       string        `json:"fromState,omitempty"`
	ToState         string        `json:"toState,omitempty"`
	CurrentState    State         `json:"currentState"`
	Source          string        `json:"source,omitempty"`
	Priority        int           `json:"priority,omitempty"`
	AlarmGroupName  string        `json:"alarmGroupName,omitempty"`
	AlarmGroupColor string        `json:"alarmGroupColor,omitempty"`
	Message         string        `json:"message"`
	Timestamp       time.Time     `json:"timestamp"`
	ReceivedAt      time.Time     `json:"receivedAt"`
	Acknowledged    bool          `json:"acknowledged"`
	StaleTransition bool          `json:"staleTransition"`
	HasBeenViewed   bool          `json:"hasBeenViewed"`
	Details         *AlarmDetails `json:"details,omitempty"`
}

func (e Event) Clone() Event {
	out := e
	if e.Details != nil {
		details := *e.Details
		out.Details = &details
	}
	return out
}

// EventPatch carries the fields a caller may change on a cached event. Nil
// fields are left untouched.
type EventPatch struct {
	Acknowledged  *bool         `json:"acknowledged,omitempty"`
	HasBeenViewed *bool         `json:"hasBeenViewed,omitempty"`
	Message       *string       `json:"message,omitempty"`
	Details       *AlarmDetails `json:"details,omitempty"`
}

func (p EventPatch) IsEmpty() bool {
	return p.Acknowledged == nil && p.HasBeenViewed == nil && p.Message == nil && p.Details == nil
}

func (p EventPatch) apply(e *Event) {
	if p.Acknowledged != nil {
		e.Acknowledged = *p.Acknowledged
	}
	if p.HasBeenViewed != nil {
		e.HasBeenViewed = *p.HasBeenViewed
	}
	if p.Message != nil {
		e.Message = SanitizeMessage(*p.Message)
	}
	if p.Details != nil {
		details := *p.Details
		e.Details = &details
	}
}

type Filter struct {
	Group              string `json:"group,omitempty"`
	State              State  `json:"state,omitempty"`
	UnacknowledgedOnly bool   `json:"unacknowledgedOnly,omitempty"`
	UnviewedOnly       bool   `json:"unviewedOnly,omitempty"`
	HideStale          bool   `json:"hideStale,omitempty"`
}

func (f Filter) Match(e Event) bool {
	if f.Group != "" && !strings.EqualFold(f.Group, e.AlarmGroupName) {
		return false
	}
	if f.State != "" && f.State != e.CurrentState {
		return false
	}
	if f.UnacknowledgedOnly && e.Acknowledged {
		return false
	}
	if f.UnviewedOnly && e.HasBeenViewed {
		return false
	}
	if f.HideStale && e.StaleTransition {
		return false
	}
	return true
}

type AlarmGroupSummary struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Count int    `json:"count"`
}
