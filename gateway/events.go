package gateway

// EventKind is the closed set of event kinds C2 dispatches to.
type EventKind int

const (
	EventHTTPRequest EventKind = iota
	EventCompletionNotification
	EventCleanupTick
	EventChannelOpen
	EventChannelClose
	EventChannelMessage
	EventUnknown
)

func (k EventKind) String() string {
	switch k {
	case EventHTTPRequest:
		return "http_request"
	case EventCompletionNotification:
		return "completion_notification"
	case EventCleanupTick:
		return "cleanup_tick"
	case EventChannelOpen:
		return "channel_open"
	case EventChannelClose:
		return "channel_close"
	case EventChannelMessage:
		return "channel_message"
	default:
		return "unknown"
	}
}

// HTTPEventContext carries the fields of a public HTTP request event.
type HTTPEventContext struct {
	Method  string
	Path    string
	Host    string
	Headers map[string][]string
}

// ChangeRecord is a change-stream record over the pending-requests table.
type ChangeRecord struct {
	RequestID string
}

// SweepMarker tags a scheduled-sweep invocation.
type SweepMarker struct{}

// Event is the single invocation surface the gateway delivers four event
// kinds through, spec.md §4.2. The cloud provider's specific event payload
// format is out of scope (spec.md §1 treats it as an abstract event
// source); Event is the shape the core classifies and dispatches.
type Event struct {
	HTTP         *HTTPEventContext
	ChangeRecord *ChangeRecord
	SweepMarker  *SweepMarker

	// RouteKey, ChannelID, and Message carry channel lifecycle events.
	// "default" is overloaded between a public HTTP request and a
	// channel_message event, which is exactly why HTTP is checked first.
	RouteKey  string
	ChannelID string
	Message   []byte
}

// Classify determines the event kind, checking branches in the fixed order
// spec.md §4.2 requires: this ordering is itself a testable invariant
// (spec.md §8, invariant 6).
func Classify(e Event) EventKind {
	switch {
	case e.HTTP != nil:
		return EventHTTPRequest
	case e.ChangeRecord != nil:
		return EventCompletionNotification
	case e.SweepMarker != nil:
		return EventCleanupTick
	default:
		switch e.RouteKey {
		case "channel_open":
			return EventChannelOpen
		case "channel_close":
			return EventChannelClose
		case "channel_message":
			return EventChannelMessage
		default:
			return EventUnknown
		}
	}
}
