package events

// Event enumerates high-level topics inside the pipeline.
type Event string

const (
	// EventOutcome carries an execution.LedgerEntry for every terminal outcome.
	EventOutcome Event = "execution.outcome"
	// EventIntent carries an execution.OrderIntent emitted by the signal engine.
	EventIntent Event = "signal.intent"
	// EventFeedStatus carries a FeedStatus.
	EventFeedStatus Event = "feed.status"
	// EventAlert carries a plain string for operators.
	EventAlert Event = "alert"
)

// Feed connection states.
const (
	FeedConnected    = "connected"
	FeedDisconnected = "disconnected"
	FeedGaveUp       = "gave_up"
)

// FeedStatus reports a connection group transition.
type FeedStatus struct {
	Group   int    `json:"group"`
	State   string `json:"state"`
	Streams int    `json:"streams"`
	Error   string `json:"error,omitempty"`
}
