package capture

import "fmt"

// ViewMode is which stream the preview shows.
type ViewMode int

const (
	// DepthPreview shows the colorized depth stream.
	DepthPreview ViewMode = iota
	// ColorPreview shows the color stream.
	ColorPreview
)

func (v ViewMode) String() string {
	switch v {
	case DepthPreview:
		return "depth"
	case ColorPreview:
		return "color"
	default:
		return fmt.Sprintf("ViewMode(%d)", int(v))
	}
}

// State is the lifecycle state of a Session.
type State int

// Session states. A session is Running from the moment NewSession returns until Close.
const (
	Initializing State = iota
	Running
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind distinguishes the user inputs a running session reacts to.
type EventKind int

// Event kinds.
const (
	ToggleViewEvent EventKind = iota
	QuitEvent
)

// An Event is a user input. Events are only acted upon between two ticks.
type Event struct {
	Kind EventKind
	View ViewMode
}

// ToggleView returns the event switching the preview to view.
func ToggleView(view ViewMode) Event {
	return Event{Kind: ToggleViewEvent, View: view}
}

// Quit returns the event ending the run after the current tick.
func Quit() Event {
	return Event{Kind: QuitEvent}
}

// EventForKey maps a key press to its event: '1' shows depth, '2' shows color, ESC and 'q'
// quit. ok is false for any other key.
func EventForKey(key byte) (ev Event, ok bool) {
	switch key {
	case '1':
		return ToggleView(DepthPreview), true
	case '2':
		return ToggleView(ColorPreview), true
	case 27, 'q', 'Q', 3: // ESC, q, ctrl-c in raw mode
		return Quit(), true
	default:
		return Event{}, false
	}
}
