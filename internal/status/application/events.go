package application

import (
	"context"
	"errors"
	"time"

	"sensorwatch/internal/transport"
)

var (
	// ErrUnauthenticated is returned once the session ended; no further fetches run.
	ErrUnauthenticated = errors.New("status: unauthenticated")
	// ErrSuperseded is returned by a refresh whose results were dropped for a newer one.
	ErrSuperseded = errors.New("status: refresh superseded")
	// ErrIssueNotFound is returned when resolving an id that is not in the local state.
	ErrIssueNotFound = errors.New("status: issue not found")
	// ErrNoDevice is returned by device commands before a device is selected.
	ErrNoDevice = errors.New("status: no device selected")
	// ErrNoReadings is returned by DetectLatest before any reading was fetched.
	ErrNoReadings = errors.New("status: no readings to analyse")
	// ErrTokenUnavailable is returned when the credential store could not be
	// read. The session and the stored token are left alone.
	ErrTokenUnavailable = errors.New("status: token store unavailable")
)

// EventType classifies user-facing events.
type EventType string

const (
	EventInfo            EventType = "info"
	EventError           EventType = "error"
	EventUnauthenticated EventType = "unauthenticated"
	EventOffline         EventType = "offline"
)

// Event is surfaced to the user as a toast, banner or push message.
type Event struct {
	Type     EventType     `json:"type"`
	DeviceID string        `json:"device_id,omitempty"`
	IssueID  string        `json:"issue_id,omitempty"`
	Tag      transport.Tag `json:"tag,omitempty"`
	Message  string        `json:"message"`
	At       time.Time     `json:"at"`
}

// EventNotifier publishes status events.
type EventNotifier interface {
	Notify(ctx context.Context, event Event)
}

// StateObserver receives every published state. Published must not call back
// into the view-model.
type StateObserver interface {
	Published(state State)
}

// fanout forwards each event to every notifier in registration order.
type fanout []EventNotifier

func (f fanout) Notify(ctx context.Context, event Event) {
	for _, n := range f {
		n.Notify(ctx, event)
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Event) {}
