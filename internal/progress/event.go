// Package progress broadcasts project initialization progress to connected
// clients. Publishing is best-effort: the ledger is authoritative.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event types
const (
	TypeStarted       = "initialization.started"
	TypeProgress      = "initialization.progress"
	TypeStepCompleted = "initialization.step_completed"
	TypeStepFailed    = "initialization.step_failed"
	TypeCompleted     = "initialization.completed"
	TypeFailed        = "initialization.failed"
)

// Event is a single progress update for a project
type Event struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Step      string `json:"step,omitempty"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Terminal reports whether no further events follow for the project
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeFailed
}

// Time returns the event timestamp
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Publisher broadcasts progress events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(ctx context.Context, event Event) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Channel returns the pub/sub channel name for a project
func Channel(projectID string) string {
	return "project:" + projectID
}

// Encode marshals an event for transport
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals an event received from a transport
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if e.ProjectID == "" {
		return Event{}, errors.New("progress event without projectId")
	}
	return e, nil
}

// Fanout publishes each event to every publisher and joins their errors
type Fanout []Publisher

// Publish sends the event to all publishers
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
