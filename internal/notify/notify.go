package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"caregate.org/internal/obs"
)

var ErrInvalidInput = errors.New("notify: invalid input")

// Event is a notification handed to the transport boundary. Delivery is
// fire-and-forget from the core's perspective; transports live outside this
// module.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Subject   string            `json:"subject,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEvent builds an event with a fresh identifier.
func NewEvent(eventType, subject, message string, details map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Subject:   subject,
		Message:   message,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}

// Notifier dispatches an event to recipients. Implementations must not
// assume delivery ordering; failures never roll back state transitions.
type Notifier interface {
	Notify(ctx context.Context, evt Event, recipients []string) error
}

// LogNotifier writes notifications to the shared structured log. It stands
// in for real transports (email/SMS/pager) during library embedding.
type LogNotifier struct{}

// NewLogNotifier returns a log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(_ context.Context, evt Event, recipients []string) error {
	obs.LogEvent(map[string]any{
		"ts":         evt.CreatedAt.Format(time.RFC3339Nano),
		"type":       "notification",
		"event_id":   evt.ID,
		"event":      evt.Type,
		"subject":    evt.Subject,
		"message":    evt.Message,
		"recipients": recipients,
	})
	return nil
}

// Dispatcher throttles outbound notifications with a token bucket so an
// alert storm cannot flood the transport. Dropped events are logged, never
// silently discarded.
type Dispatcher struct {
	notifier Notifier
	limiter  *rate.Limiter
}

// NewDispatcher wraps the notifier. perMinute <= 0 disables throttling.
func NewDispatcher(notifier Notifier, perMinute int, burst int) (*Dispatcher, error) {
	if notifier == nil {
		return nil, errors.New("notify: notifier is required")
	}
	d := &Dispatcher{notifier: notifier}
	if perMinute > 0 {
		if burst <= 0 {
			burst = perMinute
		}
		d.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	}
	return d, nil
}

// Dispatch sends the event unless the throttle rejects it. Errors from the
// underlying notifier are logged and swallowed: notification delivery never
// blocks or unwinds the caller's state transition.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event, recipients []string) {
	if d.limiter != nil && !d.limiter.Allow() {
		obs.LogEvent(map[string]any{
			"ts":       time.Now().UTC().Format(time.RFC3339Nano),
			"level":    "warn",
			"msg":      "notification throttled",
			"event_id": evt.ID,
			"event":    evt.Type,
		})
		return
	}
	if err := d.notifier.Notify(ctx, evt, recipients); err != nil {
		obs.LogEvent(map[string]any{
			"ts":       time.Now().UTC().Format(time.RFC3339Nano),
			"level":    "error",
			"msg":      "notification dispatch failed",
			"event_id": evt.ID,
			"event":    evt.Type,
			"error":    err.Error(),
		})
	}
}
