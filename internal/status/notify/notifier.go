package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"sensorwatch/internal/status/application"
	"sensorwatch/internal/transport"
)

// StatusReader exposes the current screen state for escalation checks.
type StatusReader interface {
	State() application.State
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// EventEscalated is sent when the anomaly service is still offline after the
// escalation delay.
const EventEscalated application.EventType = "escalated"

// Notifier renders status events and delivers them through a channel.
type Notifier struct {
	channel      Channel
	template     *Template
	clock        Clock
	logger       *log.Logger
	types        map[application.EventType]bool
	escalation   time.Duration
	status       StatusReader
	mu           sync.Mutex
	timer        *time.Timer
	sent         map[string]sendRecord
	cooldown     time.Duration
	dedupeWindow time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithCooldown sets a minimum interval between notifications for the same subject and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithTypes restricts delivery to the given event types.
func WithTypes(types ...application.EventType) Option {
	return func(n *Notifier) {
		if len(types) == 0 {
			return
		}
		n.types = make(map[application.EventType]bool, len(types))
		for _, t := range types {
			n.types[t] = true
		}
	}
}

// WithEscalation re-notifies when the service is still offline after the delay.
func WithEscalation(after time.Duration, status StatusReader) Option {
	return func(n *Notifier) {
		if after > 0 && status != nil {
			n.escalation = after
			n.status = status
		}
	}
}

// NewNotifier constructs a status notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("status notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:  channel,
		template: template,
		clock:    systemClock{},
		sent:     make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements application.EventNotifier.
func (n *Notifier) Notify(ctx context.Context, event application.Event) {
	if n == nil || n.channel == nil {
		return
	}
	n.dispatch(ctx, event)
	switch event.Type {
	case application.EventOffline:
		n.scheduleEscalation(event)
	case application.EventUnauthenticated:
		n.cancelEscalation()
	}
}

// Close stops a pending escalation.
func (n *Notifier) Close() {
	n.cancelEscalation()
}

func (n *Notifier) dispatch(ctx context.Context, event application.Event) {
	if n.types != nil && !n.types[event.Type] {
		return
	}
	if event.At.IsZero() {
		event.At = n.clock.Now()
	}
	content, err := n.template.Render(buildTemplateData(event))
	if err != nil {
		n.logf("status notifier render error: %v", err)
		return
	}
	key := notificationKey(event)
	if !n.shouldSend(key, content) {
		return
	}
	if err := n.channel.Send(ctx, Message{Event: event, Text: content}); err != nil {
		n.logf("status notifier send error: type=%s err=%v", event.Type, err)
		return
	}
	n.markSent(key, content)
}

func (n *Notifier) scheduleEscalation(event application.Event) {
	if n.escalation <= 0 || n.status == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.escalation, func() {
		n.runEscalation(event)
	})
}

func (n *Notifier) cancelEscalation() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timer := n.timer
	n.timer = nil
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(event application.Event) {
	n.mu.Lock()
	n.timer = nil
	n.mu.Unlock()

	state := n.status.State()
	if state.Phase == application.PhaseUnauthenticated || !state.ModelStatus.Offline() {
		return
	}
	event.Type = EventEscalated
	event.At = n.clock.Now()
	event.Message = "anomaly service still offline"
	n.dispatch(context.Background(), event)
}

func buildTemplateData(event application.Event) TemplateData {
	return TemplateData{
		Device:     event.DeviceID,
		Issue:      event.IssueID,
		Tag:        string(event.Tag),
		Message:    event.Message,
		Time:       event.At.UTC().Format(time.RFC3339),
		Suggestion: suggestionFor(event),
		Event:      string(event.Type),
		EventLabel: eventLabel(event.Type),
	}
}

func eventLabel(t application.EventType) string {
	switch t {
	case application.EventInfo:
		return "Info"
	case application.EventError:
		return "Error"
	case application.EventUnauthenticated:
		return "Signed Out"
	case application.EventOffline:
		return "Service Offline"
	case EventEscalated:
		return "Escalated"
	default:
		return string(t)
	}
}

func suggestionFor(event application.Event) string {
	switch event.Type {
	case application.EventUnauthenticated:
		return "Sign in again to resume monitoring."
	case application.EventOffline, EventEscalated:
		return "Check the anomaly service; rule-based detection keeps running."
	}
	switch event.Tag {
	case transport.TagNetwork, transport.TagTimeout:
		return "Check connectivity and retry."
	case transport.TagRateLimited:
		return "Wait a moment before retrying."
	case transport.TagServerError:
		return "The server is having trouble; retry later."
	}
	return "No action needed."
}

func (n *Notifier) shouldSend(key, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(key, content string) {
	n.mu.Lock()
	n.sent[key] = sendRecord{at: n.clock.Now().UTC(), hash: hashContent(content)}
	n.mu.Unlock()
}

func notificationKey(event application.Event) string {
	subject := event.IssueID
	if subject == "" {
		subject = event.DeviceID
	}
	return subject + "|" + string(event.Type)
}

// hashContent ignores the timestamp line so repeats of one event dedupe.
func hashContent(content string) string {
	sum := sha1.Sum([]byte(stripTime(content)))
	return hex.EncodeToString(sum[:8])
}

func stripTime(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.HasPrefix(line, "Time:") {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
