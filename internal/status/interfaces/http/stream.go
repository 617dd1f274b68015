package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"sensorwatch/internal/status/application"
)

const (
	frameStatus = "status"
	frameNotice = "notice"

	subscriberBuffer  = 8
	defaultKeepAlive  = 25 * time.Second
	streamRetryMillis = 3000
)

// frame is one server-sent event. device is empty for frames every client gets.
type frame struct {
	name   string
	id     string
	device string
	data   []byte
}

type subscriber struct {
	device string
	frames chan frame
}

func (s *subscriber) wants(f frame) bool {
	return s.device == "" || f.device == "" || f.device == s.device
}

// offer delivers f without blocking. A full buffer loses its oldest frame so
// a slow client still ends on the newest state.
func (s *subscriber) offer(f frame) {
	for i := 0; i < 2; i++ {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

type snapshot struct {
	Generation uint64            `json:"generation"`
	State      application.State `json:"state"`
}

// StatusStream pushes published states and status notices to SSE clients.
// It keeps the latest state so new clients start from it.
type StatusStream struct {
	mu           sync.Mutex
	subscribers  map[*subscriber]struct{}
	latest       *frame
	generation   uint64
	onVisibility func(visible bool)
}

// NewStatusStream constructs an empty stream.
func NewStatusStream() *StatusStream {
	return &StatusStream{subscribers: make(map[*subscriber]struct{})}
}

// OnVisibility registers fn to run when the first client connects (true) and
// when the last one leaves (false).
func (s *StatusStream) OnVisibility(fn func(visible bool)) {
	s.mu.Lock()
	s.onVisibility = fn
	s.mu.Unlock()
}

// Published implements application.StateObserver. States older than the
// cached one for the same device are ignored.
func (s *StatusStream) Published(state application.State) {
	if s == nil {
		return
	}
	data, err := json.Marshal(snapshot{Generation: state.Generation, State: state})
	if err != nil {
		return
	}
	f := frame{name: frameStatus, id: strconv.FormatUint(state.Generation, 10), device: state.DeviceID, data: data}

	s.mu.Lock()
	if s.latest != nil && s.latest.device == f.device && state.Generation < s.generation {
		s.mu.Unlock()
		return
	}
	s.latest = &f
	s.generation = state.Generation
	subs := s.snapshotLocked()
	s.mu.Unlock()
	deliver(subs, f)
}

// Notify implements application.EventNotifier.
func (s *StatusStream) Notify(_ context.Context, event application.Event) {
	if s == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	subs := s.snapshotLocked()
	s.mu.Unlock()
	deliver(subs, frame{name: frameNotice, device: event.DeviceID, data: data})
}

// Subscribe registers a client. device limits it to one device; empty means all.
// The cached state, when it matches, is queued first.
func (s *StatusStream) Subscribe(device string) *subscriber {
	sub := &subscriber{device: device, frames: make(chan frame, subscriberBuffer)}
	s.mu.Lock()
	if s.latest != nil && sub.wants(*s.latest) {
		sub.frames <- *s.latest
	}
	s.subscribers[sub] = struct{}{}
	first := len(s.subscribers) == 1
	hook := s.onVisibility
	s.mu.Unlock()
	if first && hook != nil {
		hook(true)
	}
	return sub
}

// Unsubscribe removes a client. Unknown or nil subscribers are ignored.
func (s *StatusStream) Unsubscribe(sub *subscriber) {
	if s == nil || sub == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.subscribers[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subscribers, sub)
	last := len(s.subscribers) == 0
	hook := s.onVisibility
	s.mu.Unlock()
	if last && hook != nil {
		hook(false)
	}
}

// Clients reports the number of connected clients.
func (s *StatusStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *StatusStream) snapshotLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func deliver(subs []*subscriber, f frame) {
	for _, sub := range subs {
		if sub.wants(f) {
			sub.offer(f)
		}
	}
}

// StreamHandler serves GET /api/v1/status/stream[?device=id].
type StreamHandler struct {
	stream    *StatusStream
	keepAlive time.Duration
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(stream *StatusStream) *StreamHandler {
	return &StreamHandler{stream: stream, keepAlive: defaultKeepAlive}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.stream == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.stream.Subscribe(r.URL.Query().Get("device"))
	defer h.stream.Unsubscribe(sub)

	fmt.Fprintf(w, "retry: %d\n\n", streamRetryMillis)
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case f := <-sub.frames:
			writeFrame(w, f)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, f frame) {
	if f.id != "" {
		fmt.Fprintf(w, "id: %s\n", f.id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.name, f.data)
}
