package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is an in-process notification about gateway activity.
type Event struct {
	Type      string
	Source    string // channel or component name
	Payload   map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe hub with a bounded history.
// "*" subscribes to every event type.
type EventBus struct {
	handlers   map[string][]namedHandler
	nextID     int
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers a handler and returns its ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls matching handlers synchronously. A panicking handler is
// logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(nh namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
		}
	}()
	nh.Handler(event)
}

// Replay returns events of the given type ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

const (
	EventMessageReceived  = "message.received"
	EventMessageDuplicate = "message.duplicate"
	EventReplySent        = "reply.sent"
	EventReplyFailed      = "reply.failed"
	EventIngestCompleted  = "ingest.completed"
	EventIngestFailed     = "ingest.failed"
	EventQueryAnswered    = "query.answered"
	EventWorkerState      = "worker.state"
)
