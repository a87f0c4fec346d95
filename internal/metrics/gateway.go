package metrics

import (
	"time"

	"chatgate/internal/bus"
)

var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// Observe subscribes c to gateway events on eb so that counters follow
// message, reply, ingestion and worker activity.
func Observe(c *Collector, eb *bus.EventBus) {
	eb.On(bus.EventMessageReceived, func(e bus.Event) {
		kind, _ := e.Payload["kind"].(string)
		c.Counter("messages_total", "Inbound messages accepted for processing", Labels("channel", e.Source, "kind", kind)).Inc()
	})
	eb.On(bus.EventMessageDuplicate, func(e bus.Event) {
		c.Counter("duplicates_total", "Redelivered messages dropped", Labels("channel", e.Source)).Inc()
	})
	eb.On(bus.EventReplySent, func(e bus.Event) {
		c.Counter("replies_total", "Outbound replies", Labels("channel", e.Source, "result", "ok")).Inc()
	})
	eb.On(bus.EventReplyFailed, func(e bus.Event) {
		c.Counter("replies_total", "Outbound replies", Labels("channel", e.Source, "result", "error")).Inc()
	})
	eb.On(bus.EventQueryAnswered, func(e bus.Event) {
		observeDuration(c, "query_latency_seconds", "Question answering latency in seconds", e)
	})
	eb.On(bus.EventIngestCompleted, func(e bus.Event) {
		c.Counter("ingestions_total", "Document ingestion attempts", Labels("channel", e.Source, "result", "success")).Inc()
		observeDuration(c, "ingest_latency_seconds", "Document ingestion latency in seconds", e)
	})
	eb.On(bus.EventIngestFailed, func(e bus.Event) {
		stage, _ := e.Payload["stage"].(string)
		c.Counter("ingestions_total", "Document ingestion attempts", Labels("channel", e.Source, "result", "failure")).Inc()
		c.Counter("ingest_failures_total", "Document ingestion failures by stage", Labels("channel", e.Source, "stage", stage)).Inc()
	})
	eb.On(bus.EventWorkerState, func(e bus.Event) {
		state, _ := e.Payload["state"].(string)
		c.Counter("worker_transitions_total", "Worker state transitions", Labels("worker", e.Source, "state", state)).Inc()
	})
}

func observeDuration(c *Collector, name, help string, e bus.Event) {
	d, ok := e.Payload["duration"].(time.Duration)
	if !ok {
		return
	}
	c.Histogram(name, help, Labels("channel", e.Source), latencyBuckets).Observe(d.Seconds())
}
