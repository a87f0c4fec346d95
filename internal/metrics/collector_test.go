package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/bus"
	"chatgate/internal/logging"
)

func TestCollector_RenderIsStable(t *testing.T) {
	c := NewCollector("chatgate_")
	c.Counter("b_total", "B", "").Inc()
	c.Counter("a_total", "A", Labels("channel", "telegram")).Inc()
	c.Counter("a_total", "A", Labels("channel", "telegram")).Inc()
	c.Gauge("inflight", "In flight", "").Set(3)

	out := c.Render()
	assert.Contains(t, out, `chatgate_a_total{channel="telegram"} 2`)
	assert.Contains(t, out, "chatgate_inflight 3")
	assert.Less(t, strings.Index(out, "chatgate_a_total"), strings.Index(out, "chatgate_b_total"))
	assert.Equal(t, 1, strings.Count(out, "# TYPE chatgate_a_total counter"))
}

func TestCollector_Histogram(t *testing.T) {
	c := NewCollector("")
	h := c.Histogram("lat", "Latency", "", []float64{5, 1})
	h.Observe(0.5)
	h.Observe(3)

	out := c.Render()
	assert.Contains(t, out, `lat_bucket{le="1"} 1`)
	assert.Contains(t, out, `lat_bucket{le="5"} 2`)
	assert.Contains(t, out, `lat_bucket{le="+Inf"} 2`)
	assert.Contains(t, out, "lat_count 2")
}

func TestLabels_SortedAndEscaped(t *testing.T) {
	assert.Equal(t, `a="1",b="x\"y"`, Labels("b", `x"y`, "a", "1"))
}

func TestObserve_FollowsEvents(t *testing.T) {
	c := NewCollector("chatgate_")
	eb := bus.NewEventBus(logging.Discard())
	Observe(c, eb)

	eb.Emit(bus.Event{Type: bus.EventMessageReceived, Source: "whatsapp", Payload: map[string]any{"kind": "text"}})
	eb.Emit(bus.Event{Type: bus.EventIngestFailed, Source: "whatsapp", Payload: map[string]any{"stage": "fetch"}})
	eb.Emit(bus.Event{Type: bus.EventIngestCompleted, Source: "whatsapp", Payload: map[string]any{"duration": 2 * time.Second}})
	eb.Emit(bus.Event{Type: bus.EventWorkerState, Source: "telegram", Payload: map[string]any{"state": "ready"}})

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, `chatgate_messages_total{channel="whatsapp",kind="text"} 1`)
	assert.Contains(t, body, `chatgate_ingest_failures_total{channel="whatsapp",stage="fetch"} 1`)
	assert.Contains(t, body, `chatgate_ingestions_total{channel="whatsapp",result="success"} 1`)
	assert.Contains(t, body, `chatgate_worker_transitions_total{state="ready",worker="telegram"} 1`)
	assert.Contains(t, body, `chatgate_ingest_latency_seconds_count{channel="whatsapp"} 1`)
}
