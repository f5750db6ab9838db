package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the file relay
// Declared in one package to keep metrics close to business logic
// and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: relay (application-level grouping)
// - subsystem: websocket, room, transfer (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, transfers, buffered bytes)
// - Counter: Cumulative events (frames processed, bytes relayed)
// - Histogram: Latency distributions (frame processing time)

var (
	// ActiveConnections tracks the current number of live WebSocket channels (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one member (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count of each room (GaugeVec with room_id label - current state per room)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of member devices in each room",
	}, []string{"room_id"})

	// ActiveTransfers tracks transfers currently holding chunk buffers (Gauge - current state)
	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "transfer",
		Name:      "transfers_active",
		Help:      "Current number of in-flight file transfers",
	})

	// MemoryInFlight tracks bytes accounted to transfer buffers (Gauge - current state)
	MemoryInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "transfer",
		Name:      "memory_in_flight_bytes",
		Help:      "Bytes currently held by transfer chunk buffers",
	})

	// BytesRelayed tracks the total payload bytes forwarded between peers (Counter - cumulative)
	BytesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "transfer",
		Name:      "bytes_relayed_total",
		Help:      "Total payload bytes relayed between sender and receiver",
	})

	// RateLimitRequests tracks requests that passed the rate limiter (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests admitted by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded tracks requests refused by the rate limiter (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests refused by the rate limiter",
	}, []string{"endpoint", "limit_type"})

	// FramesProcessed tracks the total number of inbound frames processed (CounterVec - cumulative)
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed",
	}, []string{"frame_type", "status"})

	// FrameProcessingDuration tracks the time spent handling inbound frames (HistogramVec - latency distribution)
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"frame_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
