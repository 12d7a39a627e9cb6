package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "godrive"

var (
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_total", Help: "Booking attempts by outcome"},
		[]string{"outcome"},
	)
	LessonTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "lesson_transitions_total", Help: "Lesson status transitions"},
		[]string{"to"},
	)
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Cancellations by refund policy"},
		[]string{"policy"},
	)
	GeofenceRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geofence_rejections_total", Help: "Lesson starts rejected for distance"})
	NotifyFailuresTotal     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Best-effort notifications that failed"},
		[]string{"event"},
	)

	SlotQueryLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "slot_query_seconds", Help: "Availability computation latency"})
	SlotCacheHits      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "slot_cache_hits_total", Help: "Availability cache hits"})
	SlotCacheMisses    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "slot_cache_misses_total", Help: "Availability cache misses"})
	RuleOverlapsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "availability_rule_overlaps_total", Help: "Overlapping availability rules seen while computing slots"})
	InstructorsOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "instructors_online", Help: "Instructors that reported an online location"})
	SearchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "instructor_searches_total", Help: "Nearby instructor searches"})
	RoomSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "room_sessions_active", Help: "Open websocket sessions across lesson rooms"})
	PaymentEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_events_total", Help: "Payment webhooks and checkout steps"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
