package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all activity-sync metrics instruments.
type Metrics struct {
	RequestDuration       metric.Float64Histogram
	ActivityEventsTotal   metric.Int64Counter
	BrokerDroppedTotal    metric.Int64Counter
	WSSessionsActive      metric.Int64UpDownCounter
	WSCatchupTotal        metric.Int64Counter
	MutationConflictTotal metric.Int64Counter
	MutationDuration      metric.Float64Histogram
	RateLimitRejects      metric.Int64Counter
	ListenerReconnects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("activity_sync.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivityEventsTotal, err = meter.Int64Counter("activity_sync.activity.events_total",
		metric.WithDescription("Activity events published to the broker"),
	)
	if err != nil {
		return nil, err
	}

	m.BrokerDroppedTotal, err = meter.Int64Counter("activity_sync.broker.dropped_total",
		metric.WithDescription("Events dropped from a subscriber's ring buffer due to overflow"),
	)
	if err != nil {
		return nil, err
	}

	m.WSSessionsActive, err = meter.Int64UpDownCounter("activity_sync.ws.sessions_active",
		metric.WithDescription("Currently open WebSocket sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.WSCatchupTotal, err = meter.Int64Counter("activity_sync.ws.catchup_total",
		metric.WithDescription("Times a session fell back to a database catch-up read"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationConflictTotal, err = meter.Int64Counter("activity_sync.mutation.conflict_total",
		metric.WithDescription("Task mutations rejected due to a version conflict"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationDuration, err = meter.Float64Histogram("activity_sync.mutation.duration",
		metric.WithDescription("Task mutation repository call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("activity_sync.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ListenerReconnects, err = meter.Int64Counter("activity_sync.listener.reconnects",
		metric.WithDescription("Postgres LISTEN/NOTIFY bridge reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
