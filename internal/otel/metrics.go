package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all charlesd metrics instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	CompletionDuration metric.Float64Histogram
	TurnsTotal         metric.Int64Counter
	FailedTurnsTotal   metric.Int64Counter
	DeniedTotal        metric.Int64Counter
	IntrusionsTotal    metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("charlesd.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CompletionDuration, err = meter.Float64Histogram("charlesd.completion.duration",
		metric.WithDescription("Completion API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("charlesd.turns",
		metric.WithDescription("Conversational turns handled"),
	)
	if err != nil {
		return nil, err
	}

	m.FailedTurnsTotal, err = meter.Int64Counter("charlesd.turns.failed",
		metric.WithDescription("Turns whose reply was judged a failure"),
	)
	if err != nil {
		return nil, err
	}

	m.DeniedTotal, err = meter.Int64Counter("charlesd.denied",
		metric.WithDescription("Requests refused by the access gate"),
	)
	if err != nil {
		return nil, err
	}

	m.IntrusionsTotal, err = meter.Int64Counter("charlesd.intrusions",
		metric.WithDescription("Intrusion attempts recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("charlesd.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
