package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all mimic metrics instruments.
type Metrics struct {
	MessageDuration    metric.Float64Histogram
	GenerateDuration   metric.Float64Histogram
	KeyRotations       metric.Int64Counter
	BroadcastSends     metric.Int64Counter
	BroadcastRemovals  metric.Int64Counter
	WorkerRestarts     metric.Int64Counter
	ActiveWorkers      metric.Int64UpDownCounter
	CredentialFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessageDuration, err = meter.Float64Histogram("mimic.message.duration",
		metric.WithDescription("Inbound message handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerateDuration, err = meter.Float64Histogram("mimic.generate.duration",
		metric.WithDescription("Text generation call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.KeyRotations, err = meter.Int64Counter("mimic.generator.rotations",
		metric.WithDescription("Generation key rotations triggered by quota exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastSends, err = meter.Int64Counter("mimic.broadcast.sends",
		metric.WithDescription("Broadcast messages delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastRemovals, err = meter.Int64Counter("mimic.broadcast.removals",
		metric.WithDescription("Subscribers removed after delivery failure"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerRestarts, err = meter.Int64Counter("mimic.worker.restarts",
		metric.WithDescription("Clone worker processes restarted by the supervisor"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("mimic.worker.active",
		metric.WithDescription("Number of currently running clone workers"),
	)
	if err != nil {
		return nil, err
	}

	m.CredentialFailures, err = meter.Int64Counter("mimic.credential.failures",
		metric.WithDescription("Credential probes that found a revoked or invalid token"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
