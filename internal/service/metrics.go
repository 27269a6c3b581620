package service

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "ephemerald"

// NewMetrics creates the orchestrator's metric instruments against the
// global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.InstancesProvisioned, err = meter.Int64Counter("ephemerald.instances.provisioned",
		metric.WithDescription("Number of instances successfully provisioned"))
	if err != nil {
		return nil, err
	}

	m.InstancesTerminated, err = meter.Int64Counter("ephemerald.instances.terminated",
		metric.WithDescription("Number of instances torn down on request"))
	if err != nil {
		return nil, err
	}

	m.InstancesReaped, err = meter.Int64Counter("ephemerald.instances.reaped",
		metric.WithDescription("Number of instances reclaimed by the orphan reaper"))
	if err != nil {
		return nil, err
	}

	m.ProxyRejected, err = meter.Int64Counter("ephemerald.proxy.rejected",
		metric.WithDescription("Number of proxy requests rejected by contract validation"))
	if err != nil {
		return nil, err
	}

	m.SetupDuration, err = meter.Float64Histogram("ephemerald.setup.duration_seconds",
		metric.WithDescription("Instance setup duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
