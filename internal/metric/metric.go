// Package metric groups the OpenTelemetry instruments that describe CAN
// controller fan-out.
package metric

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name used for every instrument.
const InstrumentationName = "github.com/notnil/canhub"

// Sample is one controller's counters at observation time.
type Sample struct {
	Bus        int
	Name       string
	Dispatched int64
	Delivered  int64
	Dropped    int64
	Filtered   int64
	Mailboxes  int64
}

// ControllerMetric holds the per controller instruments:
//   - canhub.frames.dispatched (Int64ObservableCounter)
//   - canhub.frames.delivered  (Int64ObservableCounter)
//   - canhub.frames.dropped    (Int64ObservableCounter)
//   - canhub.frames.filtered   (Int64ObservableCounter)
//   - canhub.mailboxes         (Int64ObservableGauge)
type ControllerMetric struct {
	dispatched metric.Int64ObservableCounter
	delivered  metric.Int64ObservableCounter
	dropped    metric.Int64ObservableCounter
	filtered   metric.Int64ObservableCounter
	mailboxes  metric.Int64ObservableGauge
}

// NewControllerMetric creates the instruments on meter.
func NewControllerMetric(meter metric.Meter) (*ControllerMetric, error) {
	var m ControllerMetric
	var err error

	if m.dispatched, err = meter.Int64ObservableCounter(
		"canhub.frames.dispatched",
		metric.WithDescription("Total number of frames dispatched by a controller"),
	); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64ObservableCounter(
		"canhub.frames.delivered",
		metric.WithDescription("Total number of frames queued into mailboxes"),
	); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64ObservableCounter(
		"canhub.frames.dropped",
		metric.WithDescription("Total number of frames lost to full or closed mailboxes"),
	); err != nil {
		return nil, err
	}
	if m.filtered, err = meter.Int64ObservableCounter(
		"canhub.frames.filtered",
		metric.WithDescription("Total number of frames rejected by mailbox filters"),
	); err != nil {
		return nil, err
	}
	if m.mailboxes, err = meter.Int64ObservableGauge(
		"canhub.mailboxes",
		metric.WithDescription("Number of mailboxes attached to a controller"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// Register installs a callback that observes every Sample returned by
// collect. Unregister the returned registration to stop observing.
func (m *ControllerMetric) Register(meter metric.Meter, collect func() []Sample) (metric.Registration, error) {
	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		for _, s := range collect() {
			opts := metric.WithAttributes(
				attribute.Int("can.bus", s.Bus),
				attribute.String("can.name", s.Name),
			)
			observer.ObserveInt64(m.dispatched, s.Dispatched, opts)
			observer.ObserveInt64(m.delivered, s.Delivered, opts)
			observer.ObserveInt64(m.dropped, s.Dropped, opts)
			observer.ObserveInt64(m.filtered, s.Filtered, opts)
			observer.ObserveInt64(m.mailboxes, s.Mailboxes, opts)
		}
		return nil
	}, m.dispatched, m.delivered, m.dropped, m.filtered, m.mailboxes)
}
