// Package metrics defines the broker's instrumentation surface.  A
// go-kit metrics Provider backs every counter, so production wiring can
// use prometheus while tests use the discard provider.
package metrics

import (
	"net/http"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/provider"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DeviceGauge          = "device_count"
	SessionGauge         = "session_count"
	MessagesSentCounter  = "messages_sent_count"
	MessagesReceived     = "messages_received_count"
	MessagesFailed       = "messages_failed_count"
	MessagesAcknowledged = "messages_acknowledged_count"
	RoutingDrops         = "routing_drop_count"
	FanoutFailures       = "fanout_failure_count"
	AuthDenials          = "auth_denial_count"
	QueueRejections      = "queue_rejection_count"
	DecodeFailures       = "decode_failure_count"
)

// Measures holds the metric objects consumed at runtime.  A zero-value
// Measures is not usable; construct instances with NewMeasures.
type Measures struct {
	Devices      metrics.Gauge
	Sessions     metrics.Gauge
	Sent         metrics.Counter
	Received     metrics.Counter
	Failed       metrics.Counter
	Acknowledged metrics.Counter
	RoutingDrop  metrics.Counter
	FanoutFail   metrics.Counter
	AuthDenied   metrics.Counter
	QueueReject  metrics.Counter
	DecodeFail   metrics.Counter
}

// NewMeasures constructs a Measures given a go-kit metrics Provider.
func NewMeasures(p provider.Provider) Measures {
	return Measures{
		Devices:      p.NewGauge(DeviceGauge),
		Sessions:     p.NewGauge(SessionGauge),
		Sent:         p.NewCounter(MessagesSentCounter),
		Received:     p.NewCounter(MessagesReceived),
		Failed:       p.NewCounter(MessagesFailed),
		Acknowledged: p.NewCounter(MessagesAcknowledged),
		RoutingDrop:  p.NewCounter(RoutingDrops),
		FanoutFail:   p.NewCounter(FanoutFailures),
		AuthDenied:   p.NewCounter(AuthDenials),
		QueueReject:  p.NewCounter(QueueRejections),
		DecodeFail:   p.NewCounter(DecodeFailures),
	}
}

// NewProvider returns the prometheus-backed provider used by production
// assemblies.  Metrics are registered under the given namespace.
func NewProvider(namespace string) provider.Provider {
	return provider.NewPrometheusProvider(namespace, "broker")
}

// Handler exposes the default prometheus registry, where the provider
// from NewProvider registers its collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewTestMeasures returns Measures backed by the discard provider,
// suitable for tests that do not assert on instrumentation.
func NewTestMeasures() Measures {
	return NewMeasures(provider.NewDiscardProvider())
}
