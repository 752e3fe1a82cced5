package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetricsOptions configures the gateway collectors.
type GatewayMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// GatewayMetrics exposes Prometheus collectors for realtime gateway instrumentation.
type GatewayMetrics struct {
	Connections         prometheus.Gauge
	Events              *prometheus.CounterVec
	Broadcasts          *prometheus.CounterVec
	RateLimitRejects    *prometheus.CounterVec
	VoiceParticipants   prometheus.Gauge
	OfflineQueued       prometheus.Counter
	PresenceTransitions *prometheus.CounterVec
}

// NewGatewayMetrics constructs and registers the gateway collectors.
func NewGatewayMetrics(opts GatewayMetricsOptions) (*GatewayMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "rtc"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Current number of open websocket connections on this instance.",
	})
	registeredConnections, err := registerGauge(reg, connections)
	if err != nil {
		return nil, err
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Total number of inbound client events partitioned by type and outcome.",
	}, []string{"type", "outcome"})
	registeredEvents, err := registerCounterVec(reg, events)
	if err != nil {
		return nil, err
	}

	broadcasts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "broadcasts_total",
		Help:      "Total number of payload fan-outs partitioned by scope (room, user, cross_instance).",
	}, []string{"scope"})
	registeredBroadcasts, err := registerCounterVec(reg, broadcasts)
	if err != nil {
		return nil, err
	}

	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "rate_limit_rejections_total",
		Help:      "Total number of events rejected by the sliding window limiter, by event class.",
	}, []string{"class"})
	registeredRejects, err := registerCounterVec(reg, rejects)
	if err != nil {
		return nil, err
	}

	voice := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "participants",
		Help:      "Current number of voice channel participants on this instance.",
	})
	registeredVoice, err := registerGauge(reg, voice)
	if err != nil {
		return nil, err
	}

	offline := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "offline_queued_total",
		Help:      "Total number of direct payloads queued for offline recipients.",
	})
	registeredOffline, err := registerCounter(reg, offline)
	if err != nil {
		return nil, err
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "transitions_total",
		Help:      "Total number of presence status transitions by resulting status.",
	}, []string{"status"})
	registeredTransitions, err := registerCounterVec(reg, transitions)
	if err != nil {
		return nil, err
	}

	return &GatewayMetrics{
		Connections:         registeredConnections,
		Events:              registeredEvents,
		Broadcasts:          registeredBroadcasts,
		RateLimitRejects:    registeredRejects,
		VoiceParticipants:   registeredVoice,
		OfflineQueued:       registeredOffline,
		PresenceTransitions: registeredTransitions,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, collector *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return nil, fmt.Errorf("register collector: %w", err)
	}
	return collector, nil
}

func registerCounter(reg prometheus.Registerer, collector prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return nil, fmt.Errorf("register collector: %w", err)
	}
	return collector, nil
}

func registerGauge(reg prometheus.Registerer, collector prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return nil, fmt.Errorf("register collector: %w", err)
	}
	return collector, nil
}
