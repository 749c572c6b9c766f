// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const (
	metricsSubSystemRoom      = "room"
	metricsSubSystemBridge    = "bridge"
	metricsSubSystemReconnect = "reconnect"
)

type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	ConnStateCounters  *prometheus.CounterVec
	StanzaCounters     *prometheus.CounterVec
	CommandCounters    *prometheus.CounterVec
	PresenceBroadcasts *prometheus.CounterVec

	BridgeStateCounters *prometheus.CounterVec

	ReconnectAttempts *prometheus.CounterVec
}

func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	m := Metrics{
		namespace: namespace,
	}

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.ConnStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRoom,
			Name:      "conn_states_total",
			Help:      "Total number of room connection state changes",
		},
		[]string{"state"},
	)
	m.registry.MustRegister(m.ConnStateCounters)

	m.StanzaCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRoom,
			Name:      "stanzas_total",
			Help:      "Total number of sent/received XMPP stanzas",
		},
		[]string{"direction", "type"},
	)
	m.registry.MustRegister(m.StanzaCounters)

	m.CommandCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRoom,
			Name:      "commands_total",
			Help:      "Total number of sent/received remote control commands",
		},
		[]string{"direction", "type", "result"},
	)
	m.registry.MustRegister(m.CommandCounters)

	m.PresenceBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRoom,
			Name:      "presence_updates_total",
			Help:      "Total number of sent/received presence updates",
		},
		[]string{"direction"},
	)
	m.registry.MustRegister(m.PresenceBroadcasts)

	m.BridgeStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemBridge,
			Name:      "states_total",
			Help:      "Total number of peer bridge state changes",
		},
		[]string{"state"},
	)
	m.registry.MustRegister(m.BridgeStateCounters)

	m.ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemReconnect,
			Name:      "attempts_total",
			Help:      "Total number of reconnection attempts",
		},
		[]string{"result"},
	)
	m.registry.MustRegister(m.ReconnectAttempts)

	return &m
}

func (m *Metrics) IncConnState(state string) {
	m.ConnStateCounters.With(prometheus.Labels{"state": state}).Inc()
}

func (m *Metrics) IncStanzas(direction, kind string) {
	m.StanzaCounters.With(prometheus.Labels{"direction": direction, "type": kind}).Inc()
}

func (m *Metrics) IncCommands(direction, cmdType, result string) {
	m.CommandCounters.With(prometheus.Labels{"direction": direction, "type": cmdType, "result": result}).Inc()
}

func (m *Metrics) IncPresenceUpdates(direction string) {
	m.PresenceBroadcasts.With(prometheus.Labels{"direction": direction}).Inc()
}

func (m *Metrics) IncBridgeState(state string) {
	m.BridgeStateCounters.With(prometheus.Labels{"state": state}).Inc()
}

func (m *Metrics) IncReconnectAttempts(result string) {
	m.ReconnectAttempts.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Totals returns the value of every counter of this namespace summed over
// all its label values, keyed by metric name without the namespace.
func (m *Metrics) Totals() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	prefix := m.namespace + "_"
	totals := make(map[string]float64)
	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER || !strings.HasPrefix(family.GetName(), prefix) {
			continue
		}
		var total float64
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		totals[strings.TrimPrefix(family.GetName(), prefix)] = total
	}

	return totals, nil
}
