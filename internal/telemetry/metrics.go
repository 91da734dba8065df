// Package telemetry turns bus events into Prometheus metrics and serves
// them over HTTP.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"beacon/internal/eventbus"
)

const namespace = "beacon"

// Metrics owns a private registry so tests can build several.
type Metrics struct {
	reg *prometheus.Registry

	registrations *prometheus.CounterVec
	toggles       *prometheus.CounterVec
	polls         prometheus.Counter
	nextWake      prometheus.Gauge
	services      prometheus.Gauge
	surveysDue    *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	transferBytes prometheus.Counter
	records       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_registrations_total",
			Help: "Service registrations by result.",
		}, []string{"result"}),
		toggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_toggles_total",
			Help: "Service state changes by service and new state.",
		}, []string{"service", "state"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_polls_total",
			Help: "Scheduler timer callbacks.",
		}),
		nextWake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduler_next_wake_seconds",
			Help: "Seconds from the last poll to the next scheduled wake.",
		}),
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduler_services",
			Help: "Registered services at the last poll.",
		}),
		surveysDue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "surveys_due_total",
			Help: "Surveys that became active.",
		}, []string{"survey"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfers_total",
			Help: "Transfer runs by result.",
		}, []string{"result"}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfer_bytes_total",
			Help: "Bytes uploaded.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_stored_total",
			Help: "Records stored by stream.",
		}, []string{"stream"}),
	}
	m.reg.MustRegister(
		m.registrations, m.toggles, m.polls, m.nextWake, m.services,
		m.surveysDue, m.transfers, m.transferBytes, m.records,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RegisterGauge exposes fn as a gauge, e.g. supervisor task counts or
// dropped bus events.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// RecordStored counts one stored record. It matches storage.Manager.OnStore.
func (m *Metrics) RecordStored(stream string) {
	m.records.WithLabelValues(stream).Inc()
}

// Observe consumes bus events until ctx is done.
func (m *Metrics) Observe(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Handle(e)
		}
	}
}

// Handle applies one event.
func (m *Metrics) Handle(e eventbus.Event) {
	switch e.Type {
	case eventbus.ServiceRegistered:
		m.registrations.WithLabelValues("accepted").Inc()
	case eventbus.ServiceRejected:
		m.registrations.WithLabelValues("rejected").Inc()
	case eventbus.ServiceStarted:
		if d, ok := e.Data.(eventbus.ServiceData); ok {
			m.toggles.WithLabelValues(d.Name, "on").Inc()
		}
	case eventbus.ServicePaused:
		if d, ok := e.Data.(eventbus.ServiceData); ok {
			m.toggles.WithLabelValues(d.Name, "off").Inc()
		}
	case eventbus.SchedulerPoll:
		m.polls.Inc()
		if d, ok := e.Data.(eventbus.PollData); ok {
			m.services.Set(float64(d.Services))
			if !d.NextWake.IsZero() {
				m.nextWake.Set(d.NextWake.Sub(e.Time).Round(time.Millisecond).Seconds())
			}
		}
	case eventbus.SurveyDue:
		if d, ok := e.Data.(eventbus.SurveyData); ok {
			m.surveysDue.WithLabelValues(d.ID).Inc()
		}
	case eventbus.TransferDone:
		m.transfers.WithLabelValues("ok").Inc()
		if d, ok := e.Data.(eventbus.TransferData); ok {
			m.transferBytes.Add(float64(d.Bytes))
		}
	case eventbus.TransferFailed:
		m.transfers.WithLabelValues("failed").Inc()
		if d, ok := e.Data.(eventbus.TransferData); ok {
			m.transferBytes.Add(float64(d.Bytes))
		}
	}
}
