// Package metrics holds the Prometheus collectors for the service. A Metrics
// value satisfies the metrics hooks of the application and review services and
// observes workflow events.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c66w/business-cooperation-sub000/workflow"
)

const namespace = "coop"

type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	applicationsSubmitted *prometheus.CounterVec
	uploadFailures        prometheus.Counter
	tasksAssigned         *prometheus.CounterVec
	assignmentDegraded    prometheus.Counter
	reviewsCompleted      *prometheus.CounterVec
	workflowSteps         *prometheus.CounterVec
	workflowStepDuration  *prometheus.HistogramVec
	workflowsActive       *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		applicationsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "applications",
			Name:      "submitted_total",
			Help:      "Applications submitted, by merchant type.",
		}, []string{"merchant_type"}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "applications",
			Name:      "document_upload_failures_total",
			Help:      "Document uploads stored with a placeholder URL.",
		}),
		tasksAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "tasks_assigned_total",
			Help:      "Review task assignments, by mode.",
		}, []string{"mode"}),
		assignmentDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "assignment_fallback_total",
			Help:      "Assignments that fell back to the default reviewer.",
		}),
		reviewsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "decisions_total",
			Help:      "Completed reviews, by decision.",
		}, []string{"decision"}),
		workflowSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_events_total",
			Help:      "Workflow events, by step and event type.",
		}, []string{"step", "event"}),
		workflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"step"}),
		workflowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "suspended",
			Help:      "Workflows suspended in this process since start, by step.",
		}, []string{"step"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.applicationsSubmitted,
		m.uploadFailures,
		m.tasksAssigned,
		m.assignmentDegraded,
		m.reviewsCompleted,
		m.workflowSteps,
		m.workflowStepDuration,
		m.workflowsActive,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ApplicationSubmitted(merchantType string) {
	m.applicationsSubmitted.WithLabelValues(merchantType).Inc()
}

func (m *Metrics) DocumentUploadFailed() { m.uploadFailures.Inc() }

func (m *Metrics) TaskAssigned(auto bool) {
	mode := "manual"
	if auto {
		mode = "auto"
	}
	m.tasksAssigned.WithLabelValues(mode).Inc()
}

func (m *Metrics) AssignmentDegraded() { m.assignmentDegraded.Inc() }

func (m *Metrics) ReviewCompleted(decision string) {
	m.reviewsCompleted.WithLabelValues(decision).Inc()
}

// OnEvent makes Metrics a workflow.Observer.
func (m *Metrics) OnEvent(_ context.Context, ev workflow.Event) {
	step := string(ev.Step)
	m.workflowSteps.WithLabelValues(step, string(ev.Type)).Inc()
	switch ev.Type {
	case workflow.EventStepCompleted, workflow.EventStepFailed:
		m.workflowStepDuration.WithLabelValues(step).Observe(ev.Duration.Seconds())
	case workflow.EventSuspended:
		m.workflowsActive.WithLabelValues(step).Inc()
	case workflow.EventResumed:
		m.workflowsActive.WithLabelValues(step).Dec()
	}
}

// Middleware records request counts and latency, labelled by mux route
// template so ids do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
