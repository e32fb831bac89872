package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angeloszaimis/node-selector/internal/selection"
)

type EventType string

const (
	EventHealthCheck EventType = "health_check"
	EventRequest     EventType = "request"
	EventSelection   EventType = "selection"
)

type MetricEvent struct {
	Type            EventType
	Timestamp       time.Time
	Endpoint        string
	Duration        time.Duration
	StatusCode      int
	OK              bool
	Version         string
	BlockDifference int64
	ErrorKind       string
	Stage           string
}

// Collector folds selector events into Metrics and Prometheus instruments.
type Collector struct {
	eventCh     chan MetricEvent
	metrics     *Metrics
	instruments *Instruments
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
}

var _ selection.Monitor = (*Collector)(nil)

// NewCollector creates a collector registering its instruments on reg. A nil
// reg uses a private registry.
func NewCollector(bufferSize int, reg *prometheus.Registry, logger *slog.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{
		eventCh:     make(chan MetricEvent, bufferSize),
		metrics:     NewMetrics(),
		instruments: NewInstruments(reg),
		gatherer:    reg,
		logger:      logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// HealthCheck implements selection.Monitor.
func (c *Collector) HealthCheck(p selection.HealthCheckPayload) {
	c.emit(MetricEvent{
		Type:            EventHealthCheck,
		Timestamp:       p.Timestamp,
		Endpoint:        p.Endpoint,
		Duration:        p.Duration,
		StatusCode:      p.StatusCode,
		OK:              p.OK,
		Version:         p.Version,
		BlockDifference: p.BlockDifference,
		ErrorKind:       p.ErrorKind,
	})
}

// Request implements selection.Monitor.
func (c *Collector) Request(p selection.RequestPayload) {
	c.emit(MetricEvent{
		Type:       EventRequest,
		Timestamp:  p.Timestamp,
		Endpoint:   p.Endpoint,
		Duration:   p.Duration,
		StatusCode: p.StatusCode,
		OK:         p.Error == "",
	})
}

// OnSelect is a selection.SelectionCallback recording the deciding stage.
func (c *Collector) OnSelect(endpoint string, trace []selection.Decision) {
	stage := string(selection.StageExhausted)
	if len(trace) > 0 {
		stage = string(trace[len(trace)-1].Stage)
	}

	c.emit(MetricEvent{
		Type:      EventSelection,
		Timestamp: time.Now(),
		Endpoint:  endpoint,
		Stage:     stage,
	})
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

// PrometheusHandler serves the collector's registry in the exposition format.
func (c *Collector) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// emit never blocks; events are dropped when the buffer is full.
func (c *Collector) emit(event MetricEvent) {
	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("metrics buffer full, dropping event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventHealthCheck:
		c.metrics.RecordHealthCheck(event)

		result := "ok"
		if !event.OK {
			result = event.ErrorKind
		}
		c.instruments.HealthChecks.WithLabelValues(event.Endpoint, result).Inc()
		c.instruments.HealthCheckDuration.WithLabelValues(event.Endpoint).Observe(event.Duration.Seconds())
		if event.OK {
			c.instruments.BlockDifference.WithLabelValues(event.Endpoint).Set(float64(event.BlockDifference))
		}

	case EventRequest:
		c.metrics.RecordRequest(event.Endpoint, event.Duration, event.StatusCode)
		c.instruments.Requests.WithLabelValues(event.Endpoint, strconv.Itoa(event.StatusCode)).Inc()
		c.instruments.RequestDuration.WithLabelValues(event.Endpoint).Observe(event.Duration.Seconds())

	case EventSelection:
		c.metrics.RecordSelection(event.Endpoint, event.Stage)
		c.instruments.Selections.WithLabelValues(event.Stage).Inc()
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}
