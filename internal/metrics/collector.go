package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes mirror and query metrics
type Collector struct {
	registry        *prometheus.Registry
	fetchesTotal    *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	inflightWorkers prometheus.Gauge
	fetchDuration   prometheus.Histogram
	queriesTotal    *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
}

// New creates a new metrics collector on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmirror_fetches_total",
				Help: "Total number of download tasks processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "extmirror_fetched_bytes_total",
				Help: "Total bytes written by download workers",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "extmirror_inflight_workers",
				Help: "Number of workers currently processing a task",
			},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "extmirror_fetch_duration_seconds",
				Help:    "Time taken to process a download task",
				Buckets: prometheus.DefBuckets,
			},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmirror_queries_total",
				Help: "Total number of index queries served",
			},
			[]string{"query", "status"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extmirror_query_duration_seconds",
				Help:    "Time taken to answer an index query",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"query"},
		),
	}

	c.registry.MustRegister(
		c.fetchesTotal,
		c.bytesTotal,
		c.inflightWorkers,
		c.fetchDuration,
		c.queriesTotal,
		c.queryDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// IncFetch increments the fetch counter for a status label
func (c *Collector) IncFetch(status string) {
	c.fetchesTotal.WithLabelValues(status).Inc()
}

// AddBytes adds to total bytes fetched
func (c *Collector) AddBytes(bytes uint64) {
	c.bytesTotal.Add(float64(bytes))
}

// WorkerStarted marks one more worker busy
func (c *Collector) WorkerStarted() {
	c.inflightWorkers.Inc()
}

// WorkerFinished marks one worker idle again
func (c *Collector) WorkerFinished() {
	c.inflightWorkers.Dec()
}

// ObserveFetch observes task duration
func (c *Collector) ObserveFetch(duration time.Duration) {
	c.fetchDuration.Observe(duration.Seconds())
}

// ObserveQuery records one query outcome and its duration
func (c *Collector) ObserveQuery(query, status string, duration time.Duration) {
	c.queriesTotal.WithLabelValues(query, status).Inc()
	c.queryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// Handler returns the /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server exposes a collector on /metrics while a mirror run is in progress
type Server struct {
	srv  *http.Server
	addr string
	done chan error
}

// StartServer listens on addr and serves /metrics in the background
func (c *Collector) StartServer(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r := mux.NewRouter()
	r.Handle("/metrics", c.Handler()).Methods(http.MethodGet)

	s := &Server{
		srv:  &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second},
		addr: ln.Addr().String(),
		done: make(chan error, 1),
	}

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	return s, nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the server and waits for the serve loop to exit
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
