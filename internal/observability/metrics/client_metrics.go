package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"raftchat/internal/cluster"
	"raftchat/internal/kv"
)

// ClientCollector exposes routing and facade activity as Prometheus
// metrics. It implements cluster.Observer and kv.CallObserver.
type ClientCollector struct {
	attempts  *prometheus.CounterVec
	redirects prometheus.Counter
	tryAgain  prometheus.Counter
	failovers prometheus.Counter
	exhausted prometheus.Counter
	preferred prometheus.Gauge
	duration  *prometheus.HistogramVec
	calls     *prometheus.CounterVec
}

var (
	_ cluster.Observer = (*ClientCollector)(nil)
	_ kv.CallObserver  = (*ClientCollector)(nil)
)

// NewClientCollector registers on reg (default registerer if nil).
func NewClientCollector(reg prometheus.Registerer, namespace string) *ClientCollector {
	if namespace == "" {
		namespace = "raftchat"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &ClientCollector{
		attempts: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_attempts_total",
			Help:      "Attempts sent to cluster nodes by outcome.",
		}, []string{"outcome"}),
		redirects: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_redirects_total",
			Help:      "MOVED replies followed.",
		}),
		tryAgain: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_tryagain_total",
			Help:      "TRYAGAIN replies received.",
		}),
		failovers: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_failovers_total",
			Help:      "Switches to another node after a failed attempt.",
		}),
		exhausted: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_exhausted_total",
			Help:      "Calls that ran out of attempts.",
		}),
		preferred: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kv_preferred_node",
			Help:      "Id of the node the next call starts with.",
		}),
		duration: builder.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kv_call_duration_seconds",
			Help:      "Latency of facade calls including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"op"}),
		calls: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_calls_total",
			Help:      "Facade calls by operation and result.",
		}, []string{"op", "result"}),
	}
}

func (c *ClientCollector) Attempt(_ cluster.Node, outcome cluster.Outcome) {
	c.attempts.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case cluster.OutcomeRedirect:
		c.redirects.Inc()
	case cluster.OutcomeTryAgain:
		c.tryAgain.Inc()
	}
}

func (c *ClientCollector) Failover(_, _ cluster.Node) { c.failovers.Inc() }

func (c *ClientCollector) Preferred(node cluster.Node) { c.preferred.Set(float64(node.ID)) }

func (c *ClientCollector) Exhausted() { c.exhausted.Inc() }

func (c *ClientCollector) ObserveCall(op string, d time.Duration, err error) {
	c.duration.WithLabelValues(op).Observe(d.Seconds())
	c.calls.WithLabelValues(op, callResult(err)).Inc()
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, kv.ErrNotFound):
		return "not_found"
	case errors.Is(err, kv.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, kv.ErrNotAcknowledged):
		return "not_acknowledged"
	default:
		return "error"
	}
}

// StartServer serves gatherer on /metrics until ctx is canceled. A nil
// gatherer serves the default registry.
func StartServer(ctx context.Context, addr string, gatherer prometheus.Gatherer, log *zap.Logger) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return nil
}
