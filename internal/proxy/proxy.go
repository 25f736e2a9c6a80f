// Package proxy forwards admitted requests to upstream services.
package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/monetization-gateway/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream returned a server error")

type target struct {
	url     *url.URL
	reverse *httputil.ReverseProxy
}

// Proxy round-robins one service's traffic over its targets behind a
// single circuit breaker.
type Proxy struct {
	name    string
	path    string
	targets []target
	next    atomic.Uint64
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Collector
	logger  *zap.Logger
}

type Config struct {
	Name           string
	Path           string
	Targets        []string
	CircuitBreaker circuitbreaker.Config
	Timeout        time.Duration
}

func New(cfg Config, m *metrics.Collector, logger *zap.Logger) (*Proxy, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("service %s: at least one target is required", cfg.Name)
	}

	p := &Proxy{
		name:    cfg.Name,
		path:    cfg.Path,
		metrics: m,
		logger:  logger,
	}
	p.breaker = circuitbreaker.New(cfg.CircuitBreaker, circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("service", cfg.Name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}))

	transport := http.DefaultTransport
	if cfg.Timeout > 0 {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.Timeout
		transport = t
	}

	for _, raw := range cfg.Targets {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid target %q: %w", cfg.Name, raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("service %s: target %q needs a scheme and host", cfg.Name, raw)
		}

		upstream := u
		p.targets = append(p.targets, target{
			url: u,
			reverse: &httputil.ReverseProxy{
				Rewrite: func(r *httputil.ProxyRequest) {
					r.SetURL(upstream)
					r.SetXForwarded()
				},
				Transport: transport,
				ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
					logger.Error("Upstream request failed",
						zap.String("service", cfg.Name),
						zap.String("target", upstream.String()),
						zap.Error(err),
					)
					w.WriteHeader(http.StatusBadGateway)
				},
			},
		})
	}

	return p, nil
}

func (p *Proxy) Name() string {
	return p.name
}

// Path is the route prefix the service is mounted on.
func (p *Proxy) Path() string {
	return p.path
}

func (p *Proxy) pick() target {
	n := p.next.Add(1) - 1
	return p.targets[n%uint64(len(p.targets))]
}

// Handle forwards the request; upstream 5xx responses count against the breaker.
func (p *Proxy) Handle(c *gin.Context) {
	t := p.pick()

	err := p.breaker.Call(func() error {
		recorder := &statusRecorder{ResponseWriter: c.Writer, status: http.StatusOK}
		c.Header("X-Backend-Server", t.url.Host)

		t.reverse.ServeHTTP(recorder, c.Request)

		if recorder.status >= http.StatusInternalServerError {
			return errUpstream
		}
		return nil
	})

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		p.metrics.UpstreamFailed(p.name, "circuit_open")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	case err != nil:
		p.metrics.UpstreamFailed(p.name, "server_error")
	}
}

func (p *Proxy) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

type statusRecorder struct {
	gin.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
