// Package metrics keeps a process-local registry of counters, gauges and
// histograms and exposes them in Prometheus text exposition format. The
// registry is intentionally dependency-free so every binary can expose
// /metrics without carrying a client library.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type runKey struct {
	outcome   string
	errorCode string
}

type vaultKey struct {
	vault string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	errors       map[errorKey]uint64
	latency      map[latencyKey]*histogram
	runs         map[runKey]uint64
	broadcasts   uint64
	healthScores map[vaultKey]int
	fuelLamports map[vaultKey]uint64
}

var registry = &collector{
	requests:     make(map[requestKey]uint64),
	errors:       make(map[errorKey]uint64),
	latency:      make(map[latencyKey]*histogram),
	runs:         make(map[runKey]uint64),
	healthScores: make(map[vaultKey]int),
	fuelLamports: make(map[vaultKey]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	registry.observeHTTP(handler, method, status, duration)
}

// ObserveOverrideRun counts a settled override run. outcome is
// "succeeded" or "failed"; errorCode is empty on success.
func ObserveOverrideRun(outcome, errorCode string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.runs[runKey{outcome: outcome, errorCode: errorCode}]++
}

// ObserveBroadcast counts one raw-transaction broadcast.
func ObserveBroadcast() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.broadcasts++
}

// SetVaultHealthScore publishes the latest health score for a vault.
func SetVaultHealthScore(vault string, score int) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.healthScores[vaultKey{vault: vault}] = score
}

// SetAgentFuelLamports publishes the latest observed fuel balance for a
// vault's agent signer.
func SetAgentFuelLamports(vault string, lamports uint64) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.fuelLamports[vaultKey{vault: vault}] = lamports
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values above the last bound only show up in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, registry.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type runMetric struct {
		runKey
		value uint64
	}
	type gaugeMetric struct {
		vault string
		value string
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	runs := make([]runMetric, 0, len(c.runs))
	for key, value := range c.runs {
		runs = append(runs, runMetric{runKey: key, value: value})
	}
	scores := make([]gaugeMetric, 0, len(c.healthScores))
	for key, value := range c.healthScores {
		scores = append(scores, gaugeMetric{vault: key.vault, value: strconv.Itoa(value)})
	}
	fuels := make([]gaugeMetric, 0, len(c.fuelLamports))
	for key, value := range c.fuelLamports {
		fuels = append(fuels, gaugeMetric{vault: key.vault, value: strconv.FormatUint(value, 10)})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].outcome == runs[j].outcome {
			return runs[i].errorCode < runs[j].errorCode
		}
		return runs[i].outcome < runs[j].outcome
	})
	sort.Slice(scores, func(i, j int) bool { return scores[i].vault < scores[j].vault })
	sort.Slice(fuels, func(i, j int) bool { return fuels[i].vault < fuels[j].vault })

	var builder strings.Builder
	builder.Grow(2048)

	builder.WriteString("# HELP aegis_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE aegis_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("aegis_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP aegis_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE aegis_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("aegis_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	builder.WriteString("# HELP aegis_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE aegis_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("aegis_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("aegis_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("aegis_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("aegis_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	builder.WriteString("# HELP aegis_override_runs_total Total number of settled override runs.\n")
	builder.WriteString("# TYPE aegis_override_runs_total counter\n")
	for _, metric := range runs {
		builder.WriteString(fmt.Sprintf("aegis_override_runs_total{outcome=\"%s\",error_code=\"%s\"} %d\n",
			escape(metric.outcome), escape(metric.errorCode), metric.value))
	}

	builder.WriteString("# HELP aegis_broadcasts_total Total number of raw transaction broadcasts.\n")
	builder.WriteString("# TYPE aegis_broadcasts_total counter\n")
	builder.WriteString(fmt.Sprintf("aegis_broadcasts_total %d\n", c.broadcasts))

	builder.WriteString("# HELP aegis_vault_health_score Latest health score per vault, 0-100.\n")
	builder.WriteString("# TYPE aegis_vault_health_score gauge\n")
	for _, metric := range scores {
		builder.WriteString(fmt.Sprintf("aegis_vault_health_score{vault=\"%s\"} %s\n",
			escape(metric.vault), metric.value))
	}

	builder.WriteString("# HELP aegis_agent_fuel_lamports Latest observed agent fuel balance per vault.\n")
	builder.WriteString("# TYPE aegis_agent_fuel_lamports gauge\n")
	for _, metric := range fuels {
		builder.WriteString(fmt.Sprintf("aegis_agent_fuel_lamports{vault=\"%s\"} %s\n",
			escape(metric.vault), metric.value))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
