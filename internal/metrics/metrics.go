// Copyright 2024 cachefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for the cachefs server and proxy.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// Server metrics
	LeasesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefs_server_leases_expired_total",
			Help: "Path locks released by the lease reaper",
		},
	)

	serverRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefs_server_requests_total",
			Help: "Requests handled by the file server",
		},
		[]string{"type", "status"},
	)

	serverBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefs_server_bytes_read_total",
			Help: "Bytes sent to proxies in read chunks",
		},
	)

	serverBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefs_server_bytes_written_total",
			Help: "Bytes received from proxies in write chunks",
		},
	)

	// Proxy metrics
	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefs_proxy_requests_total",
			Help: "Requests handled by the caching proxy",
		},
		[]string{"type", "status"},
	)

	proxyFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefs_proxy_fetches_total",
			Help: "Files copied from the server into the cache",
		},
	)

	proxyWriteBacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachefs_proxy_write_backs_total",
			Help: "Modified files written back to the server",
		},
		[]string{"status"},
	)

	proxyEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachefs_proxy_evictions_total",
			Help: "Replicas evicted to make room in the cache",
		},
	)

	proxyCacheUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachefs_proxy_cache_used_bytes",
			Help: "Bytes of cache capacity currently charged",
		},
	)
)

// RecordServerRequest records one handled server request.
func RecordServerRequest(reqType string, err error) {
	serverRequestsTotal.WithLabelValues(reqType, status(err)).Inc()
}

// RecordServerRead records bytes returned by a read chunk.
func RecordServerRead(n int) {
	serverBytesRead.Add(float64(n))
}

// RecordServerWrite records bytes accepted by a write chunk.
func RecordServerWrite(n int) {
	serverBytesWritten.Add(float64(n))
}

// RecordProxyRequest records one handled proxy request.
func RecordProxyRequest(reqType string, err error) {
	proxyRequestsTotal.WithLabelValues(reqType, status(err)).Inc()
}

// RecordFetch records a file copied from the server.
func RecordFetch() {
	proxyFetchesTotal.Inc()
}

// RecordWriteBack records the outcome of a write-back.
func RecordWriteBack(err error) {
	proxyWriteBacksTotal.WithLabelValues(status(err)).Inc()
}

// RecordEviction records a replica evicted for space.
func RecordEviction() {
	proxyEvictionsTotal.Inc()
}

// SetCacheUsed sets the charged cache bytes.
func SetCacheUsed(n int64) {
	proxyCacheUsedBytes.Set(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
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

	log.Infof("[METRICS] serving on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
