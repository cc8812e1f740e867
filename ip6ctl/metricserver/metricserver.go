// Copyright 2024 The gVisor Authors.
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

// Package metricserver exports the IPv6 layer statistics to Prometheus.
package metricserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
)

// httpTimeout is the timeout used for all connect/read/write operations of the HTTP server.
const httpTimeout = 1 * time.Minute

// namespace prefixes every exported metric.
const namespace = "ip6stack"

// snakeCase converts a Go field name to a Prometheus name component, keeping
// acronyms together: "ICMPErrorRate" becomes "icmp_error_rate".
func snakeCase(s string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(rs[i-1])
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if prevLower || (unicode.IsUpper(rs[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// metricName returns the subsystem and name of the counter at path, a dotted
// field path as passed to tcpip.StatVisitor.
func metricName(path string) (subsystem, name string) {
	group, field, ok := strings.Cut(path, ".")
	if !ok {
		return "", snakeCase(path) + "_total"
	}
	return snakeCase(group), snakeCase(strings.ReplaceAll(field, ".", "")) + "_total"
}

// NewRegistry returns a registry holding one counter per statistic in
// stats, plus the Go runtime and process collectors. Counters read stats
// at scrape time.
func NewRegistry(stats *tcpip.Stats) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	var err error
	stats.Visit(func(path string, c *tcpip.StatCounter) {
		if err != nil {
			return
		}
		subsystem, name := metricName(path)
		err = reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      fmt.Sprintf("IPv6 layer statistic %s.", path),
		}, func() float64 {
			return float64(c.Value())
		}))
		if err != nil {
			err = fmt.Errorf("registering %s: %w", path, err)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler returns the HTTP handler of the metric server: the metrics in
// the text exposition format under /metrics and an index page at /.
func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      promLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		fmt.Fprintf(w, "<html><head><title>ip6ctl metrics</title></head><body>")
		fmt.Fprintf(w, `<p>To see actual metric data, head over to <a href="/metrics">/metrics</a>.</p>`)
		fmt.Fprintf(w, "</body></html>")
	})
	return mux
}

// promLogger forwards promhttp errors to the log package.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	log.Warningf("metricserver: %s", fmt.Sprint(v...))
}

// Serve serves the statistics on addr until ctx is done.
func Serve(ctx context.Context, addr string, stats *tcpip.Stats) error {
	reg, err := NewRegistry(stats)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", addr, err)
	}
	return serve(ctx, ln, Handler(reg))
}

func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  httpTimeout,
		WriteTimeout: httpTimeout,
		IdleTimeout:  httpTimeout,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("metricserver: shutdown: %v", err)
		}
	}()
	log.Infof("metricserver: serving on %s", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}
