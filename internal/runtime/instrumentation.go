package runtime

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/proxystore/internal/metrics"
	"github.com/l0p7/proxystore/internal/runtime/actor"
)

// exchange carries per-request bookkeeping from dispatch to the final write.
type exchange struct {
	route         string
	key           string
	correlationID string
	outcome       metrics.RequestOutcome
	start         time.Time
	logger        *slog.Logger
}

// finish writes resp to the client, or a JSON error with status when resp is
// nil, then records the request in logs and metrics.
func (p *Proxy) finish(w http.ResponseWriter, r *http.Request, ex exchange, resp *http.Response, status int, message string) {
	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, ex.correlationID)
	}
	if resp == nil {
		p.WriteError(w, status, message)
	} else {
		status = resp.StatusCode
		p.relay(w, r, resp, ex.logger)
	}

	duration := time.Since(ex.start)
	p.metrics.ObserveRequest(ex.route, ex.outcome, status, duration)

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("outcome", string(ex.outcome)),
		slog.Int("http_status", status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if ex.key != "" {
		attrs = append(attrs, slog.String("key", ex.key))
	}
	ex.logger.LogAttrs(r.Context(), slog.LevelInfo, "request served", attrs...)
}

// relay copies resp to w. HEAD requests get the headers only.
func (p *Proxy) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, logger *slog.Logger) {
	defer func() {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}()
	copyResponseHeaders(w.Header(), resp.Header)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead || resp.Body == nil {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("response body copy failed", slog.Any("error", err))
	}
}

// cacheOutcome classifies an actor response as a fresh hit, a stale hit or
// a miss from the storage headers the actor sets.
func cacheOutcome(resp *http.Response, refreshSeconds int) metrics.RequestOutcome {
	if resp.Header.Get(actor.HeaderStorage) != actor.StorageHit {
		return metrics.RequestMiss
	}
	age, err := strconv.Atoi(resp.Header.Get(actor.HeaderAge))
	if err != nil || age <= refreshSeconds {
		return metrics.RequestHit
	}
	return metrics.RequestStale
}
