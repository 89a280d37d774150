package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/proxystore/internal/runtime/actor"
)

// Admin actions served under /admin/.
const (
	AdminList    = "list"
	AdminReset   = "reset"
	AdminStop    = "stop"
	AdminRefresh = "refresh"
	AdminInspect = "inspect"
)

const (
	messageReset   = "Proxy storage reset."
	messageStopped = "Proxy storage alarms stopped."
)

type actionResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type refreshResponse struct {
	Key       string `json:"key"`
	Status    int    `json:"status"`
	Refreshed bool   `json:"refreshed"`
	Error     string `json:"error,omitempty"`
}

// ServeAdmin runs an admin action. Actions taking a single key read it from
// the "key" query parameter; the key prefix may be omitted.
func (p *Proxy) ServeAdmin(w http.ResponseWriter, r *http.Request, action string) {
	w.Header().Set("Cache-Control", "no-store")
	logger := p.logger.With(slog.String("admin_action", action))
	key := p.adminKey(r)

	switch action {
	case AdminList:
		keys, err := p.directory.Keys(r.Context())
		if err != nil {
			logger.Error("admin list failed", slog.Any("error", err))
			p.WriteError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
		p.writeJSON(w, http.StatusOK, keys)
	case AdminReset:
		if key == "" {
			keys, err := p.directory.ResetAll(r.Context())
			if err != nil {
				logger.Error("admin reset failed", slog.Any("error", err))
				p.WriteError(w, http.StatusInternalServerError, "reset failed")
				return
			}
			logger.Info("all records reset", slog.Int("keys", len(keys)))
			p.writeJSON(w, http.StatusOK, keys)
			return
		}
		if err := p.directory.Get(key).Reset(r.Context()); err != nil {
			logger.Error("admin reset failed", slog.String("key", key), slog.Any("error", err))
			p.WriteError(w, http.StatusInternalServerError, "reset failed")
			return
		}
		logger.Info("record reset", slog.String("key", key))
		p.writeJSON(w, http.StatusOK, actionResponse{Status: http.StatusOK, Message: messageReset})
	case AdminStop:
		var err error
		if key == "" {
			err = p.directory.StopAll(r.Context())
		} else if a, ok := p.directory.Lookup(key); ok {
			err = a.Stop(r.Context())
		}
		if err != nil {
			logger.Error("admin stop failed", slog.Any("error", err))
			p.WriteError(w, http.StatusInternalServerError, "stop failed")
			return
		}
		p.writeJSON(w, http.StatusOK, actionResponse{Status: http.StatusOK, Message: messageStopped})
	case AdminRefresh:
		if key == "" {
			p.WriteError(w, http.StatusBadRequest, "key parameter required")
			return
		}
		p.adminRefresh(w, r, key, logger)
	case AdminInspect:
		if key == "" {
			p.WriteError(w, http.StatusBadRequest, "key parameter required")
			return
		}
		snap, err := p.directory.Get(key).Inspect(r.Context())
		if err != nil {
			logger.Error("admin inspect failed", slog.String("key", key), slog.Any("error", err))
			p.WriteError(w, http.StatusInternalServerError, "inspect failed")
			return
		}
		p.writeJSON(w, http.StatusOK, snap)
	default:
		p.WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown admin action %q", action))
	}
}

func (p *Proxy) adminRefresh(w http.ResponseWriter, r *http.Request, key string, logger *slog.Logger) {
	resp, err := p.directory.Get(key).Refresh(r.Context())
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	switch {
	case errors.Is(err, actor.ErrMissingRecord):
		p.WriteError(w, http.StatusNotFound, fmt.Sprintf("no stored record for %s", key))
	case resp != nil:
		out := refreshResponse{Key: key, Status: resp.StatusCode, Refreshed: err == nil}
		if err != nil {
			out.Error = err.Error()
		}
		logger.Info("record refreshed", slog.String("key", key), slog.Int("status", resp.StatusCode), slog.Bool("refreshed", out.Refreshed))
		p.writeJSON(w, http.StatusOK, out)
	default:
		status, message := errorStatus(err)
		logger.Warn("admin refresh failed", slog.String("key", key), slog.Any("error", err))
		p.WriteError(w, status, message)
	}
}

func (p *Proxy) adminKey(r *http.Request) string {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" || p.keys.Owns(key) {
		return key
	}
	return p.keys.Prefix() + key
}
