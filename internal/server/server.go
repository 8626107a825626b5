// Package server exposes the job control surface and the live event
// stream consumed by the dashboard.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/SirClappington/syncd/internal/engine"
	"github.com/SirClappington/syncd/internal/events"
	"github.com/SirClappington/syncd/internal/registry"
	"github.com/SirClappington/syncd/internal/retention"
)

// SyncStarter is the slice of the engine the HTTP layer drives.
type SyncStarter interface {
	StartSync(resource string, limit int) error
	Status() map[string]registry.JobStatus
}

type Server struct {
	engine SyncStarter
	bus    *events.Bus
	ret    retention.Store
	log    *zap.Logger
}

func New(eng SyncStarter, bus *events.Bus, ret retention.Store, log *zap.Logger) *Server {
	if ret == nil {
		ret = retention.Noop{}
	}
	return &Server{engine: eng, bus: bus, ret: ret, log: log}
}

// Router wires the control surface, read APIs and the SSE stream.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/sync/{resource}", s.startSync)
	r.Get("/api/status", s.getStatus)
	r.Get("/api/logs", s.getLogs)
	r.Get("/api/clear-logs", s.clearLogs)
	r.Get("/api/system-info", s.getSystemInfo)
	r.Get("/api/metrics", s.getMetrics)
	r.Get("/api/history", s.getHistory)
	r.Get("/api/failures/{resource}", s.getFailures)
	r.Get("/events", s.streamEvents)

	return r
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	switch err := s.engine.StartSync(resource, limit); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"message":  resource + " sync started",
			"resource": resource,
			"limit":    limit,
		})
	case errors.Is(err, registry.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, resource+" sync is already running")
	case errors.Is(err, engine.ErrUnknownResource):
		writeError(w, http.StatusNotFound, "unknown sync type: "+resource)
	default:
		s.log.Error("start sync", zap.String("resource", resource), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start sync")
	}
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	level := r.URL.Query().Get("level")
	resource := r.URL.Query().Get("resource")

	logs, total := s.bus.FilterLogs(level, resource, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": total,
	})
}

func (s *Server) clearLogs(w http.ResponseWriter, _ *http.Request) {
	s.bus.ClearLogs()
	s.bus.Log("INFO", "Logs cleared by user", "", 0)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logs cleared"})
}

func (s *Server) getSystemInfo(w http.ResponseWriter, _ *http.Request) {
	hi, err := host.Info()
	if err != nil {
		s.log.Error("read host info", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read system info")
		return
	}

	info := map[string]any{
		"hostname":  hi.Hostname,
		"system":    hi.OS + " " + hi.KernelVersion,
		"uptime":    (time.Duration(hi.Uptime) * time.Second).String(),
		"boot_time": time.Unix(int64(hi.BootTime), 0).UTC().Format(time.RFC3339),
		"processes": hi.Procs,
	}
	if n, err := cpu.Counts(true); err == nil {
		info["cpu_count"] = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total"] = fmt.Sprintf("%.1f GB", float64(vm.Total)/(1<<30))
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.MetricsSnapshot())
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := int64(queryInt(r, "limit", 50))
	history, err := s.ret.History(r.Context(), limit)
	if err != nil {
		s.log.Error("read history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"total":   len(history),
	})
}

func (s *Server) getFailures(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	failures, err := s.ret.Failures(r.Context(), resource, int64(queryInt(r, "limit", 50)))
	if err != nil {
		s.log.Error("read failures", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read failure reports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource": resource,
		"failures": failures,
		"total":    len(failures),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
