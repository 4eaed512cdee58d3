package supervisor

import (
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/nodesync/internal/api/common"
	"github.com/stacklok/nodesync/internal/app"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// MemoryStats is the process memory section of the health report
type MemoryStats struct {
	AllocBytes     uint64 `json:"allocBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	HeapInUseBytes uint64 `json:"heapInUseBytes"`
	NumGoroutine   int    `json:"numGoroutine"`
}

// HealthResponse is served on the health port
type HealthResponse struct {
	Status        string      `json:"status"`
	UptimeSeconds int64       `json:"uptimeSeconds"`
	Restarts      int         `json:"restarts"`
	Memory        MemoryStats `json:"memory"`
	Engine        *app.Status `json:"engine,omitempty"`
}

func readMemoryStats() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{
		AllocBytes:     m.Alloc,
		SysBytes:       m.Sys,
		HeapInUseBytes: m.HeapInuse,
		NumGoroutine:   runtime.NumGoroutine(),
	}
}

// HealthHandler serves GET /health and GET /metrics
func (s *Supervisor) HealthHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.metricsHandler().ServeHTTP(w, req)
	})
	return r
}

func (s *Supervisor) health(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	engine := s.engine
	resp := HealthResponse{
		Status:        statusUnhealthy,
		UptimeSeconds: int64(s.now().Sub(s.startedAt).Seconds()),
		Restarts:      s.restarts,
	}
	s.mu.Unlock()

	resp.Memory = readMemoryStats()
	code := http.StatusServiceUnavailable
	if engine != nil {
		st := engine.Status()
		resp.Engine = &st
		if st.Running {
			resp.Status = statusHealthy
			code = http.StatusOK
		}
	}
	common.WriteJSONResponse(w, resp, code)
}

func (s *Supervisor) metricsHandler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.telemetry == nil {
		return http.NotFoundHandler()
	}
	return s.telemetry.Handler()
}
