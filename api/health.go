package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Memory    MemoryStats   `json:"memory"`
	Tesseract ServiceStatus `json:"tesseract"`
	Store     ServiceStatus `json:"store"`
	Storage   ServiceStatus `json:"storage"`
	Broker    ServiceStatus `json:"broker"`
	Chat      string        `json:"chatProvider"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of a service dependency
type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Pinger is any dependency with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VersionProber reports the recognition engine version.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// HealthChecker probes the service dependencies. A nil Storage means the
// deployment keeps images in the store itself.
type HealthChecker struct {
	Tesseract    VersionProber
	Store        Pinger
	StoreName    string
	Storage      Pinger
	Broker       Pinger
	BrokerName   string
	ChatProvider string
	Timeout      time.Duration

	started time.Time
}

func NewHealthChecker(hc HealthChecker) *HealthChecker {
	if hc.Timeout <= 0 {
		hc.Timeout = 3 * time.Second
	}
	hc.started = time.Now()
	return &hc
}

// Check runs every probe and reports whether the service can work.
func (hc *HealthChecker) Check(ctx context.Context) (HealthResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		Tesseract: hc.checkTesseract(ctx),
		Store:     ping(ctx, hc.Store, hc.StoreName),
		Broker:    ping(ctx, hc.Broker, hc.BrokerName),
		Chat:      hc.ChatProvider,
	}
	if hc.Storage != nil {
		resp.Storage = ping(ctx, hc.Storage, "MinIO S3")
	} else {
		resp.Storage = ServiceStatus{Available: true, Version: "embedded"}
	}

	ok := resp.Tesseract.Available && resp.Store.Available && resp.Storage.Available && resp.Broker.Available
	if !ok {
		resp.Status = "degraded"
	}
	return resp, ok
}

func (hc *HealthChecker) checkTesseract(ctx context.Context) ServiceStatus {
	if hc.Tesseract == nil {
		return ServiceStatus{Error: "tesseract not configured"}
	}
	version, err := hc.Tesseract.Version(ctx)
	if err != nil {
		return ServiceStatus{Error: err.Error()}
	}
	return ServiceStatus{Available: true, Version: version}
}

func ping(ctx context.Context, p Pinger, name string) ServiceStatus {
	if p == nil {
		return ServiceStatus{Error: "not configured"}
	}
	if err := p.Ping(ctx); err != nil {
		return ServiceStatus{Version: name, Error: err.Error()}
	}
	return ServiceStatus{Available: true, Version: name}
}

// HealthHandler serves GET /health. Degraded dependencies answer 503.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
		return
	}
	resp, ok := h.Health.Check(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}
