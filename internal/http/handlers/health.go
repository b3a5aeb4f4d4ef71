package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vtcast/internal/state"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	streamID  string
	sampler   HostSampler
	db        Pinger
	liveness  LivenessSource
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithHostSampler sets the source of CPU and memory figures.
func (h *HealthHandler) WithHostSampler(s HostSampler) *HealthHandler {
	h.sampler = s
	return h
}

// WithDB sets the database checked by health and readiness.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// WithLiveness reports stream liveness, treating streamID as the program output.
func (h *HealthHandler) WithLiveness(l LivenessSource, streamID string) *HealthHandler {
	h.liveness = l
	h.streamID = streamID
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Status int
	Body   struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health with host usage, database reachability and stream liveness",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC(),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Database:      h.databaseHealth(ctx),
		Streams:       []state.Status{},
		Checks:        map[string]string{},
	}

	if h.sampler != nil {
		s := h.sampler.Collect(ctx)
		resp.CPU = CPUInfo{
			Cores:     s.CPUCores,
			Percent:   s.CPUPercent,
			Load1Min:  s.Load1,
			Load5Min:  s.Load5,
			Load15Min: s.Load15,
		}
		if s.CPUCores > 0 {
			resp.CPU.LoadPerCPU = s.Load1 / float64(s.CPUCores)
		}
		resp.Memory = MemoryInfo{
			TotalMB:     bytesToMB(s.MemoryTotalBytes),
			UsedMB:      bytesToMB(s.MemoryUsedBytes),
			AvailableMB: bytesToMB(s.MemoryAvailableBytes),
			Percent:     s.MemoryPercent,
		}
	}

	resp.Checks["database"] = resp.Database.Status
	if resp.Database.Status == StatusError {
		resp.Status = "unhealthy"
	}

	if h.liveness != nil {
		resp.Streams = h.liveness.All()
		program := StatusDown
		if st, ok := h.liveness.Get(h.streamID); ok && st.Live {
			program = StatusOK
		}
		resp.Checks["stream"] = program
		if program != StatusOK && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	return &HealthOutput{Body: resp}, nil
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = StatusOK
	return out, nil
}

// GetReadyz reports whether the service's dependencies are usable.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{Status: http.StatusOK}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{}

	db := h.databaseHealth(ctx)
	out.Body.Components["database"] = db.Status
	if db.Status != StatusOK {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
	}
	return out, nil
}

func (h *HealthHandler) databaseHealth(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: StatusNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := h.db.Ping(ctx)
	health := DatabaseHealth{
		Status:         StatusOK,
		ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		health.Status = StatusError
		health.Error = err.Error()
	}
	return health
}
