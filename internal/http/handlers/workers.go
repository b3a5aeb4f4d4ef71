package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vtcast/internal/workerpool"
)

// WorkerStatus reports worker pool state.
type WorkerStatus interface {
	Metrics() workerpool.Metrics
}

// WorkerHandler reports the render worker pool.
type WorkerHandler struct {
	pool WorkerStatus
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(pool WorkerStatus) *WorkerHandler {
	return &WorkerHandler{pool: pool}
}

// GetWorkersInput is the input for the worker pool endpoint.
type GetWorkersInput struct{}

// GetWorkersOutput is the output for the worker pool endpoint.
type GetWorkersOutput struct {
	Body workerpool.Metrics
}

// Register registers the worker routes with the API.
func (h *WorkerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getWorkers",
		Method:      http.MethodGet,
		Path:        "/api/v1/workers",
		Summary:     "Worker pool status",
		Tags:        []string{"Workers"},
	}, h.Get)
}

// Get returns a snapshot of the pool.
func (h *WorkerHandler) Get(_ context.Context, _ *GetWorkersInput) (*GetWorkersOutput, error) {
	return &GetWorkersOutput{Body: h.pool.Metrics()}, nil
}
