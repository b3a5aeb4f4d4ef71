package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vtcast/internal/muxer"
)

// OutputController exposes the muxer's outputs.
type OutputController interface {
	Stats() muxer.Stats
	ActivateOutput(id string) error
}

// OutputHandler lists and reactivates stream outputs.
type OutputHandler struct {
	muxer OutputController
}

// NewOutputHandler creates a new output handler.
func NewOutputHandler(m OutputController) *OutputHandler {
	return &OutputHandler{muxer: m}
}

// ListOutputsInput is the input for listing outputs.
type ListOutputsInput struct{}

// ListOutputsOutput is the output for listing outputs.
type ListOutputsOutput struct {
	Body struct {
		Received      uint64              `json:"received"`
		Dropped       uint64              `json:"dropped"`
		QueueDepth    int                 `json:"queue_depth"`
		ActiveOutputs int                 `json:"active_outputs"`
		Outputs       []muxer.OutputStats `json:"outputs"`
	}
}

// ActivateOutputInput is the input for reactivating an output.
type ActivateOutputInput struct {
	ID string `path:"id" doc:"Output ID"`
}

// ActivateOutputOutput is the output for reactivating an output.
type ActivateOutputOutput struct {
	Body muxer.OutputStats
}

// Register registers the output routes with the API.
func (h *OutputHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listOutputs",
		Method:      http.MethodGet,
		Path:        "/api/v1/outputs",
		Summary:     "List outputs",
		Description: "Returns every configured output with its delivery counters",
		Tags:        []string{"Outputs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "activateOutput",
		Method:      http.MethodPost,
		Path:        "/api/v1/outputs/{id}/activate",
		Summary:     "Activate output",
		Description: "Returns a deactivated output to the fan-out set and resets its error count",
		Tags:        []string{"Outputs"},
	}, h.Activate)
}

// List returns every output ordered by id.
func (h *OutputHandler) List(_ context.Context, _ *ListOutputsInput) (*ListOutputsOutput, error) {
	stats := h.muxer.Stats()

	out := &ListOutputsOutput{}
	out.Body.Received = stats.Received
	out.Body.Dropped = stats.Dropped
	out.Body.QueueDepth = stats.QueueDepth
	out.Body.ActiveOutputs = stats.ActiveOutputs
	out.Body.Outputs = make([]muxer.OutputStats, 0, len(stats.Outputs))
	for _, o := range stats.Outputs {
		out.Body.Outputs = append(out.Body.Outputs, o)
	}
	sort.Slice(out.Body.Outputs, func(i, j int) bool { return out.Body.Outputs[i].ID < out.Body.Outputs[j].ID })
	return out, nil
}

// Activate reactivates one output.
func (h *OutputHandler) Activate(_ context.Context, input *ActivateOutputInput) (*ActivateOutputOutput, error) {
	if err := h.muxer.ActivateOutput(input.ID); err != nil {
		switch {
		case errors.Is(err, muxer.ErrOutputNotFound):
			return nil, huma.Error404NotFound("output not found: " + input.ID)
		case errors.Is(err, muxer.ErrMuxerClosed):
			return nil, huma.Error503ServiceUnavailable("muxer is closed")
		default:
			return nil, huma.Error500InternalServerError("failed to activate output", err)
		}
	}
	return &ActivateOutputOutput{Body: h.muxer.Stats().Outputs[input.ID]}, nil
}
