package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vtcast/internal/broadcast"
	"github.com/jmylchreest/vtcast/internal/encoder"
	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/pipeline"
	"github.com/jmylchreest/vtcast/internal/state"
)

// EncoderStatus reports encoder health.
type EncoderStatus interface {
	GetMetrics() encoder.Metrics
}

// PipelineStatus reports frame pipeline counters.
type PipelineStatus interface {
	Stats() pipeline.Stats
}

// DirectorStatus reports frame loop counters.
type DirectorStatus interface {
	Stats() broadcast.Stats
}

// BusStatus reports event delivery counters.
type BusStatus interface {
	Stats() events.Stats
}

// StreamHandler reports the state of the program output.
type StreamHandler struct {
	streamID string
	liveness LivenessSource
	encoder  EncoderStatus
	pipeline PipelineStatus
	director DirectorStatus
	bus      BusStatus
}

// NewStreamHandler creates a StreamHandler for the program stream streamID.
// Any source may be nil.
func NewStreamHandler(streamID string, liveness LivenessSource, enc EncoderStatus, pipe PipelineStatus, dir DirectorStatus, bus BusStatus) *StreamHandler {
	return &StreamHandler{
		streamID: streamID,
		liveness: liveness,
		encoder:  enc,
		pipeline: pipe,
		director: dir,
		bus:      bus,
	}
}

// GetStreamInput is the input for the stream status endpoint.
type GetStreamInput struct{}

// StreamStatus is the body of GET /api/v1/stream.
type StreamStatus struct {
	StreamID string           `json:"stream_id"`
	Live     bool             `json:"live"`
	Liveness *state.Status    `json:"liveness,omitempty"`
	Encoder  *encoder.Metrics `json:"encoder,omitempty"`
	Pipeline *pipeline.Stats  `json:"pipeline,omitempty"`
	Director *broadcast.Stats `json:"director,omitempty"`
	Events   *events.Stats    `json:"events,omitempty"`
}

// GetStreamOutput is the output for the stream status endpoint.
type GetStreamOutput struct {
	Body StreamStatus
}

// Register registers the stream routes with the API.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      http.MethodGet,
		Path:        "/api/v1/stream",
		Summary:     "Program stream status",
		Description: "Returns liveness, encoder telemetry, pipeline counters and frame loop counters",
		Tags:        []string{"Stream"},
	}, h.GetStream)
}

// GetStream returns the program stream status.
func (h *StreamHandler) GetStream(_ context.Context, _ *GetStreamInput) (*GetStreamOutput, error) {
	body := StreamStatus{StreamID: h.streamID}

	if h.liveness != nil {
		if st, ok := h.liveness.Get(h.streamID); ok {
			body.Live = st.Live
			body.Liveness = &st
		}
	}
	if h.encoder != nil {
		m := h.encoder.GetMetrics()
		body.Encoder = &m
	}
	if h.pipeline != nil {
		s := h.pipeline.Stats()
		body.Pipeline = &s
	}
	if h.director != nil {
		s := h.director.Stats()
		body.Director = &s
	}
	if h.bus != nil {
		s := h.bus.Stats()
		body.Events = &s
	}
	return &GetStreamOutput{Body: body}, nil
}
