package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vtcast/internal/rtmp"
)

// PublisherLister lists active RTMP publishers.
type PublisherLister interface {
	Publishers() []rtmp.PublisherInfo
}

// RTMPHandler reports RTMP ingest.
type RTMPHandler struct {
	server PublisherLister
}

// NewRTMPHandler creates a new RTMP handler.
func NewRTMPHandler(server PublisherLister) *RTMPHandler {
	return &RTMPHandler{server: server}
}

// ListPublishersInput is the input for listing publishers.
type ListPublishersInput struct{}

// ListPublishersOutput is the output for listing publishers.
type ListPublishersOutput struct {
	Body struct {
		Publishers []rtmp.PublisherInfo `json:"publishers"`
	}
}

// Register registers the RTMP routes with the API.
func (h *RTMPHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listRTMPPublishers",
		Method:      http.MethodGet,
		Path:        "/api/v1/rtmp/publishers",
		Summary:     "List RTMP publishers",
		Description: "Returns every authorized publish currently connected",
		Tags:        []string{"RTMP"},
	}, h.ListPublishers)
}

// ListPublishers returns the active publishers.
func (h *RTMPHandler) ListPublishers(_ context.Context, _ *ListPublishersInput) (*ListPublishersOutput, error) {
	out := &ListPublishersOutput{}
	out.Body.Publishers = h.server.Publishers()
	if out.Body.Publishers == nil {
		out.Body.Publishers = []rtmp.PublisherInfo{}
	}
	return out, nil
}
