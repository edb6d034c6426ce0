package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "Weft API",
		Version:     "v1",
		Description: "Weft workflow engine: typed analyses connected by format-converting edges",
		Endpoints: []endpointInfo{
			{"/api/v1/analyses", []string{"GET", "POST"}, "List or register analyses"},
			{"/api/v1/analyses/{id}", []string{"GET"}, "Single analysis with its ports"},
			{"/api/v1/formats", []string{"GET"}, "Registered types, formats and converters"},
			{"/api/v1/formats/path", []string{"GET"}, "Cheapest conversion path, ?type=&from=&to="},
			{"/api/v1/workflows/validate", []string{"POST"}, "Validate a workflow without running it"},
			{"/api/v1/runs", []string{"GET", "POST"}, "Run history, or submit a run. POST accepts ?wait=true"},
			{"/api/v1/runs/{id}", []string{"GET", "DELETE"}, "Single run with node results, or delete a finished run"},
			{"/api/v1/runs/{id}/cancel", []string{"PUT"}, "Cancel a running run"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "Node state transitions of a run"},
			{"/api/v1/sse/runs/{id}", []string{"GET"}, "Stream node transitions as Server-Sent Events"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
