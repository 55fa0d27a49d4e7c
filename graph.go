package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type (
	// CreateGraphRequest describes a new graph.
	CreateGraphRequest struct {
		Name string `json:"name"`
		// Schema is an optional initial schema definition.
		Schema map[string]any `json:"schema,omitempty"`
		// Region places the graph in a specific deployment region.
		Region string `json:"region,omitempty"`
	}

	// Graph describes a provisioned graph.
	Graph struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Region string `json:"region,omitempty"`
	}
)

// CreateGraph provisions a new graph. Provisioning is queued server-side;
// the call follows it over SSE until the graph is ready. When streaming is
// disabled, or the stream fails to connect, CreateGraph falls back to
// fixed-interval status polling — a server-reported provisioning failure is
// propagated immediately and never retried via polling.
func (c *Client) CreateGraph(ctx context.Context, req CreateGraphRequest, opts WaitOptions) (*Graph, error) {
	raw, err := c.startOperationWith(ctx, "create_graph", http.MethodPost, "/graphs", req, opts, c.resolveWithFallback)
	if err != nil {
		return nil, err
	}
	return decodeGraph(raw)
}

// DropGraph deletes a graph. Deletion of large graphs is queued.
func (c *Client) DropGraph(ctx context.Context, graphID string, opts WaitOptions) error {
	_, err := c.startOperation(ctx, "drop_graph", http.MethodDelete, "/graphs/"+url.PathEscape(graphID), nil, opts)
	return err
}

// GetGraph fetches a graph's current description.
func (c *Client) GetGraph(ctx context.Context, graphID string) (*Graph, error) {
	var g Graph
	if err := c.do(ctx, http.MethodGet, "/graphs/"+url.PathEscape(graphID), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func decodeGraph(raw json.RawMessage) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("lattice: decode graph: %w", err)
	}
	// Servers wrap the graph in a "graph" member on some endpoints.
	if g.ID == "" {
		var wrapped struct {
			Graph Graph `json:"graph"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Graph.ID != "" {
			return &wrapped.Graph, nil
		}
	}
	return &g, nil
}
