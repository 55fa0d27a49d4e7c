package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type (
	// AskRequest is a natural-language question against a graph.
	AskRequest struct {
		Graph    string `json:"graph"`
		Question string `json:"question"`
		// Conversation threads follow-up questions when set.
		Conversation string `json:"conversation_id,omitempty"`
	}

	// Answer is the agent's reply.
	Answer struct {
		Text string `json:"text"`
		// Statement is the generated query the agent executed, when any.
		Statement    string `json:"statement,omitempty"`
		Conversation string `json:"conversation_id,omitempty"`
	}
)

// Ask sends a natural-language question to the graph agent. Agent runs are
// queued; intermediate reasoning steps arrive through opts.OnProgress.
func (c *Client) Ask(ctx context.Context, req AskRequest, opts WaitOptions) (*Answer, error) {
	path := "/graphs/" + url.PathEscape(req.Graph) + "/agent/ask"
	raw, err := c.startOperation(ctx, "ask", http.MethodPost, path, req, opts)
	if err != nil {
		return nil, err
	}
	var ans Answer
	if err := json.Unmarshal(raw, &ans); err != nil {
		return nil, fmt.Errorf("lattice: decode agent answer: %w", err)
	}
	return &ans, nil
}
