package lattice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

type (
	// QueryRequest describes one graph query.
	QueryRequest struct {
		// Graph is the target graph id.
		Graph string `json:"graph"`
		// Statement is the query text.
		Statement string `json:"statement"`
		// Parameters are bound into the statement server-side.
		Parameters map[string]any `json:"parameters,omitempty"`
	}

	// QueryResult is the assembled result of a query.
	QueryResult struct {
		Columns   []string `json:"columns"`
		Rows      [][]any  `json:"rows"`
		RowCount  int      `json:"row_count"`
		ElapsedMS float64  `json:"elapsed_ms"`
	}

	// queryChunk is one newline-delimited JSON chunk of a streamed query
	// response. Chunks carry partial column, row and timing data that the
	// client aggregates.
	queryChunk struct {
		Columns   []string `json:"columns,omitempty"`
		Rows      [][]any  `json:"rows,omitempty"`
		ElapsedMS *float64 `json:"elapsed_ms,omitempty"`
		Error     string   `json:"error,omitempty"`
	}
)

// Query executes a graph query. Small queries complete synchronously; larger
// ones are queued server-side and followed over SSE until the result event
// arrives. Use opts.NoWait to get a *QueuedError instead of waiting.
func (c *Client) Query(ctx context.Context, req QueryRequest, opts WaitOptions) (*QueryResult, error) {
	path := "/graphs/" + url.PathEscape(req.Graph) + "/query"
	raw, err := c.startOperation(ctx, "query", http.MethodPost, path, req, opts)
	if err != nil {
		return nil, err
	}
	var res QueryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("lattice: decode query result: %w", err)
	}
	if res.RowCount == 0 {
		res.RowCount = len(res.Rows)
	}
	return &res, nil
}

// QueryStream executes a query whose results stream back as newline-
// delimited JSON chunks, reassembling columns, rows and timings across
// chunks. Malformed lines do not abort the read: the assembled result is
// returned together with one aggregated error describing every line that
// failed to parse (nil when all lines parsed).
func (c *Client) QueryStream(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	ctx, span := c.inst.StartSpan(ctx, "lattice.query_stream")
	var spanErr error
	defer func() { c.inst.EndSpan(span, spanErr) }()

	body, err := json.Marshal(req)
	if err != nil {
		spanErr = fmt.Errorf("lattice: encode query: %w", err)
		return nil, spanErr
	}
	path := "/graphs/" + url.PathEscape(req.Graph) + "/query/stream"
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		spanErr = err
		return nil, spanErr
	}
	httpReq.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		spanErr = fmt.Errorf("lattice: query stream: %w", err)
		return nil, spanErr
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		spanErr = &APIError{StatusCode: resp.StatusCode, Message: apiMessage(raw)}
		return nil, spanErr
	}

	var (
		res        QueryResult
		parseErrs  []error
		lineNumber int
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk queryChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("line %d: %w", lineNumber, err))
			continue
		}
		if chunk.Error != "" {
			spanErr = &OperationError{Message: chunk.Error}
			return nil, spanErr
		}
		if len(chunk.Columns) > 0 {
			res.Columns = chunk.Columns
		}
		res.Rows = append(res.Rows, chunk.Rows...)
		if chunk.ElapsedMS != nil {
			res.ElapsedMS = *chunk.ElapsedMS
		}
	}
	if err := scanner.Err(); err != nil {
		spanErr = fmt.Errorf("lattice: read query stream: %w", err)
		return nil, spanErr
	}
	res.RowCount = len(res.Rows)
	if len(parseErrs) > 0 {
		spanErr = fmt.Errorf("lattice: %d malformed result chunks: %w", len(parseErrs), errors.Join(parseErrs...))
		return &res, spanErr
	}
	return &res, nil
}
