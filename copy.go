package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type (
	// CopyRequest describes a bulk data copy into a graph table.
	CopyRequest struct {
		// Graph is the target graph id.
		Graph string `json:"graph"`
		// Table is the destination table name.
		Table string `json:"table"`
		// Source locates the data to copy (an uploaded file id or a
		// server-reachable URL).
		Source string `json:"source"`
		// Format is the source format ("csv", "parquet", "ndjson").
		Format string `json:"format,omitempty"`
		// Options carries format-specific knobs (delimiter, header, ...).
		Options map[string]any `json:"options,omitempty"`
	}

	// CopyResult reports a finished copy.
	CopyResult struct {
		RowsCopied   int64   `json:"rows_copied"`
		RowsSkipped  int64   `json:"rows_skipped"`
		ElapsedMS    float64 `json:"elapsed_ms"`
		WarningCount int     `json:"warning_count"`
	}
)

// CopyTable bulk-loads data into a table. Copies are almost always queued;
// progress events report rows loaded so far through opts.OnProgress.
func (c *Client) CopyTable(ctx context.Context, req CopyRequest, opts WaitOptions) (*CopyResult, error) {
	path := "/graphs/" + url.PathEscape(req.Graph) + "/tables/" + url.PathEscape(req.Table) + "/copy"
	raw, err := c.startOperation(ctx, "copy", http.MethodPost, path, req, opts)
	if err != nil {
		return nil, err
	}
	var res CopyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("lattice: decode copy result: %w", err)
	}
	return &res, nil
}
