package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type (
	// HTTPDialerOptions configures an HTTPDialer.
	HTTPDialerOptions struct {
		// BaseURL is the API root, e.g. "https://api.lattice.dev/v1".
		BaseURL string
		// Client is the HTTP client used for stream requests. Its Timeout
		// must be zero; streams are long-lived. Defaults to a timeout-free
		// client.
		Client *http.Client
		// Headers are added to every stream request.
		Headers http.Header
		// BearerToken, when set, is sent as an Authorization header, or as
		// an access_token query parameter when TokenInQuery is set (for
		// servers whose SSE endpoints cannot read headers through certain
		// proxies and do not use cookie credentials).
		BearerToken  string
		TokenInQuery bool
	}

	// HTTPDialer opens SSE streams at
	// {base}/operations/{id}/stream?from_sequence={n}.
	HTTPDialer struct {
		opts HTTPDialerOptions
	}

	// httpTransport adapts one SSE response body to the Transport interface.
	httpTransport struct {
		body   io.ReadCloser
		reader *bufio.Reader
	}
)

// NewHTTPDialer constructs the production dialer.
func NewHTTPDialer(opts HTTPDialerOptions) *HTTPDialer {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 0}
	}
	return &HTTPDialer{opts: opts}
}

// Dial implements Dialer. A nil error means the server accepted the
// subscription: status 200 with a text/event-stream content type.
func (d *HTTPDialer) Dial(ctx context.Context, operationID string, fromSeq int64) (Transport, error) {
	u, err := d.streamURL(operationID, fromSeq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, vs := range d.opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if d.opts.BearerToken != "" && !d.opts.TokenInQuery {
		req.Header.Set("Authorization", "Bearer "+d.opts.BearerToken)
	}
	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return &httpTransport{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

func (d *HTTPDialer) streamURL(operationID string, fromSeq int64) (string, error) {
	base, err := url.Parse(d.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	u := base.JoinPath("operations", operationID, "stream")
	q := u.Query()
	q.Set("from_sequence", strconv.FormatInt(fromSeq, 10))
	if d.opts.BearerToken != "" && d.opts.TokenInQuery {
		q.Set("access_token", d.opts.BearerToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Recv reads the next SSE frame: "event:", "id:" and "data:" fields
// terminated by a blank line. Comment lines and "retry:" fields are ignored.
// Multi-line data is joined with newlines per the SSE specification.
func (t *httpTransport) Recv() (Frame, error) {
	var (
		frame   Frame
		data    strings.Builder
		hasData bool
	)
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && (frame.Name != "" || hasData) {
				// Stream ended mid-frame; treat as failure so the
				// connection resumes from the last complete marker.
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if frame.Name == "" && !hasData {
				continue
			}
			frame.Data = []byte(data.String())
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			frame.Name = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "id:"); ok {
			frame.ID = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(after))
			hasData = true
			continue
		}
	}
}

// Close releases the response body, unblocking any Recv in flight.
func (t *httpTransport) Close() error {
	return t.body.Close()
}
