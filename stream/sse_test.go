package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPDialerStreamURL(t *testing.T) {
	d := NewHTTPDialer(HTTPDialerOptions{BaseURL: "https://api.example.com/v1"})
	u, err := d.streamURL("op_1", 6)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/v1/operations/op_1/stream?from_sequence=6", u)
}

func TestHTTPDialerTokenInQuery(t *testing.T) {
	d := NewHTTPDialer(HTTPDialerOptions{
		BaseURL:      "https://api.example.com/v1",
		BearerToken:  "tok123",
		TokenInQuery: true,
	})
	u, err := d.streamURL("op_1", 0)
	require.NoError(t, err)
	require.Contains(t, u, "access_token=tok123")
	require.Contains(t, u, "from_sequence=0")
}

func TestHTTPDialerParsesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		require.Equal(t, "3", r.URL.Query().Get("from_sequence"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": welcome comment\n\n")
		fmt.Fprint(w, "event: operation_progress\nid: 4\ndata: {\"message\":\n")
		fmt.Fprint(w, "data: \"half\"}\n\n")
		fmt.Fprint(w, "event: operation_completed\nid: 5\ndata: {\"result\":{}}\n\n")
	}))
	defer srv.Close()

	d := NewHTTPDialer(HTTPDialerOptions{BaseURL: srv.URL, BearerToken: "tok123"})
	tr, err := d.Dial(context.Background(), "op_1", 3)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	f, err := tr.Recv()
	require.NoError(t, err)
	require.Equal(t, "operation_progress", f.Name)
	require.Equal(t, "4", f.ID)
	// Multi-line data joined per the SSE spec.
	require.JSONEq(t, `{"message":"half"}`, string(f.Data))

	f, err = tr.Recv()
	require.NoError(t, err)
	require.Equal(t, "operation_completed", f.Name)
	require.Equal(t, "5", f.ID)
}

func TestHTTPDialerRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such operation", http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewHTTPDialer(HTTPDialerOptions{BaseURL: srv.URL})
	_, err := d.Dial(context.Background(), "op_missing", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestHTTPDialerRejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"running"}`)
	}))
	defer srv.Close()

	d := NewHTTPDialer(HTTPDialerOptions{BaseURL: srv.URL})
	_, err := d.Dial(context.Background(), "op_1", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "content type")
}
