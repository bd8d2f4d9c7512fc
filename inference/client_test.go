package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/kernel/kernelmodel"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return New(u.Hostname(), port, nil)
}

func TestInvokeParsesWellFormedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload kernelmodel.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, kernelmodel.NodeID("writer"), payload.AgentID)
		_ = json.NewEncoder(w).Encode(kernelmodel.InvocationResponse{
			AgentID: "writer",
			Success: true,
			Output:  &kernelmodel.InvocationOutput{Result: "done"},
		})
	})

	resp, err := c.Invoke(context.Background(), kernelmodel.InvocationPayload{AgentID: "writer"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "done", resp.Output.Result)
}

func TestInvokeRepairsMalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Trailing comma a sloppy model might emit.
		w.Write([]byte(`{"agent_id":"writer","success":true,"output":{"result":"done"},}`))
	})

	resp, err := c.Invoke(context.Background(), kernelmodel.InvocationPayload{AgentID: "writer"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "done", resp.Output.Result)
}

func TestInvokeReturnsErrorOnHTTPFailureStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	_, err := c.Invoke(context.Background(), kernelmodel.InvocationPayload{AgentID: "writer"})
	assert.Error(t, err)
}

func TestInvokeReturnsErrorOnUnrepairableBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(""))
	})

	_, err := c.Invoke(context.Background(), kernelmodel.InvocationPayload{AgentID: "writer"})
	assert.Error(t, err)
}
