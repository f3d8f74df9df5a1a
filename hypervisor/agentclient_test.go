package hypervisor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thorsten-Sick/vmcloak/agent"
	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// agentRecorder captures the last request the client sent and answers
// with a canned response.
type agentRecorder struct {
	method string
	path   string
	body   []byte

	status   int
	response any
}

func (a *agentRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.method = r.Method
		a.path = r.URL.Path
		a.body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		status := a.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		response := a.response
		if response == nil {
			response = agent.StatusResponse{Status: "ok"}
		}
		json.NewEncoder(w).Encode(response)
	})
}

func TestAgentClientRequestShape(t *testing.T) {
	rec := &agentRecorder{}
	ts := httptest.NewServer(rec.handler())
	defer ts.Close()

	client := NewAgentClient(testLogger(), ts.URL)

	require.NoError(t, client.SetMemory(context.Background(), "web01", 1024))
	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/api/v1/vm/web01/memory", rec.path)
	assert.JSONEq(t, `{"size_mb":1024}`, string(rec.body))

	require.NoError(t, client.CreateVM(context.Background(), "web01", "WindowsXP"))
	assert.Equal(t, "/api/v1/vm/web01/create", rec.path)
	assert.JSONEq(t, `{"os_type":"WindowsXP"}`, string(rec.body))

	require.NoError(t, client.ConfigureHostOnlyNetwork(context.Background(), "web01", "080027AABBCC"))
	assert.Equal(t, "/api/v1/vm/web01/network/hostonly", rec.path)
	assert.JSONEq(t, `{"mac_addr":"080027AABBCC"}`, string(rec.body))

	require.NoError(t, client.DetachISO(context.Background(), "web01"))
	assert.Equal(t, "/api/v1/vm/web01/detach-iso", rec.path)
	assert.JSONEq(t, `{}`, string(rec.body))
}

func TestAgentClientRunning(t *testing.T) {
	rec := &agentRecorder{response: agent.StateResponse{Running: true}}
	ts := httptest.NewServer(rec.handler())
	defer ts.Close()

	client := NewAgentClient(testLogger(), ts.URL)
	running, err := client.Running(context.Background(), "web01")
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, http.MethodGet, rec.method)
	assert.Equal(t, "/api/v1/vm/web01/state", rec.path)
}

func TestAgentClientErrorMapping(t *testing.T) {
	rec := &agentRecorder{
		status:   http.StatusInternalServerError,
		response: agent.ErrorResponse{Error: "VBoxManage exploded"},
	}
	ts := httptest.NewServer(rec.handler())
	defer ts.Close()

	client := NewAgentClient(testLogger(), ts.URL)
	err := client.StartVM(context.Background(), "web01", false)
	require.ErrorIs(t, err, interfaces.ErrHypervisorOperation)
	assert.Contains(t, err.Error(), "VBoxManage exploded")
	assert.Contains(t, err.Error(), "500")
}

func TestAgentClientUnreachable(t *testing.T) {
	client := NewAgentClient(testLogger(), "http://127.0.0.1:1")
	err := client.StopVM(context.Background(), "web01")
	require.ErrorIs(t, err, interfaces.ErrHypervisorOperation)
}
