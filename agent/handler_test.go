package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// stubDriver records the operations the handler dispatches. Every call
// returns err; Running additionally reports running.
type stubDriver struct {
	calls   []string
	err     error
	running bool
}

func (s *stubDriver) record(format string, args ...any) error {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	return s.err
}

func (s *stubDriver) CreateVM(_ context.Context, name, osType string) error {
	return s.record("create %s %s", name, osType)
}
func (s *stubDriver) DeleteVM(_ context.Context, name string) error {
	return s.record("delete %s", name)
}
func (s *stubDriver) SetMemory(_ context.Context, name string, sizeMB int) error {
	return s.record("memory %s %d", name, sizeMB)
}
func (s *stubDriver) SetCPUCount(_ context.Context, name string, count int) error {
	return s.record("cpus %s %d", name, count)
}
func (s *stubDriver) CreateDisk(_ context.Context, name string, sizeMB int) error {
	return s.record("disk %s %d", name, sizeMB)
}
func (s *stubDriver) AttachISO(_ context.Context, name, isoPath string) error {
	return s.record("attach-iso %s %s", name, isoPath)
}
func (s *stubDriver) DetachISO(_ context.Context, name string) error {
	return s.record("detach-iso %s", name)
}
func (s *stubDriver) ApplyHardwareProfile(_ context.Context, name string, profile interfaces.HardwareProfile) error {
	return s.record("hardware-profile %s %s", name, profile.Name)
}
func (s *stubDriver) ConfigureHostOnlyNetwork(_ context.Context, name, macAddr string) error {
	return s.record("network-hostonly %s %s", name, macAddr)
}
func (s *stubDriver) ConfigureNATNetwork(_ context.Context, name string) error {
	return s.record("network-nat %s", name)
}
func (s *stubDriver) ConfigureBridgedNetwork(_ context.Context, name, hostAdapter, macAddr string) error {
	return s.record("network-bridged %s %s %s", name, hostAdapter, macAddr)
}
func (s *stubDriver) SetHardwareVirtualization(_ context.Context, name string, enabled bool) error {
	return s.record("hwvirt %s %t", name, enabled)
}
func (s *stubDriver) StartVM(_ context.Context, name string, visible bool) error {
	return s.record("start %s %t", name, visible)
}
func (s *stubDriver) StopVM(_ context.Context, name string) error {
	return s.record("stop %s", name)
}
func (s *stubDriver) Snapshot(_ context.Context, name, snapshotName, description string) error {
	return s.record("snapshot %s %s", name, snapshotName)
}
func (s *stubDriver) Running(_ context.Context, name string) (bool, error) {
	s.record("state %s", name)
	return s.running, s.err
}

func newTestServer(t *testing.T, driver interfaces.HypervisorDriver) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(&ServerConfig{
		ListenAddr:               "127.0.0.1:0",
		MetricsAddr:              "127.0.0.1:0",
		Log:                      log,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(driver, log))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestVMOperationRoutes(t *testing.T) {
	tests := []struct {
		path     string
		body     any
		wantCall string
	}{
		{"/create", CreateVMRequest{OSType: "WindowsXP"}, "create web01 WindowsXP"},
		{"/delete", struct{}{}, "delete web01"},
		{"/memory", MemoryRequest{SizeMB: 1024}, "memory web01 1024"},
		{"/cpus", CPURequest{Count: 2}, "cpus web01 2"},
		{"/disk", DiskRequest{SizeMB: 256 * 1024}, "disk web01 262144"},
		{"/attach-iso", AttachISORequest{Path: "/srv/isos/xp.iso"}, "attach-iso web01 /srv/isos/xp.iso"},
		{"/detach-iso", struct{}{}, "detach-iso web01"},
		{"/hardware-profile", HardwareProfileRequest{Name: "dell-optiplex"}, "hardware-profile web01 dell-optiplex"},
		{"/network/hostonly", HostOnlyNetworkRequest{MACAddr: "080027AABBCC"}, "network-hostonly web01 080027AABBCC"},
		{"/network/nat", struct{}{}, "network-nat web01"},
		{"/network/bridged", BridgedNetworkRequest{HostAdapter: "eth0"}, "network-bridged web01 eth0 "},
		{"/hwvirt", HwVirtRequest{Enabled: true}, "hwvirt web01 true"},
		{"/start", StartVMRequest{Visible: false}, "start web01 false"},
		{"/stop", struct{}{}, "stop web01"},
		{"/snapshot", SnapshotRequest{Name: "vmcloak"}, "snapshot web01 vmcloak"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			driver := &stubDriver{}
			ts := newTestServer(t, driver)

			resp := postJSON(t, ts.URL+"/api/v1/vm/web01"+tt.path, tt.body)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var status StatusResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
			assert.Equal(t, "ok", status.Status)
			require.Len(t, driver.calls, 1)
			assert.Equal(t, tt.wantCall, driver.calls[0])
		})
	}
}

func TestStateRoute(t *testing.T) {
	driver := &stubDriver{running: true}
	ts := newTestServer(t, driver)

	resp, err := http.Get(ts.URL + "/api/v1/vm/web01/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.True(t, state.Running)
	assert.Equal(t, []string{"state web01"}, driver.calls)
}

func TestOperationFailureReturnsDiagnostic(t *testing.T) {
	driver := &stubDriver{err: fmt.Errorf("%w: VBoxManage exploded", interfaces.ErrHypervisorOperation)}
	ts := newTestServer(t, driver)

	resp := postJSON(t, ts.URL+"/api/v1/vm/web01/start", StartVMRequest{})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Contains(t, errResp.Error, "VBoxManage exploded")
}

func TestMalformedBodyRejected(t *testing.T) {
	driver := &stubDriver{}
	ts := newTestServer(t, driver)

	resp, err := http.Post(ts.URL+"/api/v1/vm/web01/create", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, driver.calls)
}

func TestDrainTogglesReadiness(t *testing.T) {
	ts := newTestServer(t, &stubDriver{})

	get := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/livez"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/drain"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/undrain"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
}
