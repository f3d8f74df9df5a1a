package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Thorsten-Sick/vmcloak/agent"
	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// AgentClient implements interfaces.HypervisorDriver against a remote
// vboxagentd instance.
type AgentClient struct {
	baseURL string
	log     *slog.Logger
	client  *http.Client
}

var _ interfaces.HypervisorDriver = (*AgentClient)(nil)

// NewAgentClient returns a driver talking to the agent at baseURL
// (scheme://host:port).
func NewAgentClient(log *slog.Logger, baseURL string) *AgentClient {
	return &AgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With("component", "agent-client"),
		// VM boots and disk creation take a while on loaded hosts.
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *AgentClient) opURL(vm, op string) string {
	return fmt.Sprintf("%s/api/v1/vm/%s/%s", c.baseURL, url.PathEscape(vm), op)
}

func (c *AgentClient) post(ctx context.Context, vm, op string, body any) error {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encoding %s request: %v", interfaces.ErrHypervisorOperation, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opURL(vm, op), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrHypervisorOperation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: could not request agent: %v", interfaces.ErrHypervisorOperation, err)
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, op)
}

func (c *AgentClient) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var errResp agent.ErrorResponse
	if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	return fmt.Errorf("%w: agent returned %d for %s: %s", interfaces.ErrHypervisorOperation, resp.StatusCode, op, msg)
}

func (c *AgentClient) CreateVM(ctx context.Context, name, osType string) error {
	return c.post(ctx, name, "create", agent.CreateVMRequest{OSType: osType})
}

func (c *AgentClient) DeleteVM(ctx context.Context, name string) error {
	return c.post(ctx, name, "delete", nil)
}

func (c *AgentClient) SetMemory(ctx context.Context, name string, sizeMB int) error {
	return c.post(ctx, name, "memory", agent.MemoryRequest{SizeMB: sizeMB})
}

func (c *AgentClient) SetCPUCount(ctx context.Context, name string, count int) error {
	return c.post(ctx, name, "cpus", agent.CPURequest{Count: count})
}

func (c *AgentClient) CreateDisk(ctx context.Context, name string, sizeMB int) error {
	return c.post(ctx, name, "disk", agent.DiskRequest{SizeMB: sizeMB})
}

func (c *AgentClient) AttachISO(ctx context.Context, name, isoPath string) error {
	return c.post(ctx, name, "attach-iso", agent.AttachISORequest{Path: isoPath})
}

func (c *AgentClient) DetachISO(ctx context.Context, name string) error {
	return c.post(ctx, name, "detach-iso", nil)
}

func (c *AgentClient) ApplyHardwareProfile(ctx context.Context, name string, profile interfaces.HardwareProfile) error {
	return c.post(ctx, name, "hardware-profile", agent.HardwareProfileRequest{
		Name:      profile.Name,
		ExtraData: profile.ExtraData,
	})
}

func (c *AgentClient) ConfigureHostOnlyNetwork(ctx context.Context, name, macAddr string) error {
	return c.post(ctx, name, "network/hostonly", agent.HostOnlyNetworkRequest{MACAddr: macAddr})
}

func (c *AgentClient) ConfigureNATNetwork(ctx context.Context, name string) error {
	return c.post(ctx, name, "network/nat", nil)
}

func (c *AgentClient) ConfigureBridgedNetwork(ctx context.Context, name, hostAdapter, macAddr string) error {
	return c.post(ctx, name, "network/bridged", agent.BridgedNetworkRequest{
		HostAdapter: hostAdapter,
		MACAddr:     macAddr,
	})
}

func (c *AgentClient) SetHardwareVirtualization(ctx context.Context, name string, enabled bool) error {
	return c.post(ctx, name, "hwvirt", agent.HwVirtRequest{Enabled: enabled})
}

func (c *AgentClient) StartVM(ctx context.Context, name string, visible bool) error {
	return c.post(ctx, name, "start", agent.StartVMRequest{Visible: visible})
}

func (c *AgentClient) StopVM(ctx context.Context, name string) error {
	return c.post(ctx, name, "stop", nil)
}

func (c *AgentClient) Snapshot(ctx context.Context, name, snapshotName, description string) error {
	return c.post(ctx, name, "snapshot", agent.SnapshotRequest{Name: snapshotName, Description: description})
}

func (c *AgentClient) Running(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opURL(name, "state"), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrHypervisorOperation, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: could not request agent: %v", interfaces.ErrHypervisorOperation, err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "state"); err != nil {
		return false, err
	}
	var state agent.StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return false, fmt.Errorf("%w: could not parse state response: %v", interfaces.ErrHypervisorOperation, err)
	}
	return state.Running, nil
}
