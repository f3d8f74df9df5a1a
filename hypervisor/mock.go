package hypervisor

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// MockDriver implements interfaces.HypervisorDriver for testing. The
// behavior is determined by how the mock is configured in tests.
type MockDriver struct {
	mock.Mock
}

var _ interfaces.HypervisorDriver = (*MockDriver)(nil)

func (m *MockDriver) CreateVM(ctx context.Context, name, osType string) error {
	args := m.Called(ctx, name, osType)
	return args.Error(0)
}

func (m *MockDriver) DeleteVM(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockDriver) SetMemory(ctx context.Context, name string, sizeMB int) error {
	args := m.Called(ctx, name, sizeMB)
	return args.Error(0)
}

func (m *MockDriver) SetCPUCount(ctx context.Context, name string, count int) error {
	args := m.Called(ctx, name, count)
	return args.Error(0)
}

func (m *MockDriver) CreateDisk(ctx context.Context, name string, sizeMB int) error {
	args := m.Called(ctx, name, sizeMB)
	return args.Error(0)
}

func (m *MockDriver) AttachISO(ctx context.Context, name, isoPath string) error {
	args := m.Called(ctx, name, isoPath)
	return args.Error(0)
}

func (m *MockDriver) DetachISO(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockDriver) ApplyHardwareProfile(ctx context.Context, name string, profile interfaces.HardwareProfile) error {
	args := m.Called(ctx, name, profile)
	return args.Error(0)
}

func (m *MockDriver) ConfigureHostOnlyNetwork(ctx context.Context, name, macAddr string) error {
	args := m.Called(ctx, name, macAddr)
	return args.Error(0)
}

func (m *MockDriver) ConfigureNATNetwork(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockDriver) ConfigureBridgedNetwork(ctx context.Context, name, hostAdapter, macAddr string) error {
	args := m.Called(ctx, name, hostAdapter, macAddr)
	return args.Error(0)
}

func (m *MockDriver) SetHardwareVirtualization(ctx context.Context, name string, enabled bool) error {
	args := m.Called(ctx, name, enabled)
	return args.Error(0)
}

func (m *MockDriver) StartVM(ctx context.Context, name string, visible bool) error {
	args := m.Called(ctx, name, visible)
	return args.Error(0)
}

func (m *MockDriver) StopVM(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockDriver) Snapshot(ctx context.Context, name, snapshotName, description string) error {
	args := m.Called(ctx, name, snapshotName, description)
	return args.Error(0)
}

func (m *MockDriver) Running(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}
