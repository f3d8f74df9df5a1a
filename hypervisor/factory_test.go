package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

func TestNewDriverSelectsByScheme(t *testing.T) {
	t.Run("default is local VBoxManage", func(t *testing.T) {
		driver, err := NewDriver(testLogger(), DriverConfig{})
		require.NoError(t, err)
		assert.IsType(t, &VBoxManage{}, driver)
	})

	t.Run("explicit vboxmanage", func(t *testing.T) {
		driver, err := NewDriver(testLogger(), DriverConfig{URI: "vboxmanage"})
		require.NoError(t, err)
		assert.IsType(t, &VBoxManage{}, driver)
	})

	t.Run("http agent", func(t *testing.T) {
		driver, err := NewDriver(testLogger(), DriverConfig{URI: "http://10.0.0.5:8080"})
		require.NoError(t, err)
		assert.IsType(t, &AgentClient{}, driver)
	})

	t.Run("ssh without key fails", func(t *testing.T) {
		_, err := NewDriver(testLogger(), DriverConfig{
			URI:        "vboxmanage+ssh://build@10.0.0.5:22",
			SSHKeyFile: "/nonexistent/key",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SSH key")
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := NewDriver(testLogger(), DriverConfig{URI: "qemu:///system"})
		require.ErrorIs(t, err, interfaces.ErrUnsupportedDriver)
	})
}

func TestProfileNamesStable(t *testing.T) {
	names := ProfileNames()
	require.NotEmpty(t, names)
	assert.IsIncreasing(t, names)
}

func TestNewHardwareProfile(t *testing.T) {
	profile, err := NewHardwareProfile("dell-optiplex")
	require.NoError(t, err)
	assert.Equal(t, "dell-optiplex", profile.Name)
	assert.Equal(t, "Dell Inc.", profile.ExtraData[dmiSystemVendor])
	assert.Len(t, profile.ExtraData[dmiSystemSerial], 10)
	assert.Len(t, profile.ExtraData[ideDiskSerial], 14)

	second, err := NewHardwareProfile("dell-optiplex")
	require.NoError(t, err)
	assert.NotEqual(t, profile.ExtraData[dmiSystemSerial], second.ExtraData[dmiSystemSerial])
}

func TestNewHardwareProfileRandomPreset(t *testing.T) {
	profile, err := NewHardwareProfile("random")
	require.NoError(t, err)
	assert.Contains(t, ProfileNames(), profile.Name)
}

func TestNewHardwareProfileUnknown(t *testing.T) {
	_, err := NewHardwareProfile("commodore-64")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available")
}
