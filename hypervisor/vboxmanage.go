package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// Runner executes one hypervisor tool invocation and returns its combined
// output. LocalRunner executes on this host; SSHRunner executes on a
// remote one.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// LocalRunner executes commands on the local host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DefaultVBoxManagePath is the VBoxManage executable used when the
// configuration does not name one.
const DefaultVBoxManagePath = "VBoxManage"

// storageController is the name of the IDE controller disks and ISOs are
// attached to. XP-era guests have no AHCI driver in the installer.
const storageController = "IDE"

// VBoxConfig configures a VBoxManage-backed driver.
type VBoxConfig struct {
	// Program is the VBoxManage executable. Empty selects
	// DefaultVBoxManagePath.
	Program string

	// VMDir is the base folder for machines and disk images. Empty uses
	// the VirtualBox default machine folder.
	VMDir string

	// HostOnlyAdapter is the host-only interface VMs attach to. Empty
	// selects vboxnet0.
	HostOnlyAdapter string

	// Runner is the command transport. Nil selects LocalRunner.
	Runner Runner
}

// VBoxManage drives VirtualBox through its command line frontend.
type VBoxManage struct {
	log      *slog.Logger
	program  string
	vmDir    string
	hostOnly string
	runner   Runner
}

var _ interfaces.HypervisorDriver = (*VBoxManage)(nil)

// NewVBoxManage returns a driver executing VBoxManage through cfg.Runner.
func NewVBoxManage(log *slog.Logger, cfg VBoxConfig) *VBoxManage {
	if cfg.Program == "" {
		cfg.Program = DefaultVBoxManagePath
	}
	if cfg.HostOnlyAdapter == "" {
		cfg.HostOnlyAdapter = "vboxnet0"
	}
	if cfg.Runner == nil {
		cfg.Runner = LocalRunner{}
	}
	return &VBoxManage{
		log:      log.With("component", "vboxmanage"),
		program:  cfg.Program,
		vmDir:    cfg.VMDir,
		hostOnly: cfg.HostOnlyAdapter,
		runner:   cfg.Runner,
	}
}

func (v *VBoxManage) run(ctx context.Context, args ...string) (string, error) {
	out, err := v.runner.Run(ctx, v.program, args...)
	if err != nil {
		if msg := trimDiagnostic(out); msg != "" {
			return "", fmt.Errorf("%w: %s %s: %v: %s", interfaces.ErrHypervisorOperation, v.program, args[0], err, msg)
		}
		return "", fmt.Errorf("%w: %s %s: %v", interfaces.ErrHypervisorOperation, v.program, args[0], err)
	}
	return string(out), nil
}

// trimDiagnostic keeps the tool output readable inside a single error
// string.
func trimDiagnostic(out []byte) string {
	msg := strings.TrimSpace(string(out))
	const max = 512
	if len(msg) > max {
		msg = msg[:max] + " [truncated]"
	}
	return msg
}

func (v *VBoxManage) CreateVM(ctx context.Context, name, osType string) error {
	args := []string{"createvm", "--name", name, "--ostype", osType, "--register"}
	if v.vmDir != "" {
		args = append(args, "--basefolder", v.vmDir)
	}
	v.log.Info("creating vm", "vm", name, "ostype", osType)
	_, err := v.run(ctx, args...)
	return err
}

func (v *VBoxManage) DeleteVM(ctx context.Context, name string) error {
	v.log.Info("deleting vm", "vm", name)
	_, err := v.run(ctx, "unregistervm", name, "--delete")
	return err
}

func (v *VBoxManage) SetMemory(ctx context.Context, name string, sizeMB int) error {
	_, err := v.run(ctx, "modifyvm", name, "--memory", strconv.Itoa(sizeMB))
	return err
}

func (v *VBoxManage) SetCPUCount(ctx context.Context, name string, count int) error {
	_, err := v.run(ctx, "modifyvm", name, "--cpus", strconv.Itoa(count))
	return err
}

func (v *VBoxManage) CreateDisk(ctx context.Context, name string, sizeMB int) error {
	diskPath, err := v.diskPath(ctx, name)
	if err != nil {
		return err
	}
	if _, err := v.run(ctx, "createmedium", "disk", "--filename", diskPath, "--size", strconv.Itoa(sizeMB), "--format", "VDI"); err != nil {
		return err
	}
	if err := v.ensureController(ctx, name); err != nil {
		return err
	}
	_, err = v.run(ctx, "storageattach", name,
		"--storagectl", storageController,
		"--port", "0", "--device", "0",
		"--type", "hdd", "--medium", diskPath)
	return err
}

// diskPath places the disk image next to the machine configuration.
func (v *VBoxManage) diskPath(ctx context.Context, name string) (string, error) {
	if v.vmDir != "" {
		return filepath.Join(v.vmDir, name, name+".vdi"), nil
	}
	info, err := v.vmInfo(ctx, name)
	if err != nil {
		return "", err
	}
	cfgFile, ok := info["CfgFile"]
	if !ok {
		return "", fmt.Errorf("%w: no CfgFile in showvminfo output for %s", interfaces.ErrHypervisorOperation, name)
	}
	return filepath.Join(filepath.Dir(cfgFile), name+".vdi"), nil
}

// ensureController adds the IDE controller, tolerating a controller that
// is already present.
func (v *VBoxManage) ensureController(ctx context.Context, name string) error {
	_, err := v.run(ctx, "storagectl", name, "--name", storageController, "--add", "ide")
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func (v *VBoxManage) AttachISO(ctx context.Context, name, isoPath string) error {
	if err := v.ensureController(ctx, name); err != nil {
		return err
	}
	_, err := v.run(ctx, "storageattach", name,
		"--storagectl", storageController,
		"--port", "1", "--device", "0",
		"--type", "dvddrive", "--medium", isoPath)
	return err
}

func (v *VBoxManage) DetachISO(ctx context.Context, name string) error {
	_, err := v.run(ctx, "storageattach", name,
		"--storagectl", storageController,
		"--port", "1", "--device", "0",
		"--type", "dvddrive", "--medium", "emptydrive")
	return err
}

func (v *VBoxManage) ApplyHardwareProfile(ctx context.Context, name string, profile interfaces.HardwareProfile) error {
	keys := make([]string, 0, len(profile.ExtraData))
	for key := range profile.ExtraData {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	v.log.Info("applying hardware profile", "vm", name, "profile", profile.Name, "keys", len(keys))
	for _, key := range keys {
		if _, err := v.run(ctx, "setextradata", name, key, profile.ExtraData[key]); err != nil {
			return err
		}
	}
	return nil
}

func (v *VBoxManage) ConfigureHostOnlyNetwork(ctx context.Context, name, macAddr string) error {
	args := []string{"modifyvm", name, "--nic1", "hostonly", "--hostonlyadapter1", v.hostOnly}
	if macAddr != "" {
		mac, err := normalizeMAC(macAddr)
		if err != nil {
			return err
		}
		args = append(args, "--macaddress1", mac)
	}
	_, err := v.run(ctx, args...)
	return err
}

func (v *VBoxManage) ConfigureNATNetwork(ctx context.Context, name string) error {
	_, err := v.run(ctx, "modifyvm", name, "--nic2", "nat")
	return err
}

func (v *VBoxManage) ConfigureBridgedNetwork(ctx context.Context, name, hostAdapter, macAddr string) error {
	args := []string{"modifyvm", name, "--nic3", "bridged", "--bridgeadapter3", hostAdapter}
	if macAddr != "" {
		mac, err := normalizeMAC(macAddr)
		if err != nil {
			return err
		}
		args = append(args, "--macaddress3", mac)
	}
	_, err := v.run(ctx, args...)
	return err
}

func (v *VBoxManage) SetHardwareVirtualization(ctx context.Context, name string, enabled bool) error {
	value := "off"
	if enabled {
		value = "on"
	}
	_, err := v.run(ctx, "modifyvm", name, "--hwvirtex", value)
	return err
}

func (v *VBoxManage) StartVM(ctx context.Context, name string, visible bool) error {
	frontend := "headless"
	if visible {
		frontend = "gui"
	}
	v.log.Info("starting vm", "vm", name, "frontend", frontend)
	_, err := v.run(ctx, "startvm", name, "--type", frontend)
	return err
}

func (v *VBoxManage) StopVM(ctx context.Context, name string) error {
	v.log.Info("stopping vm", "vm", name)
	_, err := v.run(ctx, "controlvm", name, "poweroff")
	return err
}

func (v *VBoxManage) Snapshot(ctx context.Context, name, snapshotName, description string) error {
	v.log.Info("taking snapshot", "vm", name, "snapshot", snapshotName)
	_, err := v.run(ctx, "snapshot", name, "take", snapshotName, "--description", description)
	return err
}

func (v *VBoxManage) Running(ctx context.Context, name string) (bool, error) {
	info, err := v.vmInfo(ctx, name)
	if err != nil {
		return false, err
	}
	return info["VMState"] == "running", nil
}

func (v *VBoxManage) vmInfo(ctx context.Context, name string) (map[string]string, error) {
	out, err := v.run(ctx, "showvminfo", name, "--machinereadable")
	if err != nil {
		return nil, err
	}
	return parseMachineReadable(out), nil
}

// parseMachineReadable decodes showvminfo --machinereadable output, a
// sequence of key="value" (or key=value) lines.
func parseMachineReadable(out string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		info[strings.Trim(key, `"`)] = strings.Trim(value, `"`)
	}
	return info
}

// normalizeMAC converts a colon- or dash-separated MAC address to the
// bare 12-digit form VBoxManage expects.
func normalizeMAC(mac string) (string, error) {
	cleaned := strings.NewReplacer(":", "", "-", "").Replace(mac)
	if len(cleaned) != 12 {
		return "", fmt.Errorf("%w: malformed MAC address %q", interfaces.ErrHypervisorOperation, mac)
	}
	for _, r := range cleaned {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return "", fmt.Errorf("%w: malformed MAC address %q", interfaces.ErrHypervisorOperation, mac)
		}
	}
	return strings.ToUpper(cleaned), nil
}
