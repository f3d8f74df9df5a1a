package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Thorsten-Sick/vmcloak/deps"
	"github.com/Thorsten-Sick/vmcloak/handshake"
	"github.com/Thorsten-Sick/vmcloak/hypervisor"
	"github.com/Thorsten-Sick/vmcloak/interfaces"
	"github.com/Thorsten-Sick/vmcloak/iso"
)

// State identifies the orchestrator's position in the run sequence.
type State int

const (
	StateInit State = iota
	StateLocked
	StateResolved
	StateBundleStaged
	StateIsoBuilt
	StateVmConfigured
	StateBooting
	StateAwaitingInstall
	StatePostInstall
	StateSnapshotted
	StateRegistered
	StateDone
	StateAborted
)

var stateNames = map[State]string{
	StateInit:            "init",
	StateLocked:          "locked",
	StateResolved:        "resolved",
	StateBundleStaged:    "bundle-staged",
	StateIsoBuilt:        "iso-built",
	StateVmConfigured:    "vm-configured",
	StateBooting:         "booting",
	StateAwaitingInstall: "awaiting-install",
	StatePostInstall:     "post-install",
	StateSnapshotted:     "snapshotted",
	StateRegistered:      "registered",
	StateDone:            "done",
	StateAborted:         "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Collaborators are the external components one run drives. Registrar may
// be nil when registration is not requested.
type Collaborators struct {
	Locker    interfaces.ProcessLocker
	Deps      *deps.Manager
	Iso       interfaces.IsoBuilder
	Driver    interfaces.HypervisorDriver
	Registrar interfaces.Registrar
	SerialKey interfaces.SecretSource
}

// Orchestrator executes one provisioning run.
type Orchestrator struct {
	log   *slog.Logger
	cfg   *Config
	c     Collaborators
	state State
}

// New prepares an orchestrator for cfg. The caller normalizes cfg first.
func New(log *slog.Logger, cfg *Config, c Collaborators) *Orchestrator {
	runID := uuid.NewString()[:8]
	return &Orchestrator{
		log:   log.With("run", runID, "vm", cfg.VMName),
		cfg:   cfg,
		c:     c,
		state: StateInit,
	}
}

// State reports the last state the run entered.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) enter(s State) {
	o.state = s
	o.log.Info("entered state", "state", s.String())
}

// abort releases the lock when held and surfaces err. Hypervisor objects
// are never deleted here; a partially configured VM stays around for
// inspection.
func (o *Orchestrator) abort(err error) error {
	o.state = StateAborted
	if o.c.Locker.Held() {
		if rerr := o.c.Locker.Release(); rerr != nil {
			o.log.Error("failed to release lock during abort", "err", rerr)
		}
	}
	o.log.Error("provisioning run aborted", "err", err)
	return err
}

// acquireLock makes one timeout-bounded attempt, then blocks until the
// lock frees up.
func (o *Orchestrator) acquireLock(ctx context.Context) error {
	err := o.c.Locker.Acquire(ctx, o.cfg.LockTimeout)
	if err == nil {
		return nil
	}
	if !errors.Is(err, interfaces.ErrLockTimeout) {
		return err
	}
	o.log.Warn("another run holds the lock, waiting for it to finish",
		"lock", o.cfg.LockPath,
		"hint", "use the unlock command if no other run is active")
	return o.c.Locker.Acquire(ctx, 0)
}

// Execute walks the run to completion. The returned error wraps the
// sentinel of the stage that failed.
func (o *Orchestrator) Execute(ctx context.Context) error {
	o.log.Info("starting provisioning run", "ostype", o.cfg.OSType)

	if err := o.acquireLock(ctx); err != nil {
		return o.abort(err)
	}
	o.enter(StateLocked)

	run, err := newRun(o.cfg)
	if err != nil {
		return o.abort(err)
	}
	defer run.cleanup()

	serial, err := o.c.SerialKey.Resolve(ctx)
	if err != nil {
		return o.abort(fmt.Errorf("%w: resolving serial key: %v", interfaces.ErrConfigurationInvalid, err))
	}
	if err := o.cfg.Validate(serial); err != nil {
		return o.abort(err)
	}
	run.serialKey = serial
	o.enter(StateResolved)

	if err := o.stageBundle(ctx, run); err != nil {
		return o.abort(err)
	}
	o.enter(StateBundleStaged)

	if err := o.buildISO(ctx, run); err != nil {
		return o.abort(err)
	}
	o.enter(StateIsoBuilt)

	if err := o.configureVM(ctx, run); err != nil {
		return o.abort(err)
	}
	o.enter(StateVmConfigured)

	if err := o.c.Driver.StartVM(ctx, o.cfg.VMName, o.cfg.VisibleBoot); err != nil {
		return o.abort(err)
	}
	o.enter(StateBooting)

	// The install wait is the long pole of the run. Give the lock back so
	// administrative commands work while the guest installs.
	if err := o.c.Locker.Release(); err != nil {
		return o.abort(err)
	}
	o.log.Info("lock released for the install wait")
	o.enter(StateAwaitingInstall)

	applied, err := run.listener.AwaitGuest(ctx)
	if err != nil {
		return o.abort(fmt.Errorf("waiting for guest callback: %w", err))
	}
	if !applied {
		o.log.Warn("guest could not apply the requested display resolution, continuing",
			"resolution", o.cfg.Resolution)
	}

	if err := o.acquireLock(ctx); err != nil {
		return o.abort(err)
	}
	if err := o.c.Driver.DetachISO(ctx, o.cfg.VMName); err != nil {
		return o.abort(err)
	}
	if err := os.Remove(run.isoPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		o.log.Warn("failed to delete installer image", "path", run.isoPath, "err", err)
	}
	if o.cfg.SettleDelay > 0 {
		o.log.Info("letting the guest settle", "delay", o.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			return o.abort(ctx.Err())
		case <-time.After(o.cfg.SettleDelay):
		}
	}
	o.enter(StatePostInstall)

	if err := o.c.Driver.Snapshot(ctx, o.cfg.VMName, o.cfg.SnapshotName, "clean unattended installation"); err != nil {
		return o.abort(err)
	}
	if err := o.c.Driver.StopVM(ctx, o.cfg.VMName); err != nil {
		return o.abort(err)
	}
	o.enter(StateSnapshotted)

	if o.cfg.Register {
		if err := o.c.Registrar.Register(ctx, o.cfg.VMName, o.cfg.GuestIP, o.cfg.Tags, o.cfg.SnapshotName); err != nil {
			return o.abort(err)
		}
	}
	o.enter(StateRegistered)

	if err := o.c.Locker.Release(); err != nil {
		return o.abort(err)
	}
	o.enter(StateDone)
	o.log.Info("provisioning run complete", "snapshot", o.cfg.SnapshotName)
	return nil
}

// stageBundle assembles the bootstrap tree: the interpreter runtime, the
// requested dependencies, the callback endpoint and the settings files.
func (o *Orchestrator) stageBundle(ctx context.Context, run *run) error {
	if _, err := o.c.Deps.EnsureCatalog(ctx); err != nil {
		return err
	}
	writer, err := deps.NewWriter(o.log, o.c.Deps, run.bootstrapDir)
	if err != nil {
		return err
	}
	if err := writer.Add(ctx, deps.BootstrapDependency); err != nil {
		return err
	}
	for _, name := range o.cfg.Dependencies {
		if err := writer.Add(ctx, name); err != nil {
			return err
		}
	}

	listener, err := handshake.Listen(o.log, o.cfg.HostIP)
	if err != nil {
		return err
	}
	run.listener = listener
	o.log.Info("guest callback endpoint bound", "port", listener.Port())

	if err := writer.WriteSettings(deps.Settings{
		HostIP:       o.cfg.HostIP,
		HostPort:     listener.Port(),
		GuestIP:      o.cfg.GuestIP,
		GuestMask:    o.cfg.GuestMask,
		GuestGateway: o.cfg.GuestGateway,
		Resolution:   o.cfg.Resolution,
	}); err != nil {
		return err
	}
	return writer.Write()
}

func (o *Orchestrator) buildISO(ctx context.Context, run *run) error {
	content, err := iso.RenderAnswerFile(iso.AnswerFileData{
		SerialKey:      run.serialKey,
		KeyboardLayout: o.cfg.KeyboardLayout,
		ComputerName:   o.cfg.ComputerName,
		FullName:       o.cfg.FullName,
		OrgName:        o.cfg.OrgName,
		GuestIP:        o.cfg.GuestIP,
		GuestMask:      o.cfg.GuestMask,
		GuestGateway:   o.cfg.GuestGateway,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(run.answerFile, []byte(content), 0o644); err != nil {
		return err
	}
	return o.c.Iso.Build(ctx, interfaces.IsoRequest{
		MountDir:     o.cfg.MountDir,
		AnswerFile:   run.answerFile,
		BootstrapDir: run.bootstrapDir,
		OutputPath:   run.isoPath,
	})
}

// configureVM shapes the VM and attaches the installer image. Nothing
// created here is rolled back on failure.
func (o *Orchestrator) configureVM(ctx context.Context, run *run) error {
	name := o.cfg.VMName

	if err := o.c.Driver.CreateVM(ctx, name, o.cfg.OSType); err != nil {
		return err
	}
	if err := o.c.Driver.SetMemory(ctx, name, o.cfg.MemoryMB); err != nil {
		return err
	}
	if err := o.c.Driver.SetCPUCount(ctx, name, o.cfg.CPUs); err != nil {
		return err
	}
	if err := o.c.Driver.CreateDisk(ctx, name, o.cfg.DiskMB); err != nil {
		return err
	}
	if err := o.c.Driver.AttachISO(ctx, name, run.isoPath); err != nil {
		return err
	}

	if o.cfg.HardwareProfile != "" {
		profile, err := hypervisor.NewHardwareProfile(o.cfg.HardwareProfile)
		if err != nil {
			return err
		}
		if err := o.c.Driver.ApplyHardwareProfile(ctx, name, profile); err != nil {
			return err
		}
	}

	if err := o.c.Driver.ConfigureHostOnlyNetwork(ctx, name, o.cfg.MACAddress); err != nil {
		return err
	}
	if o.cfg.NATNetwork {
		if err := o.c.Driver.ConfigureNATNetwork(ctx, name); err != nil {
			return err
		}
	}
	if o.cfg.BridgedAdapter != "" {
		if err := o.c.Driver.ConfigureBridgedNetwork(ctx, name, o.cfg.BridgedAdapter, ""); err != nil {
			return err
		}
	}
	if o.cfg.HWVirt != nil {
		if err := o.c.Driver.SetHardwareVirtualization(ctx, name, *o.cfg.HWVirt); err != nil {
			return err
		}
	}
	return nil
}

// run owns the scratch resources of one execution: the bootstrap tree,
// the rendered answer file, the staged installer image and the callback
// listener. cleanup runs on every exit path.
type run struct {
	dir          string
	bootstrapDir string
	answerFile   string
	isoPath      string
	serialKey    string
	listener     *handshake.Listener
}

func newRun(cfg *Config) (*run, error) {
	dir, err := os.MkdirTemp(cfg.WorkDir, "vmcloak-run-")
	if err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	isoPath := cfg.OutputISO
	if isoPath == "" {
		isoPath = filepath.Join(dir, cfg.VMName+".iso")
	}
	return &run{
		dir:          dir,
		bootstrapDir: filepath.Join(dir, "bootstrap"),
		answerFile:   filepath.Join(dir, "winnt.sif"),
		isoPath:      isoPath,
	}, nil
}

func (r *run) cleanup() {
	if r.listener != nil {
		r.listener.Close()
	}
	os.RemoveAll(r.dir)
}
