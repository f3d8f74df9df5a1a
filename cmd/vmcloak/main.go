package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/Thorsten-Sick/vmcloak/cmd/flags"
	"github.com/Thorsten-Sick/vmcloak/common"
	"github.com/Thorsten-Sick/vmcloak/deps"
	"github.com/Thorsten-Sick/vmcloak/hypervisor"
	"github.com/Thorsten-Sick/vmcloak/interfaces"
	"github.com/Thorsten-Sick/vmcloak/iso"
	"github.com/Thorsten-Sick/vmcloak/lockdir"
	"github.com/Thorsten-Sick/vmcloak/provision"
	"github.com/Thorsten-Sick/vmcloak/registration"
	"github.com/Thorsten-Sick/vmcloak/secrets"
)

var flagDataDir = &cli.StringFlag{
	Name:    "data-dir",
	Usage:   "state directory for lock, cache and profiles (default ~/.vmcloak)",
	EnvVars: []string{"VMCLOAK_DATA_DIR"},
}
var flagLockPath = &cli.StringFlag{
	Name:  "lock-path",
	Usage: "provisioning lock path (default <data-dir>/vmcloak.lock)",
}
var flagLockTimeout = &cli.DurationFlag{
	Name:  "lock-timeout",
	Value: provision.DefaultLockTimeout,
	Usage: "how long to try the lock before settling in to wait",
}

var flagCatalogURL = &cli.StringFlag{
	Name:    "catalog-url",
	Value:   "https://files.vmcloak.org/catalog.yaml",
	Usage:   "dependency catalog manifest URL",
	EnvVars: []string{"VMCLOAK_CATALOG_URL"},
}
var flagCacheDir = &cli.StringFlag{
	Name:  "cache-dir",
	Usage: "artifact cache directory (default <data-dir>/cache)",
}
var flagS3Region = &cli.StringFlag{
	Name:  "s3-region",
	Value: "us-east-1",
	Usage: "region for s3:// artifact mirrors",
}
var flagS3Endpoint = &cli.StringFlag{
	Name:  "s3-endpoint",
	Usage: "S3-compatible endpoint for s3:// artifact mirrors",
}
var flagIPFSAddr = &cli.StringFlag{
	Name:  "ipfs-addr",
	Value: "127.0.0.1:5001",
	Usage: "IPFS node API address for ipfs:// artifact mirrors",
}

var flagDriver = &cli.StringFlag{
	Name:    "driver",
	Usage:   "hypervisor driver URI: vboxmanage, vboxmanage+ssh://user@host, http://agent:port, srv+http://service.domain",
	EnvVars: []string{"VMCLOAK_DRIVER"},
}
var flagVBoxManage = &cli.StringFlag{
	Name:  "vboxmanage",
	Value: hypervisor.DefaultVBoxManagePath,
	Usage: "VBoxManage executable for the vboxmanage drivers",
}
var flagVMDir = &cli.StringFlag{
	Name:  "vm-dir",
	Usage: "base folder for machines and disk images (default: VirtualBox machine folder)",
}
var flagHostOnlyAdapter = &cli.StringFlag{
	Name:  "hostonly-adapter",
	Value: "vboxnet0",
	Usage: "host-only interface VMs attach to",
}
var flagSSHKey = &cli.StringFlag{
	Name:  "ssh-key",
	Usage: "private key for the vboxmanage+ssh driver",
}
var flagDNSServer = &cli.StringFlag{
	Name:  "dns-server",
	Usage: "DNS server answering SRV lookups for srv+http driver URIs",
}

var driverFlags = []cli.Flag{
	flagDriver,
	flagVBoxManage,
	flagVMDir,
	flagHostOnlyAdapter,
	flagSSHKey,
	flagDNSServer,
}

var depsFlags = []cli.Flag{
	flagDataDir,
	flagCatalogURL,
	flagCacheDir,
	flagS3Region,
	flagS3Endpoint,
	flagIPFSAddr,
}

var provisionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "mount-dir",
		Required: true,
		Usage:    "directory holding the extracted Windows installer image",
	},
	&cli.StringFlag{
		Name:     "serial-key",
		Required: true,
		Usage:    "Windows product key, or a vault://path#field reference",
		EnvVars:  []string{"VMCLOAK_SERIAL_KEY"},
	},
	&cli.StringFlag{
		Name:     "boot-image",
		Required: true,
		Usage:    "El Torito boot record extracted from the original installer ISO",
	},
	&cli.StringFlag{
		Name:  "os-type",
		Usage: "guest OS type (default " + provision.DefaultOSType + ")",
	},
	&cli.StringFlag{
		Name:  "keyboard-layout",
		Value: "00000409",
		Usage: "keyboard layout as an 8-digit hex input locale",
	},
	&cli.StringFlag{
		Name:  "computer-name",
		Usage: "guest computer name",
	},
	&cli.StringFlag{
		Name:  "full-name",
		Usage: "registered owner name",
	},
	&cli.StringFlag{
		Name:  "org-name",
		Usage: "registered organization name",
	},
	&cli.StringFlag{
		Name:  "host-ip",
		Value: "192.168.56.1",
		Usage: "host-side address the guest calls back to",
	},
	&cli.StringFlag{
		Name:  "ip",
		Value: "192.168.56.101",
		Usage: "static guest address on the host-only network",
	},
	&cli.StringFlag{
		Name:  "netmask",
		Value: "255.255.255.0",
		Usage: "guest network mask",
	},
	&cli.StringFlag{
		Name:  "gateway",
		Value: "192.168.56.1",
		Usage: "guest default gateway",
	},
	&cli.StringFlag{
		Name:  "mac",
		Usage: "MAC address for the guest's host-only adapter",
	},
	&cli.StringFlag{
		Name:  "resolution",
		Usage: "guest display resolution (default " + provision.DefaultResolution + ")",
	},
	&cli.IntFlag{
		Name:  "ramsize",
		Usage: "guest memory in MB",
	},
	&cli.IntFlag{
		Name:  "cpus",
		Usage: "guest CPU count",
	},
	&cli.IntFlag{
		Name:  "hddsize",
		Usage: "guest disk size in MB",
	},
	&cli.StringFlag{
		Name:  "hardware-profile",
		Usage: "DMI fingerprint preset to apply, or 'random'",
	},
	&cli.StringFlag{
		Name:  "hwvirt",
		Usage: "toggle hardware virtualization: 'on' or 'off' (default: hypervisor default)",
	},
	&cli.BoolFlag{
		Name:  "nat",
		Usage: "add a NAT adapter next to the host-only one",
	},
	&cli.StringFlag{
		Name:  "bridged",
		Usage: "add an adapter bridged to the given host interface",
	},
	&cli.BoolFlag{
		Name:  "vm-visible",
		Usage: "boot the VM with its GUI visible",
	},
	&cli.StringSliceFlag{
		Name:    "dependencies",
		Aliases: []string{"d"},
		Usage:   "guest dependencies to stage (repeatable)",
	},
	&cli.StringFlag{
		Name:  "snapshot",
		Usage: "snapshot name taken after the install (default " + provision.DefaultSnapshotName + ")",
	},
	&cli.BoolFlag{
		Name:  "register",
		Usage: "hand the finished VM to the registration tool",
	},
	&cli.StringFlag{
		Name:  "registration-tool",
		Usage: "path to the sandbox registration executable",
	},
	&cli.StringFlag{
		Name:  "tags",
		Usage: "comma-separated tags passed to the registration tool",
	},
	&cli.DurationFlag{
		Name:  "settle-delay",
		Value: provision.DefaultSettleDelay,
		Usage: "wait after the install callback before snapshotting",
	},
	&cli.StringFlag{
		Name:  "iso-tool",
		Usage: "ISO mastering tool (default: first of genisoimage, mkisofs, xorriso on PATH)",
	},
	&cli.StringFlag{
		Name:  "work-dir",
		Usage: "parent directory for per-run scratch space (default: system temp)",
	},
	&cli.StringFlag{
		Name:  "output-iso",
		Usage: "where to stage the installer image (default: scratch space)",
	},
	&cli.StringFlag{
		Name:  "profile",
		Usage: "machine profile from the profiles file to fill unset values from",
	},
	&cli.StringFlag{
		Name:  "profiles-file",
		Usage: "machine profiles file (default <data-dir>/profiles.yaml)",
	},
	flagLockPath,
	flagLockTimeout,
}

func main() {
	app := &cli.App{
		Name:    "vmcloak",
		Usage:   "Provision Windows VMs through unattended installation",
		Version: common.Version,
		Commands: []*cli.Command{
			provisionCommand,
			depsCommand,
			unlockCommand,
			deleteVMCommand,
			snapshotCommand,
			versionCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// dataDir resolves the state directory, defaulting to ~/.vmcloak.
func dataDir(cCtx *cli.Context) string {
	if dir := cCtx.String(flagDataDir.Name); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vmcloak")
	}
	return filepath.Join(home, ".vmcloak")
}

func lockPath(cCtx *cli.Context) string {
	if path := cCtx.String(flagLockPath.Name); path != "" {
		return path
	}
	return filepath.Join(dataDir(cCtx), "vmcloak.lock")
}

func newManager(cCtx *cli.Context, logger *slog.Logger) *deps.Manager {
	cacheDir := cCtx.String(flagCacheDir.Name)
	if cacheDir == "" {
		cacheDir = filepath.Join(dataDir(cCtx), "cache")
	}
	return deps.NewManager(deps.ManagerConfig{
		CacheDir:    cacheDir,
		ManifestURL: cCtx.String(flagCatalogURL.Name),
		Sources: deps.SourceConfig{
			S3Region:   cCtx.String(flagS3Region.Name),
			S3Endpoint: cCtx.String(flagS3Endpoint.Name),
			IPFSAddr:   cCtx.String(flagIPFSAddr.Name),
		},
	}, logger)
}

func newDriver(cCtx *cli.Context, logger *slog.Logger) (interfaces.HypervisorDriver, error) {
	return hypervisor.NewDriver(logger, hypervisor.DriverConfig{
		URI: cCtx.String(flagDriver.Name),
		VBox: hypervisor.VBoxConfig{
			Program:         cCtx.String(flagVBoxManage.Name),
			VMDir:           cCtx.String(flagVMDir.Name),
			HostOnlyAdapter: cCtx.String(flagHostOnlyAdapter.Name),
		},
		SSHKeyFile: cCtx.String(flagSSHKey.Name),
		DNSServer:  cCtx.String(flagDNSServer.Name),
	})
}

// signalContext is cancelled on SIGINT/SIGTERM so a run aborts cleanly and
// releases the lock.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var provisionCommand = &cli.Command{
	Name:      "provision",
	Aliases:   []string{"init"},
	Usage:     "Build a VM through one unattended installation run",
	ArgsUsage: "<vmname>",
	Flags:     slices.Concat(flags.LoggingFlags, depsFlags, driverFlags, provisionFlags),
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		vmName := cCtx.Args().First()
		if vmName == "" {
			return cli.Exit("usage: vmcloak provision <vmname>", 2)
		}

		cfg := &provision.Config{
			VMName:           vmName,
			OSType:           cCtx.String("os-type"),
			MountDir:         cCtx.String("mount-dir"),
			SerialKeySpec:    cCtx.String("serial-key"),
			KeyboardLayout:   cCtx.String("keyboard-layout"),
			ComputerName:     cCtx.String("computer-name"),
			FullName:         cCtx.String("full-name"),
			OrgName:          cCtx.String("org-name"),
			HostIP:           cCtx.String("host-ip"),
			GuestIP:          cCtx.String("ip"),
			GuestMask:        cCtx.String("netmask"),
			GuestGateway:     cCtx.String("gateway"),
			MACAddress:       cCtx.String("mac"),
			Resolution:       cCtx.String("resolution"),
			MemoryMB:         cCtx.Int("ramsize"),
			CPUs:             cCtx.Int("cpus"),
			DiskMB:           cCtx.Int("hddsize"),
			HardwareProfile:  cCtx.String("hardware-profile"),
			NATNetwork:       cCtx.Bool("nat"),
			BridgedAdapter:   cCtx.String("bridged"),
			VisibleBoot:      cCtx.Bool("vm-visible"),
			Dependencies:     cCtx.StringSlice("dependencies"),
			SnapshotName:     cCtx.String("snapshot"),
			Register:         cCtx.Bool("register"),
			RegistrationTool: cCtx.String("registration-tool"),
			Tags:             cCtx.String("tags"),
			LockPath:         lockPath(cCtx),
			LockTimeout:      cCtx.Duration(flagLockTimeout.Name),
			SettleDelay:      cCtx.Duration("settle-delay"),
			WorkDir:          cCtx.String("work-dir"),
			OutputISO:        cCtx.String("output-iso"),
		}

		switch cCtx.String("hwvirt") {
		case "":
		case "on":
			enabled := true
			cfg.HWVirt = &enabled
		case "off":
			enabled := false
			cfg.HWVirt = &enabled
		default:
			return cli.Exit("--hwvirt must be 'on' or 'off'", 2)
		}

		if profileName := cCtx.String("profile"); profileName != "" {
			profilesFile := cCtx.String("profiles-file")
			if profilesFile == "" {
				profilesFile = filepath.Join(dataDir(cCtx), "profiles.yaml")
			}
			profiles, err := provision.LoadProfiles(profilesFile)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			profile, ok := profiles[profileName]
			if !ok {
				return cli.Exit(fmt.Sprintf("unknown machine profile %q in %s", profileName, profilesFile), 2)
			}
			cfg.ApplyProfile(profile)
		}
		cfg.Normalize()

		if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o755); err != nil {
			return err
		}

		serialKey, err := secrets.FromSpec(logger, cfg.SerialKeySpec)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		driver, err := newDriver(cCtx, logger)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		builder, err := iso.NewBuilder(logger, cCtx.String("iso-tool"), cCtx.String("boot-image"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		orch := provision.New(logger, cfg, provision.Collaborators{
			Locker:    lockdir.New(logger, cfg.LockPath),
			Deps:      newManager(cCtx, logger),
			Iso:       builder,
			Driver:    driver,
			Registrar: registration.NewClient(logger, cfg.RegistrationTool, "windows"),
			SerialKey: serialKey,
		})

		ctx, stop := signalContext()
		defer stop()

		if err := orch.Execute(ctx); err != nil {
			if errors.Is(err, interfaces.ErrConfigurationInvalid) {
				return cli.Exit(err.Error(), 2)
			}
			return err
		}
		return nil
	},
}

var depsCommand = &cli.Command{
	Name:  "deps",
	Usage: "Manage the guest dependency catalog and artifact cache",
	Subcommands: []*cli.Command{
		{
			Name:  "update",
			Usage: "Refresh the catalog manifest from its remote",
			Flags: slices.Concat(flags.LoggingFlags, depsFlags),
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx)
				ctx, stop := signalContext()
				defer stop()
				return newManager(cCtx, logger).Update(ctx)
			},
		},
		{
			Name:      "fetch",
			Usage:     "Prefetch dependency artifacts into the cache",
			ArgsUsage: "<dependency>...",
			Flags:     slices.Concat(flags.LoggingFlags, depsFlags),
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx)
				if cCtx.NArg() == 0 {
					return cli.Exit("usage: vmcloak deps fetch <dependency>...", 2)
				}
				ctx, stop := signalContext()
				defer stop()

				mgr := newManager(cCtx, logger)
				if _, err := mgr.EnsureCatalog(ctx); err != nil {
					return err
				}
				order, err := mgr.Resolve(cCtx.Args().Slice()...)
				if err != nil {
					if errors.Is(err, interfaces.ErrUnknownDependency) {
						return cli.Exit(err.Error(), 2)
					}
					return err
				}
				for _, spec := range order {
					if err := mgr.Fetch(ctx, spec.Name); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "List catalog dependencies; fetched ones are marked with *",
			Flags: slices.Concat(flags.LoggingFlags, depsFlags),
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx)
				ctx, stop := signalContext()
				defer stop()

				mgr := newManager(cCtx, logger)
				catalog, err := mgr.EnsureCatalog(ctx)
				if err != nil {
					return err
				}
				for _, name := range catalog.Names() {
					marker := " "
					if mgr.Fetched(name) {
						marker = "*"
					}
					fmt.Printf("%s %-24s %s\n", marker, name, catalog[name].Description)
				}
				return nil
			},
		},
		{
			Name:      "verify",
			Usage:     "Re-check the integrity of cached dependency artifacts",
			ArgsUsage: "<dependency>...",
			Flags:     slices.Concat(flags.LoggingFlags, depsFlags),
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx)
				if cCtx.NArg() == 0 {
					return cli.Exit("usage: vmcloak deps verify <dependency>...", 2)
				}

				mgr := newManager(cCtx, logger)
				var failed bool
				for _, name := range cCtx.Args().Slice() {
					if err := mgr.Verify(name); err != nil {
						fmt.Printf("FAIL %s: %v\n", name, err)
						failed = true
						continue
					}
					fmt.Printf("ok   %s\n", name)
				}
				if failed {
					return errors.New("one or more dependencies failed verification")
				}
				return nil
			},
		},
	},
}

var unlockCommand = &cli.Command{
	Name:  "unlock",
	Usage: "Remove the provisioning lock unconditionally",
	Flags: slices.Concat(flags.LoggingFlags, []cli.Flag{flagDataDir, flagLockPath}),
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		path := lockPath(cCtx)
		if err := lockdir.New(logger, path).ForceUnlock(); err != nil {
			return err
		}
		logger.Info("provisioning lock cleared", "path", path)
		return nil
	},
}

var deleteVMCommand = &cli.Command{
	Name:      "delete-vm",
	Usage:     "Power off, detach media and delete a VM",
	ArgsUsage: "<vmname>",
	Flags:     slices.Concat(flags.LoggingFlags, driverFlags, []cli.Flag{flagDataDir, flagLockPath, flagLockTimeout}),
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		vmName := cCtx.Args().First()
		if vmName == "" {
			return cli.Exit("usage: vmcloak delete-vm <vmname>", 2)
		}

		ctx, stop := signalContext()
		defer stop()

		lock := lockdir.New(logger, lockPath(cCtx))
		if err := lock.Acquire(ctx, cCtx.Duration(flagLockTimeout.Name)); err != nil {
			return err
		}
		defer lock.Release()

		driver, err := newDriver(cCtx, logger)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		if running, err := driver.Running(ctx, vmName); err == nil && running {
			if err := driver.StopVM(ctx, vmName); err != nil {
				return err
			}
		}
		if err := driver.DetachISO(ctx, vmName); err != nil {
			logger.Warn("could not detach media, continuing with deletion", "vm", vmName, "err", err)
		}
		if err := driver.DeleteVM(ctx, vmName); err != nil {
			return err
		}
		logger.Info("VM deleted", "vm", vmName)
		return nil
	},
}

var snapshotCommand = &cli.Command{
	Name:      "snapshot",
	Usage:     "Take a snapshot of an existing VM",
	ArgsUsage: "<vmname> <snapshotname>",
	Flags: slices.Concat(flags.LoggingFlags, driverFlags, []cli.Flag{
		flagDataDir, flagLockPath, flagLockTimeout,
		&cli.StringFlag{
			Name:  "description",
			Usage: "snapshot description",
		},
	}),
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		vmName := cCtx.Args().Get(0)
		snapshotName := cCtx.Args().Get(1)
		if vmName == "" || snapshotName == "" {
			return cli.Exit("usage: vmcloak snapshot <vmname> <snapshotname>", 2)
		}

		ctx, stop := signalContext()
		defer stop()

		lock := lockdir.New(logger, lockPath(cCtx))
		if err := lock.Acquire(ctx, cCtx.Duration(flagLockTimeout.Name)); err != nil {
			return err
		}
		defer lock.Release()

		driver, err := newDriver(cCtx, logger)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		if err := driver.Snapshot(ctx, vmName, snapshotName, cCtx.String("description")); err != nil {
			return err
		}
		logger.Info("snapshot taken", "vm", vmName, "snapshot", snapshotName)
		return nil
	},
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print the version",
	Action: func(cCtx *cli.Context) error {
		fmt.Println(common.Version)
		return nil
	},
}
