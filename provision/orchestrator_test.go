package provision

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Thorsten-Sick/vmcloak/deps"
	"github.com/Thorsten-Sick/vmcloak/hypervisor"
	"github.com/Thorsten-Sick/vmcloak/interfaces"
	"github.com/Thorsten-Sick/vmcloak/iso"
	"github.com/Thorsten-Sick/vmcloak/lockdir"
	"github.com/Thorsten-Sick/vmcloak/registration"
	"github.com/Thorsten-Sick/vmcloak/secrets"
)

var hostPortRe = regexp.MustCompile(`HOST_PORT = (\d+)`)

// testEnv wires an orchestrator against real collaborators (lock, catalog
// server, ISO builder, handshake) and a mocked hypervisor driver.
type testEnv struct {
	t      *testing.T
	cfg    *Config
	driver *hypervisor.MockDriver
	collab Collaborators

	logBuf *bytes.Buffer
	log    *slog.Logger

	// captured during the run
	mu             sync.Mutex
	bootstrapBat   string
	lockFreeInWait bool
	lastState      State
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	mount := filepath.Join(root, "mount")
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "i386"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "i386", "setup.ex_"), []byte("setup"), 0o644))

	payload := []byte("msi-payload")
	sum := sha256.Sum256(payload)

	mux := http.NewServeMux()
	var manifestURL string
	mux.HandleFunc("/files/py27.msi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/catalog.yaml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `
python27:
  description: guest interpreter
  artifacts:
    - filename: py27.msi
      urls: ["%s"]
      sha256: %s
  install: |
    msiexec /i %%~dp0deps\python27\py27.msi /qn
pillow:
  description: imaging library
  requires: [python27]
  install: |
    C:\Python27\Scripts\pip.exe install deps\pillow
`, manifestURL+"/files/py27.msi", hex.EncodeToString(sum[:]))
	})
	srv := httptest.NewServer(mux)
	manifestURL = srv.URL
	t.Cleanup(srv.Close)

	logBuf := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mgr := deps.NewManager(deps.ManagerConfig{
		CacheDir:    filepath.Join(root, "cache"),
		ManifestURL: srv.URL + "/catalog.yaml",
	}, log)
	require.NoError(t, mgr.Init())

	bootImg := filepath.Join(root, "boot.img")
	require.NoError(t, os.WriteFile(bootImg, []byte("eltorito"), 0o644))
	toolScript := `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
printf 'fake-iso' > "$out"
`
	tool := filepath.Join(root, "fake-mkisofs")
	require.NoError(t, os.WriteFile(tool, []byte(toolScript), 0o755))
	builder, err := iso.NewBuilder(log, tool, bootImg)
	require.NoError(t, err)

	workDir := filepath.Join(root, "work")
	outDir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	lockPath := filepath.Join(root, "vmcloak.lock")
	cfg := &Config{
		VMName:         "web01",
		MountDir:       mount,
		SerialKeySpec:  "static",
		KeyboardLayout: "00000409",
		HostIP:         "127.0.0.1",
		GuestIP:        "192.168.56.101",
		GuestMask:      "255.255.255.0",
		GuestGateway:   "192.168.56.1",
		Dependencies:   []string{"pillow"},
		LockPath:       lockPath,
		LockTimeout:    500 * time.Millisecond,
		SettleDelay:    0,
		WorkDir:        workDir,
		OutputISO:      filepath.Join(outDir, "web01.iso"),
	}
	cfg.Normalize()

	driver := new(hypervisor.MockDriver)
	return &testEnv{
		t:      t,
		cfg:    cfg,
		driver: driver,
		collab: Collaborators{
			Locker:    lockdir.New(log, lockPath),
			Deps:      mgr,
			Iso:       builder,
			Driver:    driver,
			SerialKey: secrets.Static("AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"),
		},
		logBuf: logBuf,
		log:    log,
	}
}

// expectVMSetup registers the happy-path driver expectations up to and
// including the VM boot.
func (e *testEnv) expectVMSetup() {
	e.driver.On("CreateVM", mock.Anything, "web01", "WindowsXP").Return(nil)
	e.driver.On("SetMemory", mock.Anything, "web01", e.cfg.MemoryMB).Return(nil)
	e.driver.On("SetCPUCount", mock.Anything, "web01", e.cfg.CPUs).Return(nil)
	e.driver.On("CreateDisk", mock.Anything, "web01", e.cfg.DiskMB).Return(nil)
	e.driver.On("AttachISO", mock.Anything, "web01", e.cfg.OutputISO).Return(nil)
	e.driver.On("ConfigureHostOnlyNetwork", mock.Anything, "web01", "").Return(nil)
}

// expectFinalization registers the post-install driver expectations.
func (e *testEnv) expectFinalization() {
	e.driver.On("DetachISO", mock.Anything, "web01").Return(nil)
	e.driver.On("Snapshot", mock.Anything, "web01", e.cfg.SnapshotName, mock.Anything).Return(nil)
	e.driver.On("StopVM", mock.Anything, "web01").Return(nil)
}

// onBootGuestSends arranges for a fake guest once the VM "boots": it
// waits for the lock to be released, reads the callback port from the
// staged settings, and sends the one-byte result.
func (e *testEnv) onBootGuestSends(result byte) {
	e.driver.On("StartVM", mock.Anything, "web01", false).Run(func(mock.Arguments) {
		pattern := filepath.Join(e.cfg.WorkDir, "vmcloak-run-*", "bootstrap", "bootstrap.bat")
		matches, err := filepath.Glob(pattern)
		if err == nil && len(matches) == 1 {
			raw, rerr := os.ReadFile(matches[0])
			if rerr == nil {
				e.mu.Lock()
				e.bootstrapBat = string(raw)
				e.mu.Unlock()
			}
		}

		go func() {
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := os.Stat(e.cfg.LockPath); os.IsNotExist(err) {
					e.mu.Lock()
					e.lockFreeInWait = true
					e.mu.Unlock()
					break
				}
				time.Sleep(10 * time.Millisecond)
			}

			settings, err := filepath.Glob(filepath.Join(e.cfg.WorkDir, "vmcloak-run-*", "bootstrap", "settings.py"))
			if err != nil || len(settings) != 1 {
				return
			}
			raw, err := os.ReadFile(settings[0])
			if err != nil {
				return
			}
			match := hostPortRe.FindSubmatch(raw)
			if match == nil {
				return
			}
			port, _ := strconv.Atoi(string(match[1]))

			conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = conn.Write([]byte{result})
		}()
	}).Return(nil)
}

func (e *testEnv) execute() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	orch := New(e.log, e.cfg, e.collab)
	err := orch.Execute(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastState = orch.State()
	return err
}

func (e *testEnv) lockExists() bool {
	_, err := os.Stat(e.cfg.LockPath)
	return err == nil
}

func (e *testEnv) guestSawLockFree() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockFreeInWait
}

func (e *testEnv) bootstrapScript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bootstrapBat
}

func (e *testEnv) driverCallNames() []string {
	names := make([]string, 0, len(e.driver.Calls))
	for _, call := range e.driver.Calls {
		names = append(names, call.Method)
	}
	return names
}

func TestExecuteHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.expectVMSetup()
	env.onBootGuestSends(0x01)
	env.expectFinalization()

	require.NoError(t, env.execute())
	assert.Equal(t, StateDone, env.lastState)

	assert.False(t, env.lockExists())
	assert.True(t, env.guestSawLockFree(), "lock must be free during the install wait")

	// The interpreter runtime is staged before the requested dependency.
	bat := env.bootstrapScript()
	pyIdx := strings.Index(bat, "rem --- python27 ---")
	pillowIdx := strings.Index(bat, "rem --- pillow ---")
	require.GreaterOrEqual(t, pyIdx, 0)
	require.GreaterOrEqual(t, pillowIdx, 0)
	assert.Less(t, pyIdx, pillowIdx)

	assert.Equal(t, []string{
		"CreateVM", "SetMemory", "SetCPUCount", "CreateDisk", "AttachISO",
		"ConfigureHostOnlyNetwork", "StartVM", "DetachISO", "Snapshot", "StopVM",
	}, env.driverCallNames())

	// The installer image is deleted after the install completes.
	_, err := os.Stat(env.cfg.OutputISO)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.NotContains(t, env.logBuf.String(), "could not apply the requested display resolution")
	env.driver.AssertExpectations(t)
}

func TestExecuteGuestResolutionFailureContinues(t *testing.T) {
	env := newTestEnv(t)
	env.expectVMSetup()
	env.onBootGuestSends(0x00)
	env.expectFinalization()

	require.NoError(t, env.execute())
	assert.Equal(t, StateDone, env.lastState)
	assert.Contains(t, env.logBuf.String(), "could not apply the requested display resolution")
}

func TestExecuteRegistrationFailure(t *testing.T) {
	env := newTestEnv(t)

	tool := filepath.Join(t.TempDir(), "machinery")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\necho boom\nexit 1\n"), 0o755))
	env.cfg.Register = true
	env.cfg.RegistrationTool = tool
	env.cfg.Tags = "longterm"
	env.collab.Registrar = registration.NewClient(env.log, tool, "windows")

	env.expectVMSetup()
	env.onBootGuestSends(0x01)
	env.expectFinalization()

	err := env.execute()
	require.ErrorIs(t, err, interfaces.ErrRegistrationFailure)
	assert.Equal(t, StateAborted, env.lastState)

	// Snapshot and VM survive a failed registration.
	env.driver.AssertCalled(t, "Snapshot", mock.Anything, "web01", env.cfg.SnapshotName, mock.Anything)
	env.driver.AssertNotCalled(t, "DeleteVM", mock.Anything, "web01")
	assert.False(t, env.lockExists())
}

func TestExecuteValidationFailureReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.KeyboardLayout = "qwerty"

	err := env.execute()
	require.ErrorIs(t, err, interfaces.ErrConfigurationInvalid)
	assert.Equal(t, StateAborted, env.lastState)
	assert.False(t, env.lockExists())
	env.driver.AssertNotCalled(t, "CreateVM", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteBadSerialKeyReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	env.collab.SerialKey = secrets.Static("not-a-key")

	err := env.execute()
	require.ErrorIs(t, err, interfaces.ErrConfigurationInvalid)
	assert.False(t, env.lockExists())
}

func TestExecuteUnknownDependencyAborts(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Dependencies = []string{"ghost"}

	err := env.execute()
	require.ErrorIs(t, err, interfaces.ErrUnknownDependency)
	assert.Equal(t, StateAborted, env.lastState)
	assert.False(t, env.lockExists())
	env.driver.AssertNotCalled(t, "CreateVM", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteNetworkFailureLeavesVM(t *testing.T) {
	env := newTestEnv(t)
	env.driver.On("CreateVM", mock.Anything, "web01", "WindowsXP").Return(nil)
	env.driver.On("SetMemory", mock.Anything, "web01", env.cfg.MemoryMB).Return(nil)
	env.driver.On("SetCPUCount", mock.Anything, "web01", env.cfg.CPUs).Return(nil)
	env.driver.On("CreateDisk", mock.Anything, "web01", env.cfg.DiskMB).Return(nil)
	env.driver.On("AttachISO", mock.Anything, "web01", env.cfg.OutputISO).Return(nil)
	env.driver.On("ConfigureHostOnlyNetwork", mock.Anything, "web01", "").
		Return(fmt.Errorf("%w: no vboxnet0", interfaces.ErrHypervisorOperation))

	err := env.execute()
	require.ErrorIs(t, err, interfaces.ErrHypervisorOperation)
	assert.Equal(t, StateAborted, env.lastState)
	assert.False(t, env.lockExists())
	env.driver.AssertNotCalled(t, "DeleteVM", mock.Anything, mock.Anything)
	env.driver.AssertNotCalled(t, "StartVM", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteWaitsForBusyLock(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.LockTimeout = 100 * time.Millisecond

	// Another process holds the lock; it frees up shortly after the run
	// starts waiting.
	require.NoError(t, os.Mkdir(env.cfg.LockPath, 0o755))
	go func() {
		time.Sleep(400 * time.Millisecond)
		os.Remove(env.cfg.LockPath)
	}()

	env.expectVMSetup()
	env.onBootGuestSends(0x01)
	env.expectFinalization()

	require.NoError(t, env.execute())
	assert.Equal(t, StateDone, env.lastState)
	assert.Contains(t, env.logBuf.String(), "another run holds the lock")
}
