package deps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// BootstrapDependency is the guest-side script interpreter staged before any
// user-requested dependency; later install fragments assume its presence.
const BootstrapDependency = "python27"

// Settings carries the per-run values rendered into the guest settings files.
type Settings struct {
	// HostIP and HostPort form the callback endpoint the guest's first-boot
	// script connects back to.
	HostIP   string
	HostPort int

	// Guest addressing on the host-only network.
	GuestIP      string
	GuestMask    string
	GuestGateway string

	// Resolution is the display mode the guest applies post-install.
	Resolution string
}

// Writer assembles the bootstrap tree for one provisioning run: the
// aggregate install script, per-dependency payload directories and the
// settings files.
type Writer struct {
	log *slog.Logger
	mgr *Manager

	root      string
	fragments []string
	staged    map[string]bool
}

// NewWriter creates a bootstrap tree rooted at root.
func NewWriter(log *slog.Logger, mgr *Manager, root string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(root, "deps"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bootstrap tree at %s: %w", root, err)
	}
	return &Writer{
		log:    log,
		mgr:    mgr,
		root:   root,
		staged: make(map[string]bool),
	}, nil
}

// Root returns the bootstrap tree's root directory.
func (w *Writer) Root() string {
	return w.root
}

// Add resolves name and stages it along with any of its prerequisites not
// staged yet: payload artifacts are fetched into the cache and copied under
// deps/<dependency>/, and the install fragment is appended in resolution
// order. A resolution failure stages nothing new; any failure from Add is
// fatal to the run.
func (w *Writer) Add(ctx context.Context, name string) error {
	order, err := w.mgr.Resolve(name)
	if err != nil {
		return err
	}

	for _, spec := range order {
		if w.staged[spec.Name] {
			continue
		}

		if err := w.mgr.Fetch(ctx, spec.Name); err != nil {
			return err
		}

		for _, artifact := range spec.Artifacts {
			src := filepath.Join(w.mgr.ArtifactDir(spec.Name), artifact.Filename)
			dst := filepath.Join(w.root, "deps", spec.Name, artifact.Filename)
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("failed to stage %s for %q: %w", artifact.Filename, spec.Name, err)
			}
		}

		if script := strings.TrimSpace(spec.InstallScript); script != "" {
			w.fragments = append(w.fragments, fmt.Sprintf("rem --- %s ---\r\n%s", spec.Name, toCRLF(script)))
		}

		w.staged[spec.Name] = true
		w.log.Debug("staged dependency", "dependency", spec.Name, "artifacts", len(spec.Artifacts))
	}
	return nil
}

// WriteSettings renders the two per-run settings files: settings.bat for
// guest batch scripts and settings.py for the guest interpreter.
func (w *Writer) WriteSettings(s Settings) error {
	bat := strings.Join([]string{
		"@echo off",
		fmt.Sprintf("set VMCLOAK_HOST_IP=%s", s.HostIP),
		fmt.Sprintf("set VMCLOAK_HOST_PORT=%d", s.HostPort),
		fmt.Sprintf("set VMCLOAK_GUEST_IP=%s", s.GuestIP),
		fmt.Sprintf("set VMCLOAK_GUEST_MASK=%s", s.GuestMask),
		fmt.Sprintf("set VMCLOAK_GUEST_GATEWAY=%s", s.GuestGateway),
		fmt.Sprintf("set VMCLOAK_RESOLUTION=%s", s.Resolution),
		"",
	}, "\r\n")

	py := strings.Join([]string{
		fmt.Sprintf("HOST_IP = %q", s.HostIP),
		fmt.Sprintf("HOST_PORT = %d", s.HostPort),
		fmt.Sprintf("GUEST_IP = %q", s.GuestIP),
		fmt.Sprintf("GUEST_MASK = %q", s.GuestMask),
		fmt.Sprintf("GUEST_GATEWAY = %q", s.GuestGateway),
		fmt.Sprintf("RESOLUTION = %q", s.Resolution),
		"",
	}, "\n")

	for _, file := range []struct {
		name    string
		content string
	}{
		{"settings.bat", bat},
		{"settings.py", py},
	} {
		if err := os.WriteFile(filepath.Join(w.root, file.name), []byte(file.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.name, err)
		}
	}
	return nil
}

// Write finalizes the aggregate install script to bootstrap.bat, preserving
// the order fragments were staged in.
func (w *Writer) Write() error {
	var sb strings.Builder
	sb.WriteString("@echo off\r\n")
	sb.WriteString("call %~dp0settings.bat\r\n\r\n")
	for _, fragment := range w.fragments {
		sb.WriteString(fragment)
		sb.WriteString("\r\n\r\n")
	}

	path := filepath.Join(w.root, "bootstrap.bat")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write bootstrap script: %w", err)
	}
	w.log.Debug("wrote bootstrap script", "path", path, "fragments", len(w.fragments))
	return nil
}

// toCRLF normalizes fragment line endings for guest batch consumption.
func toCRLF(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
