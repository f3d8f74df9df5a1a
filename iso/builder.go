// Package iso assembles modified Windows installer images. A build stages
// a writable copy of the mounted installer tree, overlays the rendered
// answer file and the bootstrap payload tree, and reassembles a bootable
// image with an external mastering tool, preserving the El Torito boot
// record of the base image.
package iso

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// bootImageName is the path of the El Torito boot record inside the
// staged tree, referenced by the mastering tool arguments.
const bootImageName = "boot.img"

// isoTools lists the mastering tools probed on PATH, in order of
// preference. xorriso is invoked in mkisofs emulation mode.
var isoTools = []string{"genisoimage", "mkisofs", "xorriso"}

// Builder implements interfaces.IsoBuilder on top of an external ISO
// mastering tool.
type Builder struct {
	log       *slog.Logger
	program   string
	bootImage string
}

var _ interfaces.IsoBuilder = (*Builder)(nil)

// NewBuilder returns a builder that reassembles images using program. An
// empty program selects the first mastering tool found on PATH. bootImage
// is the El Torito boot record extracted from the base image.
func NewBuilder(log *slog.Logger, program, bootImage string) (*Builder, error) {
	if program == "" {
		found, err := lookupISOTool()
		if err != nil {
			return nil, err
		}
		program = found
	}
	return &Builder{
		log:       log.With("component", "iso-builder"),
		program:   program,
		bootImage: bootImage,
	}, nil
}

func lookupISOTool() (string, error) {
	for _, name := range isoTools {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no ISO mastering tool found on PATH (tried %s)", strings.Join(isoTools, ", "))
}

// Build stages req.MountDir with the answer file and bootstrap overlays
// and writes a bootable image to req.OutputPath. On failure no file is
// left at the output path.
func (b *Builder) Build(ctx context.Context, req interfaces.IsoRequest) error {
	if err := b.build(ctx, req); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrIsoBuildFailure, err)
	}
	return nil
}

func (b *Builder) build(ctx context.Context, req interfaces.IsoRequest) error {
	staging, err := b.stageTree(req)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	// The tool writes next to the final path so the publishing rename
	// stays on one filesystem.
	partial := req.OutputPath + ".partial"
	args := b.masterArgs(partial, staging)

	b.log.Info("assembling installer image", "program", b.program, "output", req.OutputPath)
	cmd := exec.CommandContext(ctx, b.program, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(partial)
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %s: %s", b.program, err, msg)
		}
		return fmt.Errorf("%s: %s", b.program, err)
	}
	if err := os.Rename(partial, req.OutputPath); err != nil {
		os.Remove(partial)
		return err
	}
	return nil
}

// stageTree copies the mounted installer tree into a fresh scratch
// directory and applies the overlays: the answer file at the setup
// directory, the bootstrap tree under $oem$\$1\vmcloak (which setup
// copies to C:\vmcloak), and the boot record at the tree root. The
// caller removes the returned directory.
func (b *Builder) stageTree(req interfaces.IsoRequest) (string, error) {
	staging, err := os.MkdirTemp(filepath.Dir(req.OutputPath), "vmcloak-iso-")
	if err != nil {
		return "", err
	}
	cleanup := func(err error) (string, error) {
		os.RemoveAll(staging)
		return "", err
	}

	if err := copyTree(req.MountDir, staging); err != nil {
		return cleanup(fmt.Errorf("copying installer tree: %w", err))
	}
	setupDir, err := setupDirName(staging)
	if err != nil {
		return cleanup(err)
	}
	if err := copyFile(req.AnswerFile, filepath.Join(staging, setupDir, "winnt.sif")); err != nil {
		return cleanup(fmt.Errorf("placing answer file: %w", err))
	}
	oemDir := filepath.Join(staging, "$oem$", "$1", "vmcloak")
	if err := copyTree(req.BootstrapDir, oemDir); err != nil {
		return cleanup(fmt.Errorf("placing bootstrap tree: %w", err))
	}
	if err := copyFile(b.bootImage, filepath.Join(staging, bootImageName)); err != nil {
		return cleanup(fmt.Errorf("placing boot record: %w", err))
	}
	return staging, nil
}

// setupDirName locates the installer setup directory in the staged tree.
// Depending on how the base image was mounted the directory shows up as
// i386 or I386; a missing directory means the mount does not hold a
// Windows installer.
func setupDirName(staging string) (string, error) {
	for _, name := range []string{"i386", "I386"} {
		if fi, err := os.Stat(filepath.Join(staging, name)); err == nil && fi.IsDir() {
			return name, nil
		}
	}
	return "", fmt.Errorf("no i386 directory in %s: not a Windows installer tree", staging)
}

func (b *Builder) masterArgs(output, tree string) []string {
	var args []string
	if filepath.Base(b.program) == "xorriso" {
		args = append(args, "-as", "mkisofs")
	}
	args = append(args,
		"-quiet",
		"-iso-level", "2",
		"-J", "-l", "-D", "-N",
		"-joliet-long",
		"-relaxed-filenames",
		"-V", "VMCLOAK",
		"-b", bootImageName,
		"-no-emul-boot",
		"-boot-load-seg", "1984",
		"-boot-load-size", "4",
		"-o", output,
		tree,
	)
	return args
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
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
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
