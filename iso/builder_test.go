package iso

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildFixture lays out a minimal installer tree, a bootstrap tree, an
// answer file and a boot record under dir.
func buildFixture(t *testing.T, dir, setupDir string) interfaces.IsoRequest {
	t.Helper()

	mount := filepath.Join(dir, "mount")
	require.NoError(t, os.MkdirAll(filepath.Join(mount, setupDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mount, setupDir, "setup.ex_"), []byte("setup"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "readme.txt"), []byte("readme"), 0o644))

	bootstrap := filepath.Join(dir, "bootstrap")
	require.NoError(t, os.MkdirAll(filepath.Join(bootstrap, "deps"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bootstrap, "bootstrap.bat"), []byte("@echo off\r\n"), 0o644))

	answer := filepath.Join(dir, "winnt.sif")
	require.NoError(t, os.WriteFile(answer, []byte("[Data]\r\n"), 0o644))

	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))

	return interfaces.IsoRequest{
		MountDir:     mount,
		AnswerFile:   answer,
		BootstrapDir: bootstrap,
		OutputPath:   filepath.Join(out, "image.iso"),
	}
}

func writeBootImage(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "boot.img")
	require.NoError(t, os.WriteFile(path, []byte("eltorito"), 0o644))
	return path
}

// fakeMasterTool writes a script that emits a marker file at the path
// following its -o argument, standing in for a real mastering tool.
func fakeMasterTool(t *testing.T, dir string) string {
	t.Helper()
	script := `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
printf 'fake-iso' > "$out"
`
	path := filepath.Join(dir, "fake-mkisofs")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestStageTreeOverlays(t *testing.T) {
	for _, setupDir := range []string{"i386", "I386"} {
		t.Run(setupDir, func(t *testing.T) {
			dir := t.TempDir()
			req := buildFixture(t, dir, setupDir)
			boot := writeBootImage(t, dir)

			b, err := NewBuilder(testLogger(), "/bin/true", boot)
			require.NoError(t, err)

			staging, err := b.stageTree(req)
			require.NoError(t, err)
			defer os.RemoveAll(staging)

			answer, err := os.ReadFile(filepath.Join(staging, setupDir, "winnt.sif"))
			require.NoError(t, err)
			assert.Equal(t, "[Data]\r\n", string(answer))

			assert.FileExists(t, filepath.Join(staging, "$oem$", "$1", "vmcloak", "bootstrap.bat"))
			assert.DirExists(t, filepath.Join(staging, "$oem$", "$1", "vmcloak", "deps"))
			assert.FileExists(t, filepath.Join(staging, bootImageName))
			assert.FileExists(t, filepath.Join(staging, "readme.txt"))
			assert.FileExists(t, filepath.Join(staging, setupDir, "setup.ex_"))
		})
	}
}

func TestStageTreeRejectsNonInstallerMount(t *testing.T) {
	dir := t.TempDir()
	req := buildFixture(t, dir, "i386")
	boot := writeBootImage(t, dir)
	require.NoError(t, os.RemoveAll(filepath.Join(req.MountDir, "i386")))

	b, err := NewBuilder(testLogger(), "/bin/true", boot)
	require.NoError(t, err)

	_, err = b.stageTree(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a Windows installer tree")
}

func TestBuildWritesImage(t *testing.T) {
	dir := t.TempDir()
	req := buildFixture(t, dir, "i386")
	boot := writeBootImage(t, dir)
	tool := fakeMasterTool(t, dir)

	b, err := NewBuilder(testLogger(), tool, boot)
	require.NoError(t, err)

	require.NoError(t, b.Build(context.Background(), req))

	content, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "fake-iso", string(content))

	_, err = os.Stat(req.OutputPath + ".partial")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	req := buildFixture(t, dir, "i386")
	boot := writeBootImage(t, dir)

	b, err := NewBuilder(testLogger(), "/bin/false", boot)
	require.NoError(t, err)

	err = b.Build(context.Background(), req)
	require.ErrorIs(t, err, interfaces.ErrIsoBuildFailure)

	_, statErr := os.Stat(req.OutputPath)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	_, statErr = os.Stat(req.OutputPath + ".partial")
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestBuildMissingBootRecord(t *testing.T) {
	dir := t.TempDir()
	req := buildFixture(t, dir, "i386")
	tool := fakeMasterTool(t, dir)

	b, err := NewBuilder(testLogger(), tool, filepath.Join(dir, "absent.img"))
	require.NoError(t, err)

	err = b.Build(context.Background(), req)
	require.ErrorIs(t, err, interfaces.ErrIsoBuildFailure)
	assert.Contains(t, err.Error(), "boot record")

	_, statErr := os.Stat(req.OutputPath)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestMasterArgsXorrisoEmulation(t *testing.T) {
	b := &Builder{log: testLogger(), program: "/usr/bin/xorriso"}
	args := b.masterArgs("/tmp/out.iso", "/tmp/tree")
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, []string{"-as", "mkisofs"}, args[:2])

	b.program = "/usr/bin/genisoimage"
	args = b.masterArgs("/tmp/out.iso", "/tmp/tree")
	assert.Equal(t, "-quiet", args[0])
	assert.Contains(t, args, "-joliet-long")
	assert.Equal(t, "/tmp/tree", args[len(args)-1])
}
