// Package registration hands finished VMs to an external sandbox
// inventory tool by invoking it as a subprocess.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// Client invokes the registration tool configured for a run.
type Client struct {
	log      *slog.Logger
	program  string
	platform string
}

var _ interfaces.Registrar = (*Client)(nil)

// NewClient returns a registrar invoking program. platform names the
// guest platform reported to the tool; empty selects windows.
func NewClient(log *slog.Logger, program, platform string) *Client {
	if platform == "" {
		platform = "windows"
	}
	return &Client{
		log:      log.With("component", "registration"),
		program:  program,
		platform: platform,
	}
}

// Register submits the VM to the inventory tool. A tool that cannot be
// launched or exits nonzero yields ErrRegistrationFailure carrying the
// tool's output.
func (c *Client) Register(ctx context.Context, vmName, guestIP, tags, snapshotName string) error {
	args := []string{
		"--add",
		"--ip", guestIP,
		"--platform", c.platform,
		"--tags", tags,
		"--snapshot", snapshotName,
		vmName,
	}
	c.log.Info("registering vm", "vm", vmName, "ip", guestIP, "tool", c.program)

	out, err := exec.CommandContext(ctx, c.program, args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s: %v: %s", interfaces.ErrRegistrationFailure, c.program, err, msg)
		}
		return fmt.Errorf("%w: %s: %v", interfaces.ErrRegistrationFailure, c.program, err)
	}
	return nil
}
