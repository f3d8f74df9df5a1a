// Package handshake implements the host side of the install-completion
// callback: a one-shot TCP rendezvous the booting guest connects back to
// after its first-boot script finishes.
//
// The wire protocol is a single byte. Zero means the guest failed to apply
// the requested display resolution, any nonzero value means it succeeded.
// No header, no length prefix, no further bytes. At most one connection is
// ever accepted per run; the listener is torn down after the handshake.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"go.uber.org/atomic"
)

// Listener is the host-bound endpoint for one guest callback.
type Listener struct {
	log    *slog.Logger
	ln     net.Listener
	served atomic.Bool
}

// Listen binds a listening endpoint on hostIP with an OS-assigned port. The
// resulting port is handed to the guest via the per-run settings files.
func Listen(log *slog.Logger, hostIP string) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(hostIP, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind guest callback endpoint on %s: %w", hostIP, err)
	}
	log.Debug("guest callback endpoint bound", "addr", ln.Addr().String())
	return &Listener{log: log, ln: ln}, nil
}

// Port returns the OS-assigned callback port.
func (l *Listener) Port() int {
	_, portStr, err := net.SplitHostPort(l.ln.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// AwaitGuest blocks until the guest connects and sends its one-byte result,
// returning whether the guest reported the display resolution as applied.
// There is no internal timeout; the wait is bounded by install duration.
// Cancelling ctx unblocks the wait with ctx's error. The listener is closed
// before returning, so no second connection is ever serviced.
func (l *Listener) AwaitGuest(ctx context.Context) (bool, error) {
	if !l.served.CompareAndSwap(false, true) {
		return false, errors.New("guest callback already serviced")
	}
	defer l.ln.Close()

	stop := context.AfterFunc(ctx, func() {
		l.ln.Close()
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to accept guest callback: %w", err)
	}
	defer conn.Close()

	var result [1]byte
	if _, err := io.ReadFull(conn, result[:]); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to read guest callback byte: %w", err)
	}

	applied := result[0] != 0
	l.log.Info("guest install callback received", "remote", conn.RemoteAddr().String(), "resolutionApplied", applied)
	return applied, nil
}

// Close releases the listening endpoint. Safe to call at any time and after
// AwaitGuest has returned.
func (l *Listener) Close() error {
	return l.ln.Close()
}
