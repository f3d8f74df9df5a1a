package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// SSHConfig configures the SSH command transport.
type SSHConfig struct {
	// Addr is the host:port of the remote sshd. A bare host gets port 22.
	Addr string

	// User is the login name.
	User string

	// KeyFile is the path of the PEM-encoded private key used for
	// authentication.
	KeyFile string
}

// SSHRunner executes hypervisor tool invocations on a remote host through
// an SSH session per call. The underlying connection is established
// lazily and reused.
type SSHRunner struct {
	addr string
	cfg  *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner builds a runner for cfg, loading and parsing the private
// key eagerly so misconfiguration surfaces before any run starts.
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH key %s: %w", cfg.KeyFile, err)
	}
	addr := cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	return &SSHRunner{
		addr: addr,
		cfg: &ssh.ClientConfig{
			User: cfg.User,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Host keys are not verified.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}, nil
}

func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", r.addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s: %w", r.addr, err)
	}
	r.client = ssh.NewClient(sshConn, chans, reqs)
	return r.client, nil
}

// Run executes name with args on the remote host and returns the combined
// output. Cancelling ctx tears the session down.
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		// A dead connection gets one reconnect.
		r.mu.Lock()
		r.client.Close()
		r.client = nil
		r.mu.Unlock()
		if client, err = r.connect(ctx); err != nil {
			return nil, err
		}
		if session, err = client.NewSession(); err != nil {
			return nil, fmt.Errorf("opening SSH session: %w", err)
		}
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	out, err := session.CombinedOutput(commandLine(name, args))
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, err
}

// Close tears down the cached connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// commandLine renders a command for the remote shell with each argument
// single-quoted.
func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
