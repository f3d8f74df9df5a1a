package hypervisor

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// defaultDNSServer answers SRV lookups for srv+http driver URIs.
const defaultDNSServer = "127.0.0.53:53"

// DriverConfig selects and configures a hypervisor driver.
type DriverConfig struct {
	// URI names the driver. Supported forms:
	//
	//   vboxmanage                      local VBoxManage (the default)
	//   vboxmanage+ssh://user@host:22   VBoxManage on a remote host
	//   http://host:port                vboxagentd
	//   srv+http://service.domain       vboxagentd behind a DNS SRV record
	URI string

	// VBox configures VBoxManage execution for the local and SSH forms.
	VBox VBoxConfig

	// SSHKeyFile is the private key for the vboxmanage+ssh form.
	SSHKeyFile string

	// DNSServer answers SRV lookups for the srv+http form. Empty selects
	// the local systemd-resolved stub.
	DNSServer string
}

// NewDriver creates the hypervisor driver for cfg.URI.
func NewDriver(log *slog.Logger, cfg DriverConfig) (interfaces.HypervisorDriver, error) {
	if cfg.URI == "" || cfg.URI == "vboxmanage" {
		return NewVBoxManage(log, cfg.VBox), nil
	}

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", interfaces.ErrUnsupportedDriver, cfg.URI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "vboxmanage+ssh":
		runner, err := NewSSHRunner(SSHConfig{
			Addr:    u.Host,
			User:    u.User.Username(),
			KeyFile: cfg.SSHKeyFile,
		})
		if err != nil {
			return nil, err
		}
		vb := cfg.VBox
		vb.Runner = runner
		return NewVBoxManage(log, vb), nil

	case "http", "https":
		return NewAgentClient(log, cfg.URI), nil

	case "srv+http", "srv+https":
		dnsServer := cfg.DNSServer
		if dnsServer == "" {
			dnsServer = defaultDNSServer
		}
		host, port, err := resolveAgentSRV(u.Hostname(), dnsServer)
		if err != nil {
			return nil, fmt.Errorf("resolving agent for %s: %w", cfg.URI, err)
		}
		base := fmt.Sprintf("%s://%s", strings.TrimPrefix(u.Scheme, "srv+"), net.JoinHostPort(host, strconv.Itoa(int(port))))
		log.Info("resolved agent through SRV record", "domain", u.Hostname(), "agent", base)
		return NewAgentClient(log, base), nil

	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnsupportedDriver, cfg.URI)
	}
}

// resolveAgentSRV queries dnsServer for the SRV record of domain and
// returns the first target and port.
func resolveAgentSRV(domain, dnsServer string) (string, uint16, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{
		Name:   dns.Fqdn(domain),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, dnsServer)
	if err != nil {
		return "", 0, err
	}
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			return strings.TrimSuffix(srv.Target, "."), srv.Port, nil
		}
	}
	return "", 0, fmt.Errorf("no SRV records for %s", domain)
}
