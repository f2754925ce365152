// Package ssrf validates outbound destinations so user-authored URLs cannot reach
// loopback, private, link-local or cloud metadata endpoints.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlocked is returned for destinations the guard refuses to contact.
var ErrBlocked = errors.New("destination blocked")

// Validator checks a destination URL before any outbound call is made.
type Validator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Resolver looks up the addresses of a host name.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var defaultBlockedPrefixes = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

var defaultBlockedHosts = []string{
	"localhost",
	"metadata",
	"metadata.google.internal",
	"metadata.azure.com",
	"instance-data",
}

var defaultBlockedSuffixes = []string{
	".internal",
	".localhost",
	".local",
}

// Options extends the built-in blocklists.
type Options struct {
	ExtraBlockedCIDRs    []string
	ExtraBlockedHosts    []string
	ExtraBlockedSuffixes []string
	Resolver             Resolver
}

// Guard is an immutable SSRF validator.
type Guard struct {
	prefixes []netip.Prefix
	hosts    map[string]struct{}
	suffixes []string
	resolver Resolver
}

// NewGuard builds a guard from the default blocklists plus opts.
func NewGuard(opts Options) (*Guard, error) {
	guard := &Guard{
		hosts:    make(map[string]struct{}),
		resolver: opts.Resolver,
	}

	if guard.resolver == nil {
		guard.resolver = net.DefaultResolver
	}

	for _, cidr := range append(append([]string{}, defaultBlockedPrefixes...), opts.ExtraBlockedCIDRs...) {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked CIDR %q: %w", cidr, err)
		}

		guard.prefixes = append(guard.prefixes, prefix)
	}

	for _, host := range append(append([]string{}, defaultBlockedHosts...), opts.ExtraBlockedHosts...) {
		guard.hosts[strings.ToLower(host)] = struct{}{}
	}

	for _, suffix := range append(append([]string{}, defaultBlockedSuffixes...), opts.ExtraBlockedSuffixes...) {
		suffix = strings.ToLower(suffix)
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}

		guard.suffixes = append(guard.suffixes, suffix)
	}

	return guard, nil
}

// Validate rejects non-http(s) schemes, blocked host names, and hosts that are
// or resolve to a blocked address.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrBlocked, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrBlocked, parsed.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlocked)
	}

	if err := g.checkHostName(host); err != nil {
		return err
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return g.checkAddr(addr)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", ErrBlocked, host, err)
	}

	if len(addrs) == 0 {
		return fmt.Errorf("%w: %q has no addresses", ErrBlocked, host)
	}

	for _, addr := range addrs {
		if err := g.checkAddr(addr); err != nil {
			return err
		}
	}

	return nil
}

// Control is a net.Dialer Control hook that re-checks the address actually
// dialed, closing the gap between validation and connection (DNS rebinding).
func (g *Guard) Control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	return g.checkAddr(addr)
}

func (g *Guard) checkHostName(host string) error {
	if _, blocked := g.hosts[host]; blocked {
		return fmt.Errorf("%w: host %q", ErrBlocked, host)
	}

	for _, suffix := range g.suffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: host %q", ErrBlocked, host)
		}
	}

	return nil
}

func (g *Guard) checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
		return fmt.Errorf("%w: address %s", ErrBlocked, addr)
	}

	for _, prefix := range g.prefixes {
		if prefix.Contains(addr) {
			return fmt.Errorf("%w: address %s in %s", ErrBlocked, addr, prefix)
		}
	}

	return nil
}

// HTTPClient returns a client whose dialer re-checks every connected address and
// whose redirects are validated like the original destination.
func (g *Guard) HTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: g.Control,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}

			return g.Validate(req.Context(), req.URL.String())
		},
	}
}

// AllowAll is a Validator that accepts every destination. It exists for local
// development and tests against loopback servers.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, string) error { return nil }
