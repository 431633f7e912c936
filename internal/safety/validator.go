package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors surface verbatim in per-page crawl results, so the
// messages are user-facing strings rather than lowercase fragments.
var (
	ErrInvalidURL       = errors.New("Invalid URL format")
	ErrBlockedProtocol  = errors.New("Only HTTP and HTTPS protocols are allowed")
	ErrBlockedPort      = errors.New("Non-standard ports are not allowed")
	ErrLocalhost        = errors.New("Localhost URLs are not allowed")
	ErrPrivateAddress   = errors.New("Private or reserved addresses are not allowed")
	ErrMetadataAddress  = errors.New("Cloud metadata addresses are not allowed")
	ErrUnresolvable     = errors.New("Hostname did not resolve to any address")
	ErrRedirectBlocked  = errors.New("Redirect target is not allowed")
	ErrTooManyRedirects = errors.New("Too many redirects")
)

// Blocked IPv4 ranges beyond what netip classifies directly.
var blockedV4Prefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),       // "this network"
	netip.MustParsePrefix("100.64.0.0/10"),   // RFC6598 carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved, incl. broadcast
}

var metadataAddr = netip.MustParseAddr("169.254.169.254")

// Resolver abstracts DNS resolution so rebinding defenses are testable.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Validator classifies URLs as crawlable or blocked. The zero value is not
// usable; construct with NewValidator.
type Validator struct {
	resolver     Resolver
	allowedPorts map[int]struct{}
	dnsTimeout   time.Duration
}

// Option customises a Validator.
type Option func(*Validator)

// WithResolver swaps the DNS resolver used for rebinding checks.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// WithAllowedPorts replaces the default 80/443 port allowlist.
func WithAllowedPorts(ports []int) Option {
	return func(v *Validator) {
		v.allowedPorts = make(map[int]struct{}, len(ports))
		for _, p := range ports {
			v.allowedPorts[p] = struct{}{}
		}
	}
}

// NewValidator constructs a validator with the hardened defaults.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		resolver:     net.DefaultResolver,
		allowedPorts: map[int]struct{}{80: {}, 443: {}},
		dnsTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate reports whether the URL is safe to fetch. It rejects non-HTTP
// protocols, non-standard ports, literal private/loopback/link-local
// addresses, and hostnames whose DNS records resolve to any blocked
// address (the rebinding defense). A nil return means crawlable.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	parsed, err := parseTarget(rawURL)
	if err != nil {
		return err
	}

	if err := v.checkPort(parsed); err != nil {
		return err
	}

	host := strings.ToLower(parsed.Hostname())
	if err := checkHostname(host); err != nil {
		return err
	}

	if addr, ok := parseLiteral(host); ok {
		return checkAddr(addr)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, v.dnsTimeout)
	defer cancel()

	ips, err := v.resolver.LookupIP(resolveCtx, "ip", host)
	if err != nil || len(ips) == 0 {
		return ErrUnresolvable
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return ErrUnresolvable
		}
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

// ShouldBlockRequest is the cheap per-subresource filter used inside the
// headless renderer's interception hook. It applies every rule that does
// not require a DNS lookup; the full Validate remains the authority for
// top-level navigations.
func (v *Validator) ShouldBlockRequest(rawURL string) bool {
	parsed, err := parseTarget(rawURL)
	if err != nil {
		return true
	}
	if err := v.checkPort(parsed); err != nil {
		return true
	}
	host := strings.ToLower(parsed.Hostname())
	if err := checkHostname(host); err != nil {
		return true
	}
	if addr, ok := parseLiteral(host); ok {
		return checkAddr(addr) != nil
	}
	return false
}

func (v *Validator) checkPort(u *url.URL) error {
	port := u.Port()
	if port == "" {
		return nil
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidURL, port)
	}
	if _, ok := v.allowedPorts[n]; !ok {
		return ErrBlockedPort
	}
	return nil
}

func parseTarget(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, ErrInvalidURL
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return nil, ErrBlockedProtocol
	}
	if parsed.Hostname() == "" {
		return nil, ErrInvalidURL
	}
	return parsed, nil
}

func checkHostname(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return ErrLocalhost
	}
	return nil
}

// parseLiteral recognises literal IP hostnames, including bracketless IPv6
// with zone identifiers stripped.
func parseLiteral(host string) (netip.Addr, bool) {
	if zone := strings.IndexByte(host, '%'); zone >= 0 {
		host = host[:zone]
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// checkAddr classifies a single resolved or literal address. IPv4-mapped
// IPv6 addresses are unwrapped and re-checked as IPv4.
func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()

	if addr == metadataAddr {
		return ErrMetadataAddress
	}
	if addr.IsLoopback() || addr.IsUnspecified() {
		return ErrLocalhost
	}
	// IsPrivate covers RFC1918 and IPv6 unique-local fc00::/7.
	if addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return ErrPrivateAddress
	}
	if addr.Is4() {
		for _, prefix := range blockedV4Prefixes {
			if prefix.Contains(addr) {
				return ErrPrivateAddress
			}
		}
	}
	return nil
}
