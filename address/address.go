//go:build linux

// File: address/address.go
// Author: corvene team
// License: Apache-2.0
//
// Socket address variants over raw sockaddr data: IPv4, IPv6, Unix
// domain (including the abstract namespace) and an opaque fallback.
// Resolution goes through the host resolver; interface enumeration
// through the kernel interface list.

package address

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/corvene/fiberio/internal/xlog"
)

var logger = xlog.Named("system")

// Address is a value-like socket address.
type Address interface {
	Family() int
	Sockaddr() unix.Sockaddr
	String() string
}

// IPAddress adds port and subnet arithmetic to IP variants.
type IPAddress interface {
	Address
	Port() uint16
	SetPort(p uint16)
	BroadcastAddress(prefixLen uint32) IPAddress
	NetworkAddress(prefixLen uint32) IPAddress
	SubnetMask(prefixLen uint32) IPAddress
}

// IPv4 is an IPv4 endpoint.
type IPv4 struct {
	addr [4]byte
	port uint16
}

// NewIPv4 parses dotted-quad text into an IPv4 address.
func NewIPv4(text string, port uint16) (*IPv4, error) {
	ip := net.ParseIP(text)
	if ip == nil || ip.To4() == nil {
		logger.Debugf("IPv4 parse %q failed", text)
		return nil, fmt.Errorf("address: bad IPv4 literal %q", text)
	}
	var a IPv4
	copy(a.addr[:], ip.To4())
	a.port = port
	return &a, nil
}

// NewIPv4FromUint32 builds an address from a host-order 32-bit value.
func NewIPv4FromUint32(v uint32, port uint16) *IPv4 {
	return &IPv4{
		addr: [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)},
		port: port,
	}
}

func (a *IPv4) Family() int { return unix.AF_INET }

func (a *IPv4) Sockaddr() unix.Sockaddr {
	return &unix.SockaddrInet4{Port: int(a.port), Addr: a.addr}
}

func (a *IPv4) Port() uint16     { return a.port }
func (a *IPv4) SetPort(p uint16) { a.port = p }

func (a *IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.addr[0], a.addr[1], a.addr[2], a.addr[3], a.port)
}

func (a *IPv4) uint32() uint32 {
	return uint32(a.addr[0])<<24 | uint32(a.addr[1])<<16 | uint32(a.addr[2])<<8 | uint32(a.addr[3])
}

// hostMask32 returns the inverted subnet mask for the prefix.
func hostMask32(prefixLen uint32) uint32 {
	if prefixLen >= 32 {
		return 0
	}
	return (1 << (32 - prefixLen)) - 1
}

func (a *IPv4) BroadcastAddress(prefixLen uint32) IPAddress {
	return NewIPv4FromUint32(a.uint32()|hostMask32(prefixLen), a.port)
}

func (a *IPv4) NetworkAddress(prefixLen uint32) IPAddress {
	return NewIPv4FromUint32(a.uint32()&^hostMask32(prefixLen), a.port)
}

func (a *IPv4) SubnetMask(prefixLen uint32) IPAddress {
	return NewIPv4FromUint32(^hostMask32(prefixLen), 0)
}

// IPv6 is an IPv6 endpoint.
type IPv6 struct {
	addr   [16]byte
	port   uint16
	zoneID uint32
}

// NewIPv6 parses IPv6 text (without brackets) into an address.
func NewIPv6(text string, port uint16) (*IPv6, error) {
	ip := net.ParseIP(text)
	if ip == nil || ip.To4() != nil {
		logger.Debugf("IPv6 parse %q failed", text)
		return nil, fmt.Errorf("address: bad IPv6 literal %q", text)
	}
	var a IPv6
	copy(a.addr[:], ip.To16())
	a.port = port
	return &a, nil
}

// NewIPv6FromBytes builds an address from raw 16 bytes.
func NewIPv6FromBytes(b [16]byte, port uint16) *IPv6 {
	return &IPv6{addr: b, port: port}
}

func (a *IPv6) Family() int { return unix.AF_INET6 }

func (a *IPv6) Sockaddr() unix.Sockaddr {
	return &unix.SockaddrInet6{Port: int(a.port), Addr: a.addr, ZoneId: a.zoneID}
}

func (a *IPv6) Port() uint16     { return a.port }
func (a *IPv6) SetPort(p uint16) { a.port = p }

// String renders the canonical bracketed form with zero-run
// compression, e.g. [fe80::1]:8080.
func (a *IPv6) String() string {
	return fmt.Sprintf("[%s]:%d", net.IP(a.addr[:]).String(), a.port)
}

func (a *IPv6) BroadcastAddress(prefixLen uint32) IPAddress {
	b := a.addr
	applyMask(b[:], prefixLen, true)
	return NewIPv6FromBytes(b, a.port)
}

func (a *IPv6) NetworkAddress(prefixLen uint32) IPAddress {
	b := a.addr
	applyMask(b[:], prefixLen, false)
	return NewIPv6FromBytes(b, a.port)
}

func (a *IPv6) SubnetMask(prefixLen uint32) IPAddress {
	var b [16]byte
	for i := range b {
		b[i] = 0xff
	}
	applyMask(b[:], prefixLen, false)
	return NewIPv6FromBytes(b, 0)
}

// applyMask sets (broadcast) or clears (network) the host bits.
func applyMask(b []byte, prefixLen uint32, set bool) {
	for i := range b {
		bitsLeft := int(prefixLen) - i*8
		var keep byte
		switch {
		case bitsLeft >= 8:
			keep = 0xff
		case bitsLeft <= 0:
			keep = 0
		default:
			keep = ^byte(0) << (8 - bitsLeft)
		}
		if set {
			b[i] |= ^keep
		} else {
			b[i] &= keep
		}
	}
}

// Unix is a local-domain endpoint. A leading NUL selects the abstract
// namespace.
type Unix struct {
	path string
}

// NewUnix builds a Unix-domain address from a filesystem or abstract
// path.
func NewUnix(path string) *Unix {
	return &Unix{path: path}
}

func (a *Unix) Family() int { return unix.AF_UNIX }

func (a *Unix) Sockaddr() unix.Sockaddr {
	return &unix.SockaddrUnix{Name: a.path}
}

func (a *Unix) Path() string { return a.path }

func (a *Unix) String() string {
	if len(a.path) > 0 && a.path[0] == 0 {
		return "\\0" + a.path[1:]
	}
	return a.path
}

// Unknown wraps a sockaddr the library has no variant for.
type Unknown struct {
	family int
	sa     unix.Sockaddr
}

func (a *Unknown) Family() int             { return a.family }
func (a *Unknown) Sockaddr() unix.Sockaddr { return a.sa }
func (a *Unknown) String() string {
	return fmt.Sprintf("[Unknown family=%d]", a.family)
}

// FromSockaddr maps a kernel sockaddr to its typed variant.
func FromSockaddr(sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &IPv4{addr: v.Addr, port: uint16(v.Port)}
	case *unix.SockaddrInet6:
		return &IPv6{addr: v.Addr, port: uint16(v.Port), zoneID: v.ZoneId}
	case *unix.SockaddrUnix:
		return &Unix{path: v.Name}
	case nil:
		return nil
	default:
		return &Unknown{family: unix.AF_UNSPEC, sa: sa}
	}
}

// splitHostService handles "[v6]:svc", "host:svc" and bare hosts.
func splitHostService(host string) (node, service string) {
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end > 0 {
			node = host[1:end]
			if end+1 < len(host) && host[end+1] == ':' {
				service = host[end+2:]
			}
			return node, service
		}
	}
	if i := strings.IndexByte(host, ':'); i >= 0 && strings.IndexByte(host[i+1:], ':') < 0 {
		return host[:i], host[i+1:]
	}
	return host, ""
}

// Lookup resolves host ("name:service", "[v6]:port", bare name) into
// addresses of the given family (unix.AF_UNSPEC for any).
func Lookup(host string, family int) ([]Address, error) {
	node, service := splitHostService(host)
	port := 0
	if service != "" {
		p, err := strconv.Atoi(service)
		if err != nil {
			p, err = net.LookupPort("tcp", service)
			if err != nil {
				return nil, fmt.Errorf("address: service %q: %w", service, err)
			}
		}
		port = p
	}

	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), node)
	if err != nil {
		logger.Debugf("lookup %q failed: %v", host, err)
		return nil, fmt.Errorf("address: lookup %q: %w", node, err)
	}

	var out []Address
	for _, ip := range ips {
		if v4 := ip.IP.To4(); v4 != nil {
			if family == unix.AF_UNSPEC || family == unix.AF_INET {
				var b [4]byte
				copy(b[:], v4)
				out = append(out, &IPv4{addr: b, port: uint16(port)})
			}
		} else if family == unix.AF_UNSPEC || family == unix.AF_INET6 {
			var b [16]byte
			copy(b[:], ip.IP.To16())
			out = append(out, &IPv6{addr: b, port: uint16(port)})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("address: no result for %q", host)
	}
	return out, nil
}

// LookupAny returns the first resolution result.
func LookupAny(host string, family int) (Address, error) {
	addrs, err := Lookup(host, family)
	if err != nil {
		return nil, err
	}
	return addrs[0], nil
}

// LookupAnyIP returns the first IP result.
func LookupAnyIP(host string, family int) (IPAddress, error) {
	addrs, err := Lookup(host, family)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ip, ok := a.(IPAddress); ok {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("address: no IP result for %q", host)
}

// InterfaceAddresses enumerates addresses per interface name.
func InterfaceAddresses() (map[string][]Address, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Errorf("interface enumeration: %v", err)
		return nil, fmt.Errorf("address: interfaces: %w", err)
	}
	out := make(map[string][]Address, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, na := range addrs {
			ipn, ok := na.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipn.IP.To4(); v4 != nil {
				var b [4]byte
				copy(b[:], v4)
				out[ifc.Name] = append(out[ifc.Name], &IPv4{addr: b})
			} else {
				var b [16]byte
				copy(b[:], ipn.IP.To16())
				out[ifc.Name] = append(out[ifc.Name], &IPv6{addr: b})
			}
		}
	}
	return out, nil
}
