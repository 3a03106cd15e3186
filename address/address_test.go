//go:build linux

// address_test.go — textual forms, lookup of literals, subnet math.
package address

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestIPv4Format(t *testing.T) {
	a, err := NewIPv4("192.168.1.10", 80)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.String(); got != "192.168.1.10:80" {
		t.Errorf("IPv4 format: %q", got)
	}
}

func TestIPv6Format(t *testing.T) {
	a, err := NewIPv6("fe80::1", 8080)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.String(); got != "[fe80::1]:8080" {
		t.Errorf("IPv6 format: %q", got)
	}

	b, err := NewIPv6("2001:db8:0:0:1:0:0:1", 443)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.String(); got != "[2001:db8::1:0:0:1]:443" {
		t.Errorf("IPv6 zero-run compression: %q", got)
	}
}

func TestUnixAbstractFormat(t *testing.T) {
	plain := NewUnix("/tmp/core.sock")
	if plain.String() != "/tmp/core.sock" {
		t.Errorf("unix path: %q", plain.String())
	}
	abstract := NewUnix("\x00core.abstract")
	if abstract.String() != "\\0core.abstract" {
		t.Errorf("abstract namespace: %q", abstract.String())
	}
}

func TestSockaddrRoundTrip(t *testing.T) {
	a, _ := NewIPv4("10.1.2.3", 1234)
	back := FromSockaddr(a.Sockaddr())
	v4, ok := back.(*IPv4)
	if !ok || v4.String() != "10.1.2.3:1234" {
		t.Errorf("sockaddr round trip: %v", back)
	}

	b, _ := NewIPv6("fe80::1", 9)
	back = FromSockaddr(b.Sockaddr())
	v6, ok := back.(*IPv6)
	if !ok || v6.String() != "[fe80::1]:9" {
		t.Errorf("sockaddr round trip: %v", back)
	}
}

func TestLookupLiteral(t *testing.T) {
	addrs, err := Lookup("127.0.0.1:80", unix.AF_INET)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) == 0 || addrs[0].String() != "127.0.0.1:80" {
		t.Errorf("literal lookup: %v", addrs)
	}

	a, err := LookupAnyIP("[::1]:8080", unix.AF_INET6)
	if err != nil {
		t.Fatal(err)
	}
	if a.String() != "[::1]:8080" {
		t.Errorf("v6 literal lookup: %q", a.String())
	}
	if a.Port() != 8080 {
		t.Errorf("port: %d", a.Port())
	}
}

func TestSubnetMath(t *testing.T) {
	a, _ := NewIPv4("192.168.1.10", 0)
	if got := a.NetworkAddress(24).String(); got != "192.168.1.0:0" {
		t.Errorf("network: %q", got)
	}
	if got := a.BroadcastAddress(24).String(); got != "192.168.1.255:0" {
		t.Errorf("broadcast: %q", got)
	}
	if got := a.SubnetMask(24).String(); got != "255.255.255.0:0" {
		t.Errorf("mask: %q", got)
	}
}

func TestInterfaceAddresses(t *testing.T) {
	m, err := InterfaceAddresses()
	if err != nil {
		t.Skipf("interface enumeration unavailable: %v", err)
	}
	for name, addrs := range m {
		for _, a := range addrs {
			if a.Family() != unix.AF_INET && a.Family() != unix.AF_INET6 {
				t.Errorf("interface %s: unexpected family %d", name, a.Family())
			}
		}
	}
}
