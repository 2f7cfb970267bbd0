// Package core defines address value types with zero external dependencies.
package core

import (
	"fmt"
	"net"
	"net/netip"
)

// LinkAddr is a 6-byte hardware address on the local broadcast medium.
type LinkAddr [6]byte

// NetAddr is a 4-byte network address used for resolution and fragment routing.
type NetAddr [4]byte

var (
	// BroadcastLinkAddr is ff:ff:ff:ff:ff:ff.
	BroadcastLinkAddr = LinkAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// BroadcastNetAddr is 255.255.255.255.
	BroadcastNetAddr = NetAddr{0xff, 0xff, 0xff, 0xff}
)

// ParseLinkAddr parses "aa:bb:cc:dd:ee:ff" or "aa-bb-cc-dd-ee-ff".
func ParseLinkAddr(s string) (LinkAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return LinkAddr{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	a, ok := LinkAddrFrom(hw)
	if !ok {
		return LinkAddr{}, fmt.Errorf("%w: %q is not a 6-byte hardware address", ErrInvalidAddress, s)
	}
	return a, nil
}

// MustParseLinkAddr is ParseLinkAddr that panics on error.
func MustParseLinkAddr(s string) LinkAddr {
	a, err := ParseLinkAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// LinkAddrFrom copies b into a LinkAddr. It reports false unless len(b) == 6.
func LinkAddrFrom(b []byte) (LinkAddr, bool) {
	var a LinkAddr
	if len(b) != len(a) {
		return a, false
	}
	copy(a[:], b)
	return a, true
}

func (a LinkAddr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// HardwareAddr returns a freshly allocated net.HardwareAddr.
func (a LinkAddr) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, len(a))
	copy(hw, a[:])
	return hw
}

func (a LinkAddr) IsZero() bool      { return a == LinkAddr{} }
func (a LinkAddr) IsBroadcast() bool { return a == BroadcastLinkAddr }

// MarshalText implements encoding.TextMarshaler.
func (a LinkAddr) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the zero address.
func (a *LinkAddr) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = LinkAddr{}
		return nil
	}
	v, err := ParseLinkAddr(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseNetAddr parses a dotted-quad IPv4 address.
func ParseNetAddr(s string) (NetAddr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return NetAddr{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if !ip.Is4() {
		return NetAddr{}, fmt.Errorf("%w: %q is not a 4-byte address", ErrInvalidAddress, s)
	}
	return NetAddr(ip.As4()), nil
}

// MustParseNetAddr is ParseNetAddr that panics on error.
func MustParseNetAddr(s string) NetAddr {
	a, err := ParseNetAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NetAddrFrom copies b into a NetAddr. It reports false unless len(b) == 4.
func NetAddrFrom(b []byte) (NetAddr, bool) {
	var a NetAddr
	if len(b) != len(a) {
		return a, false
	}
	copy(a[:], b)
	return a, true
}

func (a NetAddr) String() string {
	return netip.AddrFrom4(a).String()
}

// Addr converts to the stdlib value type.
func (a NetAddr) Addr() netip.Addr { return netip.AddrFrom4(a) }

func (a NetAddr) IsZero() bool      { return a == NetAddr{} }
func (a NetAddr) IsBroadcast() bool { return a == BroadcastNetAddr }

// MarshalText implements encoding.TextMarshaler.
func (a NetAddr) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the zero address.
func (a *NetAddr) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = NetAddr{}
		return nil
	}
	v, err := ParseNetAddr(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
