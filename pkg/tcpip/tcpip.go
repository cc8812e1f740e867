// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tcpip provides the interfaces and related types that users of the
// IPv6 network layer need to interact with it: addresses, errors, clocks and
// statistics.
//
// The starting point is the creation and configuration of an
// ipv6.Protocol, which owns per-interface address tables and the reassembly
// state and hands datagrams to link endpoints and transport dispatchers.
package tcpip

import (
	"fmt"
	"math/bits"
	"net/netip"
	"time"
)

// Error represents an error in the netstack error space. Using a special type
// ensures that errors outside of this space are not accidentally introduced.
//
// All errors must have distinct messages.
type Error struct {
	msg string

	ignoreStats bool
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.msg
}

// IgnoreStats indicates whether this error type should be included in failure
// counts in tcpip.Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Errors that can be returned by the network layer.
var (
	ErrUnknownProtocol     = &Error{msg: "unknown protocol"}
	ErrUnknownNICID        = &Error{msg: "unknown nic id"}
	ErrDuplicateNICID      = &Error{msg: "duplicate nic id"}
	ErrDuplicateAddress    = &Error{msg: "duplicate address"}
	ErrNoRoute             = &Error{msg: "no route"}
	ErrBadLocalAddress     = &Error{msg: "bad local address"}
	ErrBadAddress          = &Error{msg: "bad address"}
	ErrNoSourceAddress     = &Error{msg: "no suitable source address"}
	ErrAddressInProgress   = &Error{msg: "address configuration in progress", ignoreStats: true}
	ErrTimeout             = &Error{msg: "operation timed out"}
	ErrAborted             = &Error{msg: "operation aborted"}
	ErrNotSupported        = &Error{msg: "operation not supported"}
	ErrInvalidOptionValue  = &Error{msg: "invalid option value specified"}
	ErrMessageTooLong      = &Error{msg: "message too long"}
	ErrNoBufferSpace       = &Error{msg: "no buffer space available"}
	ErrMalformedHeader     = &Error{msg: "header is malformed"}
	ErrClosedForSend       = &Error{msg: "endpoint is closed for send"}
	ErrWouldBlock          = &Error{msg: "operation would block", ignoreStats: true}
	ErrNetworkUnreachable  = &Error{msg: "network is unreachable"}
	ErrDestinationRequired = &Error{msg: "destination address is required"}
)

// A Clock provides the current time and schedules work to be done in the
// future.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. It returns a Timer that can be used to cancel the call using
	// its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call stops
	// the timer, false if the timer has already expired or been stopped.
	//
	// If Stop returns false, then the timer has already expired and the
	// function f of Clock.AfterFunc(d, f) has been started in its own
	// goroutine; Stop does not wait for f to complete before returning. If
	// the caller needs to know whether f is completed, it must coordinate
	// with f explicitly.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	//
	// Reset should be invoked only on stopped or expired timers. If the timer
	// is known to have expired, Reset can be used directly. Otherwise, the
	// caller must coordinate with the function f of Clock.AfterFunc(d, f).
	Reset(d time.Duration)
}

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// TransportProtocolNumber is the number of a transport protocol, as carried
// in an IPv6 next header field.
type TransportProtocolNumber uint8

// NetworkProtocolNumber is the EtherType of a network protocol.
type NetworkProtocolNumber uint32

// AddressSize is the size, in bytes, of an IPv6 address.
const AddressSize = 16

// Address is an IPv6 address. It is a plain value: it is copied on
// assignment and compared with ==.
type Address [AddressSize]byte

// AddrFrom16 returns the address with the given bytes.
func AddrFrom16(b [AddressSize]byte) Address {
	return Address(b)
}

// AddrFromSlice returns the address held in the first 16 bytes of b. It
// panics if b is shorter than an address.
func AddrFromSlice(b []byte) Address {
	var a Address
	if copy(a[:], b) != AddressSize {
		panic(fmt.Sprintf("address slice too short: %d bytes", len(b)))
	}
	return a
}

// ParseAddress parses s as an IPv6 address in its textual form.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, err
	}
	if !ip.Is6() {
		return Address{}, fmt.Errorf("%q is not an IPv6 address", s)
	}
	return Address(ip.As16()), nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	return netip.AddrFrom16(a).String()
}

// AsSlice returns a copy of the address as a byte slice.
func (a Address) AsSlice() []byte {
	b := a
	return b[:]
}

// Netip returns the address as a netip.Addr.
func (a Address) Netip() netip.Addr {
	return netip.AddrFrom16(a)
}

// Unspecified returns true if the address is ::.
func (a Address) Unspecified() bool {
	return a == Address{}
}

// MatchingPrefix returns the length, in bits, of the longest common prefix of
// a and b.
func (a Address) MatchingPrefix(b Address) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return AddressSize * 8
}

// Mask returns a with every bit beyond the first prefixLen bits cleared.
func (a Address) Mask(prefixLen int) Address {
	var m Address
	for i := range a {
		switch {
		case prefixLen >= 8:
			m[i] = a[i]
			prefixLen -= 8
		case prefixLen > 0:
			m[i] = a[i] & ^byte(0xff>>prefixLen)
			prefixLen = 0
		}
	}
	return m
}

// AddressWithPrefix is an address with its subnet prefix length.
type AddressWithPrefix struct {
	// Address is a network address.
	Address Address

	// PrefixLen is the subnet prefix length.
	PrefixLen int
}

// String implements the fmt.Stringer interface.
func (a AddressWithPrefix) String() string {
	return fmt.Sprintf("%s/%d", a.Address, a.PrefixLen)
}

// Prefix returns the address as a masked netip.Prefix.
func (a AddressWithPrefix) Prefix() netip.Prefix {
	return netip.PrefixFrom(a.Address.Netip(), a.PrefixLen).Masked()
}

// ParseAddressWithPrefix parses s as an IPv6 address followed by a prefix
// length, like "2001:db8::1/64". The address is not masked.
func ParseAddressWithPrefix(s string) (AddressWithPrefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return AddressWithPrefix{}, err
	}
	if !p.Addr().Is6() {
		return AddressWithPrefix{}, fmt.Errorf("%q is not an IPv6 prefix", s)
	}
	return AddressWithPrefix{Address: Address(p.Addr().As16()), PrefixLen: p.Bits()}, nil
}

// Contains returns true if b shares a's prefix.
func (a AddressWithPrefix) Contains(b Address) bool {
	return a.Address.MatchingPrefix(b) >= a.PrefixLen
}
