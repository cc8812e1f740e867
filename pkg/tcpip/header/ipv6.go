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

// Package header provides the implementation of the encoding and decoding of
// the IPv6 fixed header, its extension headers and the address
// classification rules used by the IPv6 network layer.
package header

import (
	"encoding/binary"
	"fmt"

	"ip6stack.dev/ip6stack/pkg/tcpip"
)

const (
	versTCFL = 0
	// IPv6PayloadLenOffset is the offset of the PayloadLength field in
	// IPv6 header.
	IPv6PayloadLenOffset = 4
	// IPv6NextHeaderOffset is the offset of the NextHeader field in
	// IPv6 header.
	IPv6NextHeaderOffset = 6
	hopLimit             = 7
	v6SrcAddr            = 8
	v6DstAddr            = v6SrcAddr + IPv6AddressSize
)

// IPv6Fields contains the fields of an IPv6 packet. It is used to describe the
// fields of a packet that needs to be encoded.
type IPv6Fields struct {
	// TrafficClass is the "traffic class" field of an IPv6 packet.
	TrafficClass uint8

	// FlowLabel is the "flow label" field of an IPv6 packet.
	FlowLabel uint32

	// PayloadLength is the "payload length" field of an IPv6 packet.
	PayloadLength uint16

	// NextHeader is the "next header" field of an IPv6 packet.
	NextHeader uint8

	// HopLimit is the "hop limit" field of an IPv6 packet.
	HopLimit uint8

	// SrcAddr is the "source ip address" of an IPv6 packet.
	SrcAddr tcpip.Address

	// DstAddr is the "destination ip address" of an IPv6 packet.
	DstAddr tcpip.Address
}

// IPv6 represents an ipv6 header stored in a byte array.
// Most of the methods of IPv6 access to the underlying slice without
// checking the boundaries and could panic because of 'index out of range'.
// Always call IsValid() to validate an instance of IPv6 before using other
// methods.
type IPv6 []byte

const (
	// IPv6MinimumSize is the minimum size of a valid IPv6 packet.
	IPv6MinimumSize = 40

	// IPv6AddressSize is the size, in bytes, of an IPv6 address.
	IPv6AddressSize = tcpip.AddressSize

	// IPv6MaximumPayloadSize is the maximum size of a valid IPv6 payload per
	// RFC 8200 Section 4.5.
	IPv6MaximumPayloadSize = 65535

	// IPv6ProtocolNumber is IPv6's network protocol number.
	IPv6ProtocolNumber tcpip.NetworkProtocolNumber = 0x86dd

	// IPv6Version is the version of the ipv6 protocol.
	IPv6Version = 6

	// IPv6MinimumMTU is the minimum MTU required by IPv6, per RFC 8200,
	// section 5:
	//   IPv6 requires that every link in the Internet have an MTU of 1280 octets
	//   or greater.  This is known as the IPv6 minimum link MTU.
	IPv6MinimumMTU = 1280

	// IPv6DefaultHopLimit is the hop limit used when the caller does not
	// supply one.
	IPv6DefaultHopLimit = 64
)

// Well-known IPv6 addresses.
var (
	// IPv6Any is the non-routable IPv6 "any" meta address.
	IPv6Any tcpip.Address

	// IPv6Loopback is the IPv6 Loopback address.
	IPv6Loopback = tcpip.Address{15: 1}

	// IPv6AllNodesMulticastAddress is a link-local multicast group that
	// all IPv6 nodes MUST join, as per RFC 4291, section 2.8. Packets
	// destined to this address will reach all nodes on a link.
	//
	// The address is ff02::1.
	IPv6AllNodesMulticastAddress = tcpip.Address{0: 0xff, 1: 0x02, 15: 0x01}

	// IPv6AllRoutersLinkLocalMulticastAddress is a link-local multicast group
	// that all IPv6 routers MUST join, as per RFC 4291, section 2.8. Packets
	// destined to this address will reach all routers on a link.
	//
	// The address is ff02::2.
	IPv6AllRoutersLinkLocalMulticastAddress = tcpip.Address{0: 0xff, 1: 0x02, 15: 0x02}

	// IPv6LinkLocalPrefix is the prefix for IPv6 link-local addresses, as
	// defined by RFC 4291 section 2.5.6.
	//
	// The prefix is fe80::/64.
	IPv6LinkLocalPrefix = tcpip.AddressWithPrefix{
		Address:   tcpip.Address{0: 0xfe, 1: 0x80},
		PrefixLen: 64,
	}

	// solicitedNodeMulticastPrefix is ff02::1:ff00:0/104.
	solicitedNodeMulticastPrefix = tcpip.Address{0: 0xff, 1: 0x02, 11: 0x01, 12: 0xff}
)

// SolicitedNodeAddrPrefixLen is the prefix length of the solicited-node
// multicast range.
const SolicitedNodeAddrPrefixLen = 104

// PayloadLength returns the value of the "payload length" field of the ipv6
// header.
func (b IPv6) PayloadLength() uint16 {
	return binary.BigEndian.Uint16(b[IPv6PayloadLenOffset:])
}

// HopLimit returns the value of the "hop limit" field of the ipv6 header.
func (b IPv6) HopLimit() uint8 {
	return b[hopLimit]
}

// NextHeader returns the value of the "next header" field of the ipv6 header.
func (b IPv6) NextHeader() uint8 {
	return b[IPv6NextHeaderOffset]
}

// TransportProtocol implements Network.TransportProtocol.
func (b IPv6) TransportProtocol() tcpip.TransportProtocolNumber {
	return tcpip.TransportProtocolNumber(b.NextHeader())
}

// Payload implements Network.Payload.
func (b IPv6) Payload() []byte {
	return b[IPv6MinimumSize:][:b.PayloadLength()]
}

// SourceAddress returns the "source address" field of the ipv6 header.
func (b IPv6) SourceAddress() tcpip.Address {
	return tcpip.AddrFromSlice(b[v6SrcAddr:][:IPv6AddressSize])
}

// DestinationAddress returns the "destination address" field of the ipv6
// header.
func (b IPv6) DestinationAddress() tcpip.Address {
	return tcpip.AddrFromSlice(b[v6DstAddr:][:IPv6AddressSize])
}

// Version returns the "version" field of the ipv6 header.
func (b IPv6) Version() int {
	return int(b[versTCFL] >> 4)
}

// TOS returns the "traffic class" and "flow label" fields of the ipv6 header.
func (b IPv6) TOS() (uint8, uint32) {
	v := binary.BigEndian.Uint32(b[versTCFL:])
	return uint8(v >> 20), v & 0xfffff
}

// SetTOS sets the "traffic class" and "flow label" fields of the ipv6 header.
func (b IPv6) SetTOS(t uint8, l uint32) {
	vtf := (6 << 28) | (uint32(t) << 20) | (l & 0xfffff)
	binary.BigEndian.PutUint32(b[versTCFL:], vtf)
}

// SetPayloadLength sets the "payload length" field of the ipv6 header.
func (b IPv6) SetPayloadLength(payloadLength uint16) {
	binary.BigEndian.PutUint16(b[IPv6PayloadLenOffset:], payloadLength)
}

// SetSourceAddress sets the "source address" field of the ipv6 header.
func (b IPv6) SetSourceAddress(addr tcpip.Address) {
	copy(b[v6SrcAddr:][:IPv6AddressSize], addr[:])
}

// SetDestinationAddress sets the "destination address" field of the ipv6
// header.
func (b IPv6) SetDestinationAddress(addr tcpip.Address) {
	copy(b[v6DstAddr:][:IPv6AddressSize], addr[:])
}

// SetHopLimit sets the value of the "Hop Limit" field.
func (b IPv6) SetHopLimit(v uint8) {
	b[hopLimit] = v
}

// SetNextHeader sets the value of the "next header" field of the ipv6 header.
func (b IPv6) SetNextHeader(v uint8) {
	b[IPv6NextHeaderOffset] = v
}

// Encode encodes all the fields of the ipv6 header.
func (b IPv6) Encode(i *IPv6Fields) {
	b.SetTOS(i.TrafficClass, i.FlowLabel)
	b.SetPayloadLength(i.PayloadLength)
	b[IPv6NextHeaderOffset] = i.NextHeader
	b[hopLimit] = i.HopLimit
	b.SetSourceAddress(i.SrcAddr)
	b.SetDestinationAddress(i.DstAddr)
}

// IsValid performs basic validation on the packet.
func (b IPv6) IsValid(pktSize int) bool {
	if len(b) < IPv6MinimumSize {
		return false
	}

	dlen := int(b.PayloadLength())
	if dlen > pktSize-IPv6MinimumSize {
		return false
	}

	return IPVersion(b) == IPv6Version
}

// IPVersion returns the version of IP used in the given packet. It returns -1
// if the packet is not large enough to contain the version field.
func IPVersion(b []byte) int {
	// Length must be at least offset+length of version field.
	if len(b) < versTCFL+1 {
		return -1
	}
	return int(b[versTCFL] >> 4)
}

// IPv6AddressClass is the classification of an IPv6 address used by the
// receive path.
type IPv6AddressClass int

// Address classes.
const (
	IPv6Unspecified IPv6AddressClass = iota
	IPv6LoopbackClass
	IPv6LinkLocalUnicast
	IPv6SiteLocalUnicast
	IPv6GlobalUnicast
	IPv6MulticastReserved
	IPv6MulticastAllNodes
	IPv6MulticastAllRouters
	IPv6MulticastSolicitedNode
	IPv6MulticastOther
)

func (c IPv6AddressClass) String() string {
	switch c {
	case IPv6Unspecified:
		return "unspecified"
	case IPv6LoopbackClass:
		return "loopback"
	case IPv6LinkLocalUnicast:
		return "link-local"
	case IPv6SiteLocalUnicast:
		return "site-local"
	case IPv6GlobalUnicast:
		return "unicast"
	case IPv6MulticastReserved:
		return "multicast-reserved"
	case IPv6MulticastAllNodes:
		return "multicast-all-nodes"
	case IPv6MulticastAllRouters:
		return "multicast-all-routers"
	case IPv6MulticastSolicitedNode:
		return "multicast-solicited-node"
	case IPv6MulticastOther:
		return "multicast"
	default:
		return fmt.Sprintf("IPv6AddressClass(%d)", int(c))
	}
}

// IsMulticast returns true if c is one of the multicast classes.
func (c IPv6AddressClass) IsMulticast() bool {
	return c >= IPv6MulticastReserved
}

// ClassifyIPv6Address returns the class of addr.
func ClassifyIPv6Address(addr tcpip.Address) IPv6AddressClass {
	switch {
	case addr.Unspecified():
		return IPv6Unspecified
	case addr == IPv6Loopback:
		return IPv6LoopbackClass
	case IsV6MulticastAddress(addr):
		switch {
		case addr[1]&0x0f == 0:
			// Scope 0 is reserved, RFC 4291 section 2.7.
			return IPv6MulticastReserved
		case addr == IPv6AllNodesMulticastAddress || addr == ipv6AllNodesInterfaceLocal:
			return IPv6MulticastAllNodes
		case addr == IPv6AllRoutersLinkLocalMulticastAddress || addr == ipv6AllRoutersInterfaceLocal || addr == ipv6AllRoutersSiteLocal:
			return IPv6MulticastAllRouters
		case IsSolicitedNodeAddr(addr):
			return IPv6MulticastSolicitedNode
		default:
			return IPv6MulticastOther
		}
	case IsV6LinkLocalUnicastAddress(addr):
		return IPv6LinkLocalUnicast
	case IsV6SiteLocalAddress(addr):
		return IPv6SiteLocalUnicast
	default:
		return IPv6GlobalUnicast
	}
}

var (
	ipv6AllNodesInterfaceLocal   = tcpip.Address{0: 0xff, 1: 0x01, 15: 0x01}
	ipv6AllRoutersInterfaceLocal = tcpip.Address{0: 0xff, 1: 0x01, 15: 0x02}
	ipv6AllRoutersSiteLocal      = tcpip.Address{0: 0xff, 1: 0x05, 15: 0x02}
)

// IsV6MulticastAddress determines if the provided address is an IPv6
// multicast address (anything starting with FF).
func IsV6MulticastAddress(addr tcpip.Address) bool {
	return addr[0] == 0xff
}

// IsV6UnicastAddress determines if the provided address is a valid IPv6
// unicast (and specified) address. That is, IsV6UnicastAddress returns
// true if addr contains IPv6AddressSize bytes, is not the unspecified
// address and is not a multicast address.
func IsV6UnicastAddress(addr tcpip.Address) bool {
	return !addr.Unspecified() && !IsV6MulticastAddress(addr)
}

// IsV6LinkLocalUnicastAddress returns true iff the provided address is an IPv6
// link-local unicast address, as defined by RFC 4291 section 2.5.6.
func IsV6LinkLocalUnicastAddress(addr tcpip.Address) bool {
	return addr[0] == 0xfe && (addr[1]&0xc0) == 0x80
}

// IsV6SiteLocalAddress returns true iff the provided address is a deprecated
// IPv6 site-local unicast address (fec0::/10), RFC 3879.
func IsV6SiteLocalAddress(addr tcpip.Address) bool {
	return addr[0] == 0xfe && (addr[1]&0xc0) == 0xc0
}

// IsV6LoopbackAddress returns true iff the provided address is ::1.
func IsV6LoopbackAddress(addr tcpip.Address) bool {
	return addr == IPv6Loopback
}

// IsV6InterfaceLocalMulticastAddress returns true iff addr is a multicast
// address with interface-local scope.
func IsV6InterfaceLocalMulticastAddress(addr tcpip.Address) bool {
	return IsV6MulticastAddress(addr) && addr[1]&0x0f == 0x01
}

// IsSolicitedNodeAddr determines whether the address is a solicited-node
// multicast address.
func IsSolicitedNodeAddr(addr tcpip.Address) bool {
	return solicitedNodeMulticastPrefix.MatchingPrefix(addr) >= SolicitedNodeAddrPrefixLen
}

// SolicitedNodeAddr computes the solicited-node multicast address. This is
// used for NDP. Described in RFC 4291. The argument must be a full-length IPv6
// address.
func SolicitedNodeAddr(addr tcpip.Address) tcpip.Address {
	snm := solicitedNodeMulticastPrefix
	copy(snm[13:], addr[13:])
	return snm
}

// IPv6AddressScope is the scope of an IPv6 address.
type IPv6AddressScope int

const (
	// InterfaceLocalScope indicates a loopback or interface-local multicast
	// address.
	InterfaceLocalScope IPv6AddressScope = 0x1

	// LinkLocalScope indicates a link-local address.
	LinkLocalScope IPv6AddressScope = 0x2

	// SiteLocalScope indicates a site-local address.
	SiteLocalScope IPv6AddressScope = 0x5

	// GlobalScope indicates a global address.
	GlobalScope IPv6AddressScope = 0xE
)

// ScopeForIPv6Address returns the scope for an IPv6 address, as described by
// RFC 6724 section 3.1.
func ScopeForIPv6Address(addr tcpip.Address) IPv6AddressScope {
	if IsV6MulticastAddress(addr) {
		return IPv6AddressScope(addr[1] & 0x0f)
	}
	switch {
	case addr == IPv6Loopback:
		// Unicast loopback is treated as link-local, RFC 6724 section 3.1.
		return LinkLocalScope
	case IsV6LinkLocalUnicastAddress(addr):
		return LinkLocalScope
	case IsV6SiteLocalAddress(addr):
		return SiteLocalScope
	default:
		return GlobalScope
	}
}

// IIDSize is the size of an interface identifier (IID), in bytes, as
// defined by RFC 4291 section 2.5.1.
const IIDSize = 8

// EthernetAddressToModifiedEUI64 computes a modified EUI-64 from a 48-bit
// Ethernet/MAC address, as per RFC 4291 section 2.5.1.
func EthernetAddressToModifiedEUI64(mac [6]byte) [IIDSize]byte {
	return [IIDSize]byte{mac[0] ^ 2, mac[1], mac[2], 0xff, 0xfe, mac[3], mac[4], mac[5]}
}

// AddressWithInterfaceID returns the address formed by the first 64 bits of
// prefix followed by iid.
func AddressWithInterfaceID(prefix tcpip.Address, iid [IIDSize]byte) tcpip.Address {
	a := prefix.Mask(64)
	copy(a[IIDSize:], iid[:])
	return a
}

// LinkLocalAddr computes the default IPv6 link-local address from an
// interface identifier.
func LinkLocalAddr(iid [IIDSize]byte) tcpip.Address {
	return AddressWithInterfaceID(IPv6LinkLocalPrefix.Address, iid)
}
