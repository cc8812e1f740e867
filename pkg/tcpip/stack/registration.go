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

// Package stack defines the collaborators the IPv6 network layer talks to:
// link endpoints below it, transport dispatchers above it, and the neighbor
// discovery, duplicate address detection, ICMPv6 and multicast services
// beside it.
package stack

import (
	"context"
	"fmt"
	"time"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
)

// NetworkDispatcher contains the methods used by the network stack to deliver
// inbound packets to the appropriate network endpoint after it has been
// handled by the data-link layer.
type NetworkDispatcher interface {
	// DeliverNetworkPacket finds the appropriate network protocol endpoint
	// and hands the packet over for further processing.
	//
	// pkt.NICID identifies the receiving interface.
	DeliverNetworkPacket(pkt *PacketBuffer)
}

// LinkEndpoint is the interface implemented by data link layer protocols
// (e.g., tun, loopback) and used by network layer protocols to send packets
// out through the implementer's data link endpoint.
type LinkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint. This is
	// usually dictated by the backing physical network; when such a
	// physical network doesn't exist, the limit is generally 64k, which
	// includes the maximum size of an IP packet.
	MTU() uint32

	// WritePacket writes a packet. The first buffer of the chain holds the
	// network header in pkt.Header; pkt.NextHop names the on-link
	// destination.
	WritePacket(pkt *PacketBuffer) *tcpip.Error

	// Attach attaches the data link layer endpoint to the network-layer
	// dispatcher of the stack.
	Attach(dispatcher NetworkDispatcher)

	// IsAttached returns whether a NetworkDispatcher is attached to the
	// endpoint.
	IsAttached() bool
}

// TransportDispatcher contains the methods used by the network layer to
// deliver packets to the transport layer.
type TransportDispatcher interface {
	// DeliverTransportPacket delivers a UDP or TCP payload. pkt.Data holds
	// the transport header and data; pkt.NetworkHeader holds the fixed IPv6
	// header.
	DeliverTransportPacket(protocol tcpip.TransportProtocolNumber, pkt *PacketBuffer)
}

// NeighborResolver decides where an outbound datagram goes on the link.
type NeighborResolver interface {
	// ResolveNextHop returns the on-link next hop for dst: dst itself when
	// it is on-link, or a default router. It returns tcpip.ErrNoRoute when
	// neither exists.
	ResolveNextHop(nic tcpip.NICID, dst tcpip.Address) (tcpip.Address, *tcpip.Error)
}

// InfiniteLifetime is the lifetime value that never expires, RFC 4861
// section 4.6.2.
const InfiniteLifetime = ^uint32(0)

// PrefixInfo is the subset of a Router Advertisement Prefix Information
// option the network layer uses for address autoconfiguration.
type PrefixInfo struct {
	// Prefix is the advertised prefix.
	Prefix tcpip.AddressWithPrefix

	// OnLink is the L flag.
	OnLink bool

	// Autonomous is the A flag.
	Autonomous bool

	// ValidLifetime is the valid lifetime in seconds.
	ValidLifetime uint32

	// PreferredLifetime is the preferred lifetime in seconds.
	PreferredLifetime uint32
}

// LifetimeDuration converts a lifetime in seconds to a duration. ok is false
// for InfiniteLifetime.
func LifetimeDuration(seconds uint32) (d time.Duration, ok bool) {
	if seconds == InfiniteLifetime {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// RouterSolicitor sends router solicitations and collects router
// advertisements.
type RouterSolicitor interface {
	// SendRouterSolicitation sends a Router Solicitation on nic.
	SendRouterSolicitation(nic tcpip.NICID) *tcpip.Error

	// WaitRouterAdvertisement blocks until a Router Advertisement arrives on
	// nic, the timeout elapses or ctx is done. It returns the prefixes the
	// advertisement carried and whether one arrived.
	WaitRouterAdvertisement(ctx context.Context, nic tcpip.NICID, timeout time.Duration) ([]PrefixInfo, bool)
}

// DADResult is the outcome of duplicate address detection.
type DADResult int

const (
	// DADSucceeded indicates no other node uses the address.
	DADSucceeded DADResult = iota

	// DADDuplicate indicates another node uses the address.
	DADDuplicate

	// DADInProgress indicates detection has started and the completion
	// callback will report the outcome.
	DADInProgress

	// DADDisabled indicates detection is not performed on the interface;
	// the address may be used immediately.
	DADDisabled

	// DADAborted indicates detection was stopped before it finished, for
	// example because the address was removed.
	DADAborted
)

func (r DADResult) String() string {
	switch r {
	case DADSucceeded:
		return "succeeded"
	case DADDuplicate:
		return "duplicate"
	case DADInProgress:
		return "in-progress"
	case DADDisabled:
		return "disabled"
	case DADAborted:
		return "aborted"
	default:
		return fmt.Sprintf("DADResult(%d)", int(r))
	}
}

// DADProber performs duplicate address detection.
type DADProber interface {
	// StartDAD starts detection for addr on nic. When it returns
	// DADInProgress, done is called exactly once with the final result;
	// done is never called before StartDAD returns and never called for any
	// other return value.
	StartDAD(nic tcpip.NICID, addr tcpip.Address, done func(DADResult)) DADResult

	// StopDAD stops detection for addr on nic. A pending done callback is
	// not called.
	StopDAD(nic tcpip.NICID, addr tcpip.Address)
}

// ICMPError describes an ICMPv6 error message to send about an offending
// datagram.
type ICMPError struct {
	Type header.ICMPv6Type
	Code header.ICMPv6Code

	// Pointer is the offset, from the start of the fixed header, of the
	// offending byte. Only meaningful for Parameter Problem.
	Pointer uint32
}

func (e ICMPError) String() string {
	return fmt.Sprintf("type=%d code=%d pointer=%d", e.Type, e.Code, e.Pointer)
}

// ICMPReporter encodes and sends ICMPv6 messages and consumes inbound ones.
type ICMPReporter interface {
	// SendError sends e about pkt to pkt's source. pkt.Data holds the
	// offending datagram starting at its fixed header.
	SendError(pkt *PacketBuffer, e ICMPError) *tcpip.Error

	// HandlePacket consumes an inbound ICMPv6 message. pkt.Data holds the
	// ICMPv6 header and body.
	HandlePacket(pkt *PacketBuffer)
}

// MulticastMembership tracks the multicast groups joined on each interface.
type MulticastMembership interface {
	// IsMember returns true if group is joined on nic.
	IsMember(nic tcpip.NICID, group tcpip.Address) bool

	// Join joins group on nic. Joins are counted.
	Join(nic tcpip.NICID, group tcpip.Address) *tcpip.Error

	// Leave undoes one Join.
	Leave(nic tcpip.NICID, group tcpip.Address) *tcpip.Error
}
