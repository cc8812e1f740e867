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

package ipv6

import (
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// dropReason records why an inbound datagram was discarded and the error
// message, if any, owed to its source.
type dropReason struct {
	reason  string
	counter *tcpip.StatCounter

	// icmp is the error to report, nil for a silent discard.
	icmp *stack.ICMPError

	// toMulticast allows the report even though the datagram was sent to a
	// multicast group, RFC 4443 section 2.4 (e.3).
	toMulticast bool
}

func silentDrop(reason string, counter *tcpip.StatCounter) *dropReason {
	return &dropReason{reason: reason, counter: counter}
}

func paramProblem(reason string, counter *tcpip.StatCounter, code header.ICMPv6Code, pointer int) *dropReason {
	return &dropReason{
		reason:  reason,
		counter: counter,
		icmp: &stack.ICMPError{
			Type:    header.ICMPv6ParamProblem,
			Code:    code,
			Pointer: uint32(pointer),
		},
	}
}

// validated is the outcome of validating the fixed header of a datagram.
type validated struct {
	hdr header.IPv6

	// tentative is true if the destination is a tentative address of the
	// receiving interface. Only ICMPv6 is delivered to it.
	tentative bool
}

// validateLocked checks the fixed header held at the start of dgram against
// the receiving interface n. dgram must hold the whole datagram; trailing
// bytes beyond the payload length are ignored.
//
// Precondition: p.mu must be locked.
func (p *Protocol) validateLocked(n *nic, pkt *stack.PacketBuffer, dgram []byte) (validated, *dropReason) {
	stats := &p.stats.IP
	if len(dgram) < header.IPv6MinimumSize {
		return validated{}, silentDrop("truncated fixed header", stats.MalformedPacketsReceived)
	}
	h := header.IPv6(dgram)
	if h.Version() != header.IPv6Version {
		return validated{}, silentDrop("bad version", stats.MalformedPacketsReceived)
	}
	if int(h.PayloadLength()) > len(dgram)-header.IPv6MinimumSize {
		return validated{}, silentDrop("payload length exceeds buffer", stats.MalformedPacketsReceived)
	}
	h = h[:header.IPv6MinimumSize+int(h.PayloadLength())]

	src := h.SourceAddress()
	switch header.ClassifyIPv6Address(src) {
	case header.IPv6MulticastReserved, header.IPv6MulticastAllNodes, header.IPv6MulticastAllRouters,
		header.IPv6MulticastSolicitedNode, header.IPv6MulticastOther:
		return validated{}, silentDrop("multicast source", stats.InvalidSourceAddressesReceived)
	case header.IPv6LoopbackClass:
		if !pkt.Loopback && !n.loopback {
			return validated{}, silentDrop("loopback source from a physical link", stats.InvalidSourceAddressesReceived)
		}
	}

	dst := h.DestinationAddress()
	if n.loopback {
		// The loopback pseudo-interface accepts every destination.
		return validated{hdr: h}, nil
	}
	switch header.ClassifyIPv6Address(dst) {
	case header.IPv6Unspecified:
		return validated{}, silentDrop("unspecified destination", stats.InvalidDestinationAddressesReceived)
	case header.IPv6MulticastAllNodes:
		return validated{hdr: h}, nil
	case header.IPv6MulticastReserved, header.IPv6MulticastAllRouters,
		header.IPv6MulticastSolicitedNode, header.IPv6MulticastOther:
		if p.membership == nil || !p.membership.IsMember(n.id, dst) {
			return validated{}, silentDrop("multicast group not joined", stats.InvalidDestinationAddressesReceived)
		}
		return validated{hdr: h}, nil
	}

	a := n.addrs.find(dst)
	if a == nil || !a.Valid || a.State == AddressNone {
		return validated{}, silentDrop("destination not configured", stats.InvalidDestinationAddressesReceived)
	}
	return validated{hdr: h, tentative: a.State == AddressTentative}, nil
}
