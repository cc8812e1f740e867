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
	"fmt"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
)

// ChainEntry describes one header of a datagram's header chain.
type ChainEntry struct {
	// Offset is where the header starts, from the start of the fixed
	// header.
	Offset int

	// Protocol is the Next Header code that named this header. It is zero
	// for the fixed header.
	Protocol uint8

	Name   string
	Detail string
}

func (e ChainEntry) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("@%d %s", e.Offset, e.Name)
	}
	return fmt.Sprintf("@%d %s %s", e.Offset, e.Name, e.Detail)
}

func upperLayerName(code uint8) string {
	switch tcpip.TransportProtocolNumber(code) {
	case header.ICMPv6ProtocolNumber:
		return "icmpv6"
	case header.UDPProtocolNumber:
		return "udp"
	case header.TCPProtocolNumber:
		return "tcp"
	}
	return header.IPv6ExtensionHeaderIdentifier(code).String()
}

// HeaderChain walks the header chain of dgram with the same decoder the
// receive path uses, without applying any option or routing semantics. On
// error, the entries decoded before the failing header are returned with it.
func HeaderChain(dgram []byte) ([]ChainEntry, error) {
	if len(dgram) < header.IPv6MinimumSize {
		return nil, fmt.Errorf("datagram of %d bytes is shorter than the fixed header", len(dgram))
	}
	h := header.IPv6(dgram)
	if v := h.Version(); v != header.IPv6Version {
		return nil, fmt.Errorf("version %d is not IPv6", v)
	}
	if avail := len(dgram) - header.IPv6MinimumSize; int(h.PayloadLength()) > avail {
		return nil, fmt.Errorf("payload length %d exceeds the %d bytes present", h.PayloadLength(), avail)
	}
	tc, fl := h.TOS()
	chain := []ChainEntry{{
		Name:   "ipv6",
		Detail: fmt.Sprintf("%s -> %s tc=%d flow=%#05x hop=%d len=%d", h.SourceAddress(), h.DestinationAddress(), tc, fl, h.HopLimit(), h.PayloadLength()),
	}}

	var stats tcpip.IPStats
	c := newExtHdrCursor(h)
	for !isTerminal(c.next) {
		off, code := c.offset, c.next
		hdr, drop := c.decode(dgram, &stats)
		if drop != nil {
			return chain, fmt.Errorf("header %s at offset %d: %s", header.IPv6ExtensionHeaderIdentifier(code), off, drop.reason)
		}
		e := ChainEntry{
			Offset:   off,
			Protocol: code,
			Name:     header.IPv6ExtensionHeaderIdentifier(code).String(),
		}
		switch hdr := hdr.(type) {
		case optionsHdr:
			n := 0
			it := hdr.options.Iter()
			for {
				_, done, err := it.Next()
				if err != nil {
					return chain, fmt.Errorf("%s header at offset %d: %w", e.Name, off, err)
				}
				if done {
					break
				}
				n++
			}
			e.Detail = fmt.Sprintf("options=%d", n)
		case routingHdr:
			e.Detail = fmt.Sprintf("type=%d segments-left=%d", hdr.RoutingType(), hdr.SegmentsLeft())
		case fragmentHdr:
			e.Detail = fmt.Sprintf("offset=%d more=%t id=%#08x", hdr.FragmentOffsetBytes(), hdr.More(), hdr.ID())
			if hdr.FragmentOffset() != 0 {
				// Later fragments carry no upper layer header.
				return append(chain, e), nil
			}
		}
		chain = append(chain, e)
	}
	return append(chain, ChainEntry{
		Offset:   c.offset,
		Protocol: c.next,
		Name:     upperLayerName(c.next),
		Detail:   fmt.Sprintf("len=%d", c.remaining),
	}), nil
}
