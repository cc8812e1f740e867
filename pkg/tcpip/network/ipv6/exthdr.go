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
)

// extHdrCursor walks the header chain of a datagram held in a contiguous
// buffer. Offsets are relative to the start of the fixed header.
type extHdrCursor struct {
	// next is the code of the header at offset.
	next uint8

	// offset is where the header named by next starts.
	offset int

	// extLen is the number of extension header bytes consumed so far.
	extLen int

	// remaining is the number of datagram bytes from offset on.
	remaining int

	// nextHdrOffset is the offset of the byte holding next.
	nextHdrOffset int

	// prevNextHdrOffset is the offset of the byte that named the header
	// decoded last.
	prevNextHdrOffset int
}

func newExtHdrCursor(h header.IPv6) extHdrCursor {
	return extHdrCursor{
		next:              h.NextHeader(),
		offset:            header.IPv6MinimumSize,
		remaining:         int(h.PayloadLength()),
		nextHdrOffset:     header.IPv6NextHeaderOffset,
		prevNextHdrOffset: header.IPv6NextHeaderOffset,
	}
}

// extHdr is a decoded extension header.
type extHdr interface {
	isExtHdr()
}

// optionsHdr is a Hop-by-Hop or Destination Options header.
type optionsHdr struct {
	id      header.IPv6ExtensionHeaderIdentifier
	options header.IPv6OptionsExtHdr

	// optionsOffset is the offset of the options area in the datagram.
	optionsOffset int
}

type routingHdr struct {
	header.IPv6RoutingExtHdr

	// offset is the offset of the header in the datagram.
	offset int
}

type fragmentHdr struct {
	header.IPv6Fragment

	// offset is the offset of the header in the datagram.
	offset int
}

// opaqueHdr is a header that is skipped: Authentication and Mobility.
type opaqueHdr struct {
	id header.IPv6ExtensionHeaderIdentifier
}

func (optionsHdr) isExtHdr()  {}
func (routingHdr) isExtHdr()  {}
func (fragmentHdr) isExtHdr() {}
func (opaqueHdr) isExtHdr()   {}

// isTerminal returns true if code names an upper layer or the end of the
// chain.
func isTerminal(code uint8) bool {
	switch tcpip.TransportProtocolNumber(code) {
	case header.ICMPv6ProtocolNumber, header.UDPProtocolNumber, header.TCPProtocolNumber:
		return true
	}
	return header.IPv6ExtensionHeaderIdentifier(code) == header.IPv6NoNextHeaderIdentifier
}

// decode decodes the extension header at the cursor and advances past it.
// The cursor must not name a terminal header.
func (c *extHdrCursor) decode(dgram []byte, stats *tcpip.IPStats) (extHdr, *dropReason) {
	id := header.IPv6ExtensionHeaderIdentifier(c.next)
	switch id {
	case header.IPv6HopByHopOptionsExtHdrIdentifier:
		if c.offset != header.IPv6MinimumSize {
			return nil, paramProblem("hop-by-hop header not first", stats.MalformedPacketsReceived, header.ICMPv6UnknownHeader, c.nextHdrOffset)
		}
	case header.IPv6DestinationOptionsExtHdrIdentifier,
		header.IPv6RoutingExtHdrIdentifier,
		header.IPv6FragmentExtHdrIdentifier,
		header.IPv6AuthenticationExtHdrIdentifier,
		header.IPv6MobilityExtHdrIdentifier:
	case header.IPv6ESPExtHdrIdentifier:
		return nil, paramProblem("esp unsupported", stats.UnknownProtocolRcvdPackets, header.ICMPv6UnknownHeader, c.nextHdrOffset)
	default:
		return nil, paramProblem("unrecognized next header", stats.UnknownProtocolRcvdPackets, header.ICMPv6UnknownHeader, c.nextHdrOffset)
	}

	if c.remaining < header.IPv6ExtHdrMinimumSize {
		return nil, silentDrop("truncated extension header", stats.MalformedPacketsReceived)
	}
	b := dgram[c.offset:]
	length, _ := header.IPv6ExtHdrLength(id, b[1])
	if length > c.remaining {
		return nil, silentDrop("truncated extension header", stats.MalformedPacketsReceived)
	}
	raw := b[:length]

	var hdr extHdr
	switch id {
	case header.IPv6HopByHopOptionsExtHdrIdentifier, header.IPv6DestinationOptionsExtHdrIdentifier:
		hdr = optionsHdr{
			id:            id,
			options:       header.IPv6OptionsExtHdr(raw[header.IPv6ExtHdrMinimumSize:]),
			optionsOffset: c.offset + header.IPv6ExtHdrMinimumSize,
		}
	case header.IPv6RoutingExtHdrIdentifier:
		hdr = routingHdr{IPv6RoutingExtHdr: header.IPv6RoutingExtHdr(raw), offset: c.offset}
	case header.IPv6FragmentExtHdrIdentifier:
		hdr = fragmentHdr{IPv6Fragment: header.IPv6Fragment(raw), offset: c.offset}
	default:
		hdr = opaqueHdr{id: id}
	}

	c.prevNextHdrOffset = c.nextHdrOffset
	c.nextHdrOffset = c.offset
	c.next = raw[0]
	c.offset += length
	c.extLen += length
	c.remaining -= length
	return hdr, nil
}

// processOptions applies the options of a Hop-by-Hop or Destination Options
// header. Router Alert and padding are consumed; unknown options are handled
// as their type demands, RFC 8200 section 4.2.
func processOptions(h optionsHdr, dstMulticast bool, stats *tcpip.IPStats) *dropReason {
	it := h.options.Iter()
	for {
		opt, done, err := it.Next()
		if err != nil {
			return paramProblem("malformed option", stats.MalformedPacketsReceived, header.ICMPv6ErroneousHeader, h.optionsOffset+it.OptionOffset())
		}
		if done {
			return nil
		}
		o, ok := opt.(*header.IPv6UnknownExtHdrOption)
		if !ok {
			// Router Alert.
			continue
		}
		pointer := h.optionsOffset + it.OptionOffset()
		switch o.UnknownAction() {
		case header.IPv6OptionUnknownActionSkip:
			continue
		case header.IPv6OptionUnknownActionDiscard:
			return silentDrop("unknown option", stats.OptionDiscardedPackets)
		case header.IPv6OptionUnknownActionDiscardSendICMP:
			r := paramProblem("unknown option", stats.OptionDiscardedPackets, header.ICMPv6UnknownOption, pointer)
			r.toMulticast = true
			return r
		case header.IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest:
			if dstMulticast {
				return silentDrop("unknown option", stats.OptionDiscardedPackets)
			}
			return paramProblem("unknown option", stats.OptionDiscardedPackets, header.ICMPv6UnknownOption, pointer)
		}
	}
}

// processRouting rejects routing headers that would need forwarding. No
// routing type is supported, so the header is ignored only when no segments
// are left.
func processRouting(h routingHdr, stats *tcpip.IPStats) *dropReason {
	if h.SegmentsLeft() == 0 {
		return nil
	}
	return paramProblem("unsupported routing type", stats.MalformedPacketsReceived, header.ICMPv6ErroneousHeader, h.offset+header.IPv6RoutingExtHdrTypeOffset)
}

// upperLayer returns the upper layer protocol of dgram and the offset of its
// header, walking extension headers without acting on them. ok is false if
// the chain cannot be followed.
func upperLayer(dgram []byte) (proto uint8, offset int, ok bool) {
	if len(dgram) < header.IPv6MinimumSize {
		return 0, 0, false
	}
	h := header.IPv6(dgram)
	next, off := h.NextHeader(), header.IPv6MinimumSize
	for !isTerminal(next) {
		id := header.IPv6ExtensionHeaderIdentifier(next)
		if len(dgram)-off < header.IPv6ExtHdrMinimumSize {
			return 0, 0, false
		}
		length, ok := header.IPv6ExtHdrLength(id, dgram[off+1])
		if !ok || len(dgram)-off < length {
			return 0, 0, false
		}
		if id == header.IPv6FragmentExtHdrIdentifier && header.IPv6Fragment(dgram[off:]).FragmentOffset() != 0 {
			return 0, 0, false
		}
		next = dgram[off]
		off += length
	}
	return next, off, true
}
