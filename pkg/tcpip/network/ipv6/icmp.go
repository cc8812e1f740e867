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
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

const (
	// DefaultICMPErrorRate is the default number of ICMPv6 error messages
	// sent per second.
	DefaultICMPErrorRate = 1000

	// DefaultICMPErrorBurst is the default burst of ICMPv6 error messages.
	DefaultICMPErrorBurst = 50
)

// errorReport is an ICMPv6 error message owed to the source of pkt.
type errorReport struct {
	// pkt holds the offending datagram from its fixed header on.
	pkt *stack.PacketBuffer
	e   stack.ICMPError

	// toMulticast allows the report even though the datagram was sent to a
	// multicast group.
	toMulticast bool
}

// shouldSendError returns false if an error message must not be sent about
// dgram, RFC 4443 section 2.4 (e).
func shouldSendError(dgram []byte, toMulticast bool) bool {
	if len(dgram) < header.IPv6MinimumSize {
		return false
	}
	h := header.IPv6(dgram)
	src := h.SourceAddress()
	if src.Unspecified() || header.IsV6MulticastAddress(src) {
		return false
	}
	if header.IsV6MulticastAddress(h.DestinationAddress()) && !toMulticast {
		return false
	}
	// Never report about an error message.
	if proto, off, ok := upperLayer(dgram); ok && proto == uint8(header.ICMPv6ProtocolNumber) && off < len(dgram) {
		if header.ICMPv6Type(dgram[off]).IsErrorType() {
			return false
		}
	}
	return true
}

// sendError reports r through the ICMPv6 collaborator.
//
// Precondition: p.mu must not be locked; the reporter may transmit through
// p.
func (p *Protocol) sendError(r errorReport) {
	stats := &p.stats.ICMP
	if p.reporter == nil {
		return
	}
	if !shouldSendError(r.pkt.Data.First(), r.toMulticast) {
		stats.Suppressed.Increment()
		return
	}
	if !p.icmpLimiter.Allow() {
		stats.RateLimited.Increment()
		return
	}
	if err := p.reporter.SendError(r.pkt, r.e); err != nil {
		stats.SendErrors.Increment()
		p.discardLog.Debugf("ipv6: sending %s to %s: %s", r.e, header.IPv6(r.pkt.Data.First()).SourceAddress(), err)
		return
	}
	switch r.e.Type {
	case header.ICMPv6ParamProblem:
		stats.ParamProblemSent.Increment()
	case header.ICMPv6TimeExceeded:
		stats.TimeExceededSent.Increment()
	}
}

// OnReassemblyTimeout implements fragmentation.TimeoutHandler. It sends a
// Time Exceeded message to the source of the datagram.
func (p *Protocol) OnReassemblyTimeout(first *stack.PacketBuffer) {
	p.sendError(errorReport{
		pkt: first,
		e: stack.ICMPError{
			Type: header.ICMPv6TimeExceeded,
			Code: header.ICMPv6ReassemblyTimeout,
		},
	})
}
