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

// Package icmp6 provides an ICMPv6 endpoint for the IPv6 network layer. It
// encodes error messages with golang.org/x/net/icmp, answers Echo Requests,
// sends Router Solicitations and hands validated Router Advertisements to a
// callback.
package icmp6

import (
	"sync"

	"golang.org/x/net/icmp"
	netipv6 "golang.org/x/net/ipv6"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/checksum"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/network/ipv6"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// ndpHopLimit is the hop limit of every Neighbor Discovery message, RFC 4861
// section 6.1.2.
const ndpHopLimit = 255

// Network is the IPv6 layer the endpoint transmits through. *ipv6.Protocol
// implements it.
type Network interface {
	SelectSource(nicID tcpip.NICID, dst, proposed tcpip.Address) (tcpip.Address, *tcpip.Error)
	WritePacket(nicID tcpip.NICID, params ipv6.WriteParams, pkt *stack.PacketBuffer) *tcpip.Error
}

// RouterAdvertisementHandler receives a Router Advertisement that passed
// validation. ra is only valid for the duration of the call.
type RouterAdvertisementHandler func(nic tcpip.NICID, src tcpip.Address, ra header.NDPRouterAdvert)

// Options configures an Endpoint.
type Options struct {
	// EchoReply enables answering Echo Requests.
	EchoReply bool

	// RouterAdvertisement, if set, is called for each valid Router
	// Advertisement.
	RouterAdvertisement RouterAdvertisementHandler
}

// Stats are the counters of an Endpoint.
type Stats struct {
	Received             tcpip.StatCounter
	ChecksumErrors       tcpip.StatCounter
	Malformed            tcpip.StatCounter
	EchoRequests         tcpip.StatCounter
	RouterAdvertisements tcpip.StatCounter
	Sent                 tcpip.StatCounter
	SendErrors           tcpip.StatCounter
}

// Endpoint implements stack.ICMPReporter.
type Endpoint struct {
	opts  Options
	stats Stats

	mu  sync.RWMutex
	net Network
}

var _ stack.ICMPReporter = (*Endpoint)(nil)

// New returns an endpoint that cannot transmit until Attach is called.
func New(opts Options) *Endpoint {
	return &Endpoint{opts: opts}
}

// Attach sets the network layer the endpoint transmits through.
func (e *Endpoint) Attach(n Network) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.net = n
}

// Stats returns the endpoint counters.
func (e *Endpoint) Stats() *Stats {
	return &e.stats
}

func (e *Endpoint) network() Network {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.net
}

// SendError implements stack.ICMPReporter.SendError. The message is sent
// from the address the offending datagram was sent to, unless that is a
// multicast group or not usable.
func (e *Endpoint) SendError(pkt *stack.PacketBuffer, ie stack.ICMPError) *tcpip.Error {
	dgram := pkt.Data.ToView()
	if len(dgram) < header.IPv6MinimumSize {
		return tcpip.ErrMalformedHeader
	}
	ip := header.IPv6(dgram)
	if len(dgram) > header.ICMPv6ErrorPayloadMax {
		dgram = dgram[:header.ICMPv6ErrorPayloadMax]
	}

	var body icmp.MessageBody
	switch ie.Type {
	case header.ICMPv6ParamProblem:
		body = &icmp.ParamProb{Pointer: uintptr(ie.Pointer), Data: dgram}
	case header.ICMPv6TimeExceeded:
		body = &icmp.TimeExceeded{Data: dgram}
	case header.ICMPv6DstUnreachable:
		body = &icmp.DstUnreach{Data: dgram}
	default:
		return tcpip.ErrNotSupported
	}

	var src tcpip.Address
	if dst := ip.DestinationAddress(); !header.IsV6MulticastAddress(dst) {
		src = dst
	}
	return e.send(pkt.NICID, src, ip.SourceAddress(), 0, &icmp.Message{
		Type: netipv6.ICMPType(ie.Type),
		Code: int(ie.Code),
		Body: body,
	})
}

// SendRouterSolicitation sends a Router Solicitation to the all-routers
// group on nic.
func (e *Endpoint) SendRouterSolicitation(nic tcpip.NICID) *tcpip.Error {
	return e.send(nic, tcpip.Address{}, header.IPv6AllRoutersLinkLocalMulticastAddress, ndpHopLimit, &icmp.Message{
		Type: netipv6.ICMPTypeRouterSolicitation,
		Body: &icmp.RawBody{Data: make([]byte, header.NDPRSMinimumSize)},
	})
}

func (e *Endpoint) send(nic tcpip.NICID, src, dst tcpip.Address, hopLimit uint8, m *icmp.Message) *tcpip.Error {
	n := e.network()
	if n == nil {
		e.stats.SendErrors.Increment()
		return tcpip.ErrClosedForSend
	}
	src, err := n.SelectSource(nic, dst, src)
	if err == tcpip.ErrBadLocalAddress {
		src, err = n.SelectSource(nic, dst, tcpip.Address{})
	}
	if err != nil {
		e.stats.SendErrors.Increment()
		return err
	}
	b, merr := m.Marshal(icmp.IPv6PseudoHeader(src.AsSlice(), dst.AsSlice()))
	if merr != nil {
		log.Warningf("icmp6: encoding %v: %v", m.Type, merr)
		e.stats.SendErrors.Increment()
		return tcpip.ErrMalformedHeader
	}
	pkt := stack.NewPacketBuffer(header.IPv6MinimumSize, buffer.NewViewFromBytes(b).ToVectorisedView())
	if err := n.WritePacket(nic, ipv6.WriteParams{
		Source:      src,
		Destination: dst,
		Protocol:    header.ICMPv6ProtocolNumber,
		HopLimit:    hopLimit,
	}, pkt); err != nil {
		e.stats.SendErrors.Increment()
		return err
	}
	e.stats.Sent.Increment()
	return nil
}

// HandlePacket implements stack.ICMPReporter.HandlePacket.
func (e *Endpoint) HandlePacket(pkt *stack.PacketBuffer) {
	e.stats.Received.Increment()
	b := pkt.Data.ToView()
	ip := header.IPv6(pkt.NetworkHeader)
	if len(b) < header.ICMPv6MinimumSize || len(ip) < header.IPv6MinimumSize {
		e.stats.Malformed.Increment()
		return
	}
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	xsum := checksum.PseudoHeaderChecksum(uint8(header.ICMPv6ProtocolNumber), src.AsSlice(), dst.AsSlice(), uint32(len(b)))
	if checksum.Checksum(b, xsum) != 0xffff {
		e.stats.ChecksumErrors.Increment()
		return
	}
	m, err := icmp.ParseMessage(int(header.ICMPv6ProtocolNumber), b)
	if err != nil {
		e.stats.Malformed.Increment()
		return
	}

	switch m.Type {
	case netipv6.ICMPTypeEchoRequest:
		e.stats.EchoRequests.Increment()
		echo, ok := m.Body.(*icmp.Echo)
		if !ok || !e.opts.EchoReply {
			return
		}
		var replySrc tcpip.Address
		if !header.IsV6MulticastAddress(dst) {
			replySrc = dst
		}
		if err := e.send(pkt.NICID, replySrc, src, 0, &icmp.Message{Type: netipv6.ICMPTypeEchoReply, Body: echo}); err != nil {
			log.Debugf("icmp6: echo reply to %s on NIC %d: %s", src, pkt.NICID, err)
		}

	case netipv6.ICMPTypeRouterAdvertisement:
		// RFC 4861 section 6.1.2.
		body := b[header.ICMPv6MinimumSize:]
		if ip.HopLimit() != ndpHopLimit || m.Code != 0 || !header.IsV6LinkLocalUnicastAddress(src) || len(body) < header.NDPRAMinimumSize {
			e.stats.Malformed.Increment()
			return
		}
		e.stats.RouterAdvertisements.Increment()
		if h := e.opts.RouterAdvertisement; h != nil {
			h(pkt.NICID, src, header.NDPRouterAdvert(body))
		}

	default:
		log.Debugf("icmp6: ignoring %v from %s on NIC %d", m.Type, src, pkt.NICID)
	}
}
