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

// Package ipv6 contains the implementation of the IPv6 network layer of a
// host: receive-side validation, extension header processing, fragment
// reassembly and demultiplexing, transmit-side source address selection and
// next-hop classification, and address configuration.
//
// A Protocol is the context object of the layer. It owns the address tables
// of its interfaces, the reassembly state and the policy table, all guarded
// by one mutex. Collaborators (link endpoints, neighbor discovery, duplicate
// address detection, ICMPv6 and transports) are reached through the
// interfaces of package stack and are never called with the mutex held,
// except for the neighbor resolver and multicast membership which must not
// call back into the Protocol.
package ipv6

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/network/fragmentation"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the ipv6 protocol number.
	ProtocolNumber = header.IPv6ProtocolNumber

	// DefaultMaxAddresses is the default capacity of an interface address
	// table.
	DefaultMaxAddresses = 4

	// MaxAddressesLimit is the largest allowed address table capacity.
	MaxAddressesLimit = 16

	// DefaultRAWaitTimeout is how long autoconfiguration waits for a Router
	// Advertisement after each Router Solicitation.
	DefaultRAWaitTimeout = 500 * time.Millisecond

	// DefaultMaxRouterSolicitations is the default number of Router
	// Solicitations sent by autoconfiguration.
	DefaultMaxRouterSolicitations = 3
)

// Options configures a Protocol.
type Options struct {
	// Clock drives reassembly and address lifetime timers. Defaults to the
	// time package.
	Clock tcpip.Clock

	// ReassemblyTimeout, MaxFragmentLists and MaxFragments configure
	// fragment reassembly. Zero values select the fragmentation package
	// defaults.
	ReassemblyTimeout time.Duration
	MaxFragmentLists  int
	MaxFragments      int

	// MaxAddresses is the capacity of each interface address table.
	MaxAddresses int

	// DefaultHopLimit is used for datagrams whose caller does not set one.
	DefaultHopLimit uint8

	// ICMPErrorRate and ICMPErrorBurst limit the ICMPv6 error messages
	// requested by the layer.
	ICMPErrorRate  rate.Limit
	ICMPErrorBurst int

	// AutoConfigure enables stateless address autoconfiguration.
	AutoConfigure bool

	// RAWaitTimeout bounds each wait for a Router Advertisement.
	RAWaitTimeout time.Duration

	// MaxRouterSolicitations is the number of Router Solicitations sent
	// before autoconfiguration settles for a link-local address.
	MaxRouterSolicitations int

	// DisableDAD makes new addresses usable immediately.
	DisableDAD bool

	// PolicyTable replaces the default source selection policy table. It
	// must be ordered by decreasing prefix length and end with ::/0.
	PolicyTable []PolicyEntry

	// AddressConfigured, if set, is called without locks held whenever
	// duplicate address detection for an address finishes.
	AddressConfigured func(nic tcpip.NICID, addr tcpip.AddressWithPrefix, result stack.DADResult)

	// Collaborators. Any of them may be nil.
	Resolver        stack.NeighborResolver
	RouterSolicitor stack.RouterSolicitor
	DADProber       stack.DADProber
	ICMP            stack.ICMPReporter
	Transport       stack.TransportDispatcher
	Membership      stack.MulticastMembership
}

// validate fills in defaults and checks the remaining values.
func (o *Options) validate() *tcpip.Error {
	if o.Clock == nil {
		o.Clock = tcpip.NewStdClock()
	}
	if o.MaxAddresses == 0 {
		o.MaxAddresses = DefaultMaxAddresses
	}
	if o.MaxAddresses < 1 || o.MaxAddresses > MaxAddressesLimit {
		return tcpip.ErrInvalidOptionValue
	}
	if o.DefaultHopLimit == 0 {
		o.DefaultHopLimit = header.IPv6DefaultHopLimit
	}
	if o.ICMPErrorRate == 0 {
		o.ICMPErrorRate = DefaultICMPErrorRate
	}
	if o.ICMPErrorBurst == 0 {
		o.ICMPErrorBurst = DefaultICMPErrorBurst
	}
	if o.RAWaitTimeout == 0 {
		o.RAWaitTimeout = DefaultRAWaitTimeout
	}
	if o.MaxRouterSolicitations == 0 {
		o.MaxRouterSolicitations = DefaultMaxRouterSolicitations
	}
	if o.ICMPErrorRate < 0 || o.ICMPErrorBurst < 0 || o.RAWaitTimeout < 0 || o.MaxRouterSolicitations < 0 {
		return tcpip.ErrInvalidOptionValue
	}
	if o.PolicyTable == nil {
		o.PolicyTable = DefaultPolicyTable()
	}
	return nil
}

// NICOptions configures an interface.
type NICOptions struct {
	// Loopback marks the loopback pseudo-interface. It accepts datagrams
	// for any destination and delivers everything it sends locally.
	Loopback bool

	// InterfaceID is the interface identifier used for autoconfigured
	// addresses.
	InterfaceID [header.IIDSize]byte
}

type nic struct {
	id       tcpip.NICID
	ep       stack.LinkEndpoint
	loopback bool
	iid      [header.IIDSize]byte
	addrs    addressTable

	// autoconfig is cleared to stop a running autoconfiguration at its
	// next checkpoint.
	autoconfig bool
}

// Protocol is the IPv6 network layer.
type Protocol struct {
	opts        Options
	clock       tcpip.Clock
	stats       tcpip.Stats
	icmpLimiter *rate.Limiter
	discardLog  log.Logger

	resolver   stack.NeighborResolver
	solicitor  stack.RouterSolicitor
	dad        stack.DADProber
	reporter   stack.ICMPReporter
	transport  stack.TransportDispatcher
	membership stack.MulticastMembership

	mu     sync.Mutex
	nics   map[tcpip.NICID]*nic
	policy []PolicyEntry
	frag   *fragmentation.Fragmentation
}

// New creates a Protocol.
func New(opts Options) (*Protocol, *tcpip.Error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	p := &Protocol{
		opts:        opts,
		clock:       opts.Clock,
		stats:       tcpip.Stats{}.FillIn(),
		icmpLimiter: rate.NewLimiter(opts.ICMPErrorRate, opts.ICMPErrorBurst),
		discardLog:  log.BasicRateLimitedLogger(time.Second),
		resolver:    opts.Resolver,
		solicitor:   opts.RouterSolicitor,
		dad:         opts.DADProber,
		reporter:    opts.ICMP,
		transport:   opts.Transport,
		membership:  opts.Membership,
		nics:        make(map[tcpip.NICID]*nic),
		policy:      opts.PolicyTable,
	}
	frag, err := fragmentation.New(&p.mu, p.clock, fragmentation.Config{
		Timeout:      opts.ReassemblyTimeout,
		MaxLists:     opts.MaxFragmentLists,
		MaxFragments: opts.MaxFragments,
	}, &p.stats.Reassembly, p)
	if err != nil {
		log.Warningf("ipv6: invalid reassembly options: %v", err)
		return nil, tcpip.ErrInvalidOptionValue
	}
	p.frag = frag
	return p, nil
}

// Stats returns the counters of the layer.
func (p *Protocol) Stats() *tcpip.Stats {
	return &p.stats
}

// nicDispatcher delivers the packets of one link endpoint.
type nicDispatcher struct {
	p  *Protocol
	id tcpip.NICID
}

// DeliverNetworkPacket implements stack.NetworkDispatcher.
func (d *nicDispatcher) DeliverNetworkPacket(pkt *stack.PacketBuffer) {
	pkt.NICID = d.id
	d.p.HandlePacket(pkt)
}

// AddNIC adds an interface backed by ep. The loopback pseudo-interface gets
// ::1 configured.
func (p *Protocol) AddNIC(id tcpip.NICID, ep stack.LinkEndpoint, opts NICOptions) *tcpip.Error {
	p.mu.Lock()
	if _, ok := p.nics[id]; ok {
		p.mu.Unlock()
		return tcpip.ErrDuplicateNICID
	}
	n := &nic{
		id:       id,
		ep:       ep,
		loopback: opts.Loopback,
		iid:      opts.InterfaceID,
		addrs:    newAddressTable(p.opts.MaxAddresses),
	}
	p.nics[id] = n
	if n.loopback {
		a, err := p.addAddressLocked(n, tcpip.AddressWithPrefix{Address: header.IPv6Loopback, PrefixLen: 128}, OriginStatic, stack.InfiniteLifetime, stack.InfiniteLifetime)
		if err != nil {
			delete(p.nics, id)
			p.mu.Unlock()
			return err
		}
		a.State = AddressPreferred
	}
	p.mu.Unlock()

	if ep != nil {
		ep.Attach(&nicDispatcher{p: p, id: id})
	}
	log.Infof("ipv6: added NIC %d (loopback=%t)", id, opts.Loopback)
	return nil
}

// RemoveNIC removes an interface and every address configured on it.
func (p *Protocol) RemoveNIC(id tcpip.NICID) *tcpip.Error {
	p.mu.Lock()
	n, ok := p.nics[id]
	if !ok {
		p.mu.Unlock()
		return tcpip.ErrUnknownNICID
	}
	var tentative []tcpip.Address
	for n.addrs.len() > 0 {
		a := n.addrs.entries()[0].Address.Address
		if removed, _ := p.removeAddressLocked(n, a); removed.State == AddressTentative {
			tentative = append(tentative, a)
		}
	}
	n.autoconfig = false
	delete(p.nics, id)
	p.mu.Unlock()

	p.stopDAD(id, tentative)
	log.Infof("ipv6: removed NIC %d", id)
	return nil
}

// SetReassemblyTimeout sets the reassembly timeout of datagrams whose first
// fragment arrives afterwards.
func (p *Protocol) SetReassemblyTimeout(d time.Duration) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.frag.SetTimeout(d); err != nil {
		return tcpip.ErrInvalidOptionValue
	}
	return nil
}

// SelectSource returns the source address for a datagram to dst sent on
// nicID. A specified proposed address is returned as is if it is usable on
// the interface. On failure the first configured address, if any, is
// returned with tcpip.ErrNoSourceAddress.
func (p *Protocol) SelectSource(nicID tcpip.NICID, dst, proposed tcpip.Address) (tcpip.Address, *tcpip.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nics[nicID]
	if !ok {
		return tcpip.Address{}, tcpip.ErrUnknownNICID
	}
	return selectSource(n.addrs.entries(), p.policy, dst, proposed)
}

// rxOutcome is the result of processing an inbound datagram under the lock.
type rxOutcome struct {
	// dgram is the datagram as last seen, from its fixed header on.
	dgram buffer.View

	drop *dropReason

	// deliver is the upper layer packet, nil if nothing is delivered.
	deliver *stack.PacketBuffer
	proto   tcpip.TransportProtocolNumber
}

// HandlePacket is called by the link layer when a datagram arrives. pkt.Data
// holds the datagram from its fixed header on and pkt.NICID names the
// receiving interface.
func (p *Protocol) HandlePacket(pkt *stack.PacketBuffer) {
	p.stats.IP.PacketsReceived.Increment()
	dgram, _ := pkt.Data.PullUp(pkt.Data.Size())

	p.mu.Lock()
	o := p.handlePacketLocked(pkt, dgram)
	p.mu.Unlock()

	if o.drop != nil {
		p.drop(pkt, o)
		return
	}
	if o.deliver != nil {
		p.deliver(o.proto, o.deliver)
	}
}

// handlePacketLocked validates dgram, walks its header chain and reassembles
// it if needed.
//
// Precondition: p.mu must be locked.
func (p *Protocol) handlePacketLocked(pkt *stack.PacketBuffer, dgram buffer.View) rxOutcome {
	stats := &p.stats.IP
	n, ok := p.nics[pkt.NICID]
	if !ok {
		return rxOutcome{dgram: dgram, drop: silentDrop("unknown NIC", nil)}
	}
	v, r := p.validateLocked(n, pkt, dgram)
	if r != nil {
		return rxOutcome{dgram: dgram, drop: r}
	}
	dgram = buffer.View(v.hdr)
	dstMulticast := header.IsV6MulticastAddress(v.hdr.DestinationAddress())

	cur := newExtHdrCursor(v.hdr)
	for !isTerminal(cur.next) {
		hdr, r := cur.decode(dgram, stats)
		if r != nil {
			return rxOutcome{dgram: dgram, drop: r}
		}
		switch h := hdr.(type) {
		case optionsHdr:
			r = processOptions(h, dstMulticast, stats)
		case routingHdr:
			r = processRouting(h, stats)
		case fragmentHdr:
			var done bool
			dgram, cur, done, r = p.reassembleLocked(pkt, dgram, cur, h)
			if r == nil && !done {
				// Queued for reassembly.
				return rxOutcome{}
			}
		case opaqueHdr:
			// Authentication and Mobility headers are not acted upon.
		}
		if r != nil {
			return rxOutcome{dgram: dgram, drop: r}
		}
	}

	if header.IPv6ExtensionHeaderIdentifier(cur.next) == header.IPv6NoNextHeaderIdentifier {
		return rxOutcome{}
	}
	proto := tcpip.TransportProtocolNumber(cur.next)
	if v.tentative && proto != header.ICMPv6ProtocolNumber {
		return rxOutcome{dgram: dgram, drop: silentDrop("tentative destination", stats.InvalidDestinationAddressesReceived)}
	}
	return rxOutcome{
		dgram: dgram,
		proto: proto,
		deliver: &stack.PacketBuffer{
			Data:          dgram[cur.offset:].ToVectorisedView(),
			NetworkHeader: dgram[:header.IPv6MinimumSize],
			NICID:         pkt.NICID,
			Loopback:      pkt.Loopback,
		},
	}
}

// reassembleLocked hands the fragment at cur to the reassembler. When the
// datagram is complete it returns the reassembled datagram and a cursor at
// the header that followed the Fragment header.
//
// Precondition: p.mu must be locked.
func (p *Protocol) reassembleLocked(pkt *stack.PacketBuffer, dgram buffer.View, cur extHdrCursor, h fragmentHdr) (buffer.View, extHdrCursor, bool, *dropReason) {
	if h.IsAtomic() {
		// Nothing to reassemble; the cursor already names the header that
		// follows.
		return dgram, cur, true, nil
	}

	ip := header.IPv6(dgram)
	frag := fragmentation.Fragment{
		ID: fragmentation.FragmentID{
			Source:      ip.SourceAddress(),
			Destination: ip.DestinationAddress(),
			ID:          h.ID(),
		},
		Offset:           h.FragmentOffsetBytes(),
		More:             h.More(),
		ExtLen:           cur.extLen - header.IPv6FragmentHeaderSize,
		NextHeader:       h.NextHeader(),
		NextHeaderOffset: cur.prevNextHdrOffset,
		Data:             buffer.NewViewFromBytes(dgram[cur.offset:]).ToVectorisedView(),
	}
	if frag.Offset == 0 {
		frag.Pkt = &stack.PacketBuffer{
			Data:     buffer.NewViewFromBytes(dgram).ToVectorisedView(),
			NICID:    pkt.NICID,
			Loopback: pkt.Loopback,
		}
	}

	res, done, err := p.frag.Process(frag)
	switch {
	case errors.Is(err, fragmentation.ErrFragmentTooLarge):
		return dgram, cur, false, paramProblem(err.Error(), nil, header.ICMPv6ErroneousHeader, h.offset+header.IPv6FragmentOffsetFieldOffset)
	case errors.Is(err, fragmentation.ErrFragmentMisaligned):
		return dgram, cur, false, paramProblem(err.Error(), nil, header.ICMPv6ErroneousHeader, header.IPv6PayloadLenOffset)
	case err != nil:
		return dgram, cur, false, silentDrop(err.Error(), nil)
	case !done:
		return dgram, cur, false, nil
	}

	unfragmentable := header.IPv6MinimumSize + res.ExtLen
	payload := res.Data.Size()
	out := buffer.NewView(unfragmentable + payload)
	copy(out, res.First.Data.First()[:unfragmentable])
	copy(out[unfragmentable:], res.Data.ToView())
	header.IPv6(out).SetPayloadLength(uint16(res.ExtLen + payload))
	out[res.NextHeaderOffset] = res.NextHeader

	return out, extHdrCursor{
		next:              res.NextHeader,
		offset:            unfragmentable,
		extLen:            res.ExtLen,
		remaining:         payload,
		nextHdrOffset:     res.NextHeaderOffset,
		prevNextHdrOffset: res.NextHeaderOffset,
	}, true, nil
}

// drop accounts for a discarded datagram and sends the error message owed
// to its source.
func (p *Protocol) drop(pkt *stack.PacketBuffer, o rxOutcome) {
	r := o.drop
	if r.counter != nil {
		r.counter.Increment()
	}
	p.discardLog.Debugf("ipv6: dropped datagram on NIC %d: %s", pkt.NICID, r.reason)
	if r.icmp == nil {
		return
	}
	p.sendError(errorReport{
		pkt: &stack.PacketBuffer{
			Data:     o.dgram.ToVectorisedView(),
			NICID:    pkt.NICID,
			Loopback: pkt.Loopback,
		},
		e:           *r.icmp,
		toMulticast: r.toMulticast,
	})
}

// deliver hands an upper layer packet to ICMPv6 or a transport.
func (p *Protocol) deliver(proto tcpip.TransportProtocolNumber, pkt *stack.PacketBuffer) {
	stats := &p.stats.IP
	switch proto {
	case header.ICMPv6ProtocolNumber:
		if p.reporter == nil {
			stats.UnknownProtocolRcvdPackets.Increment()
			return
		}
		stats.PacketsDelivered.Increment()
		p.reporter.HandlePacket(pkt)
	default:
		if p.transport == nil {
			stats.UnknownProtocolRcvdPackets.Increment()
			return
		}
		stats.PacketsDelivered.Increment()
		p.transport.DeliverTransportPacket(proto, pkt)
	}
}

// WriteParams holds the fixed header fields and extension headers of an
// outbound datagram.
type WriteParams struct {
	// Source is selected when unspecified. A specified source must be
	// configured on the outgoing interface.
	Source      tcpip.Address
	Destination tcpip.Address
	Protocol    tcpip.TransportProtocolNumber

	// HopLimit defaults to Options.DefaultHopLimit when zero.
	HopLimit     uint8
	TrafficClass uint8
	FlowLabel    uint32

	ExtHdrs *ExtHdrList
}

// WritePacket transmits the payload held by the chain starting at pkt on
// nicID. The upper layer header, if any, is in pkt.Header; the remaining
// payload is in the Data of every buffer of the chain.
//
// Datagrams to an address of the interface are delivered locally. Every
// buffer of the chain is annotated with the next hop before it reaches the
// link.
func (p *Protocol) WritePacket(nicID tcpip.NICID, params WriteParams, pkt *stack.PacketBuffer) *tcpip.Error {
	stats := &p.stats.IP
	dst := params.Destination
	if dst.Unspecified() {
		return tcpip.ErrDestinationRequired
	}

	p.mu.Lock()
	n, ok := p.nics[nicID]
	if !ok {
		p.mu.Unlock()
		return tcpip.ErrUnknownNICID
	}
	src, err := selectSource(n.addrs.entries(), p.policy, dst, params.Source)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	nextHop, local, err := p.nextHopLocked(n, dst)
	if err != nil {
		p.mu.Unlock()
		stats.NoRouteSendErrors.Increment()
		return err
	}
	ep := n.ep
	p.mu.Unlock()

	extLen := params.ExtHdrs.Len()
	payload := extLen + pkt.Header.UsedLength() + pkt.ChainSize()
	if payload > header.IPv6MaximumPayloadSize {
		return tcpip.ErrMessageTooLong
	}
	if !local {
		if ep == nil {
			return tcpip.ErrNoRoute
		}
		if header.IPv6MinimumSize+payload > int(ep.MTU()) {
			return tcpip.ErrMessageTooLong
		}
	}

	reserveHeader(pkt, header.IPv6MinimumSize+extLen)
	first := params.ExtHdrs.serialize(pkt.Header.Prepend(extLen), uint8(params.Protocol))
	hopLimit := params.HopLimit
	if hopLimit == 0 {
		hopLimit = p.opts.DefaultHopLimit
	}
	ip := header.IPv6(pkt.Header.Prepend(header.IPv6MinimumSize))
	ip.Encode(&header.IPv6Fields{
		TrafficClass:  params.TrafficClass,
		FlowLabel:     params.FlowLabel,
		PayloadLength: uint16(payload),
		NextHeader:    first,
		HopLimit:      hopLimit,
		SrcAddr:       src,
		DstAddr:       dst,
	})
	pkt.NetworkHeader = buffer.View(ip)
	for b := pkt; b != nil; b = b.Next {
		b.NICID = nicID
		b.NextHop = nextHop
	}

	if local {
		stats.PacketsSent.Increment()
		p.HandlePacket(&stack.PacketBuffer{
			Data:     pkt.Flatten().ToVectorisedView(),
			NICID:    nicID,
			Loopback: true,
		})
		return nil
	}
	if err := ep.WritePacket(pkt); err != nil {
		stats.OutgoingPacketErrors.Increment()
		return err
	}
	stats.PacketsSent.Increment()
	return nil
}

// reserveHeader makes room for n more header bytes in pkt.Header.
func reserveHeader(pkt *stack.PacketBuffer, n int) {
	if pkt.Header.AvailableLength() >= n {
		return
	}
	used := pkt.Header.View()
	hdr := buffer.NewPrependable(n + len(used))
	copy(hdr.Prepend(len(used)), used)
	pkt.Header = hdr
}
