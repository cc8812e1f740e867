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

package icmp6_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/icmp"
	netipv6 "golang.org/x/net/ipv6"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/adapters/icmp6"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/faketime"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/link/channel"
	"ip6stack.dev/ip6stack/pkg/tcpip/network/ipv6"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

const nicID = 1

var (
	localAddr  = tcpip.MustParseAddress("2001:db8::1")
	remoteAddr = tcpip.MustParseAddress("2001:db8::2")
	linkLocal  = tcpip.MustParseAddress("fe80::1")
	routerAddr = tcpip.MustParseAddress("fe80::ff")
)

// onLink resolves every destination to itself.
type onLink struct{}

func (onLink) ResolveNextHop(_ tcpip.NICID, dst tcpip.Address) (tcpip.Address, *tcpip.Error) {
	return dst, nil
}

type testContext struct {
	t  *testing.T
	ep *channel.Endpoint
	p  *ipv6.Protocol
	e  *icmp6.Endpoint
}

func newContext(t *testing.T, opts icmp6.Options) *testContext {
	t.Helper()
	c := &testContext{t: t, ep: channel.New(8, 1500), e: icmp6.New(opts)}
	p, err := ipv6.New(ipv6.Options{
		Clock:      faketime.NewManualClock(),
		DisableDAD: true,
		Resolver:   onLink{},
		ICMP:       c.e,
	})
	if err != nil {
		t.Fatalf("ipv6.New(_) = %s", err)
	}
	c.p = p
	c.e.Attach(p)
	if err := p.AddNIC(nicID, c.ep, ipv6.NICOptions{}); err != nil {
		t.Fatalf("AddNIC(%d) = %s", nicID, err)
	}
	for _, a := range []tcpip.Address{localAddr, linkLocal} {
		if err := p.AddAddress(nicID, tcpip.AddressWithPrefix{Address: a, PrefixLen: 64}, ipv6.AddAddressOptions{}); err != nil {
			t.Fatalf("AddAddress(%s) = %s", a, err)
		}
	}
	return c
}

func datagram(src, dst tcpip.Address, hopLimit uint8, next uint8, payload []byte) []byte {
	b := make([]byte, header.IPv6MinimumSize+len(payload))
	header.IPv6(b).Encode(&header.IPv6Fields{
		PayloadLength: uint16(len(payload)),
		NextHeader:    next,
		HopLimit:      hopLimit,
		SrcAddr:       src,
		DstAddr:       dst,
	})
	copy(b[header.IPv6MinimumSize:], payload)
	return b
}

func marshal(t *testing.T, src, dst tcpip.Address, m *icmp.Message) []byte {
	t.Helper()
	b, err := m.Marshal(icmp.IPv6PseudoHeader(src.AsSlice(), dst.AsSlice()))
	if err != nil {
		t.Fatalf("Marshal(%v) = %s", m.Type, err)
	}
	return b
}

// read returns the fixed header and the parsed ICMPv6 message of the next
// outbound packet.
func (c *testContext) read() (header.IPv6, *icmp.Message) {
	c.t.Helper()
	pi, ok := c.ep.Read()
	if !ok {
		c.t.Fatalf("no packet sent")
	}
	b := pi.Datagram()
	ip := header.IPv6(b)
	if got, want := ip.NextHeader(), uint8(header.ICMPv6ProtocolNumber); got != want {
		c.t.Fatalf("got next header = %d, want = %d", got, want)
	}
	m, err := icmp.ParseMessage(int(header.ICMPv6ProtocolNumber), b[header.IPv6MinimumSize:])
	if err != nil {
		c.t.Fatalf("icmp.ParseMessage(_) = %s", err)
	}
	return ip, m
}

func TestParameterProblem(t *testing.T) {
	c := newContext(t, icmp6.Options{})
	// Next header 200 is unknown.
	offending := datagram(remoteAddr, localAddr, 64, 200, make([]byte, 8))
	c.ep.InjectDatagram(offending)

	ip, m := c.read()
	if ip.SourceAddress() != localAddr || ip.DestinationAddress() != remoteAddr {
		t.Errorf("got %s -> %s, want = %s -> %s", ip.SourceAddress(), ip.DestinationAddress(), localAddr, remoteAddr)
	}
	if m.Type != netipv6.ICMPTypeParameterProblem || m.Code != int(header.ICMPv6UnknownHeader) {
		t.Fatalf("got (type, code) = (%v, %d), want = (%v, %d)", m.Type, m.Code, netipv6.ICMPTypeParameterProblem, header.ICMPv6UnknownHeader)
	}
	pp, ok := m.Body.(*icmp.ParamProb)
	if !ok {
		t.Fatalf("got body %T, want *icmp.ParamProb", m.Body)
	}
	if got, want := pp.Pointer, uintptr(header.IPv6NextHeaderOffset); got != want {
		t.Errorf("got pointer = %d, want = %d", got, want)
	}
	if diff := cmp.Diff(offending, pp.Data); diff != "" {
		t.Errorf("invoking packet mismatch (-want +got):\n%s", diff)
	}
	if got := c.e.Stats().Sent.Value(); got != 1 {
		t.Errorf("got Sent = %d, want = 1", got)
	}
}

func TestErrorTruncatedToMinimumMTU(t *testing.T) {
	c := newContext(t, icmp6.Options{})
	offending := datagram(remoteAddr, localAddr, 64, 200, make([]byte, 1400))
	c.ep.InjectDatagram(offending)

	ip, m := c.read()
	if got, want := header.IPv6MinimumSize+int(ip.PayloadLength()), header.IPv6MinimumMTU; got != want {
		t.Errorf("got error datagram size = %d, want = %d", got, want)
	}
	if got, want := len(m.Body.(*icmp.ParamProb).Data), header.ICMPv6ErrorPayloadMax; got != want {
		t.Errorf("got invoking packet excerpt = %d bytes, want = %d", got, want)
	}
}

func TestSendErrorRejects(t *testing.T) {
	c := newContext(t, icmp6.Options{})
	offending := datagram(remoteAddr, localAddr, 64, 17, make([]byte, 8))
	for _, test := range []struct {
		name  string
		dgram []byte
		e     stack.ICMPError
		want  *tcpip.Error
	}{
		{"informational type", offending, stack.ICMPError{Type: header.ICMPv6EchoRequest}, tcpip.ErrNotSupported},
		{"short datagram", offending[:header.IPv6MinimumSize-1], stack.ICMPError{Type: header.ICMPv6ParamProblem}, tcpip.ErrMalformedHeader},
	} {
		t.Run(test.name, func(t *testing.T) {
			pkt := &stack.PacketBuffer{Data: buffer.NewViewFromBytes(test.dgram).ToVectorisedView(), NICID: nicID}
			if err := c.e.SendError(pkt, test.e); err != test.want {
				t.Errorf("got SendError(_, %s) = %s, want = %s", test.e, err, test.want)
			}
		})
	}
	if got := c.ep.NumQueued(); got != 0 {
		t.Errorf("got %d packets sent, want = 0", got)
	}
}

func TestSendBeforeAttach(t *testing.T) {
	e := icmp6.New(icmp6.Options{})
	if err := e.SendRouterSolicitation(nicID); err != tcpip.ErrClosedForSend {
		t.Errorf("got SendRouterSolicitation = %s, want = %s", err, tcpip.ErrClosedForSend)
	}
	if got := e.Stats().SendErrors.Value(); got != 1 {
		t.Errorf("got SendErrors = %d, want = 1", got)
	}
}

func echoRequest(t *testing.T, src, dst tcpip.Address) []byte {
	t.Helper()
	return marshal(t, src, dst, &icmp.Message{
		Type: netipv6.ICMPTypeEchoRequest,
		Body: &icmp.Echo{ID: 0x1234, Seq: 9, Data: []byte("ping")},
	})
}

func TestEchoReply(t *testing.T) {
	c := newContext(t, icmp6.Options{EchoReply: true})
	c.ep.InjectDatagram(datagram(remoteAddr, localAddr, 64, uint8(header.ICMPv6ProtocolNumber), echoRequest(t, remoteAddr, localAddr)))

	ip, m := c.read()
	if ip.SourceAddress() != localAddr || ip.DestinationAddress() != remoteAddr {
		t.Errorf("got %s -> %s, want = %s -> %s", ip.SourceAddress(), ip.DestinationAddress(), localAddr, remoteAddr)
	}
	if m.Type != netipv6.ICMPTypeEchoReply {
		t.Fatalf("got type = %v, want = %v", m.Type, netipv6.ICMPTypeEchoReply)
	}
	want := &icmp.Echo{ID: 0x1234, Seq: 9, Data: []byte("ping")}
	if diff := cmp.Diff(want, m.Body); diff != "" {
		t.Errorf("echo body mismatch (-want +got):\n%s", diff)
	}
}

func TestEchoReplyDisabled(t *testing.T) {
	c := newContext(t, icmp6.Options{})
	c.ep.InjectDatagram(datagram(remoteAddr, localAddr, 64, uint8(header.ICMPv6ProtocolNumber), echoRequest(t, remoteAddr, localAddr)))
	if got := c.ep.NumQueued(); got != 0 {
		t.Errorf("got %d packets sent, want = 0", got)
	}
	if got := c.e.Stats().EchoRequests.Value(); got != 1 {
		t.Errorf("got EchoRequests = %d, want = 1", got)
	}
}

func TestChecksumError(t *testing.T) {
	c := newContext(t, icmp6.Options{EchoReply: true})
	b := echoRequest(t, remoteAddr, localAddr)
	b[len(b)-1] ^= 0xff
	c.ep.InjectDatagram(datagram(remoteAddr, localAddr, 64, uint8(header.ICMPv6ProtocolNumber), b))
	if got := c.ep.NumQueued(); got != 0 {
		t.Errorf("got %d packets sent, want = 0", got)
	}
	s := c.e.Stats()
	if got := s.ChecksumErrors.Value(); got != 1 {
		t.Errorf("got ChecksumErrors = %d, want = 1", got)
	}
	if got := s.EchoRequests.Value(); got != 0 {
		t.Errorf("got EchoRequests = %d, want = 0", got)
	}
}

type advertisement struct {
	nic    tcpip.NICID
	src    tcpip.Address
	prefix tcpip.AddressWithPrefix
}

func TestRouterAdvertisement(t *testing.T) {
	prefix := tcpip.AddressWithPrefix{Address: tcpip.MustParseAddress("2001:db8:5::"), PrefixLen: 64}
	body := make([]byte, header.NDPRAMinimumSize+32)
	body[0] = 64
	body[2], body[3] = 0x07, 0x08
	header.SerializePrefixInformation(body[header.NDPRAMinimumSize:], prefix, true, true, 3600, 1800)

	tests := []struct {
		name     string
		src      tcpip.Address
		hopLimit uint8
		want     []advertisement
	}{
		{"valid", routerAddr, 255, []advertisement{{nicID, routerAddr, prefix}}},
		{"forwarded", routerAddr, 254, nil},
		{"global source", remoteAddr, 255, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got []advertisement
			c := newContext(t, icmp6.Options{
				RouterAdvertisement: func(nic tcpip.NICID, src tcpip.Address, ra header.NDPRouterAdvert) {
					it := ra.Options().Iter()
					_, opt, _, err := it.Next()
					if err != nil {
						t.Errorf("ra.Options().Iter().Next() = %s", err)
						return
					}
					got = append(got, advertisement{nic, src, header.NDPPrefixInformation(opt).Subnet()})
				},
			})
			m := marshal(t, test.src, header.IPv6AllNodesMulticastAddress, &icmp.Message{
				Type: netipv6.ICMPTypeRouterAdvertisement,
				Body: &icmp.RawBody{Data: body},
			})
			c.ep.InjectDatagram(datagram(test.src, header.IPv6AllNodesMulticastAddress, test.hopLimit, uint8(header.ICMPv6ProtocolNumber), m))
			if diff := cmp.Diff(test.want, got, cmp.AllowUnexported(advertisement{})); diff != "" {
				t.Errorf("advertisements mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRouterSolicitation(t *testing.T) {
	c := newContext(t, icmp6.Options{})
	if err := c.e.SendRouterSolicitation(nicID); err != nil {
		t.Fatalf("SendRouterSolicitation(%d) = %s", nicID, err)
	}
	ip, m := c.read()
	if got, want := ip.DestinationAddress(), header.IPv6AllRoutersLinkLocalMulticastAddress; got != want {
		t.Errorf("got destination = %s, want = %s", got, want)
	}
	if got, want := ip.SourceAddress(), linkLocal; got != want {
		t.Errorf("got source = %s, want = %s", got, want)
	}
	if got, want := ip.HopLimit(), uint8(255); got != want {
		t.Errorf("got hop limit = %d, want = %d", got, want)
	}
	if m.Type != netipv6.ICMPTypeRouterSolicitation {
		t.Errorf("got type = %v, want = %v", m.Type, netipv6.ICMPTypeRouterSolicitation)
	}
}
