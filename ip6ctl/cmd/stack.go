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

package cmd

import (
	"fmt"

	"ip6stack.dev/ip6stack/ip6ctl/config"
	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/adapters/icmp6"
	"ip6stack.dev/ip6stack/pkg/tcpip/adapters/staticnd"
	"ip6stack.dev/ip6stack/pkg/tcpip/network/ipv6"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

const (
	// linkNIC is the interface backed by the configured link.
	linkNIC tcpip.NICID = 1

	// loopbackNIC is the loopback pseudo-interface.
	loopbackNIC tcpip.NICID = 2
)

// netStack is an IPv6 layer wired to the static neighbor discovery
// collaborators and an ICMPv6 endpoint.
type netStack struct {
	proto      *ipv6.Protocol
	icmp       *icmp6.Endpoint
	resolver   *staticnd.Resolver
	membership *staticnd.Membership
	prober     *staticnd.Prober
	solicitor  *staticnd.Solicitor
}

// newNetStack builds the stack selected by conf. clock drives every timer;
// nil selects the standard clock.
func newNetStack(conf *config.Config, clock tcpip.Clock, transport stack.TransportDispatcher) (*netStack, error) {
	if clock == nil {
		clock = tcpip.NewStdClock()
	}
	s := &netStack{
		resolver:   staticnd.NewResolver(),
		membership: staticnd.NewMembership(),
		prober: staticnd.NewProber(staticnd.ProberOptions{
			Clock: clock,
			Delay: conf.DADDelay,
		}),
	}
	s.solicitor = staticnd.NewSolicitor(staticnd.SolicitorOptions{
		Resolver:    s.resolver,
		Unsolicited: s.handleUnsolicited,
	})
	s.icmp = icmp6.New(icmp6.Options{
		EchoReply:           conf.EchoReply,
		RouterAdvertisement: s.solicitor.HandleRouterAdvertisement,
	})

	opts := conf.ProtocolOptions()
	opts.Clock = clock
	opts.Resolver = s.resolver
	opts.RouterSolicitor = s.solicitor
	opts.DADProber = s.prober
	opts.ICMP = s.icmp
	opts.Transport = transport
	opts.Membership = s.membership
	opts.AddressConfigured = func(nic tcpip.NICID, addr tcpip.AddressWithPrefix, result stack.DADResult) {
		log.Infof("NIC %d: address %s: %s", nic, addr, result)
	}
	p, err := ipv6.New(opts)
	if err != nil {
		return nil, tcpipError("creating IPv6 layer", err)
	}
	s.proto = p
	s.icmp.Attach(p)
	s.solicitor.Attach(s.icmp)

	claimed, cerr := conf.ClaimedAddresses()
	if cerr != nil {
		return nil, cerr
	}
	for _, a := range claimed {
		s.prober.Claim(linkNIC, a)
	}
	return s, nil
}

func (s *netStack) handleUnsolicited(nic tcpip.NICID, prefixes []stack.PrefixInfo) {
	for _, pi := range prefixes {
		s.proto.HandlePrefixInformation(nic, pi)
	}
}

// addLink attaches ep as linkNIC and applies the static addressing of conf.
// Addresses still running duplicate address detection are reported through
// the log once it finishes.
func (s *netStack) addLink(conf *config.Config, ep stack.LinkEndpoint) error {
	iid, err := conf.IID()
	if err != nil {
		return err
	}
	if err := s.proto.AddNIC(linkNIC, ep, ipv6.NICOptions{InterfaceID: iid}); err != nil {
		return tcpipError("adding link interface", err)
	}

	onLink, err := conf.OnLinkPrefixes()
	if err != nil {
		return err
	}
	for _, prefix := range onLink {
		s.resolver.AddOnLinkPrefix(linkNIC, prefix)
	}
	router, err := conf.DefaultRouter()
	if err != nil {
		return err
	}
	s.resolver.SetDefaultRouter(linkNIC, router)

	addrs, err := conf.StaticAddresses()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		// A manually configured address makes its prefix on-link.
		if addr.PrefixLen < 128 {
			s.resolver.AddOnLinkPrefix(linkNIC, addr)
		}
		switch err := s.proto.AddAddress(linkNIC, addr, ipv6.AddAddressOptions{}); err {
		case nil, tcpip.ErrAddressInProgress:
		default:
			return fmt.Errorf("adding address %s: %s", addr, err)
		}
	}
	return nil
}

// addLoopback attaches ep as loopbackNIC. The IPv6 layer configures ::1 on
// it.
func (s *netStack) addLoopback(ep stack.LinkEndpoint) error {
	return tcpipError("adding loopback interface", s.proto.AddNIC(loopbackNIC, ep, ipv6.NICOptions{Loopback: true}))
}
