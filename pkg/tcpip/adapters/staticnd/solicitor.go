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

package staticnd

import (
	"context"
	"sync"
	"time"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// Sender transmits Router Solicitations. *icmp6.Endpoint implements it.
type Sender interface {
	SendRouterSolicitation(nic tcpip.NICID) *tcpip.Error
}

// SolicitorOptions configures a Solicitor.
type SolicitorOptions struct {
	// Resolver, if set, learns on-link prefixes and default routers from
	// router advertisements.
	Resolver *Resolver

	// Unsolicited, if set, receives the prefixes of advertisements that
	// arrive while nobody waits on the interface.
	Unsolicited func(nic tcpip.NICID, prefixes []stack.PrefixInfo)
}

// Solicitor implements stack.RouterSolicitor. Advertisements are fed to it
// through HandleRouterAdvertisement, which has the signature of an
// icmp6.RouterAdvertisementHandler.
type Solicitor struct {
	opts SolicitorOptions

	mu      sync.Mutex
	sender  Sender
	waiters map[tcpip.NICID][]chan []stack.PrefixInfo
}

var _ stack.RouterSolicitor = (*Solicitor)(nil)

// NewSolicitor returns a solicitor with no sender attached.
func NewSolicitor(opts SolicitorOptions) *Solicitor {
	return &Solicitor{
		opts:    opts,
		waiters: make(map[tcpip.NICID][]chan []stack.PrefixInfo),
	}
}

// Attach sets the sender solicitations go through.
func (s *Solicitor) Attach(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// SendRouterSolicitation implements stack.RouterSolicitor.SendRouterSolicitation.
func (s *Solicitor) SendRouterSolicitation(nic tcpip.NICID) *tcpip.Error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return tcpip.ErrClosedForSend
	}
	return sender.SendRouterSolicitation(nic)
}

// WaitRouterAdvertisement implements stack.RouterSolicitor.WaitRouterAdvertisement.
func (s *Solicitor) WaitRouterAdvertisement(ctx context.Context, nic tcpip.NICID, timeout time.Duration) ([]stack.PrefixInfo, bool) {
	ch := make(chan []stack.PrefixInfo, 1)
	s.mu.Lock()
	s.waiters[nic] = append(s.waiters[nic], ch)
	s.mu.Unlock()
	defer s.removeWaiter(nic, ch)

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case prefixes := <-ch:
		return prefixes, true
	case <-t.C:
	case <-ctx.Done():
	}
	return nil, false
}

func (s *Solicitor) removeWaiter(nic tcpip.NICID, ch chan []stack.PrefixInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[nic]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, nic)
	} else {
		s.waiters[nic] = ws
	}
}

// HandleRouterAdvertisement consumes a validated router advertisement
// received on nic from src.
func (s *Solicitor) HandleRouterAdvertisement(nic tcpip.NICID, src tcpip.Address, ra header.NDPRouterAdvert) {
	prefixes := s.learn(nic, src, ra)

	s.mu.Lock()
	ws := s.waiters[nic]
	delivered := false
	for _, w := range ws {
		select {
		case w <- prefixes:
			delivered = true
		default:
		}
	}
	s.mu.Unlock()

	if !delivered && s.opts.Unsolicited != nil {
		s.opts.Unsolicited(nic, prefixes)
	}
}

func (s *Solicitor) learn(nic tcpip.NICID, src tcpip.Address, ra header.NDPRouterAdvert) []stack.PrefixInfo {
	r := s.opts.Resolver
	if r != nil {
		if ra.RouterLifetime() > 0 {
			r.SetDefaultRouter(nic, src)
		} else if cur, ok := r.DefaultRouter(nic); ok && cur == src {
			r.SetDefaultRouter(nic, tcpip.Address{})
		}
	}

	var prefixes []stack.PrefixInfo
	it := ra.Options().Iter()
	for {
		id, body, done, err := it.Next()
		if err != nil {
			log.Debugf("staticnd: NIC %d: dropping options of advertisement from %s: %s", nic, src, err)
			break
		}
		if done {
			break
		}
		if id != header.NDPPrefixInformationType {
			continue
		}
		pi := header.NDPPrefixInformation(body)
		info := stack.PrefixInfo{
			Prefix:            pi.Subnet(),
			OnLink:            pi.OnLinkFlag(),
			Autonomous:        pi.AutonomousAddressConfigurationFlag(),
			ValidLifetime:     pi.ValidLifetime(),
			PreferredLifetime: pi.PreferredLifetime(),
		}
		if r != nil && info.OnLink {
			if info.ValidLifetime == 0 {
				r.RemoveOnLinkPrefix(nic, info.Prefix)
			} else {
				r.AddOnLinkPrefix(nic, info.Prefix)
			}
		}
		prefixes = append(prefixes, info)
	}
	return prefixes
}
