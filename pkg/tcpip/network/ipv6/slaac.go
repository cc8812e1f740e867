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
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

const (
	// slaacPrefixLen is the only prefix length autoconfiguration forms
	// addresses for, RFC 4862 section 5.5.3 d.
	slaacPrefixLen = 64

	// minValidLifetimeUpdate is the two hour bound of RFC 4862 section
	// 5.5.3 e.
	minValidLifetimeUpdate = 2 * time.Hour
)

var (
	errAutoconfigDisabled = errors.New("autoconfiguration disabled")
	errNoAdvertisement    = errors.New("no router advertisement")
)

// Autoconfigure runs stateless address autoconfiguration on nicID.
//
// It first configures the link-local address formed from the interface
// identifier and waits for duplicate address detection, then sends up to
// Options.MaxRouterSolicitations Router Solicitations, each followed by a
// wait of Options.RAWaitTimeout with the Protocol lock released. Prefixes
// carried by the first Router Advertisement are handed to
// HandlePrefixInformation. Autoconfigure returns nil when the link-local
// address is usable even if no router answered.
func (p *Protocol) Autoconfigure(ctx context.Context, nicID tcpip.NICID) *tcpip.Error {
	p.mu.Lock()
	n, ok := p.nics[nicID]
	if !ok {
		p.mu.Unlock()
		return tcpip.ErrUnknownNICID
	}
	if !p.opts.AutoConfigure || n.loopback {
		p.mu.Unlock()
		return tcpip.ErrNotSupported
	}
	n.autoconfig = true
	lladdr := tcpip.AddressWithPrefix{Address: header.LinkLocalAddr(n.iid), PrefixLen: slaacPrefixLen}
	var wait chan stack.DADResult
	if n.addrs.find(lladdr.Address) == nil {
		a, err := p.addAddressLocked(n, lladdr, OriginAutoConfigured, stack.InfiniteLifetime, stack.InfiniteLifetime)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		wait = make(chan stack.DADResult, 1)
		a.dadWait = wait
	}
	p.mu.Unlock()

	if wait != nil {
		if err := p.startDAD(nicID, lladdr.Address, p.opts.DisableDAD, wait); err != nil {
			log.Warningf("ipv6: link-local address %s on NIC %d not configured: %s", lladdr, nicID, err)
			return err
		}
	}
	if p.solicitor == nil {
		return nil
	}

	var prefixes []stack.PrefixInfo
	op := func() error {
		p.mu.Lock()
		enabled := n.autoconfig
		p.mu.Unlock()
		if !enabled {
			return backoff.Permanent(errAutoconfigDisabled)
		}
		if err := p.solicitor.SendRouterSolicitation(nicID); err != nil {
			log.Debugf("ipv6: sending router solicitation on NIC %d: %s", nicID, err)
		} else {
			p.stats.Address.RouterSolicitationsSent.Increment()
		}
		pi, ok := p.solicitor.WaitRouterAdvertisement(ctx, nicID, p.opts.RAWaitTimeout)
		if !ok {
			return errNoAdvertisement
		}
		prefixes = pi
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(p.opts.MaxRouterSolicitations-1)), ctx)
	switch err := backoff.Retry(op, b); {
	case err == nil:
	case errors.Is(err, errNoAdvertisement) && ctx.Err() == nil:
		log.Infof("ipv6: no router advertisement on NIC %d, keeping %s only", nicID, lladdr)
		return nil
	default:
		log.Infof("ipv6: autoconfiguration on NIC %d stopped: %v", nicID, err)
		return tcpip.ErrAborted
	}

	for _, pi := range prefixes {
		p.HandlePrefixInformation(nicID, pi)
	}
	return nil
}

// DisableAutoconfig stops a running Autoconfigure on nicID at its next
// checkpoint. Configured addresses are kept.
func (p *Protocol) DisableAutoconfig(nicID tcpip.NICID) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nics[nicID]
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	n.autoconfig = false
	return nil
}

// HandlePrefixInformation processes a Prefix Information option received in
// a Router Advertisement on nicID, as per RFC 4862 section 5.5.3.
func (p *Protocol) HandlePrefixInformation(nicID tcpip.NICID, pi stack.PrefixInfo) {
	prefix := pi.Prefix
	if !pi.Autonomous || prefix.PrefixLen != slaacPrefixLen || header.IsV6LinkLocalUnicastAddress(prefix.Address) {
		return
	}
	if pi.PreferredLifetime > pi.ValidLifetime {
		return
	}

	p.mu.Lock()
	n, ok := p.nics[nicID]
	if !ok || n.loopback {
		p.mu.Unlock()
		return
	}
	addr := tcpip.AddressWithPrefix{
		Address:   header.AddressWithInterfaceID(prefix.Address, n.iid),
		PrefixLen: slaacPrefixLen,
	}
	if a := n.addrs.find(addr.Address); a != nil {
		if a.Origin == OriginAutoConfigured {
			p.updateLifetimesLocked(n, a, pi)
		}
		p.mu.Unlock()
		return
	}
	if pi.ValidLifetime == 0 {
		p.mu.Unlock()
		return
	}
	if _, err := p.addAddressLocked(n, addr, OriginAutoConfigured, pi.ValidLifetime, pi.PreferredLifetime); err != nil {
		p.mu.Unlock()
		log.Warningf("ipv6: autoconfiguring %s on NIC %d: %s", addr, nicID, err)
		return
	}
	disabled := p.opts.DisableDAD
	p.mu.Unlock()

	log.Infof("ipv6: autoconfigured %s on NIC %d", addr, nicID)
	if err := p.startDAD(nicID, addr.Address, disabled, nil); err != nil && err != tcpip.ErrAddressInProgress {
		log.Infof("ipv6: %s on NIC %d: %s", addr, nicID, err)
	}
}

// updateLifetimesLocked refreshes the lifetimes of an autoconfigured address
// from a new advertisement of its prefix. The valid lifetime is not lowered
// below two hours by an advertisement, RFC 4862 section 5.5.3 e.
//
// Precondition: p.mu must be locked.
func (p *Protocol) updateLifetimesLocked(n *nic, a *ConfiguredAddress, pi stack.PrefixInfo) {
	p.setPreferredLifetimeLocked(n, a, pi.PreferredLifetime)

	advertised, finite := stack.LifetimeDuration(pi.ValidLifetime)
	var remaining time.Duration
	if !a.ValidUntil.IsZero() {
		remaining = a.ValidUntil.Sub(p.clock.Now())
	}
	switch {
	case !finite || advertised > minValidLifetimeUpdate || (!a.ValidUntil.IsZero() && advertised > remaining):
		p.setValidLifetimeLocked(n, a, pi.ValidLifetime)
	case !a.ValidUntil.IsZero() && remaining <= minValidLifetimeUpdate:
		// Ignore the advertisement.
	default:
		p.setValidLifetimeLocked(n, a, uint32(minValidLifetimeUpdate/time.Second))
	}
}
