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
	"time"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// AddAddressOptions configures AddAddress.
type AddAddressOptions struct {
	// Wait makes AddAddress block, without holding the Protocol lock, until
	// duplicate address detection finishes.
	Wait bool
}

// AddAddress configures a static address with infinite lifetimes on nicID
// and starts duplicate address detection for it.
//
// Without opts.Wait, AddAddress returns tcpip.ErrAddressInProgress while
// detection runs; Options.AddressConfigured reports the outcome. With
// opts.Wait it returns nil once the address is usable, ErrDuplicateAddress
// if another node owns it, or ErrAborted if it was removed meanwhile.
func (p *Protocol) AddAddress(nicID tcpip.NICID, addr tcpip.AddressWithPrefix, opts AddAddressOptions) *tcpip.Error {
	p.mu.Lock()
	n, ok := p.nics[nicID]
	if !ok {
		p.mu.Unlock()
		return tcpip.ErrUnknownNICID
	}
	a, err := p.addAddressLocked(n, addr, OriginStatic, stack.InfiniteLifetime, stack.InfiniteLifetime)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	var wait chan stack.DADResult
	if opts.Wait {
		wait = make(chan stack.DADResult, 1)
		a.dadWait = wait
	}
	disabled := p.opts.DisableDAD || n.loopback
	p.mu.Unlock()

	log.Infof("ipv6: added %s on NIC %d", addr, nicID)
	return p.startDAD(nicID, addr.Address, disabled, wait)
}

// RemoveAddress removes addr from nicID. A pending duplicate address
// detection is stopped and its waiter, if any, sees ErrAborted.
func (p *Protocol) RemoveAddress(nicID tcpip.NICID, addr tcpip.Address) *tcpip.Error {
	p.mu.Lock()
	n, ok := p.nics[nicID]
	if !ok {
		p.mu.Unlock()
		return tcpip.ErrUnknownNICID
	}
	removed, ok := p.removeAddressLocked(n, addr)
	p.mu.Unlock()
	if !ok {
		return tcpip.ErrBadLocalAddress
	}
	if removed.State == AddressTentative {
		p.stopDAD(nicID, []tcpip.Address{addr})
	}
	log.Infof("ipv6: removed %s from NIC %d", addr, nicID)
	return nil
}

// Addresses returns a copy of the address table of nicID.
func (p *Protocol) Addresses(nicID tcpip.NICID) ([]ConfiguredAddress, *tcpip.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nics[nicID]
	if !ok {
		return nil, tcpip.ErrUnknownNICID
	}
	out := make([]ConfiguredAddress, 0, n.addrs.len())
	for _, a := range n.addrs.entries() {
		a.validTimer = nil
		a.preferredTimer = nil
		a.dadWait = nil
		out = append(out, a)
	}
	return out, nil
}

// addAddressLocked adds addr to n as a tentative address and joins its
// solicited-node group. validLifetime and preferredLifetime are in seconds.
//
// Precondition: p.mu must be locked.
func (p *Protocol) addAddressLocked(n *nic, addr tcpip.AddressWithPrefix, origin AddressOrigin, validLifetime, preferredLifetime uint32) (*ConfiguredAddress, *tcpip.Error) {
	if addr.Address.Unspecified() || header.IsV6MulticastAddress(addr.Address) {
		return nil, tcpip.ErrBadAddress
	}
	if addr.PrefixLen <= 0 || addr.PrefixLen > 128 {
		return nil, tcpip.ErrBadAddress
	}
	snmc := header.SolicitedNodeAddr(addr.Address)
	a, err := n.addrs.add(ConfiguredAddress{
		Address:       addr,
		State:         AddressTentative,
		Origin:        origin,
		Valid:         true,
		NIC:           n.id,
		SolicitedNode: snmc,
	})
	if err != nil {
		return nil, err
	}
	if p.membership != nil && !n.loopback {
		if err := p.membership.Join(n.id, snmc); err != nil {
			log.Warningf("ipv6: joining %s on NIC %d: %s", snmc, n.id, err)
		}
	}
	p.setValidLifetimeLocked(n, a, validLifetime)
	p.setPreferredLifetimeLocked(n, a, preferredLifetime)
	p.stats.Address.Added.Increment()
	return a, nil
}

// removeAddressLocked removes addr from n, stops its timers and leaves its
// solicited-node group.
//
// Precondition: p.mu must be locked.
func (p *Protocol) removeAddressLocked(n *nic, addr tcpip.Address) (ConfiguredAddress, bool) {
	a := n.addrs.find(addr)
	if a == nil {
		return ConfiguredAddress{}, false
	}
	a.stopTimers()
	removed, _ := n.addrs.remove(addr)
	if p.membership != nil && !n.loopback {
		if err := p.membership.Leave(n.id, removed.SolicitedNode); err != nil {
			log.Warningf("ipv6: leaving %s on NIC %d: %s", removed.SolicitedNode, n.id, err)
		}
	}
	if removed.dadWait != nil {
		select {
		case removed.dadWait <- stack.DADAborted:
		default:
		}
	}
	p.stats.Address.Removed.Increment()
	return removed, true
}

// setValidLifetimeLocked (re)arms the valid lifetime of a.
//
// Precondition: p.mu must be locked.
func (p *Protocol) setValidLifetimeLocked(n *nic, a *ConfiguredAddress, lifetime uint32) {
	d, ok := stack.LifetimeDuration(lifetime)
	if !ok {
		if a.validTimer != nil {
			a.validTimer.Stop()
			a.validTimer = nil
		}
		a.ValidUntil = time.Time{}
		return
	}
	a.ValidUntil = p.clock.Now().Add(d)
	if a.validTimer != nil {
		a.validTimer.Reset(d)
		return
	}
	nicID, addr := n.id, a.Address.Address
	a.validTimer = p.clock.AfterFunc(d, func() { p.expireAddress(nicID, addr) })
}

// setPreferredLifetimeLocked (re)arms the preferred lifetime of a. A zero
// lifetime deprecates a immediately.
//
// Precondition: p.mu must be locked.
func (p *Protocol) setPreferredLifetimeLocked(n *nic, a *ConfiguredAddress, lifetime uint32) {
	d, ok := stack.LifetimeDuration(lifetime)
	if !ok {
		if a.preferredTimer != nil {
			a.preferredTimer.Stop()
			a.preferredTimer = nil
		}
		a.PreferredUntil = time.Time{}
		a.preferredExpired = false
		if a.State == AddressDeprecated {
			a.State = AddressPreferred
		}
		return
	}
	a.PreferredUntil = p.clock.Now().Add(d)
	if d == 0 {
		if a.preferredTimer != nil {
			a.preferredTimer.Stop()
			a.preferredTimer = nil
		}
		p.deprecateLocked(a)
		return
	}
	a.preferredExpired = false
	if a.State == AddressDeprecated {
		a.State = AddressPreferred
	}
	if a.preferredTimer != nil {
		a.preferredTimer.Reset(d)
		return
	}
	nicID, addr := n.id, a.Address.Address
	a.preferredTimer = p.clock.AfterFunc(d, func() { p.deprecateAddress(nicID, addr) })
}

// deprecateLocked marks a deprecated, or remembers to do so once duplicate
// address detection finishes.
//
// Precondition: p.mu must be locked.
func (p *Protocol) deprecateLocked(a *ConfiguredAddress) {
	switch a.State {
	case AddressTentative:
		a.preferredExpired = true
	case AddressPreferred:
		a.State = AddressDeprecated
		p.stats.Address.Deprecated.Increment()
	}
}

func (p *Protocol) deprecateAddress(nicID tcpip.NICID, addr tcpip.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nics[nicID]
	if !ok {
		return
	}
	a := n.addrs.find(addr)
	if a == nil || a.PreferredUntil.IsZero() || p.clock.Now().Before(a.PreferredUntil) {
		return
	}
	a.preferredTimer = nil
	p.deprecateLocked(a)
	log.Infof("ipv6: %s on NIC %d deprecated", addr, nicID)
}

func (p *Protocol) expireAddress(nicID tcpip.NICID, addr tcpip.Address) {
	p.mu.Lock()
	n, ok := p.nics[nicID]
	if !ok {
		p.mu.Unlock()
		return
	}
	a := n.addrs.find(addr)
	if a == nil || a.ValidUntil.IsZero() || p.clock.Now().Before(a.ValidUntil) {
		p.mu.Unlock()
		return
	}
	a.validTimer = nil
	a.Valid = false
	removed, _ := p.removeAddressLocked(n, addr)
	p.stats.Address.Expired.Increment()
	p.mu.Unlock()

	if removed.State == AddressTentative {
		p.stopDAD(nicID, []tcpip.Address{addr})
	}
	log.Infof("ipv6: %s on NIC %d expired", addr, nicID)
}

// startDAD runs duplicate address detection for addr. If wait is not nil it
// blocks until the outcome is delivered on it.
//
// Precondition: p.mu must not be locked.
func (p *Protocol) startDAD(nicID tcpip.NICID, addr tcpip.Address, disabled bool, wait chan stack.DADResult) *tcpip.Error {
	r := stack.DADDisabled
	if !disabled && p.dad != nil {
		r = p.dad.StartDAD(nicID, addr, func(r stack.DADResult) {
			p.dadComplete(nicID, addr, r)
		})
	}
	if r != stack.DADInProgress {
		r = p.dadComplete(nicID, addr, r)
	}
	if wait == nil {
		if r == stack.DADInProgress {
			return tcpip.ErrAddressInProgress
		}
		return dadError(r)
	}
	return dadError(<-wait)
}

// dadComplete applies the outcome of duplicate address detection and
// returns the outcome as seen by the address table.
func (p *Protocol) dadComplete(nicID tcpip.NICID, addr tcpip.Address, r stack.DADResult) stack.DADResult {
	p.mu.Lock()
	var (
		prefix    tcpip.AddressWithPrefix
		wait      chan stack.DADResult
		tentative bool
	)
	if n, ok := p.nics[nicID]; ok {
		if a := n.addrs.find(addr); a != nil && a.State == AddressTentative {
			tentative = true
			prefix = a.Address
			wait = a.dadWait
			a.dadWait = nil
			switch r {
			case stack.DADSucceeded, stack.DADDisabled:
				a.State = AddressPreferred
				if a.preferredExpired {
					a.preferredExpired = false
					a.State = AddressDeprecated
					p.stats.Address.Deprecated.Increment()
				}
			case stack.DADDuplicate:
				p.removeAddressLocked(n, addr)
				p.stats.Address.DuplicatesDetected.Increment()
			default:
				r = stack.DADAborted
				p.removeAddressLocked(n, addr)
			}
		}
	}
	if !tentative {
		r = stack.DADAborted
	}
	p.mu.Unlock()

	if wait != nil {
		wait <- r
	}
	if !tentative {
		return r
	}
	switch r {
	case stack.DADDuplicate:
		log.Warningf("ipv6: duplicate address %s detected on NIC %d", addr, nicID)
	default:
		log.Infof("ipv6: duplicate address detection for %s on NIC %d: %s", addr, nicID, r)
	}
	if f := p.opts.AddressConfigured; f != nil {
		f(nicID, prefix, r)
	}
	return r
}

// stopDAD stops duplicate address detection for addrs.
//
// Precondition: p.mu must not be locked.
func (p *Protocol) stopDAD(nicID tcpip.NICID, addrs []tcpip.Address) {
	if p.dad == nil {
		return
	}
	for _, addr := range addrs {
		p.dad.StopDAD(nicID, addr)
	}
}

func dadError(r stack.DADResult) *tcpip.Error {
	switch r {
	case stack.DADSucceeded, stack.DADDisabled:
		return nil
	case stack.DADDuplicate:
		return tcpip.ErrDuplicateAddress
	default:
		return tcpip.ErrAborted
	}
}
