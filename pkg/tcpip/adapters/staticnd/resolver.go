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

// Package staticnd provides neighbor discovery collaborators for hosts
// without a full Neighbor Discovery implementation: next hops come from
// configured or advertised on-link prefixes and default routers, duplicate
// address detection consults a table of claimed addresses, and router
// solicitations are matched with advertisements received by an ICMPv6
// endpoint.
package staticnd

import (
	"sync"

	"github.com/gaissmai/bart"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// Resolver implements stack.NeighborResolver with a longest-prefix-match
// table of on-link prefixes per interface and one default router per
// interface.
type Resolver struct {
	mu      sync.RWMutex
	onLink  map[tcpip.NICID]*bart.Table[struct{}]
	routers map[tcpip.NICID]tcpip.Address
}

var _ stack.NeighborResolver = (*Resolver)(nil)

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		onLink:  make(map[tcpip.NICID]*bart.Table[struct{}]),
		routers: make(map[tcpip.NICID]tcpip.Address),
	}
}

// AddOnLinkPrefix marks destinations in prefix as reachable directly on nic.
func (r *Resolver) AddOnLinkPrefix(nic tcpip.NICID, prefix tcpip.AddressWithPrefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.onLink[nic]
	if !ok {
		t = &bart.Table[struct{}]{}
		r.onLink[nic] = t
	}
	t.Insert(prefix.Prefix(), struct{}{})
}

// RemoveOnLinkPrefix undoes AddOnLinkPrefix.
func (r *Resolver) RemoveOnLinkPrefix(nic tcpip.NICID, prefix tcpip.AddressWithPrefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.onLink[nic]; ok {
		t.Delete(prefix.Prefix())
	}
}

// SetDefaultRouter sets the router off-link destinations on nic are sent
// to. The unspecified address removes it.
func (r *Resolver) SetDefaultRouter(nic tcpip.NICID, router tcpip.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if router.Unspecified() {
		delete(r.routers, nic)
		return
	}
	r.routers[nic] = router
}

// DefaultRouter returns the default router of nic.
func (r *Resolver) DefaultRouter(nic tcpip.NICID) (tcpip.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.routers[nic]
	return a, ok
}

// ResolveNextHop implements stack.NeighborResolver.ResolveNextHop.
// Link-local destinations are always on-link, RFC 4861 section 5.2.
func (r *Resolver) ResolveNextHop(nic tcpip.NICID, dst tcpip.Address) (tcpip.Address, *tcpip.Error) {
	if header.IsV6LinkLocalUnicastAddress(dst) {
		return dst, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.onLink[nic]; ok {
		if _, ok := t.Lookup(dst.Netip()); ok {
			return dst, nil
		}
	}
	if router, ok := r.routers[nic]; ok {
		return router, nil
	}
	return tcpip.Address{}, tcpip.ErrNoRoute
}
