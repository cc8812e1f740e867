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

// nextHopLocked returns the on-link next hop for dst on n. local is true if
// dst is owned by n and the datagram must be looped back instead of handed
// to the link.
//
// Precondition: p.mu must be locked.
func (p *Protocol) nextHopLocked(n *nic, dst tcpip.Address) (nextHop tcpip.Address, local bool, err *tcpip.Error) {
	if n.loopback {
		return dst, true, nil
	}
	if header.IsV6MulticastAddress(dst) {
		return dst, false, nil
	}
	if a := n.addrs.find(dst); a != nil && a.Valid {
		return dst, true, nil
	}
	if p.resolver == nil {
		return tcpip.Address{}, false, tcpip.ErrNoRoute
	}
	nh, err := p.resolver.ResolveNextHop(n.id, dst)
	return nh, false, err
}
