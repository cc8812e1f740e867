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

// selectSource implements source address selection, RFC 6724 section 5,
// over the addresses of one interface.
//
// A specified proposed address is returned as is if it is usable on the
// interface. Otherwise candidates are compared pairwise with rules 1, 2, 3, 6
// and 8; rules 4, 5, 5.5 and 7 do not apply to a host without mobility or
// temporary addresses whose outgoing interface is already known.
//
// If no address qualifies, the first entry of the table (or the unspecified
// address) is returned along with tcpip.ErrNoSourceAddress.
func selectSource(addrs []ConfiguredAddress, table []PolicyEntry, dst, proposed tcpip.Address) (tcpip.Address, *tcpip.Error) {
	if !proposed.Unspecified() {
		for i := range addrs {
			if a := &addrs[i]; a.Address.Address == proposed && a.usable() {
				return proposed, nil
			}
		}
		return tcpip.Address{}, tcpip.ErrBadLocalAddress
	}

	var best *ConfiguredAddress
	dstLabel := LookupPolicy(table, dst).Label
	dstScope := header.ScopeForIPv6Address(dst)
	for i := range addrs {
		c := &addrs[i]
		if !c.usable() {
			continue
		}
		if best == nil || preferSource(c, best, dst, dstScope, dstLabel, table) {
			best = c
		}
	}
	if best == nil {
		if len(addrs) == 0 {
			return tcpip.Address{}, tcpip.ErrNoSourceAddress
		}
		return addrs[0].Address.Address, tcpip.ErrNoSourceAddress
	}
	return best.Address.Address, nil
}

// preferSource returns true if a is a strictly better source for dst than b.
func preferSource(a, b *ConfiguredAddress, dst tcpip.Address, dstScope header.IPv6AddressScope, dstLabel uint8, table []PolicyEntry) bool {
	// Rule 1: prefer same address.
	if aSame, bSame := a.Address.Address == dst, b.Address.Address == dst; aSame != bSame {
		return aSame
	}

	// Rule 2: prefer matching scope.
	aScope := header.ScopeForIPv6Address(a.Address.Address) == dstScope
	bScope := header.ScopeForIPv6Address(b.Address.Address) == dstScope
	if aScope != bScope {
		return aScope
	}

	// Rule 3: avoid deprecated addresses.
	if aDep, bDep := a.State == AddressDeprecated, b.State == AddressDeprecated; aDep != bDep {
		return bDep
	}

	// Rule 6: prefer matching label.
	aLabel := LookupPolicy(table, a.Address.Address).Label == dstLabel
	bLabel := LookupPolicy(table, b.Address.Address).Label == dstLabel
	if aLabel != bLabel {
		return aLabel
	}

	// Rule 8: use longest matching prefix.
	return a.Address.Address.MatchingPrefix(dst) > b.Address.Address.MatchingPrefix(dst)
}
