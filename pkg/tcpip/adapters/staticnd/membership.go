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
	"slices"
	"sync"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

type groupKey struct {
	nic   tcpip.NICID
	group tcpip.Address
}

// Membership implements stack.MulticastMembership with reference counted
// joins. It does not send MLD reports.
type Membership struct {
	mu     sync.RWMutex
	groups map[groupKey]int
}

var _ stack.MulticastMembership = (*Membership)(nil)

// NewMembership returns a table with no group joined.
func NewMembership() *Membership {
	return &Membership{groups: make(map[groupKey]int)}
}

// IsMember implements stack.MulticastMembership.IsMember.
func (m *Membership) IsMember(nic tcpip.NICID, group tcpip.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupKey{nic, group}] > 0
}

// Join implements stack.MulticastMembership.Join.
func (m *Membership) Join(nic tcpip.NICID, group tcpip.Address) *tcpip.Error {
	if !header.IsV6MulticastAddress(group) {
		return tcpip.ErrBadAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupKey{nic, group}]++
	return nil
}

// Leave implements stack.MulticastMembership.Leave.
func (m *Membership) Leave(nic tcpip.NICID, group tcpip.Address) *tcpip.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := groupKey{nic, group}
	n, ok := m.groups[k]
	if !ok {
		return tcpip.ErrBadAddress
	}
	if n == 1 {
		delete(m.groups, k)
	} else {
		m.groups[k] = n - 1
	}
	return nil
}

// Groups returns the groups joined on nic in ascending order.
func (m *Membership) Groups(nic tcpip.NICID) []tcpip.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []tcpip.Address
	for k := range m.groups {
		if k.nic == nic {
			out = append(out, k.group)
		}
	}
	slices.SortFunc(out, func(a, b tcpip.Address) int {
		return a.Netip().Compare(b.Netip())
	})
	return out
}
