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
	"fmt"
	"time"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// AddressState is the lifecycle state of a configured address.
type AddressState int

const (
	// AddressNone is the state of an unused slot.
	AddressNone AddressState = iota

	// AddressTentative is the state of an address undergoing duplicate
	// address detection. Only ICMPv6 is delivered to it and it is never
	// selected as a source.
	AddressTentative

	// AddressPreferred is the state of a usable address.
	AddressPreferred

	// AddressDeprecated is the state of an address whose preferred lifetime
	// expired. It is still usable but loses source selection against
	// preferred addresses.
	AddressDeprecated
)

func (s AddressState) String() string {
	switch s {
	case AddressNone:
		return "none"
	case AddressTentative:
		return "tentative"
	case AddressPreferred:
		return "preferred"
	case AddressDeprecated:
		return "deprecated"
	default:
		return fmt.Sprintf("AddressState(%d)", int(s))
	}
}

// AddressOrigin is how an address was configured.
type AddressOrigin int

const (
	// OriginStatic is an address added by AddAddress.
	OriginStatic AddressOrigin = iota

	// OriginAutoConfigured is an address generated by stateless address
	// autoconfiguration.
	OriginAutoConfigured
)

func (o AddressOrigin) String() string {
	switch o {
	case OriginStatic:
		return "static"
	case OriginAutoConfigured:
		return "autoconfigured"
	default:
		return fmt.Sprintf("AddressOrigin(%d)", int(o))
	}
}

// ConfiguredAddress is an address configured on an interface.
type ConfiguredAddress struct {
	Address tcpip.AddressWithPrefix
	State   AddressState
	Origin  AddressOrigin

	// Valid is false once the valid lifetime expired.
	Valid bool

	NIC tcpip.NICID

	// SolicitedNode is the solicited-node multicast group joined on behalf
	// of Address. The membership collaborator owns the group.
	SolicitedNode tcpip.Address

	// ValidUntil and PreferredUntil are zero for infinite lifetimes.
	ValidUntil     time.Time
	PreferredUntil time.Time

	// preferredExpired is set when the preferred lifetime ends while the
	// address is still tentative.
	preferredExpired bool

	// dadWait, if set, receives the outcome of duplicate address
	// detection once.
	dadWait chan stack.DADResult

	validTimer     tcpip.Timer
	preferredTimer tcpip.Timer
}

// usable returns true if a can be used as a source or local destination.
func (a *ConfiguredAddress) usable() bool {
	return a.Valid && (a.State == AddressPreferred || a.State == AddressDeprecated)
}

func (a *ConfiguredAddress) stopTimers() {
	if a.validTimer != nil {
		a.validTimer.Stop()
		a.validTimer = nil
	}
	if a.preferredTimer != nil {
		a.preferredTimer.Stop()
		a.preferredTimer = nil
	}
}

// addressTable is a fixed-capacity table of configured addresses. Occupied
// slots are contiguous from index 0.
type addressTable struct {
	slots []ConfiguredAddress
	n     int
}

func newAddressTable(capacity int) addressTable {
	return addressTable{slots: make([]ConfiguredAddress, capacity)}
}

func (t *addressTable) len() int {
	return t.n
}

// entries returns the occupied slots. The returned slice aliases the table
// and is invalidated by add and remove.
func (t *addressTable) entries() []ConfiguredAddress {
	return t.slots[:t.n]
}

// find returns the entry holding addr, or nil.
func (t *addressTable) find(addr tcpip.Address) *ConfiguredAddress {
	for i := range t.slots[:t.n] {
		if t.slots[i].Address.Address == addr {
			return &t.slots[i]
		}
	}
	return nil
}

// add stores a in the first free slot and returns it.
func (t *addressTable) add(a ConfiguredAddress) (*ConfiguredAddress, *tcpip.Error) {
	if t.find(a.Address.Address) != nil {
		return nil, tcpip.ErrDuplicateAddress
	}
	if t.n == len(t.slots) {
		return nil, tcpip.ErrNoBufferSpace
	}
	t.slots[t.n] = a
	t.n++
	return &t.slots[t.n-1], nil
}

// remove deletes addr and shifts the following entries left. It returns the
// removed entry.
func (t *addressTable) remove(addr tcpip.Address) (ConfiguredAddress, bool) {
	for i := range t.slots[:t.n] {
		if t.slots[i].Address.Address != addr {
			continue
		}
		removed := t.slots[i]
		copy(t.slots[i:t.n], t.slots[i+1:t.n])
		t.n--
		t.slots[t.n] = ConfiguredAddress{}
		return removed, true
	}
	return ConfiguredAddress{}, false
}
