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

package tcpip

import (
	"reflect"
	"strconv"
	"sync/atomic"
)

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// IPStats collects IPv6 receive and transmit stats.
type IPStats struct {
	// PacketsReceived is the total number of IP packets received from the
	// link layer.
	PacketsReceived *StatCounter

	// InvalidDestinationAddressesReceived is the total number of IP packets
	// received with a destination address that is neither configured on the
	// interface nor a joined multicast group.
	InvalidDestinationAddressesReceived *StatCounter

	// InvalidSourceAddressesReceived is the total number of IP packets
	// received with a multicast source, or a loopback source from a physical
	// link.
	InvalidSourceAddressesReceived *StatCounter

	// PacketsDelivered is the total number of incoming IP packets that are
	// successfully delivered to the transport layer or ICMPv6.
	PacketsDelivered *StatCounter

	// PacketsSent is the total number of IP packets handed to a link
	// endpoint or looped back.
	PacketsSent *StatCounter

	// OutgoingPacketErrors is the total number of IP packets which failed to
	// write to a link-layer endpoint.
	OutgoingPacketErrors *StatCounter

	// MalformedPacketsReceived is the total number of IP packets that were
	// dropped due to the IP packet header failing validation checks.
	MalformedPacketsReceived *StatCounter

	// UnknownProtocolRcvdPackets is the number of packets whose next header
	// chain named a protocol that is not supported.
	UnknownProtocolRcvdPackets *StatCounter

	// OptionDiscardedPackets is the number of packets discarded because of
	// an unknown extension header option.
	OptionDiscardedPackets *StatCounter

	// NoRouteSendErrors is the number of outgoing packets for which no next
	// hop could be found.
	NoRouteSendErrors *StatCounter
}

// ReassemblyStats collects fragment reassembly stats.
type ReassemblyStats struct {
	// FragmentsReceived is the number of fragments handed to the
	// reassembler.
	FragmentsReceived *StatCounter

	// MalformedFragmentsReceived is the number of fragments dropped because
	// of their size or alignment.
	MalformedFragmentsReceived *StatCounter

	// DuplicateFragmentsDropped is the number of fragments dropped because a
	// fragment with the same offset was already queued.
	DuplicateFragmentsDropped *StatCounter

	// FragmentsDroppedNoSpace is the number of fragments dropped because
	// the reassembler had no room for them.
	FragmentsDroppedNoSpace *StatCounter

	// ListsDiscarded is the number of in-progress datagrams discarded
	// because of overlapping or conflicting fragments.
	ListsDiscarded *StatCounter

	// Timeouts is the number of in-progress datagrams discarded by the
	// reassembly timer.
	Timeouts *StatCounter

	// Completed is the number of datagrams successfully reassembled.
	Completed *StatCounter
}

// ICMPStats collects counts of ICMPv6 error messages requested by the
// network layer.
type ICMPStats struct {
	// ParamProblemSent is the number of Parameter Problem messages sent.
	ParamProblemSent *StatCounter

	// TimeExceededSent is the number of Time Exceeded messages sent.
	TimeExceededSent *StatCounter

	// RateLimited is the number of error messages suppressed by the rate
	// limiter.
	RateLimited *StatCounter

	// Suppressed is the number of error messages not sent because the
	// offending packet must never trigger one.
	Suppressed *StatCounter

	// SendErrors is the number of error messages the reporter failed to
	// send.
	SendErrors *StatCounter
}

// AddressStats collects address configuration stats.
type AddressStats struct {
	// Added is the number of addresses added to any interface.
	Added *StatCounter

	// Removed is the number of addresses removed from any interface.
	Removed *StatCounter

	// DuplicatesDetected is the number of addresses removed because
	// duplicate address detection found another owner.
	DuplicatesDetected *StatCounter

	// Deprecated is the number of addresses whose preferred lifetime
	// expired.
	Deprecated *StatCounter

	// Expired is the number of addresses whose valid lifetime expired.
	Expired *StatCounter

	// RouterSolicitationsSent is the number of router solicitations sent
	// during autoconfiguration.
	RouterSolicitationsSent *StatCounter
}

// Stats holds statistics about the IPv6 layer.
//
// All fields are optional.
type Stats struct {
	// IP breaks out datagram stats.
	IP IPStats

	// Reassembly breaks out fragment reassembly stats.
	Reassembly ReassemblyStats

	// ICMP breaks out ICMPv6 error reporting stats.
	ICMP ICMPStats

	// Address breaks out address configuration stats.
	Address AddressStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// StatVisitor is called by Visit for every counter in a Stats, with the
// dotted path of the field (for example "IP.PacketsReceived").
type StatVisitor func(name string, c *StatCounter)

// Visit calls f for each non-nil counter in s.
func (s *Stats) Visit(f StatVisitor) {
	visit("", reflect.ValueOf(s).Elem(), f)
}

func visit(prefix string, v reflect.Value, f StatVisitor) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		name := t.Field(i).Name
		if prefix != "" {
			name = prefix + "." + name
		}
		field := v.Field(i)
		if c, ok := field.Interface().(*StatCounter); ok {
			if c != nil {
				f(name, c)
			}
			continue
		}
		visit(name, field, f)
	}
}
