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

package stack

import (
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
)

// A PacketBuffer contains all the data of a network packet.
//
// For inbound packets, Data is initially the whole datagram starting at the
// fixed header. As the packet is parsed, NetworkHeader is set and Data is
// trimmed to the upper layer payload.
//
// For outbound packets, Data is the innermost layer, defined by the transport
// protocol. Headers are prepended into Header. A datagram whose payload spans
// several buffers links them through Next; only the first buffer carries
// headers.
type PacketBuffer struct {
	// Data holds the payload of the packet.
	Data buffer.VectorisedView

	// Header holds outbound headers.
	Header buffer.Prependable

	// NetworkHeader is the fixed IPv6 header of the packet.
	NetworkHeader buffer.View

	// NICID is the interface the packet arrived on or leaves from.
	NICID tcpip.NICID

	// Loopback is true for packets that never left the host.
	Loopback bool

	// NextHop is the on-link destination of an outbound packet.
	NextHop tcpip.Address

	// Next is the next buffer of the same datagram.
	Next *PacketBuffer
}

// NewPacketBuffer returns a packet with room for reserve bytes of headers in
// front of data.
func NewPacketBuffer(reserve int, data buffer.VectorisedView) *PacketBuffer {
	return &PacketBuffer{
		Header: buffer.NewPrependable(reserve),
		Data:   data,
	}
}

// Size returns the number of header and data bytes of this buffer, excluding
// chained buffers.
func (pk *PacketBuffer) Size() int {
	return pk.Header.UsedLength() + pk.Data.Size()
}

// ChainSize returns the number of data bytes of pk and every buffer chained
// after it, excluding headers.
func (pk *PacketBuffer) ChainSize() int {
	n := 0
	for p := pk; p != nil; p = p.Next {
		n += p.Data.Size()
	}
	return n
}

// Flatten returns the headers and data of pk and every chained buffer as one
// contiguous view.
func (pk *PacketBuffer) Flatten() buffer.View {
	v := make(buffer.View, 0, pk.Header.UsedLength()+pk.ChainSize())
	v = append(v, pk.Header.View()...)
	for p := pk; p != nil; p = p.Next {
		for _, d := range p.Data.Views() {
			v = append(v, d...)
		}
	}
	return v
}

// Clone makes a shallow copy of pk, without its chain.
func (pk *PacketBuffer) Clone() *PacketBuffer {
	return &PacketBuffer{
		Data:          pk.Data.Clone(nil),
		Header:        pk.Header,
		NetworkHeader: pk.NetworkHeader,
		NICID:         pk.NICID,
		Loopback:      pk.Loopback,
		NextHop:       pk.NextHop,
	}
}
