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
	"errors"
	"fmt"

	"ip6stack.dev/ip6stack/pkg/tcpip/header"
)

var (
	// ErrExtHdrUnsupported is returned by ExtHdrList.Add for a header type
	// that cannot be transmitted.
	ErrExtHdrUnsupported = errors.New("unsupported extension header")

	// ErrExtHdrDuplicate is returned by ExtHdrList.Add for a header type
	// already in the list.
	ErrExtHdrDuplicate = errors.New("duplicate extension header")

	// ErrExtHdrLength is returned by ExtHdrList.Add for a descriptor whose
	// length cannot be encoded.
	ErrExtHdrLength = errors.New("invalid extension header length")
)

// ExtHdrFill writes an extension header into b, which is exactly as long as
// the descriptor's Length. next is the code of the header that follows.
type ExtHdrFill func(b []byte, next uint8)

// ExtHdrDescriptor describes an extension header to transmit.
type ExtHdrDescriptor struct {
	Type   header.IPv6ExtensionHeaderIdentifier
	Length int
	Fill   ExtHdrFill
}

// order returns the position of d's type in the order recommended by RFC
// 8200 section 4.1, or 0 if the type cannot be transmitted.
func (d ExtHdrDescriptor) order() int {
	switch d.Type {
	case header.IPv6HopByHopOptionsExtHdrIdentifier:
		return 1
	case header.IPv6DestinationOptionsExtHdrIdentifier:
		return 2
	case header.IPv6RoutingExtHdrIdentifier:
		return 3
	case header.IPv6FragmentExtHdrIdentifier:
		return 4
	case header.IPv6AuthenticationExtHdrIdentifier:
		return 5
	case header.IPv6ESPExtHdrIdentifier:
		return 6
	case header.IPv6MobilityExtHdrIdentifier:
		return 7
	default:
		return 0
	}
}

func (d ExtHdrDescriptor) validLength() bool {
	switch d.Type {
	case header.IPv6FragmentExtHdrIdentifier:
		return d.Length == header.IPv6FragmentHeaderSize
	case header.IPv6AuthenticationExtHdrIdentifier:
		return d.Length >= 8 && d.Length%4 == 0 && d.Length <= (0xff+2)*4
	case header.IPv6ESPExtHdrIdentifier:
		return d.Length >= 8
	default:
		return d.Length >= 8 && d.Length%8 == 0 && d.Length <= (0xff+1)*8
	}
}

// ExtHdrList is an ordered list of extension headers to transmit. The zero
// value is an empty list.
type ExtHdrList struct {
	hdrs []ExtHdrDescriptor
}

// Add inserts d at the position its type requires.
func (l *ExtHdrList) Add(d ExtHdrDescriptor) error {
	key := d.order()
	if key == 0 || d.Fill == nil {
		return fmt.Errorf("%s: %w", d.Type, ErrExtHdrUnsupported)
	}
	if !d.validLength() {
		return fmt.Errorf("%s with length %d: %w", d.Type, d.Length, ErrExtHdrLength)
	}
	i := 0
	for ; i < len(l.hdrs); i++ {
		k := l.hdrs[i].order()
		if k == key {
			return fmt.Errorf("%s: %w", d.Type, ErrExtHdrDuplicate)
		}
		if k > key {
			break
		}
	}
	l.hdrs = append(l.hdrs, ExtHdrDescriptor{})
	copy(l.hdrs[i+1:], l.hdrs[i:])
	l.hdrs[i] = d
	return nil
}

// Len returns the number of bytes the list serializes to.
func (l *ExtHdrList) Len() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, d := range l.hdrs {
		n += d.Length
	}
	return n
}

// Types returns the header types in transmit order.
func (l *ExtHdrList) Types() []header.IPv6ExtensionHeaderIdentifier {
	if l == nil {
		return nil
	}
	types := make([]header.IPv6ExtensionHeaderIdentifier, 0, len(l.hdrs))
	for _, d := range l.hdrs {
		types = append(types, d.Type)
	}
	return types
}

// serialize fills b, which must be Len bytes long, with the headers of the
// list, the last one naming upper. It returns the code of the first header,
// or upper if the list is empty.
func (l *ExtHdrList) serialize(b []byte, upper uint8) uint8 {
	if l == nil || len(l.hdrs) == 0 {
		return upper
	}
	off := 0
	for i, d := range l.hdrs {
		next := upper
		if i+1 < len(l.hdrs) {
			next = uint8(l.hdrs[i+1].Type)
		}
		d.Fill(b[off:off+d.Length], next)
		off += d.Length
	}
	return uint8(l.hdrs[0].Type)
}

func optionsDescriptor(id header.IPv6ExtensionHeaderIdentifier, opts []header.IPv6SerializableOption) ExtHdrDescriptor {
	return ExtHdrDescriptor{
		Type:   id,
		Length: header.IPv6OptionsExtHdrLength(opts),
		Fill: func(b []byte, next uint8) {
			header.SerializeIPv6OptionsExtHdr(b, next, opts)
		},
	}
}

// HopByHopOptions returns a descriptor for a Hop-by-Hop Options header
// carrying opts, padded to a multiple of 8 bytes.
func HopByHopOptions(opts ...header.IPv6SerializableOption) ExtHdrDescriptor {
	return optionsDescriptor(header.IPv6HopByHopOptionsExtHdrIdentifier, opts)
}

// DestinationOptions returns a descriptor for a Destination Options header
// carrying opts, padded to a multiple of 8 bytes.
func DestinationOptions(opts ...header.IPv6SerializableOption) ExtHdrDescriptor {
	return optionsDescriptor(header.IPv6DestinationOptionsExtHdrIdentifier, opts)
}

// RouterAlert returns a Hop-by-Hop Options descriptor carrying a Router Alert
// option with value v.
func RouterAlert(v header.IPv6RouterAlertValue) ExtHdrDescriptor {
	return HopByHopOptions(&header.IPv6RouterAlertOption{Value: v})
}
