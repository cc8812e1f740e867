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

package header

import (
	"encoding/binary"
)

const (
	nextHdrFrag = 0
	fragOff     = 2
	more        = 3
	idV6        = 4
)

// IPv6FragmentFields contains the fields of an IPv6 fragment. It is used to
// describe the fields of a packet that needs to be encoded.
type IPv6FragmentFields struct {
	// NextHeader is the "next header" field of an IPv6 fragment.
	NextHeader uint8

	// FragmentOffset is the "fragment offset" field of an IPv6 fragment, in
	// units of 8 bytes.
	FragmentOffset uint16

	// M is the "more" field of an IPv6 fragment.
	M bool

	// Identification is the "identification" field of an IPv6 fragment.
	Identification uint32
}

// IPv6Fragment represents an ipv6 fragment header stored in a byte array.
// Most of the methods of IPv6Fragment access to the underlying slice without
// checking the boundaries and could panic because of 'index out of range'.
// Always call IsValid() to validate an instance of IPv6Fragment before using
// other methods.
type IPv6Fragment []byte

const (
	// IPv6FragmentHeaderSize is the size of the fragment header.
	IPv6FragmentHeaderSize = 8

	// IPv6FragmentOffsetFieldOffset is the byte offset of the Fragment Offset
	// field within the fragment header. Parameter Problem messages about a
	// fragment's size point here.
	IPv6FragmentOffsetFieldOffset = fragOff

	// IPv6FragmentExtHdrFragmentOffsetBytesPerUnit is the unit size of a
	// Fragment extension header's Fragment Offset field. That is, given a
	// Fragment Offset of 2, the extension header is indicating that the
	// fragment's payload starts at the 16th byte in the reassembled packet.
	IPv6FragmentExtHdrFragmentOffsetBytesPerUnit = 8
)

// Encode encodes all the fields of the ipv6 fragment.
func (b IPv6Fragment) Encode(i *IPv6FragmentFields) {
	b[nextHdrFrag] = i.NextHeader
	b[1] = 0
	v := i.FragmentOffset << 3
	if i.M {
		v |= 1
	}
	binary.BigEndian.PutUint16(b[fragOff:], v)
	binary.BigEndian.PutUint32(b[idV6:], i.Identification)
}

// IsValid performs basic validation on the fragment header.
func (b IPv6Fragment) IsValid() bool {
	return len(b) >= IPv6FragmentHeaderSize
}

// NextHeader returns the value of the "next header" field of the ipv6
// fragment.
func (b IPv6Fragment) NextHeader() uint8 {
	return b[nextHdrFrag]
}

// FragmentOffset returns the "fragment offset" field of the ipv6 fragment, in
// units of 8 bytes.
func (b IPv6Fragment) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(b[fragOff:]) >> 3
}

// FragmentOffsetBytes returns the offset, in bytes, of the fragment's data
// within the reassembled payload.
func (b IPv6Fragment) FragmentOffsetBytes() int {
	return int(b.FragmentOffset()) * IPv6FragmentExtHdrFragmentOffsetBytesPerUnit
}

// More returns the "more" field of the ipv6 fragment.
func (b IPv6Fragment) More() bool {
	return b[more]&1 > 0
}

// ID returns the value of the identifier field of the ipv6 fragment.
func (b IPv6Fragment) ID() uint32 {
	return binary.BigEndian.Uint32(b[idV6:])
}

// IsAtomic returns whether the fragment header indicates an atomic fragment.
// An atomic fragment is a fragment that contains all the data required to
// reassemble a full packet.
func (b IPv6Fragment) IsAtomic() bool {
	return !b.More() && b.FragmentOffset() == 0
}

// Payload returns the bytes following the fragment header.
func (b IPv6Fragment) Payload() []byte {
	return b[IPv6FragmentHeaderSize:]
}
