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

// Package checksum computes the Internet checksum of RFC 1071 and the IPv6
// upper-layer pseudo header sum.
package checksum

import (
	"encoding/binary"
)

// Size is the size of a checksum.
//
// The checksum is held in a uint16 which is 2 bytes.
const Size = 2

func calculateChecksum(buf []byte, odd bool, initial uint32) (uint16, bool) {
	v := initial

	if odd {
		v += uint32(buf[0])
		buf = buf[1:]
	}

	l := len(buf)
	odd = l&1 != 0
	if odd {
		l--
		v += uint32(buf[l]) << 8
	}

	for i := 0; i < l; i += 2 {
		v += (uint32(buf[i]) << 8) + uint32(buf[i+1])
	}

	return Combine(uint16(v), uint16(v>>16)), odd
}

// wideCalculateChecksum is calculateChecksum summing eight bytes per
// iteration into a 64-bit accumulator.
func wideCalculateChecksum(buf []byte, odd bool, initial uint32) (uint16, bool) {
	v := uint64(initial)

	if odd {
		v += uint64(buf[0])
		buf = buf[1:]
	}

	for len(buf) >= 8 {
		w := binary.BigEndian.Uint64(buf)
		v += w>>48 + (w>>32)&0xffff + (w>>16)&0xffff + w&0xffff
		buf = buf[8:]
	}

	l := len(buf)
	odd = l&1 != 0
	if odd {
		l--
		v += uint64(buf[l]) << 8
	}
	for i := 0; i < l; i += 2 {
		v += uint64(buf[i])<<8 | uint64(buf[i+1])
	}

	for v > 0xffff {
		v = v>>16 + v&0xffff
	}
	return uint16(v), odd
}

// Old calculates the checksum (as defined in RFC 1071) of the bytes in
// the given byte array, two bytes at a time. It is retained as a reference
// for Checksum.
//
// The initial checksum must have been computed on an even number of bytes.
func Old(buf []byte, initial uint16) uint16 {
	s, _ := calculateChecksum(buf, false, uint32(initial))
	return s
}

// Checksum calculates the checksum (as defined in RFC 1071) of the bytes in the
// given byte array.
//
// The initial checksum must have been computed on an even number of bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	s, _ := wideCalculateChecksum(buf, false, uint32(initial))
	return s
}

// Checksumer calculates checksum defined in RFC 1071.
type Checksumer struct {
	sum uint16
	odd bool
}

// Add adds b to checksum.
func (c *Checksumer) Add(b []byte) {
	if len(b) > 0 {
		c.sum, c.odd = wideCalculateChecksum(b, c.odd, uint32(c.sum))
	}
}

// Checksum returns the latest checksum value.
func (c *Checksumer) Checksum() uint16 {
	return c.sum
}

// Combine combines the two uint16 to form their checksum. This is done
// by adding them and the carry.
//
// Note that checksum a must have been computed on an even number of bytes.
func Combine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// PseudoHeaderChecksum returns the checksum of the IPv6 pseudo header of RFC
// 8200 section 8.1 for an upper-layer packet of length bytes.
func PseudoHeaderChecksum(protocol uint8, src, dst []byte, length uint32) uint16 {
	var c Checksumer
	c.Add(src)
	c.Add(dst)
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], length)
	b[7] = protocol
	c.Add(b[:])
	return c.Checksum()
}
