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
	"errors"
	"time"

	"ip6stack.dev/ip6stack/pkg/tcpip"
)

// NDPRouterAdvert is an NDP Router Advertisement message. It will only contain
// the body of an ICMPv6 packet.
//
// See RFC 4861 section 4.2 for more details.
type NDPRouterAdvert []byte

const (
	// NDPRAMinimumSize is the minimum size of a valid NDP Router
	// Advertisement message (body of an ICMPv6 packet).
	NDPRAMinimumSize = 12

	// NDPRSMinimumSize is the size of the reserved field that makes up the
	// body of a Router Solicitation without options.
	NDPRSMinimumSize = 4

	ndpRACurrHopLimitOffset   = 0
	ndpRARouterLifetimeOffset = 2
	ndpRAOptionsOffset        = 12
)

// CurrHopLimit returns the value of the Curr Hop Limit field.
func (b NDPRouterAdvert) CurrHopLimit() uint8 {
	return b[ndpRACurrHopLimitOffset]
}

// RouterLifetime returns the lifetime associated with the default router. A
// value of 0 means the source of the Router Advertisement is not a default
// router.
func (b NDPRouterAdvert) RouterLifetime() time.Duration {
	// The field is the time in seconds, as per RFC 4861 section 4.2.
	return time.Second * time.Duration(binary.BigEndian.Uint16(b[ndpRARouterLifetimeOffset:]))
}

// Options returns the options that follow the fixed part of the message.
func (b NDPRouterAdvert) Options() NDPOptions {
	return NDPOptions(b[ndpRAOptionsOffset:])
}

// NDPOptionIdentifier is the type of an NDP option.
type NDPOptionIdentifier uint8

const (
	// NDPPrefixInformationType is the type of the Prefix Information
	// option, as per RFC 4861 section 4.6.2.
	NDPPrefixInformationType NDPOptionIdentifier = 3

	// ndpOptionLengthUnit is the unit of the Length field of an NDP option.
	ndpOptionLengthUnit = 8

	// ndpPrefixInformationLength is the length, in bytes, of the body of a
	// Prefix Information option; the option is 32 bytes long including its
	// type and length fields.
	ndpPrefixInformationLength = 30

	ndpPrefixInformationPrefixLengthOffset      = 0
	ndpPrefixInformationFlagsOffset             = 1
	ndpPrefixInformationOnLinkFlagMask          = 1 << 7
	ndpPrefixInformationAutoAddrConfFlagMask    = 1 << 6
	ndpPrefixInformationValidLifetimeOffset     = 2
	ndpPrefixInformationPreferredLifetimeOffset = 6
	ndpPrefixInformationPrefixOffset            = 14
)

var (
	// ErrNDPOptMalformedHeader indicates that an NDP option has a length of
	// zero or runs past the end of the buffer.
	ErrNDPOptMalformedHeader = errors.New("NDP option has a malformed header")

	// ErrNDPOptMalformedBody indicates that a known NDP option has a body of
	// the wrong size.
	ErrNDPOptMalformedBody = errors.New("NDP option has a malformed body")
)

// NDPOptions is a buffer of NDP options as defined by RFC 4861 section 4.6.
type NDPOptions []byte

// Iter returns an iterator over the options in b.
func (b NDPOptions) Iter() NDPOptionIterator {
	return NDPOptionIterator{buf: b}
}

// NDPOptionIterator is an iterator over NDP options.
type NDPOptionIterator struct {
	buf []byte
}

// Next returns the type and body of the next option. done is true once every
// option was returned. Iteration stops at the first malformed option.
func (i *NDPOptionIterator) Next() (id NDPOptionIdentifier, body []byte, done bool, err error) {
	if len(i.buf) == 0 {
		return 0, nil, true, nil
	}
	if len(i.buf) < 2 {
		i.buf = nil
		return 0, nil, true, ErrNDPOptMalformedHeader
	}
	l := int(i.buf[1]) * ndpOptionLengthUnit
	if l == 0 || l > len(i.buf) {
		i.buf = nil
		return 0, nil, true, ErrNDPOptMalformedHeader
	}
	id, body = NDPOptionIdentifier(i.buf[0]), i.buf[2:l]
	i.buf = i.buf[l:]
	if id == NDPPrefixInformationType && len(body) != ndpPrefixInformationLength {
		i.buf = nil
		return 0, nil, true, ErrNDPOptMalformedBody
	}
	return id, body, false, nil
}

// NDPPrefixInformation is the body of an NDP Prefix Information option.
type NDPPrefixInformation []byte

// PrefixLength returns the number of leading bits of the prefix that are
// valid.
func (o NDPPrefixInformation) PrefixLength() uint8 {
	return o[ndpPrefixInformationPrefixLengthOffset]
}

// OnLinkFlag returns true if the prefix can be used for on-link
// determination.
func (o NDPPrefixInformation) OnLinkFlag() bool {
	return o[ndpPrefixInformationFlagsOffset]&ndpPrefixInformationOnLinkFlagMask != 0
}

// AutonomousAddressConfigurationFlag returns true if the prefix can be used
// for stateless address autoconfiguration.
func (o NDPPrefixInformation) AutonomousAddressConfigurationFlag() bool {
	return o[ndpPrefixInformationFlagsOffset]&ndpPrefixInformationAutoAddrConfFlagMask != 0
}

// ValidLifetime returns the valid lifetime in seconds. 0xffffffff is
// infinity.
func (o NDPPrefixInformation) ValidLifetime() uint32 {
	return binary.BigEndian.Uint32(o[ndpPrefixInformationValidLifetimeOffset:])
}

// PreferredLifetime returns the preferred lifetime in seconds. 0xffffffff
// is infinity.
func (o NDPPrefixInformation) PreferredLifetime() uint32 {
	return binary.BigEndian.Uint32(o[ndpPrefixInformationPreferredLifetimeOffset:])
}

// Subnet returns the prefix, masked to PrefixLength.
func (o NDPPrefixInformation) Subnet() tcpip.AddressWithPrefix {
	l := int(o.PrefixLength())
	if l > 128 {
		l = 128
	}
	addr := tcpip.AddrFromSlice(o[ndpPrefixInformationPrefixOffset:][:IPv6AddressSize])
	return tcpip.AddressWithPrefix{Address: addr.Mask(l), PrefixLen: l}
}

// SerializePrefixInformation writes a complete Prefix Information option,
// type and length included, into b and returns the number of bytes written.
func SerializePrefixInformation(b []byte, prefix tcpip.AddressWithPrefix, onLink, autonomous bool, valid, preferred uint32) int {
	const size = ndpPrefixInformationLength + 2
	b = b[:size]
	clear(b)
	b[0] = byte(NDPPrefixInformationType)
	b[1] = size / ndpOptionLengthUnit
	o := b[2:]
	o[ndpPrefixInformationPrefixLengthOffset] = uint8(prefix.PrefixLen)
	if onLink {
		o[ndpPrefixInformationFlagsOffset] |= ndpPrefixInformationOnLinkFlagMask
	}
	if autonomous {
		o[ndpPrefixInformationFlagsOffset] |= ndpPrefixInformationAutoAddrConfFlagMask
	}
	binary.BigEndian.PutUint32(o[ndpPrefixInformationValidLifetimeOffset:], valid)
	binary.BigEndian.PutUint32(o[ndpPrefixInformationPreferredLifetimeOffset:], preferred)
	copy(o[ndpPrefixInformationPrefixOffset:], prefix.Address.Mask(prefix.PrefixLen).AsSlice())
	return size
}
