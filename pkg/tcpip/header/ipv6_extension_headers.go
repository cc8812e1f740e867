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
	"fmt"
	"io"
)

// IPv6ExtensionHeaderIdentifier is an IPv6 extension header identifier.
type IPv6ExtensionHeaderIdentifier uint8

const (
	// IPv6HopByHopOptionsExtHdrIdentifier is the header identifier of a Hop by
	// Hop Options extension header, as per RFC 8200 section 4.3.
	IPv6HopByHopOptionsExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 0

	// IPv6RoutingExtHdrIdentifier is the header identifier of a Routing extension
	// header, as per RFC 8200 section 4.4.
	IPv6RoutingExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 43

	// IPv6FragmentExtHdrIdentifier is the header identifier of a Fragment
	// extension header, as per RFC 8200 section 4.5.
	IPv6FragmentExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 44

	// IPv6ESPExtHdrIdentifier is the header identifier of an Encapsulating
	// Security Payload header, RFC 4303.
	IPv6ESPExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 50

	// IPv6AuthenticationExtHdrIdentifier is the header identifier of an
	// Authentication Header, RFC 4302.
	IPv6AuthenticationExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 51

	// IPv6NoNextHeaderIdentifier is the header identifier used to signify the end
	// of an IPv6 payload, as per RFC 8200 section 4.7.
	IPv6NoNextHeaderIdentifier IPv6ExtensionHeaderIdentifier = 59

	// IPv6DestinationOptionsExtHdrIdentifier is the header identifier of a
	// Destination Options extension header, as per RFC 8200 section 4.6.
	IPv6DestinationOptionsExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 60

	// IPv6MobilityExtHdrIdentifier is the header identifier of a Mobility
	// header, RFC 6275.
	IPv6MobilityExtHdrIdentifier IPv6ExtensionHeaderIdentifier = 135
)

func (id IPv6ExtensionHeaderIdentifier) String() string {
	switch id {
	case IPv6HopByHopOptionsExtHdrIdentifier:
		return "hop-by-hop"
	case IPv6RoutingExtHdrIdentifier:
		return "routing"
	case IPv6FragmentExtHdrIdentifier:
		return "fragment"
	case IPv6ESPExtHdrIdentifier:
		return "esp"
	case IPv6AuthenticationExtHdrIdentifier:
		return "ah"
	case IPv6NoNextHeaderIdentifier:
		return "no-next-header"
	case IPv6DestinationOptionsExtHdrIdentifier:
		return "destination-options"
	case IPv6MobilityExtHdrIdentifier:
		return "mobility"
	default:
		return fmt.Sprintf("%d", uint8(id))
	}
}

const (
	// ipv6UnknownExtHdrOptionActionMask is the mask of the action to take when
	// a node encounters an unrecognized option.
	ipv6UnknownExtHdrOptionActionMask = 192

	// ipv6UnknownExtHdrOptionActionShift is the least significant bits to discard
	// from the action value for an unrecognized option identifier.
	ipv6UnknownExtHdrOptionActionShift = 6

	// ipv6ExtHdrOptionMutableMask is the bit of an option type that marks
	// the option data as changing en route.
	ipv6ExtHdrOptionMutableMask = 0x20

	// IPv6RoutingExtHdrTypeOffset is the offset of the Routing Type field
	// within a Routing extension header.
	IPv6RoutingExtHdrTypeOffset = 2

	// ipv6RoutingExtHdrSegmentsLeftOffset is the offset of the Segments Left
	// field within a Routing extension header.
	ipv6RoutingExtHdrSegmentsLeftOffset = 3

	// ipv6ExtHdrLenBytesPerUnit is the unit size of an extension header's length
	// field. That is, given a Length field of 2, the extension header expects
	// 16 bytes following the first 8 bytes.
	ipv6ExtHdrLenBytesPerUnit = 8

	// ipv6AuthHdrLenBytesPerUnit is the unit size of an Authentication
	// Header's Payload Len field, which counts 4-byte words minus 2.
	ipv6AuthHdrLenBytesPerUnit = 4

	// IPv6ExtHdrMinimumSize is the size of the Next Header and Length fields
	// every length-carrying extension header starts with.
	IPv6ExtHdrMinimumSize = 2

	// IPv6OptionsExtHdrAlignment is the alignment every Hop-by-Hop and
	// Destination Options header must have.
	IPv6OptionsExtHdrAlignment = 8
)

// IPv6ExtHdrLength returns the total length, in bytes, of an extension header
// with the given identifier and Length field value. ok is false for
// identifiers whose length cannot be derived from a Length field.
func IPv6ExtHdrLength(id IPv6ExtensionHeaderIdentifier, lengthField uint8) (int, bool) {
	switch id {
	case IPv6HopByHopOptionsExtHdrIdentifier,
		IPv6RoutingExtHdrIdentifier,
		IPv6DestinationOptionsExtHdrIdentifier,
		IPv6MobilityExtHdrIdentifier:
		return (int(lengthField) + 1) * ipv6ExtHdrLenBytesPerUnit, true
	case IPv6FragmentExtHdrIdentifier:
		return IPv6FragmentHeaderSize, true
	case IPv6AuthenticationExtHdrIdentifier:
		return (int(lengthField) + 2) * ipv6AuthHdrLenBytesPerUnit, true
	default:
		return 0, false
	}
}

// IPv6RoutingExtHdr is a buffer holding a whole Routing extension header, as
// outlined in RFC 8200 section 4.4.
type IPv6RoutingExtHdr []byte

// RoutingType returns the Routing Type field.
func (b IPv6RoutingExtHdr) RoutingType() uint8 {
	return b[IPv6RoutingExtHdrTypeOffset]
}

// SegmentsLeft returns the Segments Left field.
func (b IPv6RoutingExtHdr) SegmentsLeft() uint8 {
	return b[ipv6RoutingExtHdrSegmentsLeftOffset]
}

// IPv6OptionUnknownAction is the action that must be taken if the processing
// IPv6 node does not recognize the option, as outlined in RFC 8200 section 4.2.
type IPv6OptionUnknownAction int

const (
	// IPv6OptionUnknownActionSkip indicates that the unrecognized option must
	// be skipped and the node should continue processing the header.
	IPv6OptionUnknownActionSkip IPv6OptionUnknownAction = 0

	// IPv6OptionUnknownActionDiscard indicates that the packet must be silently
	// discarded.
	IPv6OptionUnknownActionDiscard IPv6OptionUnknownAction = 1

	// IPv6OptionUnknownActionDiscardSendICMP indicates that the packet must be
	// discarded and the node must send an ICMP Parameter Problem, Code 2, message
	// to the packet's source, regardless of whether or not the packet's
	// Destination was a multicast address.
	IPv6OptionUnknownActionDiscardSendICMP IPv6OptionUnknownAction = 2

	// IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest indicates that the
	// packet must be discarded and the node must send an ICMP Parameter Problem,
	// Code 2, message to the packet's source only if the packet's Destination was
	// not a multicast address.
	IPv6OptionUnknownActionDiscardSendICMPNoMulticastDest IPv6OptionUnknownAction = 3
)

// IPv6ExtHdrOptionIdentifier is an IPv6 extension header option identifier.
type IPv6ExtHdrOptionIdentifier uint8

const (
	// ipv6Pad1ExtHdrOptionIdentifier is the identifier for a padding option that
	// provides 1 byte padding, as outlined in RFC 8200 section 4.2.
	ipv6Pad1ExtHdrOptionIdentifier IPv6ExtHdrOptionIdentifier = 0

	// ipv6PadNExtHdrOptionIdentifier is the identifier for a padding option that
	// provides variable length byte padding, as outlined in RFC 8200 section 4.2.
	ipv6PadNExtHdrOptionIdentifier IPv6ExtHdrOptionIdentifier = 1

	// ipv6RouterAlertHopByHopOptionIdentifier is the identifier for the Router
	// Alert Hop by Hop option as defined in RFC 2711 section 2.1.
	ipv6RouterAlertHopByHopOptionIdentifier IPv6ExtHdrOptionIdentifier = 5

	// ipv6ExtHdrOptionTypeOffset is the option type offset in an extension
	// header option as defined in RFC 8200 section 4.2.
	ipv6ExtHdrOptionTypeOffset = 0

	// ipv6ExtHdrOptionLengthOffset is the option length offset in an extension
	// header option as defined in RFC 8200 section 4.2.
	ipv6ExtHdrOptionLengthOffset = 1

	// ipv6ExtHdrOptionPayloadOffset is the option payload offset in an
	// extension header option as defined in RFC 8200 section 4.2.
	ipv6ExtHdrOptionPayloadOffset = 2

	// ipv6RouterAlertPayloadLength is the length of the Router Alert payload
	// as defined in RFC 2711.
	ipv6RouterAlertPayloadLength = 2
)

// UnknownAction returns the action to take when id is not recognized.
func (id IPv6ExtHdrOptionIdentifier) UnknownAction() IPv6OptionUnknownAction {
	return IPv6OptionUnknownAction((id & ipv6UnknownExtHdrOptionActionMask) >> ipv6UnknownExtHdrOptionActionShift)
}

// Mutable returns true if the option data may change en route.
func (id IPv6ExtHdrOptionIdentifier) Mutable() bool {
	return id&ipv6ExtHdrOptionMutableMask != 0
}

// IPv6ExtHdrOption is implemented by the various IPv6 extension header options.
type IPv6ExtHdrOption interface {
	// UnknownAction returns the action to take in response to an unrecognized
	// option.
	UnknownAction() IPv6OptionUnknownAction

	// isIPv6ExtHdrOption is used to "lock" this interface so it is not
	// implemented by other packages.
	isIPv6ExtHdrOption()
}

// IPv6UnknownExtHdrOption holds the identifier and data for an IPv6 extension
// header option that is unknown by the parsing utilities.
type IPv6UnknownExtHdrOption struct {
	Identifier IPv6ExtHdrOptionIdentifier
	Data       []byte
}

// UnknownAction implements IPv6ExtHdrOption.
func (o *IPv6UnknownExtHdrOption) UnknownAction() IPv6OptionUnknownAction {
	return o.Identifier.UnknownAction()
}

func (*IPv6UnknownExtHdrOption) isIPv6ExtHdrOption() {}

// IPv6RouterAlertValue is the payload of a Router Alert option.
type IPv6RouterAlertValue uint16

// IPv6RouterAlertValue values, from RFC 2711 section 2.1 and the IANA
// registry.
const (
	IPv6RouterAlertMLD  IPv6RouterAlertValue = 0
	IPv6RouterAlertRSVP IPv6RouterAlertValue = 1
)

// IPv6RouterAlertOption is the IPv6 Router alert Hop by Hop option defined in
// RFC 2711 section 2.1.
type IPv6RouterAlertOption struct {
	Value IPv6RouterAlertValue
}

// UnknownAction implements IPv6ExtHdrOption.
func (*IPv6RouterAlertOption) UnknownAction() IPv6OptionUnknownAction {
	return ipv6RouterAlertHopByHopOptionIdentifier.UnknownAction()
}

func (*IPv6RouterAlertOption) isIPv6ExtHdrOption() {}

// IPv6OptionsExtHdr is a buffer holding the options area of a Hop by Hop or
// Destination Options extension header, that is everything after the Next
// Header and Length fields.
type IPv6OptionsExtHdr []byte

// Iter returns an iterator over the IPv6 extension header options held in b.
func (b IPv6OptionsExtHdr) Iter() IPv6OptionsExtHdrOptionsIterator {
	return IPv6OptionsExtHdrOptionsIterator{buf: b}
}

// IPv6OptionsExtHdrOptionsIterator is an iterator over IPv6 extension header
// options.
//
// No changes to the underlying buffer may happen while the iterator is in
// use.
type IPv6OptionsExtHdrOptionsIterator struct {
	buf []byte

	// off is the offset of the next option to parse.
	off int

	// optOff is the offset of the option last returned, or of the option
	// that failed to parse.
	optOff int
}

// OptionOffset returns the offset, within the options area, of the type byte
// of the option last returned by Next, or of the option that made Next fail.
func (i *IPv6OptionsExtHdrOptionsIterator) OptionOffset() int {
	return i.optOff
}

// Next returns the next option in the options data.
//
// If the next item is not a known extension header option,
// IPv6UnknownExtHdrOption will be returned with the option identifier and data.
// Padding options are consumed silently.
//
// The return is of the format (option, done, error). done will be true when
// Next is unable to return anything because the iterator has reached the end of
// the options data, or an error occurred.
func (i *IPv6OptionsExtHdrOptionsIterator) Next() (IPv6ExtHdrOption, bool, error) {
	for {
		if i.off >= len(i.buf) {
			return nil, true, nil
		}
		i.optOff = i.off
		id := IPv6ExtHdrOptionIdentifier(i.buf[i.off+ipv6ExtHdrOptionTypeOffset])

		// Pad1 has neither Length nor Data fields.
		if id == ipv6Pad1ExtHdrOptionIdentifier {
			i.off++
			continue
		}

		if i.off+ipv6ExtHdrOptionLengthOffset >= len(i.buf) {
			i.off = len(i.buf)
			return nil, true, fmt.Errorf("error when reading the option's Length field for option with id = %d: %w", id, io.ErrUnexpectedEOF)
		}
		length := int(i.buf[i.off+ipv6ExtHdrOptionLengthOffset])
		start := i.off + ipv6ExtHdrOptionPayloadOffset
		if n := len(i.buf) - start; n < length {
			i.off = len(i.buf)
			return nil, true, fmt.Errorf("read %d out of %d option data bytes for option with id = %d: %w", n, length, id, io.ErrUnexpectedEOF)
		}
		data := i.buf[start : start+length]
		i.off = start + length

		switch id {
		case ipv6PadNExtHdrOptionIdentifier:
			continue
		case ipv6RouterAlertHopByHopOptionIdentifier:
			if length != ipv6RouterAlertPayloadLength {
				return nil, true, fmt.Errorf("got router alert option length = %d, want = %d: %w", length, ipv6RouterAlertPayloadLength, ErrMalformedIPv6Option)
			}
			return &IPv6RouterAlertOption{Value: IPv6RouterAlertValue(binary.BigEndian.Uint16(data))}, false, nil
		default:
			return &IPv6UnknownExtHdrOption{Identifier: id, Data: data}, false, nil
		}
	}
}

// ErrMalformedIPv6Option is returned when a known option has an invalid
// length.
var ErrMalformedIPv6Option = errors.New("malformed IPv6 extension header option")

// IPv6SerializableOption is an option that can be written into a Hop by Hop
// or Destination Options extension header.
type IPv6SerializableOption interface {
	// identifier returns the option type.
	identifier() IPv6ExtHdrOptionIdentifier

	// length returns the length of the option data.
	length() uint8

	// alignment returns (x, y) for the xn+y alignment requirement of the
	// option type byte, as outlined in RFC 8200 section 4.2.
	alignment() (int, int)

	// serializeInto writes the option data into b.
	serializeInto(b []byte)
}

func (*IPv6RouterAlertOption) identifier() IPv6ExtHdrOptionIdentifier {
	return ipv6RouterAlertHopByHopOptionIdentifier
}

func (*IPv6RouterAlertOption) length() uint8 {
	return ipv6RouterAlertPayloadLength
}

// alignment implements IPv6SerializableOption. Router Alert requires 2n+0,
// RFC 2711 section 2.1.
func (*IPv6RouterAlertOption) alignment() (int, int) {
	return 2, 0
}

func (o *IPv6RouterAlertOption) serializeInto(b []byte) {
	binary.BigEndian.PutUint16(b, uint16(o.Value))
}

// IPv6RawOption is an arbitrary option with the given type and data. It lets
// callers emit options this package does not model.
type IPv6RawOption struct {
	Identifier IPv6ExtHdrOptionIdentifier
	Data       []byte
}

func (o *IPv6RawOption) identifier() IPv6ExtHdrOptionIdentifier { return o.Identifier }
func (o *IPv6RawOption) length() uint8                          { return uint8(len(o.Data)) }
func (*IPv6RawOption) alignment() (int, int)                    { return 1, 0 }
func (o *IPv6RawOption) serializeInto(b []byte)                 { copy(b, o.Data) }

// ipv6OptionPadding returns the number of padding bytes needed before an
// option whose type byte would land at offset off to satisfy its xn+y
// alignment.
func ipv6OptionPadding(off int, o IPv6SerializableOption) int {
	x, y := o.alignment()
	if x <= 1 {
		return 0
	}
	return ((y-off)%x + x) % x
}

// IPv6OptionsExtHdrLength returns the length of a Hop by Hop or Destination
// Options header carrying opts, including alignment padding.
func IPv6OptionsExtHdrLength(opts []IPv6SerializableOption) int {
	off := IPv6ExtHdrMinimumSize
	for _, o := range opts {
		off += ipv6OptionPadding(off, o)
		off += ipv6ExtHdrOptionPayloadOffset + int(o.length())
	}
	return (off + IPv6OptionsExtHdrAlignment - 1) &^ (IPv6OptionsExtHdrAlignment - 1)
}

// SerializeIPv6OptionsExtHdr writes a Hop by Hop or Destination Options header
// carrying opts into b and returns the number of bytes written. b must hold
// at least IPv6OptionsExtHdrLength(opts) bytes.
func SerializeIPv6OptionsExtHdr(b []byte, nextHeader uint8, opts []IPv6SerializableOption) int {
	total := IPv6OptionsExtHdrLength(opts)
	b = b[:total]
	b[0] = nextHeader
	b[1] = uint8(total/ipv6ExtHdrLenBytesPerUnit - 1)
	off := IPv6ExtHdrMinimumSize
	for _, o := range opts {
		if pad := ipv6OptionPadding(off, o); pad > 0 {
			writeIPv6Padding(b[off : off+pad])
			off += pad
		}
		b[off+ipv6ExtHdrOptionTypeOffset] = byte(o.identifier())
		b[off+ipv6ExtHdrOptionLengthOffset] = o.length()
		off += ipv6ExtHdrOptionPayloadOffset
		o.serializeInto(b[off : off+int(o.length())])
		off += int(o.length())
	}
	writeIPv6Padding(b[off:])
	return total
}

// writeIPv6Padding fills b with a Pad1 or PadN option.
func writeIPv6Padding(b []byte) {
	switch len(b) {
	case 0:
	case 1:
		b[0] = byte(ipv6Pad1ExtHdrOptionIdentifier)
	default:
		b[0] = byte(ipv6PadNExtHdrOptionIdentifier)
		b[1] = uint8(len(b) - ipv6ExtHdrOptionPayloadOffset)
		clear(b[ipv6ExtHdrOptionPayloadOffset:])
	}
}
