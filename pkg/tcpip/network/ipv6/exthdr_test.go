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
	"testing"

	"github.com/google/go-cmp/cmp"

	"ip6stack.dev/ip6stack/pkg/tcpip/header"
)

func fillWith(v byte) ExtHdrFill {
	return func(b []byte, next uint8) {
		for i := range b {
			b[i] = v
		}
		b[0] = next
	}
}

func TestExtHdrListAdd(t *testing.T) {
	var l ExtHdrList
	for _, d := range []ExtHdrDescriptor{
		{Type: header.IPv6FragmentExtHdrIdentifier, Length: header.IPv6FragmentHeaderSize, Fill: fillWith(4)},
		DestinationOptions(),
		{Type: header.IPv6AuthenticationExtHdrIdentifier, Length: 12, Fill: fillWith(5)},
		RouterAlert(header.IPv6RouterAlertMLD),
	} {
		if err := l.Add(d); err != nil {
			t.Fatalf("Add(%s) = %s", d.Type, err)
		}
	}
	want := []header.IPv6ExtensionHeaderIdentifier{
		header.IPv6HopByHopOptionsExtHdrIdentifier,
		header.IPv6DestinationOptionsExtHdrIdentifier,
		header.IPv6FragmentExtHdrIdentifier,
		header.IPv6AuthenticationExtHdrIdentifier,
	}
	if diff := cmp.Diff(want, l.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
	if got, want := l.Len(), 8+8+8+12; got != want {
		t.Errorf("got Len() = %d, want = %d", got, want)
	}
}

func TestExtHdrListAddErrors(t *testing.T) {
	tests := []struct {
		name string
		d    ExtHdrDescriptor
		want error
	}{
		{"duplicate", HopByHopOptions(), ErrExtHdrDuplicate},
		{"unknown type", ExtHdrDescriptor{Type: 200, Length: 8, Fill: fillWith(0)}, ErrExtHdrUnsupported},
		{"no fill", ExtHdrDescriptor{Type: header.IPv6RoutingExtHdrIdentifier, Length: 8}, ErrExtHdrUnsupported},
		{"fragment length", ExtHdrDescriptor{Type: header.IPv6FragmentExtHdrIdentifier, Length: 16, Fill: fillWith(0)}, ErrExtHdrLength},
		{"options not a multiple of 8", ExtHdrDescriptor{Type: header.IPv6DestinationOptionsExtHdrIdentifier, Length: 12, Fill: fillWith(0)}, ErrExtHdrLength},
		{"options too long", ExtHdrDescriptor{Type: header.IPv6DestinationOptionsExtHdrIdentifier, Length: 2056, Fill: fillWith(0)}, ErrExtHdrLength},
		{"authentication not a multiple of 4", ExtHdrDescriptor{Type: header.IPv6AuthenticationExtHdrIdentifier, Length: 10, Fill: fillWith(0)}, ErrExtHdrLength},
		{"authentication too long", ExtHdrDescriptor{Type: header.IPv6AuthenticationExtHdrIdentifier, Length: 1032, Fill: fillWith(0)}, ErrExtHdrLength},
		{"esp too short", ExtHdrDescriptor{Type: header.IPv6ESPExtHdrIdentifier, Length: 4, Fill: fillWith(0)}, ErrExtHdrLength},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var l ExtHdrList
			if err := l.Add(HopByHopOptions()); err != nil {
				t.Fatalf("Add(HopByHopOptions()) = %s", err)
			}
			if err := l.Add(test.d); !errors.Is(err, test.want) {
				t.Errorf("got Add(%s) = %v, want = %v", test.d.Type, err, test.want)
			}
			if got := len(l.Types()); got != 1 {
				t.Errorf("got %d headers after a failed Add, want = 1", got)
			}
		})
	}
}

func TestExtHdrListSerialize(t *testing.T) {
	var l ExtHdrList
	if err := l.Add(DestinationOptions()); err != nil {
		t.Fatalf("Add(DestinationOptions()) = %s", err)
	}
	if err := l.Add(RouterAlert(header.IPv6RouterAlertRSVP)); err != nil {
		t.Fatalf("Add(RouterAlert) = %s", err)
	}
	b := make([]byte, l.Len())
	if got, want := l.serialize(b, udp), hbh; got != want {
		t.Errorf("got first header = %d, want = %d", got, want)
	}
	if got, want := b[0], dstOpt; got != want {
		t.Errorf("got hop-by-hop next header = %d, want = %d", got, want)
	}
	if got, want := b[8], udp; got != want {
		t.Errorf("got destination options next header = %d, want = %d", got, want)
	}

	it := header.IPv6OptionsExtHdr(b[2:8]).Iter()
	opt, done, err := it.Next()
	if err != nil || done {
		t.Fatalf("got it.Next() = (_, %t, %v), want = (_, false, nil)", done, err)
	}
	ra, ok := opt.(*header.IPv6RouterAlertOption)
	if !ok || ra.Value != header.IPv6RouterAlertRSVP {
		t.Errorf("got option = %#v, want = router alert %d", opt, header.IPv6RouterAlertRSVP)
	}
}

func TestNilExtHdrList(t *testing.T) {
	var l *ExtHdrList
	if got := l.Len(); got != 0 {
		t.Errorf("got Len() = %d, want = 0", got)
	}
	if got := l.Types(); got != nil {
		t.Errorf("got Types() = %v, want = nil", got)
	}
	if got := l.serialize(nil, udp); got != udp {
		t.Errorf("got serialize(nil, %d) = %d, want = %d", udp, got, udp)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, code := range []uint8{udp, icmpv6, uint8(header.TCPProtocolNumber), noNext} {
		if !isTerminal(code) {
			t.Errorf("got isTerminal(%d) = false, want = true", code)
		}
	}
	for _, code := range []uint8{hbh, dstOpt, frag, rthdr, 50, 51, 135, 4} {
		if isTerminal(code) {
			t.Errorf("got isTerminal(%d) = true, want = false", code)
		}
	}
}

func TestUpperLayer(t *testing.T) {
	tests := []struct {
		name       string
		dgram      []byte
		wantProto  uint8
		wantOffset int
		wantOK     bool
	}{
		{
			name:       "no extension headers",
			dgram:      datagram(remoteAddr, localAddr, udp, pattern(8)),
			wantProto:  udp,
			wantOffset: header.IPv6MinimumSize,
			wantOK:     true,
		},
		{
			name:       "options and first fragment",
			dgram:      datagram(remoteAddr, localAddr, hbh, options(frag, fragment(icmpv6, 1, 0, true, pattern(8)))),
			wantProto:  icmpv6,
			wantOffset: header.IPv6MinimumSize + 8 + header.IPv6FragmentHeaderSize,
			wantOK:     true,
		},
		{
			name:  "later fragment",
			dgram: datagram(remoteAddr, localAddr, frag, fragment(udp, 1, 8, false, pattern(8))),
		},
		{
			name:  "truncated chain",
			dgram: datagram(remoteAddr, localAddr, hbh, []byte{udp, 1, 0, 0}),
		},
		{
			name:  "short datagram",
			dgram: make([]byte, header.IPv6MinimumSize-1),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			proto, offset, ok := upperLayer(test.dgram)
			if ok != test.wantOK || proto != test.wantProto || offset != test.wantOffset {
				t.Errorf("got upperLayer(_) = (%d, %d, %t), want = (%d, %d, %t)", proto, offset, ok, test.wantProto, test.wantOffset, test.wantOK)
			}
		})
	}
}
