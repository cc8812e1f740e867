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

//go:build linux

package fdbased

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

const mtu = 1500

type dispatcher chan *stack.PacketBuffer

func (d dispatcher) DeliverNetworkPacket(pkt *stack.PacketBuffer) {
	d <- pkt
}

type testContext struct {
	t      *testing.T
	peer   int
	ep     *Endpoint
	ch     dispatcher
	closed chan error
}

func newTestContext(t *testing.T) *testContext {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socketpair failed: %v", err)
	}
	closed := make(chan error, 1)
	ep, err := New(&Options{
		FD:         fds[1],
		MTU:        mtu,
		ClosedFunc: func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("Failed to create FD endpoint: %v", err)
	}
	c := &testContext{
		t:      t,
		peer:   fds[0],
		ep:     ep,
		ch:     make(dispatcher, 10),
		closed: closed,
	}
	t.Cleanup(func() {
		unix.Shutdown(fds[0], unix.SHUT_RDWR)
		ep.Wait()
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return c
}

func ipv6Datagram(payload int) []byte {
	b := make([]byte, header.IPv6MinimumSize+payload)
	ip := header.IPv6(b)
	ip.Encode(&header.IPv6Fields{
		PayloadLength: uint16(payload),
		NextHeader:    59,
		HopLimit:      64,
		SrcAddr:       tcpip.MustParseAddress("2001:db8::1"),
		DstAddr:       tcpip.MustParseAddress("2001:db8::2"),
	})
	for i := range b[header.IPv6MinimumSize:] {
		b[header.IPv6MinimumSize+i] = byte(i)
	}
	return b
}

func TestNewRejectsSmallMTU(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socketpair failed: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if _, err := New(&Options{FD: fds[0], MTU: 1000}); err == nil {
		t.Errorf("New with MTU 1000 succeeded, want error")
	}
}

func TestWritePacket(t *testing.T) {
	c := newTestContext(t)
	want := ipv6Datagram(100)

	hdr := buffer.NewPrependable(header.IPv6MinimumSize)
	copy(hdr.Prepend(header.IPv6MinimumSize), want[:header.IPv6MinimumSize])
	pkt := &stack.PacketBuffer{
		Header: hdr,
		Data:   buffer.NewViewFromBytes(want[header.IPv6MinimumSize:60]).ToVectorisedView(),
		Next: &stack.PacketBuffer{
			Data: buffer.NewViewFromBytes(want[60:]).ToVectorisedView(),
		},
	}
	if err := c.ep.WritePacket(pkt); err != nil {
		t.Fatalf("WritePacket failed: %s", err)
	}

	b := make([]byte, mtu)
	n, err := unix.Read(c.peer, b)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(b[:n], want) {
		t.Errorf("got written datagram = %x, want = %x", b[:n], want)
	}
}

func TestDeliverPacket(t *testing.T) {
	c := newTestContext(t)
	c.ep.Attach(c.ch)
	if !c.ep.IsAttached() {
		t.Fatalf("got IsAttached() = false after Attach")
	}

	// Frames that are not IPv6 are dropped by the read loop.
	if _, err := unix.Write(c.peer, []byte{0x45, 0, 0, 20}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	want := ipv6Datagram(32)
	if _, err := unix.Write(c.peer, want); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case pkt := <-c.ch:
		if got := pkt.Data.ToView(); !bytes.Equal(got, want) {
			t.Errorf("got delivered datagram = %x, want = %x", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the datagram")
	}
}

func TestPeerClose(t *testing.T) {
	c := newTestContext(t)
	c.ep.Attach(c.ch)
	unix.Shutdown(c.peer, unix.SHUT_WR)

	select {
	case err := <-c.closed:
		if !errors.Is(err, io.EOF) {
			t.Errorf("got ClosedFunc error = %v, want = %v", err, io.EOF)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for ClosedFunc")
	}
	c.ep.Wait()
}

func TestTranslateErrno(t *testing.T) {
	tests := []struct {
		err  error
		want *tcpip.Error
	}{
		{unix.EAGAIN, tcpip.ErrWouldBlock},
		{unix.EMSGSIZE, tcpip.ErrMessageTooLong},
		{unix.ENOBUFS, tcpip.ErrNoBufferSpace},
		{unix.EPIPE, tcpip.ErrClosedForSend},
		{io.ErrClosedPipe, tcpip.ErrClosedForSend},
	}
	for _, test := range tests {
		if got := translateErrno(test.err); got != test.want {
			t.Errorf("got translateErrno(%v) = %s, want = %s", test.err, got, test.want)
		}
	}
}
