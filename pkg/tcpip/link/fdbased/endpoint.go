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

// Package fdbased provides the implemention of data-link layer endpoints
// backed by boundary-preserving file descriptors (e.g., TUN devices,
// seqpacket/datagram sockets).
//
// FD based endpoints can be used by the IPv6 layer by calling New() to
// create a new endpoint, and then passing it to Protocol.AddNIC.
package fdbased

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// Options specify the details about the fd-based endpoint to be created.
type Options struct {
	// FD is the file descriptor used to send and receive datagrams. It must
	// stay open for the lifetime of the endpoint.
	FD int

	// MTU is the maximum size of a datagram.
	MTU uint32

	// ClosedFunc is called when the read loop stops, with io.EOF if the
	// peer closed its end.
	ClosedFunc func(error)
}

// Endpoint is a link endpoint backed by a file descriptor.
type Endpoint struct {
	// fd is the file descriptor used to send and receive packets.
	fd int

	// mtu (maximum transmission unit) is the maximum size of a packet.
	mtu uint32

	// closed is a function to be called when the FD's peer (if any) closes
	// its end of the communication pipe.
	closed func(error)

	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher

	wg sync.WaitGroup
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New creates a new fd-based endpoint.
//
// Makes fd non-blocking, but does not take ownership of fd.
func New(opts *Options) (*Endpoint, error) {
	if err := unix.SetNonblock(opts.FD, true); err != nil {
		return nil, fmt.Errorf("unix.SetNonblock(%d) failed: %w", opts.FD, err)
	}
	if opts.MTU < header.IPv6MinimumMTU {
		return nil, fmt.Errorf("MTU %d is below the IPv6 minimum of %d", opts.MTU, header.IPv6MinimumMTU)
	}
	return &Endpoint{
		fd:     opts.FD,
		mtu:    opts.MTU,
		closed: opts.ClosedFunc,
	}, nil
}

// Attach launches the goroutine that reads packets from the file descriptor
// and dispatches them via the provided dispatcher.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	first := e.dispatcher == nil
	e.dispatcher = dispatcher
	e.mu.Unlock()
	if first && dispatcher != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			err := e.dispatchLoop()
			if e.closed != nil {
				e.closed(err)
			}
		}()
	}
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// Wait waits for the read loop to stop. It returns once the peer closes
// the file descriptor or a read fails.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

// MTU implements stack.LinkEndpoint.MTU. It returns the value initialized
// during construction.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// WritePacket writes an outbound datagram to the file descriptor in one
// vectored write. If the descriptor is not writable, the datagram is
// dropped.
func (e *Endpoint) WritePacket(pkt *stack.PacketBuffer) *tcpip.Error {
	iovs := [][]byte{pkt.Header.View()}
	for p := pkt; p != nil; p = p.Next {
		for _, v := range p.Data.Views() {
			iovs = append(iovs, v)
		}
	}
	for {
		_, err := unix.Writev(e.fd, iovs)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return translateErrno(err)
		}
	}
}

func translateErrno(err error) *tcpip.Error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return tcpip.ErrClosedForSend
	}
	switch errno {
	case unix.EAGAIN:
		return tcpip.ErrWouldBlock
	case unix.EMSGSIZE:
		return tcpip.ErrMessageTooLong
	case unix.ENOBUFS, unix.ENOMEM:
		return tcpip.ErrNoBufferSpace
	default:
		return tcpip.ErrClosedForSend
	}
}

// blockingRead reads from the non-blocking fd, waiting in poll(2) while
// nothing is queued.
func blockingRead(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case !errors.Is(err, unix.EAGAIN):
			return 0, err
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, -1); err != nil && !errors.Is(err, unix.EINTR) {
			return 0, err
		}
	}
}

// dispatchLoop reads packets from the file descriptor in a loop and
// dispatches them to the network layer.
func (e *Endpoint) dispatchLoop() error {
	b := make([]byte, header.IPv6MinimumSize+header.IPv6MaximumPayloadSize)
	for {
		n, err := blockingRead(e.fd, b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		if header.IPVersion(b[:n]) != header.IPv6Version {
			log.Debugf("fdbased: dropping %d byte non-IPv6 frame", n)
			continue
		}
		e.mu.RLock()
		d := e.dispatcher
		e.mu.RUnlock()
		d.DeliverNetworkPacket(&stack.PacketBuffer{
			Data: buffer.NewViewFromBytes(b[:n]).ToVectorisedView(),
		})
	}
}
