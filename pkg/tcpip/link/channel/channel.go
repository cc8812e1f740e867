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

// Package channel provides the implemention of channel-based data-link layer
// endpoints. Such endpoints allow injection of inbound packets and store
// outbound packets in a channel.
package channel

import (
	"context"
	"sync"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// PacketInfo holds all the information about an outbound packet.
type PacketInfo struct {
	// Pkt is the first buffer of the written chain.
	Pkt *stack.PacketBuffer

	NICID   tcpip.NICID
	NextHop tcpip.Address
}

// Datagram returns the written datagram as one contiguous view.
func (p PacketInfo) Datagram() buffer.View {
	return p.Pkt.Flatten()
}

// Notification is the interface for receiving notification from the packet
// queue.
type Notification interface {
	// WriteNotify will be called when a write happens to the queue.
	WriteNotify()
}

// NotificationHandle is an opaque handle to the registered notification target.
// It can be used to unregister the notification when no longer interested.
type NotificationHandle struct {
	n Notification
}

type queue struct {
	// c is the outbound packet channel.
	c chan PacketInfo
	// mu protects fields below.
	mu     sync.RWMutex
	notify []*NotificationHandle
}

func (q *queue) Close() {
	close(q.c)
}

func (q *queue) Read() (PacketInfo, bool) {
	select {
	case p := <-q.c:
		return p, true
	default:
		return PacketInfo{}, false
	}
}

func (q *queue) ReadContext(ctx context.Context) (PacketInfo, bool) {
	select {
	case pkt, ok := <-q.c:
		return pkt, ok
	case <-ctx.Done():
		return PacketInfo{}, false
	}
}

func (q *queue) Write(p PacketInfo) bool {
	wrote := false
	select {
	case q.c <- p:
		wrote = true
	default:
	}
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()

	if wrote {
		// Send notification outside of lock.
		for _, h := range notify {
			h.n.WriteNotify()
		}
	}
	return wrote
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) AddNotify(notify Notification) *NotificationHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := &NotificationHandle{n: notify}
	q.notify = append(q.notify, h)
	return h
}

func (q *queue) RemoveNotify(handle *NotificationHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Make a copy, since we reads the array outside of lock when notifying.
	notify := make([]*NotificationHandle, 0, len(q.notify))
	for _, h := range q.notify {
		if h != handle {
			notify = append(notify, h)
		}
	}
	q.notify = notify
}

// Endpoint is link layer endpoint that stores outbound packets in a channel
// and allows injection of inbound packets.
type Endpoint struct {
	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher
	mtu        uint32

	// Outbound packet queue.
	q *queue
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New creates a new channel endpoint.
func New(size int, mtu uint32) *Endpoint {
	return &Endpoint{
		q: &queue{
			c: make(chan PacketInfo, size),
		},
		mtu: mtu,
	}
}

// Close closes e. Further writes will panic. Reads continue to succeed until
// all packets are read.
func (e *Endpoint) Close() {
	e.q.Close()
}

// Read does non-blocking read one packet from the outbound packet queue.
func (e *Endpoint) Read() (PacketInfo, bool) {
	return e.q.Read()
}

// ReadContext does blocking read for one packet from the outbound packet queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (PacketInfo, bool) {
	return e.q.ReadContext(ctx)
}

// Drain removes all outbound packets from the channel and counts them.
func (e *Endpoint) Drain() int {
	c := 0
	for {
		if _, ok := e.Read(); !ok {
			return c
		}
		c++
	}
}

// NumQueued returns the number of packet queued for outbound.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// AddNotify registers n to be called on every successful write.
func (e *Endpoint) AddNotify(n Notification) *NotificationHandle {
	return e.q.AddNotify(n)
}

// RemoveNotify unregisters a notification target.
func (e *Endpoint) RemoveNotify(h *NotificationHandle) {
	e.q.RemoveNotify(h)
}

// InjectInbound injects an inbound packet. It is dropped if no dispatcher is
// attached.
func (e *Endpoint) InjectInbound(pkt *stack.PacketBuffer) {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d != nil {
		d.DeliverNetworkPacket(pkt)
	}
}

// InjectDatagram injects an inbound datagram held in b.
func (e *Endpoint) InjectDatagram(b []byte) {
	e.InjectInbound(&stack.PacketBuffer{
		Data: buffer.NewViewFromBytes(b).ToVectorisedView(),
	})
}

// Attach saves the stack network-layer dispatcher for use later when packets
// are injected.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU. It returns the value initialized
// during construction or set by SetMTU.
func (e *Endpoint) MTU() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mtu
}

// SetMTU sets the MTU of the endpoint.
func (e *Endpoint) SetMTU(mtu uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
}

// WritePacket stores outbound packets into the channel. It returns
// tcpip.ErrWouldBlock if the channel is full.
func (e *Endpoint) WritePacket(pkt *stack.PacketBuffer) *tcpip.Error {
	p := PacketInfo{
		Pkt:     pkt,
		NICID:   pkt.NICID,
		NextHop: pkt.NextHop,
	}
	if !e.q.Write(p) {
		return tcpip.ErrWouldBlock
	}
	return nil
}
