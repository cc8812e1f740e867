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

// Package sniffer provides the implementation of data-link layer endpoints that
// wrap another endpoint and logs inbound and outbound packets.
//
// Sniffer endpoints can be used by calling New(lower) to create a new
// endpoint, where lower is the endpoint being wrapped, and then passing it to
// Protocol.AddNIC.
package sniffer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// LogPackets is a flag used to enable or disable packet logging via the log
// package.
var LogPackets atomic.Bool

// LogPacketsToPCAP is a flag used to enable or disable logging packets to a
// pcap writer. A writer must have been specified when the sniffer was created
// for this flag to have effect.
var LogPacketsToPCAP atomic.Bool

func init() {
	LogPackets.Store(true)
	LogPacketsToPCAP.Store(true)
}

type endpoint struct {
	lower stack.LinkEndpoint

	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher

	// wmu serializes records written to pcap.
	wmu        sync.Mutex
	pcap       *pcapgo.Writer
	maxPCAPLen uint32
	now        func() time.Time
}

var _ stack.LinkEndpoint = (*endpoint)(nil)
var _ stack.NetworkDispatcher = (*endpoint)(nil)

// New creates a new sniffer link-layer endpoint. It wraps around another
// endpoint and logs packets and they traverse the endpoint.
func New(lower stack.LinkEndpoint) stack.LinkEndpoint {
	return &endpoint{lower: lower, now: time.Now}
}

// NewWithWriter creates a new sniffer link-layer endpoint. It wraps around
// another endpoint and logs packets as they traverse the endpoint.
//
// Packets are logged to writer in the pcap format with the raw IP link type.
// A sniffer created with this function will not emit packets using the log
// package.
//
// snapLen is the maximum amount of a packet to be saved. Packets with a length
// less than or equal to snapLen will be saved in their entirety. Longer
// packets will be truncated to snapLen.
func NewWithWriter(lower stack.LinkEndpoint, writer io.Writer, snapLen uint32) (stack.LinkEndpoint, error) {
	w := pcapgo.NewWriter(writer)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("writing pcap file header: %w", err)
	}
	return &endpoint{
		lower:      lower,
		pcap:       w,
		maxPCAPLen: snapLen,
		now:        time.Now,
	}, nil
}

// DeliverNetworkPacket implements the stack.NetworkDispatcher interface. It is
// called by the link-layer endpoint being wrapped when a packet arrives, and
// logs the packet before forwarding to the actual dispatcher.
func (e *endpoint) DeliverNetworkPacket(pkt *stack.PacketBuffer) {
	e.dumpPacket("recv", pkt)
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d != nil {
		d.DeliverNetworkPacket(pkt)
	}
}

// Attach implements stack.LinkEndpoint.Attach.
func (e *endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	e.dispatcher = dispatcher
	e.mu.Unlock()
	e.lower.Attach(e)
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *endpoint) MTU() uint32 {
	return e.lower.MTU()
}

// WritePacket implements the stack.LinkEndpoint interface. It is called by
// higher-level protocols to write packets; it just logs the packet and
// forwards the request to the lower endpoint.
func (e *endpoint) WritePacket(pkt *stack.PacketBuffer) *tcpip.Error {
	e.dumpPacket("send", pkt)
	return e.lower.WritePacket(pkt)
}

func (e *endpoint) dumpPacket(prefix string, pkt *stack.PacketBuffer) {
	if e.pcap == nil {
		if LogPackets.Load() && log.IsLogging(log.Info) {
			logPacket(prefix, pkt.Flatten())
		}
		return
	}
	if !LogPacketsToPCAP.Load() {
		return
	}
	data := pkt.Flatten()
	ci := gopacket.CaptureInfo{
		Timestamp:     e.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if max := int(e.maxPCAPLen); ci.CaptureLength > max {
		ci.CaptureLength = max
		data = data[:max]
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := e.pcap.WritePacket(ci, data); err != nil {
		log.Warningf("sniffer: writing pcap record: %v", err)
	}
}

func logPacket(prefix string, data []byte) {
	if len(data) < header.IPv6MinimumSize {
		log.Infof("%s truncated datagram len:%d", prefix, len(data))
		return
	}
	ip := header.IPv6(data)
	if ip.Version() != header.IPv6Version {
		log.Infof("%s unknown network protocol", prefix)
		return
	}

	p := gopacket.NewPacket(data, layers.LayerTypeIPv6, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	var chain []string
	details := ""
	for _, l := range p.Layers() {
		chain = append(chain, l.LayerType().String())
		switch l := l.(type) {
		case *layers.IPv6Fragment:
			details += fmt.Sprintf(" frag:%d+%d id:%08x", l.FragmentOffset*8, boolToInt(l.MoreFragments), l.Identification)
		case *layers.ICMPv6:
			details += fmt.Sprintf(" icmp:%s", l.TypeCode)
		case *layers.UDP:
			details += fmt.Sprintf(" udp:%d->%d", l.SrcPort, l.DstPort)
		case *layers.TCP:
			details += fmt.Sprintf(" tcp:%d->%d", l.SrcPort, l.DstPort)
		}
	}
	if err := p.ErrorLayer(); err != nil {
		details += fmt.Sprintf(" decode error: %v", err.Error())
	}
	log.Infof("%s %s -> %s len:%d hop:%d [%s]%s", prefix, ip.SourceAddress(), ip.DestinationAddress(), ip.PayloadLength(), ip.HopLimit(), strings.Join(chain, " "), details)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
