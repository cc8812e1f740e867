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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/subcommands"

	"ip6stack.dev/ip6stack/ip6ctl/config"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/faketime"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/link/channel"
	"ip6stack.dev/ip6stack/pkg/tcpip/network/ipv6"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// settleTime is how far the clock is advanced after the last packet so that
// pending reassembly and detection timers fire.
const settleTime = 2 * time.Minute

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	noSettle bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "feed a packet capture through the IPv6 layer and report what it does"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [-no-settle] <file.pcap> - replay captured datagrams.

Every IPv6 datagram in the capture is delivered to interface 1, configured
from the global flags. The clock follows the capture timestamps. Datagrams
the layer sends in response are printed as header chains, followed by the
IPv6 layer counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.noSettle, "no-settle", false, "do not advance the clock past the last packet.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	in, err := os.Open(f.Arg(0))
	if err != nil {
		return Errorf("opening capture: %v", err)
	}
	defer in.Close()

	if err := replay(os.Stdout, conf, in, !r.noSettle); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// deliveryPrinter is a stack.TransportDispatcher that reports deliveries.
type deliveryPrinter struct {
	w io.Writer
}

// DeliverTransportPacket implements stack.TransportDispatcher.
func (d *deliveryPrinter) DeliverTransportPacket(protocol tcpip.TransportProtocolNumber, pkt *stack.PacketBuffer) {
	h := header.IPv6(pkt.NetworkHeader)
	fmt.Fprintf(d.w, "  deliver proto=%d %s -> %s len=%d\n", protocol, h.SourceAddress(), h.DestinationAddress(), pkt.Data.Size())
}

// linkPayload returns the IPv6 datagram carried by a captured frame.
func linkPayload(linkType layers.LinkType, frame []byte) ([]byte, bool) {
	data := frame
	if linkType != layers.LinkTypeRaw {
		pkt := gopacket.NewPacket(frame, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ll := pkt.LinkLayer()
		if ll == nil {
			return nil, false
		}
		data = ll.LayerPayload()
	}
	if header.IPVersion(data) != header.IPv6Version {
		return nil, false
	}
	return data, true
}

// replay delivers every IPv6 datagram read from the capture in to a stack
// configured by conf and writes a transcript to w.
func replay(w io.Writer, conf *config.Config, in io.Reader, settle bool) error {
	pr, err := pcapgo.NewReader(in)
	if err != nil {
		return fmt.Errorf("reading capture header: %w", err)
	}

	clock := faketime.NewManualClock()
	ep := channel.New(256, uint32(conf.MTU))
	s, err := newNetStack(conf, clock, &deliveryPrinter{w: w})
	if err != nil {
		return err
	}
	if err := s.addLink(conf, ep); err != nil {
		return err
	}
	// Detection delays elapse before the first packet.
	clock.Advance(conf.DADDelay)
	printSent(w, ep)

	var last time.Time
	for i := 1; ; i++ {
		frame, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading packet %d: %w", i, err)
		}
		if !last.IsZero() {
			if d := ci.Timestamp.Sub(last); d > 0 {
				clock.Advance(d)
				printSent(w, ep)
			}
		}
		last = ci.Timestamp

		dgram, ok := linkPayload(pr.LinkType(), frame)
		if !ok {
			fmt.Fprintf(w, "#%d: skipped non-IPv6 frame\n", i)
			continue
		}
		fmt.Fprintf(w, "#%d: recv %d bytes\n", i, len(dgram))
		ep.InjectDatagram(dgram)
		printSent(w, ep)
	}

	if settle {
		clock.Advance(settleTime)
		printSent(w, ep)
	}
	fmt.Fprintln(w, "stats:")
	printStats(w, s.proto.Stats())
	return nil
}

// printSent drains the outbound queue of ep, describing each datagram.
func printSent(w io.Writer, ep *channel.Endpoint) {
	for {
		pi, ok := ep.Read()
		if !ok {
			return
		}
		chain, err := ipv6.HeaderChain(pi.Datagram())
		if err != nil {
			fmt.Fprintf(w, "  sent via %s: %v\n", pi.NextHop, err)
			continue
		}
		fmt.Fprintf(w, "  sent via %s:\n", pi.NextHop)
		for _, e := range chain {
			fmt.Fprintf(w, "    %s\n", e)
		}
	}
}
