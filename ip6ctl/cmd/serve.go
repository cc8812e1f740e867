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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"ip6stack.dev/ip6stack/ip6ctl/config"
	"ip6stack.dev/ip6stack/ip6ctl/metricserver"
	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/link/fdbased"
	"ip6stack.dev/ip6stack/pkg/tcpip/link/loopback"
	"ip6stack.dev/ip6stack/pkg/tcpip/link/sniffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/link/tun"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// pcapSnapLen is the snapshot length of packet captures; datagrams are never
// truncated.
const pcapSnapLen = header.IPv6MaximumPayloadSize + header.IPv6MinimumSize

// Serve implements subcommands.Command for the "serve" command.
type Serve struct{}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run the IPv6 layer on a TUN device"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve - attach the IPv6 layer to the TUN device named by --dev.

The device must exist or the process must be allowed to create it. The layer
runs until interrupted or until the device goes away.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Serve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Serve) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := serve(ctx, conf); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// deliveryLogger is a stack.TransportDispatcher that logs deliveries. No
// transport protocol runs on top of the layer.
type deliveryLogger struct{}

// DeliverTransportPacket implements stack.TransportDispatcher.
func (deliveryLogger) DeliverTransportPacket(protocol tcpip.TransportProtocolNumber, pkt *stack.PacketBuffer) {
	h := header.IPv6(pkt.NetworkHeader)
	log.Debugf("NIC %d: transport protocol %d from %s: %d bytes", pkt.NICID, protocol, h.SourceAddress(), pkt.Data.Size())
}

func serve(ctx context.Context, conf *config.Config) error {
	fd, err := tun.Open(conf.Device)
	if err != nil {
		return fmt.Errorf("opening TUN device %q: %w", conf.Device, err)
	}
	defer unix.Close(fd)
	if err := tun.SetUp(conf.Device, int(conf.MTU)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ep, err := fdbased.New(&fdbased.Options{
		FD:  fd,
		MTU: uint32(conf.MTU),
		ClosedFunc: func(err error) {
			cancel(fmt.Errorf("device %s closed: %w", conf.Device, err))
		},
	})
	if err != nil {
		return err
	}

	var link stack.LinkEndpoint = ep
	switch {
	case conf.PCAPLog != "":
		f, err := os.Create(conf.PCAPLog)
		if err != nil {
			return fmt.Errorf("creating packet capture: %w", err)
		}
		defer f.Close()
		if link, err = sniffer.NewWithWriter(link, f, pcapSnapLen); err != nil {
			return err
		}
	case conf.LogPackets:
		link = sniffer.New(link)
	}

	s, err := newNetStack(conf, nil, deliveryLogger{})
	if err != nil {
		return err
	}
	if err := s.addLink(conf, link); err != nil {
		return err
	}
	if err := s.addLoopback(loopback.New()); err != nil {
		return err
	}
	log.Infof("Serving on %s", conf.Device)

	g, gctx := errgroup.WithContext(ctx)
	if conf.AutoConfigure {
		g.Go(func() error {
			err := s.proto.Autoconfigure(gctx, linkNIC)
			if err == tcpip.ErrAborted && gctx.Err() != nil {
				return nil
			}
			return tcpipError("autoconfiguration", err)
		})
	}
	if conf.MetricServer != "" {
		g.Go(func() error {
			return metricserver.Serve(gctx, conf.MetricServer, s.proto.Stats())
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
		return cause
	}
	log.Infof("Shutting down")
	return nil
}
