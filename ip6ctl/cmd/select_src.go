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
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"ip6stack.dev/ip6stack/ip6ctl/config"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/network/ipv6"
)

// SelectSource implements subcommands.Command for the "select-src" command.
type SelectSource struct {
	proposed string
}

// Name implements subcommands.Command.Name.
func (*SelectSource) Name() string {
	return "select-src"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SelectSource) Synopsis() string {
	return "select source addresses for destinations among the configured addresses"
}

// Usage implements subcommands.Command.Usage.
func (*SelectSource) Usage() string {
	return `select-src [-proposed <address>] <destination>... - run source address selection.

Candidates are the addresses given with --addr, all preferred, on one
interface. Example:

  ip6ctl -addr 2001:db8::1/64 -addr fe80::1/64 select-src fe80::9 2001:db8:1::9
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SelectSource) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.proposed, "proposed", "", "source address proposed by the caller.")
}

// Execute implements subcommands.Command.Execute.
func (s *SelectSource) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var proposed tcpip.Address
	if s.proposed != "" {
		a, err := tcpip.ParseAddress(s.proposed)
		if err != nil {
			return Errorf("invalid proposed address %q: %v", s.proposed, err)
		}
		proposed = a
	}
	var dsts []tcpip.Address
	for _, arg := range f.Args() {
		a, err := tcpip.ParseAddress(arg)
		if err != nil {
			return Errorf("invalid destination %q: %v", arg, err)
		}
		dsts = append(dsts, a)
	}
	addrs, err := conf.StaticAddresses()
	if err != nil {
		return Errorf("%v", err)
	}
	if err := selectSources(os.Stdout, conf.ProtocolOptions(), addrs, dsts, proposed); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func selectSources(w io.Writer, opts ipv6.Options, addrs []tcpip.AddressWithPrefix, dsts []tcpip.Address, proposed tcpip.Address) error {
	const nicID = 1
	opts.DisableDAD = true
	p, tcpipErr := ipv6.New(opts)
	if tcpipErr != nil {
		return tcpipError("creating IPv6 layer", tcpipErr)
	}
	if err := p.AddNIC(nicID, nil, ipv6.NICOptions{}); err != nil {
		return tcpipError("adding NIC", err)
	}
	for _, a := range addrs {
		if err := p.AddAddress(nicID, a, ipv6.AddAddressOptions{}); err != nil {
			return tcpipError(fmt.Sprintf("adding %s", a), err)
		}
	}
	table := opts.PolicyTable
	if table == nil {
		table = ipv6.DefaultPolicyTable()
	}
	for _, dst := range dsts {
		src, err := p.SelectSource(nicID, dst, proposed)
		if err != nil {
			fmt.Fprintf(w, "%s: %s\n", dst, err)
			continue
		}
		dp, sp := ipv6.LookupPolicy(table, dst), ipv6.LookupPolicy(table, src)
		fmt.Fprintf(w, "%s -> %s (precedence %d, labels %d/%d)\n", dst, src, dp.Precedence, dp.Label, sp.Label)
	}
	return nil
}
