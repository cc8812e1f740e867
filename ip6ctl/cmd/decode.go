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
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/google/subcommands"

	"ip6stack.dev/ip6stack/pkg/tcpip/network/ipv6"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	file string
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "print the header chain of an IPv6 datagram given in hex"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [-file <path>] [<hex>...] - decode a datagram.

The datagram starts at the fixed IPv6 header. Whitespace, colons and a 0x
prefix in the hex text are ignored.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.file, "file", "", "read the hex datagram from this file, - for stdin.")
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var text string
	switch {
	case d.file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return Errorf("reading stdin: %v", err)
		}
		text = string(b)
	case d.file != "":
		b, err := os.ReadFile(d.file)
		if err != nil {
			return Errorf("reading %q: %v", d.file, err)
		}
		text = string(b)
	case f.NArg() == 0:
		f.Usage()
		return subcommands.ExitUsageError
	default:
		text = strings.Join(f.Args(), "")
	}
	if err := decode(os.Stdout, text); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// parseHex decodes hex text, ignoring whitespace, colons and a 0x prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' {
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex datagram: %w", err)
	}
	return b, nil
}

func decode(w io.Writer, text string) error {
	b, err := parseHex(text)
	if err != nil {
		return err
	}
	chain, err := ipv6.HeaderChain(b)
	for _, e := range chain {
		fmt.Fprintln(w, e)
	}
	return err
}
