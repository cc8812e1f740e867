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

//go:build !linux

package cmd

import (
	"context"
	"flag"

	"github.com/google/subcommands"
)

// Serve implements subcommands.Command for the "serve" command. TUN devices
// are only supported on Linux.
type Serve struct{}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run the IPv6 layer on a TUN device (Linux only)"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return "serve - unsupported on this platform.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Serve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Serve) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	return Errorf("serve is only supported on Linux")
}
