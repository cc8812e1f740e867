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

// Package cmd holds implementations of the ip6ctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the user in addition to the debug log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs error to ErrorLogger and the debug log. It returns
// subcommands.ExitFailure for convenience with subcommand.Execute()
// methods.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(ErrorLogger, "ip6ctl: %s\n", msg)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// tcpipError adapts a *tcpip.Error to the error interface.
func tcpipError(what string, err *tcpip.Error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", what, err)
}

// printStats writes every non-zero counter of s to w.
func printStats(w io.Writer, s *tcpip.Stats) {
	s.Visit(func(name string, c *tcpip.StatCounter) {
		if v := c.Value(); v != 0 {
			fmt.Fprintf(w, "%s: %d\n", name, v)
		}
	})
}
