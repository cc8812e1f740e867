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

package ipv6

import (
	"ip6stack.dev/ip6stack/pkg/tcpip"
)

// PolicyEntry is an entry of the RFC 6724 policy table.
type PolicyEntry struct {
	Prefix     tcpip.AddressWithPrefix
	Precedence uint8
	Label      uint8
}

func policy(prefix string, prefixLen int, precedence, label uint8) PolicyEntry {
	return PolicyEntry{
		Prefix:     tcpip.AddressWithPrefix{Address: tcpip.MustParseAddress(prefix), PrefixLen: prefixLen},
		Precedence: precedence,
		Label:      label,
	}
}

// defaultPolicyTable is the default policy table of RFC 6724 section 2.1
// plus the site-local and 6bone entries of section 10.3, ordered by
// decreasing prefix length so that the first match is the longest.
var defaultPolicyTable = []PolicyEntry{
	policy("::1", 128, 50, 0),
	policy("::ffff:0:0", 96, 35, 4),
	policy("::", 96, 1, 3),
	policy("2001::", 32, 5, 5),
	policy("2002::", 16, 30, 2),
	policy("3ffe::", 16, 1, 12),
	policy("fec0::", 10, 1, 11),
	policy("fc00::", 7, 3, 13),
	policy("::", 0, 40, 1),
}

// DefaultPolicyTable returns a copy of the default policy table.
func DefaultPolicyTable() []PolicyEntry {
	return append([]PolicyEntry(nil), defaultPolicyTable...)
}

// LookupPolicy returns the first entry of table whose prefix contains addr.
// table must end with a catch-all entry; if it does not and nothing matches,
// the zero entry is returned.
func LookupPolicy(table []PolicyEntry, addr tcpip.Address) PolicyEntry {
	for _, e := range table {
		if e.Prefix.Contains(addr) {
			return e
		}
	}
	return PolicyEntry{}
}
