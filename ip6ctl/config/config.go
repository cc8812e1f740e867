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

// Package config provides basic infrastructure to set configuration settings
// for ip6ctl. The configuration is set by flags to the command line. A TOML
// file named by --config may supply settings beneath the flags set
// explicitly.
package config

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/network/ipv6"
)

// Config holds configuration that is not part of the IPv6 layer itself.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the file key.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
//  5. If the flag affects the IPv6 layer, map it in ProtocolOptions().
type Config struct {
	// ConfigFile is the TOML or YAML file read by NewFromFlags.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// Tuning of the IPv6 layer. Zero values select the layer's defaults.
	ReassemblyTimeout      time.Duration `flag:"reassembly-timeout" toml:"reassembly_timeout" yaml:"reassembly_timeout"`
	MaxFragmentLists       int           `flag:"max-fragment-lists" toml:"max_fragment_lists" yaml:"max_fragment_lists"`
	MaxFragments           int           `flag:"max-fragments" toml:"max_fragments" yaml:"max_fragments"`
	MaxAddresses           int           `flag:"max-addresses" toml:"max_addresses" yaml:"max_addresses"`
	HopLimit               uint          `flag:"hop-limit" toml:"hop_limit" yaml:"hop_limit"`
	ICMPErrorRate          float64       `flag:"icmp-error-rate" toml:"icmp_error_rate" yaml:"icmp_error_rate"`
	ICMPErrorBurst         int           `flag:"icmp-error-burst" toml:"icmp_error_burst" yaml:"icmp_error_burst"`
	AutoConfigure          bool          `flag:"slaac" toml:"slaac" yaml:"slaac"`
	RAWaitTimeout          time.Duration `flag:"ra-wait-timeout" toml:"ra_wait_timeout" yaml:"ra_wait_timeout"`
	MaxRouterSolicitations int           `flag:"max-rtr-solicitations" toml:"max_rtr_solicitations" yaml:"max_rtr_solicitations"`
	DisableDAD             bool          `flag:"disable-dad" toml:"disable_dad" yaml:"disable_dad"`

	// DADDelay is how long duplicate address detection runs. Zero makes
	// detection complete synchronously.
	DADDelay time.Duration `flag:"dad-delay" toml:"dad_delay" yaml:"dad_delay"`

	// Claimed lists addresses owned by other nodes; detection reports them
	// as duplicates.
	Claimed StringList `flag:"claim" toml:"claim" yaml:"claim"`

	// EchoReply makes the ICMPv6 endpoint answer Echo Requests.
	EchoReply bool `flag:"echo-reply" toml:"echo_reply" yaml:"echo_reply"`

	// Device is the TUN interface used by serve.
	Device string `flag:"dev" toml:"dev" yaml:"dev"`

	// MTU is the MTU of the link.
	MTU uint `flag:"mtu" toml:"mtu" yaml:"mtu"`

	// InterfaceID is an address whose low 64 bits are the interface
	// identifier of autoconfigured addresses.
	InterfaceID string `flag:"iid" toml:"iid" yaml:"iid"`

	// Addresses are static addresses in prefix notation.
	Addresses StringList `flag:"addr" toml:"addresses" yaml:"addresses"`

	// OnLink are prefixes reachable without a router.
	OnLink StringList `flag:"onlink" toml:"onlink" yaml:"onlink"`

	// Router is the default router.
	Router string `flag:"router" toml:"router" yaml:"router"`

	// LogPackets logs every datagram crossing the link.
	LogPackets bool `flag:"log-packets" toml:"log_packets" yaml:"log_packets"`

	// PCAPLog is the path of a pcap file datagrams crossing the link are
	// written to.
	PCAPLog string `flag:"pcap-log" toml:"pcap_log" yaml:"pcap_log"`

	// MetricServer is the address the Prometheus metric server listens on.
	// Empty disables it.
	MetricServer string `flag:"metric-server" toml:"metric_server" yaml:"metric_server"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MTU < header.IPv6MinimumMTU {
		return fmt.Errorf("MTU %d is below the IPv6 minimum of %d", c.MTU, header.IPv6MinimumMTU)
	}
	if c.HopLimit > 255 {
		return fmt.Errorf("hop limit %d exceeds 255", c.HopLimit)
	}
	if c.ICMPErrorRate < 0 || c.ICMPErrorBurst < 0 {
		return fmt.Errorf("ICMP error rate %v and burst %d must not be negative", c.ICMPErrorRate, c.ICMPErrorBurst)
	}
	if _, err := c.StaticAddresses(); err != nil {
		return err
	}
	if _, err := c.OnLinkPrefixes(); err != nil {
		return err
	}
	if _, err := c.ClaimedAddresses(); err != nil {
		return err
	}
	if _, err := c.DefaultRouter(); err != nil {
		return err
	}
	if _, err := c.IID(); err != nil {
		return err
	}
	return nil
}

func parsePrefixes(what string, l StringList) ([]tcpip.AddressWithPrefix, error) {
	var out []tcpip.AddressWithPrefix
	for _, s := range l {
		a, err := tcpip.ParseAddressWithPrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", what, s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// StaticAddresses returns the parsed Addresses.
func (c *Config) StaticAddresses() ([]tcpip.AddressWithPrefix, error) {
	return parsePrefixes("address", c.Addresses)
}

// OnLinkPrefixes returns the parsed OnLink prefixes.
func (c *Config) OnLinkPrefixes() ([]tcpip.AddressWithPrefix, error) {
	return parsePrefixes("on-link prefix", c.OnLink)
}

// ClaimedAddresses returns the parsed Claimed addresses.
func (c *Config) ClaimedAddresses() ([]tcpip.Address, error) {
	var out []tcpip.Address
	for _, s := range c.Claimed {
		a, err := tcpip.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid claimed address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// DefaultRouter returns the parsed Router, or the unspecified address.
func (c *Config) DefaultRouter() (tcpip.Address, error) {
	if c.Router == "" {
		return tcpip.Address{}, nil
	}
	a, err := tcpip.ParseAddress(c.Router)
	if err != nil {
		return tcpip.Address{}, fmt.Errorf("invalid router %q: %w", c.Router, err)
	}
	return a, nil
}

// IID returns the interface identifier, all zeros if none is configured.
func (c *Config) IID() (iid [header.IIDSize]byte, err error) {
	if c.InterfaceID == "" {
		return iid, nil
	}
	a, err := tcpip.ParseAddress(c.InterfaceID)
	if err != nil {
		return iid, fmt.Errorf("invalid interface identifier %q: %w", c.InterfaceID, err)
	}
	copy(iid[:], a.AsSlice()[header.IPv6AddressSize-header.IIDSize:])
	return iid, nil
}

// ProtocolOptions returns the IPv6 layer options selected by c. The
// collaborators are left for the caller to set.
func (c *Config) ProtocolOptions() ipv6.Options {
	return ipv6.Options{
		ReassemblyTimeout:      c.ReassemblyTimeout,
		MaxFragmentLists:       c.MaxFragmentLists,
		MaxFragments:           c.MaxFragments,
		MaxAddresses:           c.MaxAddresses,
		DefaultHopLimit:        uint8(c.HopLimit),
		ICMPErrorRate:          rate.Limit(c.ICMPErrorRate),
		ICMPErrorBurst:         c.ICMPErrorBurst,
		AutoConfigure:          c.AutoConfigure,
		RAWaitTimeout:          c.RAWaitTimeout,
		MaxRouterSolicitations: c.MaxRouterSolicitations,
		DisableDAD:             c.DisableDAD,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.Device: %s, MTU: %d", c.Device, c.MTU)
	log.Infof("Config.Addresses: %s", strings.Join(c.Addresses, ", "))
	log.Infof("Config.OnLink: %s, Router: %s", strings.Join(c.OnLink, ", "), c.Router)
	log.Infof("Config.AutoConfigure: %t, DisableDAD: %t, DADDelay: %s", c.AutoConfigure, c.DisableDAD, c.DADDelay)
	log.Infof("Config.MetricServer: %s", c.MetricServer)
}

// StringList is a flag that may be repeated; every occurrence appends to
// the list.
type StringList []string

// String implements flag.Value.
func (l *StringList) String() string {
	return strings.Join(*l, ",")
}

// Get implements flag.Getter.
func (l *StringList) Get() any {
	return *l
}

// Set implements flag.Value.
func (l *StringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}
