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

package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v2"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML or YAML (.yaml, .yml) file with settings; flags set on the command line take precedence.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")

	// Flags that tune the IPv6 layer. Zero selects the default.
	flagSet.Duration("reassembly-timeout", 0, "how long fragments of an incomplete datagram are kept.")
	flagSet.Int("max-fragment-lists", 0, "maximum number of datagrams reassembled at once.")
	flagSet.Int("max-fragments", 0, "maximum number of buffered fragments across all datagrams.")
	flagSet.Int("max-addresses", 0, "capacity of an interface address table.")
	flagSet.Uint("hop-limit", 0, "hop limit of outbound datagrams.")
	flagSet.Float64("icmp-error-rate", 0, "ICMPv6 error messages sent per second.")
	flagSet.Int("icmp-error-burst", 0, "burst of ICMPv6 error messages allowed above the rate.")
	flagSet.Bool("slaac", false, "autoconfigure a link-local and global address on the link.")
	flagSet.Duration("ra-wait-timeout", 0, "how long autoconfiguration waits for a Router Advertisement.")
	flagSet.Int("max-rtr-solicitations", 0, "number of Router Solicitations sent by autoconfiguration.")
	flagSet.Bool("disable-dad", false, "skip duplicate address detection.")
	flagSet.Duration("dad-delay", 0, "duration of duplicate address detection; 0 completes immediately.")
	flagSet.Var(&StringList{}, "claim", "address owned by another node; may be repeated.")
	flagSet.Bool("echo-reply", true, "answer ICMPv6 Echo Requests.")

	// Flags that describe the link.
	flagSet.String("dev", "ip6tun0", "TUN interface to attach to.")
	flagSet.Uint("mtu", 1500, "MTU of the link.")
	flagSet.String("iid", "", "address whose low 64 bits are the interface identifier, e.g. ::1.")
	flagSet.Var(&StringList{}, "addr", "static address in prefix notation; may be repeated.")
	flagSet.Var(&StringList{}, "onlink", "on-link prefix; may be repeated.")
	flagSet.String("router", "", "default router.")

	// Debugging flags.
	flagSet.Bool("log-packets", false, "enable network packet logging.")
	flagSet.String("pcap-log", "", "location of PCAP log file.")
	flagSet.String("metric-server", "", "address to serve Prometheus metrics on, e.g. localhost:9109.")
}

// fieldsByFlag maps flag names to Config field indexes.
func fieldsByFlag() map[string]int {
	m := make(map[string]int)
	st := reflect.TypeOf(Config{})
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			m[name] = i
		}
	}
	return m
}

func setFromFlag(obj reflect.Value, i int, fl *flag.Flag) {
	g, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("Flag %q does not implement flag.Getter", fl.Name))
	}
	obj.Field(i).Set(reflect.ValueOf(g.Get()))
}

// NewFromFlags creates a new Config with values coming from command line
// flags, the file named by --config, and defaults, in that order of
// precedence.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	fields := fieldsByFlag()
	for name, i := range fields {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		setFromFlag(obj, i, fl)
	}

	if conf.ConfigFile != "" {
		if err := decodeFile(conf.ConfigFile, conf); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		// Flags set on the command line win over the file.
		flagSet.Visit(func(fl *flag.Flag) {
			if i, ok := fields[fl.Name]; ok {
				setFromFlag(obj, i, fl)
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// decodeFile decodes path into conf, as YAML if its extension says so and
// as TOML otherwise. Unknown keys are an error in both formats.
func decodeFile(path string, conf *Config) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.SetStrict(true)
		if err := dec.Decode(conf); err != nil && err != io.EOF {
			return err
		}
		return nil
	default:
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys %v", undecoded)
		}
		return nil
	}
}
