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
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

type configured struct {
	nic    tcpip.NICID
	addr   tcpip.AddressWithPrefix
	result stack.DADResult
}

type configuredRecorder struct {
	mu  sync.Mutex
	got []configured
}

func (r *configuredRecorder) record(nic tcpip.NICID, addr tcpip.AddressWithPrefix, result stack.DADResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, configured{nic, addr, result})
}

func (r *configuredRecorder) events() []configured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]configured(nil), r.got...)
}

// newDADContext returns a context whose Protocol runs duplicate address
// detection through dad and has no address configured.
func newDADContext(t *testing.T, dad *fakeDAD, rec *configuredRecorder) *testContext {
	t.Helper()
	return newTestContext(t, func(o *Options) {
		o.DisableDAD = false
		o.DADProber = dad
		o.AddressConfigured = rec.record
	})
}

func addressState(t *testing.T, p *Protocol, addr tcpip.Address) (ConfiguredAddress, bool) {
	t.Helper()
	addrs, err := p.Addresses(nicID)
	if err != nil {
		t.Fatalf("Addresses(%d) = %s", nicID, err)
	}
	for _, a := range addrs {
		if a.Address.Address == addr {
			return a, true
		}
	}
	return ConfiguredAddress{}, false
}

func waitPending(t *testing.T, dad *fakeDAD, addr tcpip.Address) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !dad.isPending(addr) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for DAD of %s to start", addr)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAddAddressInProgress(t *testing.T) {
	dad := newFakeDAD(stack.DADInProgress)
	rec := &configuredRecorder{}
	c := newDADContext(t, dad, rec)

	if err := c.p.AddAddress(nicID, localWithPrfx, AddAddressOptions{}); err != tcpip.ErrAddressInProgress {
		t.Fatalf("got AddAddress = %s, want = %s", err, tcpip.ErrAddressInProgress)
	}
	a, ok := addressState(t, c.p, localAddr)
	if !ok || a.State != AddressTentative || a.Origin != OriginStatic || !a.Valid {
		t.Fatalf("got address = %+v, want tentative static valid", a)
	}
	if !c.membership.IsMember(nicID, header.SolicitedNodeAddr(localAddr)) {
		t.Errorf("solicited-node group of %s not joined", localAddr)
	}

	// Only ICMPv6 reaches a tentative address.
	c.inject(datagram(remoteAddr, localAddr, udp, pattern(8)))
	c.inject(datagram(remoteAddr, localAddr, icmpv6, []byte{136, 0, 0, 0}))
	if got := c.transport.count(); got != 0 {
		t.Errorf("got %d delivered UDP packets, want = 0", got)
	}
	if got := len(c.reporter.inbound); got != 1 {
		t.Errorf("got %d delivered ICMPv6 packets, want = 1", got)
	}

	// A tentative address is never a source.
	if _, err := c.p.SelectSource(nicID, remoteAddr, tcpip.Address{}); err != tcpip.ErrNoSourceAddress {
		t.Errorf("got SelectSource = %s, want = %s", err, tcpip.ErrNoSourceAddress)
	}
	pkt := stack.NewPacketBuffer(0, buffer.NewView(8).ToVectorisedView())
	if err := c.p.WritePacket(nicID, WriteParams{Source: localAddr, Destination: remoteAddr}, pkt); err != tcpip.ErrBadLocalAddress {
		t.Errorf("got WritePacket from a tentative source = %s, want = %s", err, tcpip.ErrBadLocalAddress)
	}

	if !dad.complete(localAddr, stack.DADSucceeded) {
		t.Fatalf("no DAD pending for %s", localAddr)
	}
	if a, _ := addressState(t, c.p, localAddr); a.State != AddressPreferred {
		t.Errorf("got state = %s, want = %s", a.State, AddressPreferred)
	}
	want := []configured{{nicID, localWithPrfx, stack.DADSucceeded}}
	if diff := cmp.Diff(want, rec.events(), cmp.AllowUnexported(configured{})); diff != "" {
		t.Errorf("AddressConfigured mismatch (-want +got):\n%s", diff)
	}
	if src, err := c.p.SelectSource(nicID, remoteAddr, tcpip.Address{}); err != nil || src != localAddr {
		t.Errorf("got SelectSource = (%s, %s), want = (%s, nil)", src, err, localAddr)
	}
}

func TestAddAddressDuplicate(t *testing.T) {
	dad := newFakeDAD(stack.DADInProgress)
	rec := &configuredRecorder{}
	c := newDADContext(t, dad, rec)

	if err := c.p.AddAddress(nicID, localWithPrfx, AddAddressOptions{}); err != tcpip.ErrAddressInProgress {
		t.Fatalf("got AddAddress = %s, want = %s", err, tcpip.ErrAddressInProgress)
	}
	dad.complete(localAddr, stack.DADDuplicate)
	if _, ok := addressState(t, c.p, localAddr); ok {
		t.Errorf("duplicate address %s still configured", localAddr)
	}
	if c.membership.IsMember(nicID, header.SolicitedNodeAddr(localAddr)) {
		t.Errorf("solicited-node group of a duplicate address still joined")
	}
	s := c.p.Stats()
	if got := s.Address.DuplicatesDetected.Value(); got != 1 {
		t.Errorf("got Address.DuplicatesDetected = %d, want = 1", got)
	}
	want := []configured{{nicID, localWithPrfx, stack.DADDuplicate}}
	if diff := cmp.Diff(want, rec.events(), cmp.AllowUnexported(configured{})); diff != "" {
		t.Errorf("AddressConfigured mismatch (-want +got):\n%s", diff)
	}
}

func TestAddAddressSynchronousResult(t *testing.T) {
	for _, test := range []struct {
		result    stack.DADResult
		wantErr   *tcpip.Error
		wantState AddressState
	}{
		{stack.DADSucceeded, nil, AddressPreferred},
		{stack.DADDisabled, nil, AddressPreferred},
		{stack.DADDuplicate, tcpip.ErrDuplicateAddress, AddressNone},
	} {
		t.Run(test.result.String(), func(t *testing.T) {
			c := newDADContext(t, newFakeDAD(test.result), &configuredRecorder{})
			if err := c.p.AddAddress(nicID, localWithPrfx, AddAddressOptions{}); err != test.wantErr {
				t.Fatalf("got AddAddress = %s, want = %s", err, test.wantErr)
			}
			a, _ := addressState(t, c.p, localAddr)
			if a.State != test.wantState {
				t.Errorf("got state = %s, want = %s", a.State, test.wantState)
			}
		})
	}
}

func TestAddAddressWait(t *testing.T) {
	t.Run("succeeds", func(t *testing.T) {
		dad := newFakeDAD(stack.DADInProgress)
		c := newDADContext(t, dad, &configuredRecorder{})
		errc := make(chan *tcpip.Error, 1)
		go func() {
			errc <- c.p.AddAddress(nicID, localWithPrfx, AddAddressOptions{Wait: true})
		}()
		waitPending(t, dad, localAddr)
		// The lock is released while waiting.
		if a, ok := addressState(t, c.p, localAddr); !ok || a.State != AddressTentative {
			t.Errorf("got address = %+v, want tentative", a)
		}
		dad.complete(localAddr, stack.DADSucceeded)
		if err := <-errc; err != nil {
			t.Errorf("got AddAddress = %s, want = nil", err)
		}
	})

	t.Run("removed while waiting", func(t *testing.T) {
		dad := newFakeDAD(stack.DADInProgress)
		c := newDADContext(t, dad, &configuredRecorder{})
		errc := make(chan *tcpip.Error, 1)
		go func() {
			errc <- c.p.AddAddress(nicID, localWithPrfx, AddAddressOptions{Wait: true})
		}()
		waitPending(t, dad, localAddr)
		if err := c.p.RemoveAddress(nicID, localAddr); err != nil {
			t.Fatalf("RemoveAddress = %s", err)
		}
		if err := <-errc; err != tcpip.ErrAborted {
			t.Errorf("got AddAddress = %s, want = %s", err, tcpip.ErrAborted)
		}
		if diff := cmp.Diff([]tcpip.Address{localAddr}, dad.stopped); diff != "" {
			t.Errorf("stopped DAD mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestAddAddressErrors(t *testing.T) {
	c := newTestContext(t, func(o *Options) { o.MaxAddresses = 2 })
	for _, test := range []struct {
		name    string
		nic     tcpip.NICID
		addr    tcpip.AddressWithPrefix
		wantErr *tcpip.Error
	}{
		{"unknown NIC", 5, tcpip.AddressWithPrefix{Address: remoteAddr, PrefixLen: 64}, tcpip.ErrUnknownNICID},
		{"already configured", nicID, localWithPrfx, tcpip.ErrDuplicateAddress},
		{"multicast", nicID, tcpip.AddressWithPrefix{Address: allNodesAddr, PrefixLen: 64}, tcpip.ErrBadAddress},
		{"unspecified", nicID, tcpip.AddressWithPrefix{PrefixLen: 64}, tcpip.ErrBadAddress},
		{"bad prefix", nicID, tcpip.AddressWithPrefix{Address: remoteAddr, PrefixLen: 129}, tcpip.ErrBadAddress},
		{"fills table", nicID, tcpip.AddressWithPrefix{Address: remoteAddr, PrefixLen: 64}, nil},
		{"table full", nicID, tcpip.AddressWithPrefix{Address: offLinkAddr, PrefixLen: 64}, tcpip.ErrNoBufferSpace},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := c.p.AddAddress(test.nic, test.addr, AddAddressOptions{}); err != test.wantErr {
				t.Errorf("got AddAddress(%d, %s) = %s, want = %s", test.nic, test.addr, err, test.wantErr)
			}
		})
	}
}

func TestRemoveAddress(t *testing.T) {
	c := newTestContext(t, nil)
	if err := c.p.RemoveAddress(nicID, remoteAddr); err != tcpip.ErrBadLocalAddress {
		t.Errorf("got RemoveAddress(%s) = %s, want = %s", remoteAddr, err, tcpip.ErrBadLocalAddress)
	}
	if err := c.p.RemoveAddress(nicID, localAddr); err != nil {
		t.Fatalf("RemoveAddress(%s) = %s", localAddr, err)
	}
	if c.membership.IsMember(nicID, header.SolicitedNodeAddr(localAddr)) {
		t.Errorf("solicited-node group of a removed address still joined")
	}
	c.inject(datagram(remoteAddr, localAddr, udp, pattern(8)))
	if got := c.transport.count(); got != 0 {
		t.Errorf("got %d packets delivered to a removed address, want = 0", got)
	}
	s := c.p.Stats()
	if got, want := s.Address.Added.Value()-s.Address.Removed.Value(), uint64(0); got != want {
		t.Errorf("got Added - Removed = %d, want = %d", got, want)
	}
}

var (
	slaacIID    = [header.IIDSize]byte{0x02, 0, 0, 0xff, 0xfe, 0, 0, 0x01}
	slaacPrefix = tcpip.AddressWithPrefix{Address: tcpip.MustParseAddress("2001:db8:5::"), PrefixLen: 64}
	slaacAddr   = header.AddressWithInterfaceID(slaacPrefix.Address, slaacIID)
)

// newSLAACContext returns a context with an autoconfiguring interface
// slaacNIC whose identifier is slaacIID.
func newSLAACContext(t *testing.T, mutate func(*Options)) *testContext {
	t.Helper()
	c := newTestContext(t, func(o *Options) {
		o.AutoConfigure = true
		if mutate != nil {
			mutate(o)
		}
	})
	if err := c.p.AddNIC(slaacNIC, nil, NICOptions{InterfaceID: slaacIID}); err != nil {
		t.Fatalf("AddNIC(%d) = %s", slaacNIC, err)
	}
	return c
}

const slaacNIC = 3

func slaacState(t *testing.T, c *testContext) (ConfiguredAddress, bool) {
	t.Helper()
	addrs, err := c.p.Addresses(slaacNIC)
	if err != nil {
		t.Fatalf("Addresses(%d) = %s", slaacNIC, err)
	}
	for _, a := range addrs {
		if a.Address.Address == slaacAddr {
			return a, true
		}
	}
	return ConfiguredAddress{}, false
}

func TestPrefixInformationLifetimes(t *testing.T) {
	c := newSLAACContext(t, nil)
	c.p.HandlePrefixInformation(slaacNIC, stack.PrefixInfo{
		Prefix:            slaacPrefix,
		OnLink:            true,
		Autonomous:        true,
		ValidLifetime:     100,
		PreferredLifetime: 50,
	})
	a, ok := slaacState(t, c)
	if !ok {
		t.Fatalf("%s not autoconfigured", slaacAddr)
	}
	if a.State != AddressPreferred || a.Origin != OriginAutoConfigured {
		t.Errorf("got (state, origin) = (%s, %s), want = (%s, %s)", a.State, a.Origin, AddressPreferred, OriginAutoConfigured)
	}
	if got, want := a.ValidUntil, c.clock.Now().Add(100*time.Second); !got.Equal(want) {
		t.Errorf("got ValidUntil = %s, want = %s", got, want)
	}

	c.clock.Advance(50 * time.Second)
	if a, _ := slaacState(t, c); a.State != AddressDeprecated {
		t.Errorf("got state after preferred lifetime = %s, want = %s", a.State, AddressDeprecated)
	}
	c.clock.Advance(50 * time.Second)
	if _, ok := slaacState(t, c); ok {
		t.Errorf("%s still configured after its valid lifetime", slaacAddr)
	}
	s := c.p.Stats()
	if got := s.Address.Deprecated.Value(); got != 1 {
		t.Errorf("got Address.Deprecated = %d, want = 1", got)
	}
	if got := s.Address.Expired.Value(); got != 1 {
		t.Errorf("got Address.Expired = %d, want = 1", got)
	}
}

func TestPrefixInformationValidLifetimeUpdate(t *testing.T) {
	const hour = 3600
	for _, test := range []struct {
		name      string
		initial   uint32
		update    uint32
		wantValid time.Duration
	}{
		{"longer than two hours", 100, 3 * hour, 3 * time.Hour},
		{"longer than remaining", 100, 1000, 1000 * time.Second},
		{"short remaining ignored", 100, 10, 100 * time.Second},
		{"long remaining capped", 5 * hour, 60, 2 * time.Hour},
		{"infinite capped", ^uint32(0), 60, 2 * time.Hour},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := newSLAACContext(t, nil)
			pi := stack.PrefixInfo{
				Prefix:            slaacPrefix,
				Autonomous:        true,
				ValidLifetime:     test.initial,
				PreferredLifetime: 10,
			}
			c.p.HandlePrefixInformation(slaacNIC, pi)
			pi.ValidLifetime = test.update
			c.p.HandlePrefixInformation(slaacNIC, pi)

			a, ok := slaacState(t, c)
			if !ok {
				t.Fatalf("%s not autoconfigured", slaacAddr)
			}
			if got, want := a.ValidUntil, c.clock.Now().Add(test.wantValid); !got.Equal(want) {
				t.Errorf("got ValidUntil = %s, want = %s", got, want)
			}
		})
	}
}

func TestPrefixInformationIgnored(t *testing.T) {
	valid := stack.PrefixInfo{Prefix: slaacPrefix, Autonomous: true, ValidLifetime: 100, PreferredLifetime: 50}
	for _, test := range []struct {
		name   string
		mutate func(*stack.PrefixInfo)
	}{
		{"not autonomous", func(pi *stack.PrefixInfo) { pi.Autonomous = false }},
		{"not a /64", func(pi *stack.PrefixInfo) { pi.Prefix.PrefixLen = 48 }},
		{"link-local", func(pi *stack.PrefixInfo) { pi.Prefix.Address = tcpip.MustParseAddress("fe80::") }},
		{"preferred exceeds valid", func(pi *stack.PrefixInfo) { pi.PreferredLifetime = 200 }},
		{"zero valid lifetime", func(pi *stack.PrefixInfo) { pi.ValidLifetime, pi.PreferredLifetime = 0, 0 }},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := newSLAACContext(t, nil)
			pi := valid
			test.mutate(&pi)
			c.p.HandlePrefixInformation(slaacNIC, pi)
			addrs, _ := c.p.Addresses(slaacNIC)
			if len(addrs) != 0 {
				t.Errorf("got addresses = %v, want none", addrs[0].Address)
			}
		})
	}
}

func TestPrefixInformationDeprecatedWhileTentative(t *testing.T) {
	dad := newFakeDAD(stack.DADInProgress)
	c := newSLAACContext(t, func(o *Options) {
		o.DisableDAD = false
		o.DADProber = dad
	})
	c.p.HandlePrefixInformation(slaacNIC, stack.PrefixInfo{
		Prefix:            slaacPrefix,
		Autonomous:        true,
		ValidLifetime:     100,
		PreferredLifetime: 0,
	})
	if a, _ := slaacState(t, c); a.State != AddressTentative {
		t.Fatalf("got state = %s, want = %s", a.State, AddressTentative)
	}
	dad.complete(slaacAddr, stack.DADSucceeded)
	if a, _ := slaacState(t, c); a.State != AddressDeprecated {
		t.Errorf("got state = %s, want = %s", a.State, AddressDeprecated)
	}
}
