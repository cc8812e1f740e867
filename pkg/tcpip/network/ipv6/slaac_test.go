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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

// fakeSolicitor answers the n-th wait with advertisements[n]; a nil entry
// or an exhausted queue means no advertisement arrived.
type fakeSolicitor struct {
	mu             sync.Mutex
	advertisements [][]stack.PrefixInfo
	solicitations  int
	waits          int
	onWait         func()
}

func (s *fakeSolicitor) SendRouterSolicitation(tcpip.NICID) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solicitations++
	return nil
}

func (s *fakeSolicitor) WaitRouterAdvertisement(ctx context.Context, _ tcpip.NICID, _ time.Duration) ([]stack.PrefixInfo, bool) {
	s.mu.Lock()
	i := s.waits
	s.waits++
	onWait := s.onWait
	s.mu.Unlock()
	if onWait != nil {
		onWait()
	}
	if ctx.Err() != nil || i >= len(s.advertisements) || s.advertisements[i] == nil {
		return nil, false
	}
	return s.advertisements[i], true
}

func (s *fakeSolicitor) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solicitations
}

func slaacAddresses(t *testing.T, c *testContext) []tcpip.Address {
	t.Helper()
	addrs, err := c.p.Addresses(slaacNIC)
	if err != nil {
		t.Fatalf("Addresses(%d) = %s", slaacNIC, err)
	}
	var out []tcpip.Address
	for _, a := range addrs {
		if a.State != AddressPreferred {
			t.Errorf("got %s in state %s, want = %s", a.Address, a.State, AddressPreferred)
		}
		out = append(out, a.Address.Address)
	}
	return out
}

func TestAutoconfigure(t *testing.T) {
	linkLocal := header.LinkLocalAddr(slaacIID)
	advertised := []stack.PrefixInfo{{
		Prefix:            slaacPrefix,
		OnLink:            true,
		Autonomous:        true,
		ValidLifetime:     stack.InfiniteLifetime,
		PreferredLifetime: stack.InfiniteLifetime,
	}}
	for _, test := range []struct {
		name           string
		advertisements [][]stack.PrefixInfo
		wantSent       int
		wantAddrs      []tcpip.Address
	}{
		{
			name:           "first solicitation answered",
			advertisements: [][]stack.PrefixInfo{advertised},
			wantSent:       1,
			wantAddrs:      []tcpip.Address{linkLocal, slaacAddr},
		},
		{
			name:           "second solicitation answered",
			advertisements: [][]stack.PrefixInfo{nil, advertised},
			wantSent:       2,
			wantAddrs:      []tcpip.Address{linkLocal, slaacAddr},
		},
		{
			name:      "no router",
			wantSent:  DefaultMaxRouterSolicitations,
			wantAddrs: []tcpip.Address{linkLocal},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := &fakeSolicitor{advertisements: test.advertisements}
			c := newSLAACContext(t, func(o *Options) { o.RouterSolicitor = s })
			if err := c.p.Autoconfigure(context.Background(), slaacNIC); err != nil {
				t.Fatalf("Autoconfigure(%d) = %s", slaacNIC, err)
			}
			if got := s.sent(); got != test.wantSent {
				t.Errorf("got %d router solicitations, want = %d", got, test.wantSent)
			}
			st := c.p.Stats()
			if got := st.Address.RouterSolicitationsSent.Value(); got != uint64(test.wantSent) {
				t.Errorf("got Address.RouterSolicitationsSent = %d, want = %d", got, test.wantSent)
			}
			if diff := cmp.Diff(test.wantAddrs, slaacAddresses(t, c)); diff != "" {
				t.Errorf("addresses mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAutoconfigureWithoutSolicitor(t *testing.T) {
	c := newSLAACContext(t, nil)
	if err := c.p.Autoconfigure(context.Background(), slaacNIC); err != nil {
		t.Fatalf("Autoconfigure(%d) = %s", slaacNIC, err)
	}
	if diff := cmp.Diff([]tcpip.Address{header.LinkLocalAddr(slaacIID)}, slaacAddresses(t, c)); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
	// A second run keeps the existing link-local address.
	if err := c.p.Autoconfigure(context.Background(), slaacNIC); err != nil {
		t.Fatalf("second Autoconfigure(%d) = %s", slaacNIC, err)
	}
	if got := len(slaacAddresses(t, c)); got != 1 {
		t.Errorf("got %d addresses, want = 1", got)
	}
}

func TestAutoconfigureNotSupported(t *testing.T) {
	c := newTestContext(t, nil)
	if err := c.p.Autoconfigure(context.Background(), nicID); err != tcpip.ErrNotSupported {
		t.Errorf("got Autoconfigure with autoconfiguration off = %s, want = %s", err, tcpip.ErrNotSupported)
	}

	c = newSLAACContext(t, nil)
	if err := c.p.AddNIC(loopbackNICID, nil, NICOptions{Loopback: true}); err != nil {
		t.Fatalf("AddNIC(%d) = %s", loopbackNICID, err)
	}
	if err := c.p.Autoconfigure(context.Background(), loopbackNICID); err != tcpip.ErrNotSupported {
		t.Errorf("got Autoconfigure on loopback = %s, want = %s", err, tcpip.ErrNotSupported)
	}
	if err := c.p.Autoconfigure(context.Background(), 9); err != tcpip.ErrUnknownNICID {
		t.Errorf("got Autoconfigure on unknown NIC = %s, want = %s", err, tcpip.ErrUnknownNICID)
	}
}

func TestAutoconfigureDisabledWhileWaiting(t *testing.T) {
	s := &fakeSolicitor{}
	c := newSLAACContext(t, func(o *Options) { o.RouterSolicitor = s })
	s.onWait = func() {
		if err := c.p.DisableAutoconfig(slaacNIC); err != nil {
			t.Errorf("DisableAutoconfig(%d) = %s", slaacNIC, err)
		}
	}
	if err := c.p.Autoconfigure(context.Background(), slaacNIC); err != tcpip.ErrAborted {
		t.Errorf("got Autoconfigure = %s, want = %s", err, tcpip.ErrAborted)
	}
	if got := s.sent(); got != 1 {
		t.Errorf("got %d router solicitations, want = 1", got)
	}
}

func TestAutoconfigureCancelled(t *testing.T) {
	s := &fakeSolicitor{}
	c := newSLAACContext(t, func(o *Options) { o.RouterSolicitor = s })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.p.Autoconfigure(ctx, slaacNIC); err != tcpip.ErrAborted {
		t.Errorf("got Autoconfigure = %s, want = %s", err, tcpip.ErrAborted)
	}
	if got := s.sent(); got != 1 {
		t.Errorf("got %d router solicitations, want = 1", got)
	}
}

func TestAutoconfigureDuplicateLinkLocal(t *testing.T) {
	c := newSLAACContext(t, func(o *Options) {
		o.DisableDAD = false
		o.DADProber = newFakeDAD(stack.DADDuplicate)
		o.RouterSolicitor = &fakeSolicitor{}
	})
	if err := c.p.Autoconfigure(context.Background(), slaacNIC); err != tcpip.ErrDuplicateAddress {
		t.Errorf("got Autoconfigure = %s, want = %s", err, tcpip.ErrDuplicateAddress)
	}
	if got := slaacAddresses(t, c); len(got) != 0 {
		t.Errorf("got addresses = %v, want none", got)
	}
}
