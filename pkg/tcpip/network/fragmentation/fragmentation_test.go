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

package fragmentation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/faketime"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

var (
	src = tcpip.MustParseAddress("2001:db8::1")
	dst = tcpip.MustParseAddress("2001:db8::2")
)

// payload returns n bytes whose values encode their offset in the
// reassembled datagram.
func payload(offset, n int) buffer.VectorisedView {
	v := buffer.NewView(n)
	for i := range v {
		v[i] = byte(offset + i)
	}
	return v.ToVectorisedView()
}

func frag(id uint32, offset, size int, more bool) Fragment {
	f := Fragment{
		ID:         FragmentID{Source: src, Destination: dst, ID: id},
		Offset:     offset,
		More:       more,
		NextHeader: 17,
		Data:       payload(offset, size),
	}
	if offset == 0 {
		f.Pkt = stack.NewPacketBuffer(0, payload(0, size))
	}
	return f
}

type timeoutRecorder struct {
	firsts []*stack.PacketBuffer
}

func (r *timeoutRecorder) OnReassemblyTimeout(first *stack.PacketBuffer) {
	r.firsts = append(r.firsts, first)
}

type fixture struct {
	mu      sync.Mutex
	clock   *faketime.ManualClock
	stats   tcpip.Stats
	handler timeoutRecorder
	f       *Fragmentation
}

func newFixture(t *testing.T, c Config) *fixture {
	t.Helper()
	fx := &fixture{
		clock: faketime.NewManualClock(),
		stats: tcpip.Stats{}.FillIn(),
	}
	f, err := New(&fx.mu, fx.clock, c, &fx.stats.Reassembly, &fx.handler)
	if err != nil {
		t.Fatalf("New(%+v): %s", c, err)
	}
	fx.f = f
	return fx
}

func (fx *fixture) process(fr Fragment) (Result, bool, error) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.f.Process(fr)
}

func (fx *fixture) counts() (lists, frags int) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.f.Lists(), fx.f.Fragments()
}

func TestProcess(t *testing.T) {
	type step struct {
		in       Fragment
		wantDone bool
		wantErr  error
	}
	tests := []struct {
		name      string
		steps     []step
		wantData  []byte
		wantLists int
		wantFrags int
	}{
		{
			name: "in order",
			steps: []step{
				{in: frag(1, 0, 16, true)},
				{in: frag(1, 16, 16, true)},
				{in: frag(1, 32, 5, false), wantDone: true},
			},
			wantData: payload(0, 37).ToView(),
		},
		{
			name: "reverse order",
			steps: []step{
				{in: frag(1, 32, 5, false)},
				{in: frag(1, 16, 16, true)},
				{in: frag(1, 0, 16, true), wantDone: true},
			},
			wantData: payload(0, 37).ToView(),
		},
		{
			name: "middle last",
			steps: []step{
				{in: frag(1, 0, 8, true)},
				{in: frag(1, 24, 3, false)},
				{in: frag(1, 8, 16, true), wantDone: true},
			},
			wantData: payload(0, 27).ToView(),
		},
		{
			name: "atomic fragment",
			steps: []step{
				{in: frag(1, 0, 10, false), wantDone: true},
			},
			wantData: payload(0, 10).ToView(),
		},
		{
			name: "duplicate offset keeps the list",
			steps: []step{
				{in: frag(1, 0, 8, true)},
				{in: frag(1, 0, 16, true), wantErr: ErrDuplicateFragment},
				{in: frag(1, 8, 8, false), wantDone: true},
			},
			wantData: payload(0, 16).ToView(),
		},
		{
			name: "overlap with predecessor discards",
			steps: []step{
				{in: frag(1, 0, 16, true)},
				{in: frag(1, 8, 16, true), wantErr: ErrFragmentOverlap},
			},
		},
		{
			name: "overlap with successor discards",
			steps: []step{
				{in: frag(1, 16, 16, true)},
				{in: frag(1, 8, 16, true), wantErr: ErrFragmentOverlap},
			},
		},
		{
			name: "second total discards",
			steps: []step{
				{in: frag(1, 0, 8, true)},
				{in: frag(1, 16, 4, false)},
				{in: frag(1, 24, 4, false), wantErr: ErrFragmentConflict},
			},
		},
		{
			name: "fragment beyond total discards",
			steps: []step{
				{in: frag(1, 16, 4, false)},
				{in: frag(1, 24, 8, true), wantErr: ErrFragmentConflict},
			},
		},
		{
			name: "terminal before queued fragments discards",
			steps: []step{
				{in: frag(1, 32, 8, true)},
				{in: frag(1, 8, 4, false), wantErr: ErrFragmentConflict},
			},
		},
		{
			name: "empty fragment dropped",
			steps: []step{
				{in: frag(1, 8, 0, true), wantErr: ErrFragmentEmpty},
			},
		},
		{
			name: "misaligned fragment dropped",
			steps: []step{
				{in: frag(1, 0, 12, true), wantErr: ErrFragmentMisaligned},
			},
		},
		{
			name: "too large on a new list",
			steps: []step{
				{in: frag(1, 65528, 16, false), wantErr: ErrFragmentTooLarge},
			},
		},
		{
			name: "too large discards the list",
			steps: []step{
				{in: frag(1, 0, 8, true)},
				{in: frag(1, 65528, 16, false), wantErr: ErrFragmentTooLarge},
			},
		},
		{
			name: "independent datagrams",
			steps: []step{
				{in: frag(1, 0, 8, true)},
				{in: frag(2, 0, 8, true)},
				{in: frag(2, 8, 2, false), wantDone: true},
			},
			wantData:  payload(0, 10).ToView(),
			wantLists: 1,
			wantFrags: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			var got Result
			for i, s := range test.steps {
				res, done, err := fx.process(s.in)
				if !errors.Is(err, s.wantErr) {
					t.Fatalf("step %d: got Process(...) error = %v, want = %v", i, err, s.wantErr)
				}
				if done != s.wantDone {
					t.Fatalf("step %d: got done = %t, want = %t", i, done, s.wantDone)
				}
				if done {
					got = res
				}
			}
			if test.wantData != nil {
				if diff := cmp.Diff(test.wantData, []byte(got.Data.ToView())); diff != "" {
					t.Errorf("reassembled data mismatch (-want +got):\n%s", diff)
				}
				if got.First == nil {
					t.Errorf("got nil first fragment")
				}
				if got.NextHeader != 17 {
					t.Errorf("got NextHeader = %d, want = 17", got.NextHeader)
				}
			}
			lists, frags := fx.counts()
			if lists != test.wantLists || frags != test.wantFrags {
				t.Errorf("got (lists, fragments) = (%d, %d), want = (%d, %d)", lists, frags, test.wantLists, test.wantFrags)
			}
		})
	}
}

func TestStats(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.process(frag(1, 0, 8, true))
	fx.process(frag(1, 0, 8, true))
	fx.process(frag(1, 8, 8, false))
	fx.process(frag(2, 0, 8, true))
	fx.process(frag(2, 4, 8, true))
	fx.process(frag(3, 0, 3, true))

	got := make(map[string]uint64)
	fx.stats.Visit(func(name string, c *tcpip.StatCounter) {
		if v := c.Value(); v != 0 {
			got[name] = v
		}
	})
	want := map[string]uint64{
		"Reassembly.FragmentsReceived":          6,
		"Reassembly.DuplicateFragmentsDropped":  1,
		"Reassembly.Completed":                  1,
		"Reassembly.ListsDiscarded":             1,
		"Reassembly.MalformedFragmentsReceived": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestTimeout(t *testing.T) {
	fx := newFixture(t, Config{Timeout: 30 * time.Second})
	if _, _, err := fx.process(frag(1, 0, 8, true)); err != nil {
		t.Fatalf("Process: %s", err)
	}
	// Offset 0 never arrives for this one.
	if _, _, err := fx.process(frag(2, 8, 8, false)); err != nil {
		t.Fatalf("Process: %s", err)
	}

	fx.clock.Advance(29 * time.Second)
	if lists, _ := fx.counts(); lists != 2 {
		t.Fatalf("got %d lists before the timeout, want = 2", lists)
	}
	fx.clock.Advance(time.Second)
	if lists, frags := fx.counts(); lists != 0 || frags != 0 {
		t.Errorf("got (lists, fragments) = (%d, %d) after the timeout, want = (0, 0)", lists, frags)
	}
	if got := fx.stats.Reassembly.Timeouts.Value(); got != 2 {
		t.Errorf("got Timeouts = %d, want = 2", got)
	}
	if got := len(fx.handler.firsts); got != 1 {
		t.Fatalf("got %d timeout notifications, want = 1", got)
	}
	if got, want := fx.handler.firsts[0].Data.Size(), 8; got != want {
		t.Errorf("got first fragment size = %d, want = %d", got, want)
	}
}

func TestTimeoutAfterRehome(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.process(frag(1, 16, 8, true))
	fx.process(frag(2, 0, 8, true))
	// Becomes the earliest fragment of datagram 1 and takes over its
	// bookkeeping; the timer must still find the datagram.
	fx.process(frag(1, 0, 8, true))

	fx.clock.Advance(DefaultReassembleTimeout)
	if lists, frags := fx.counts(); lists != 0 || frags != 0 {
		t.Errorf("got (lists, fragments) = (%d, %d), want = (0, 0)", lists, frags)
	}
	if got := len(fx.handler.firsts); got != 2 {
		t.Errorf("got %d timeout notifications, want = 2", got)
	}
}

func TestCompletedDatagramDoesNotTimeOut(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.process(frag(1, 0, 8, true))
	if _, done, _ := fx.process(frag(1, 8, 8, false)); !done {
		t.Fatalf("datagram not reassembled")
	}
	// A new datagram with the same ID gets a new timer.
	fx.process(frag(1, 0, 8, true))
	fx.clock.Advance(DefaultReassembleTimeout / 2)
	fx.process(frag(1, 8, 8, true))
	fx.clock.Advance(DefaultReassembleTimeout / 2)
	if got := fx.stats.Reassembly.Timeouts.Value(); got != 1 {
		t.Errorf("got Timeouts = %d, want = 1", got)
	}
	if got := fx.clock.Pending(); got != 0 {
		t.Errorf("got %d pending timers, want = 0", got)
	}
}

func TestResourceExhaustion(t *testing.T) {
	fx := newFixture(t, Config{MaxLists: 2, MaxFragments: 3})
	for id := uint32(1); id <= 2; id++ {
		if _, _, err := fx.process(frag(id, 0, 8, true)); err != nil {
			t.Fatalf("Process(id=%d): %s", id, err)
		}
	}
	if _, _, err := fx.process(frag(3, 0, 8, true)); !errors.Is(err, ErrNoResources) {
		t.Errorf("got Process(third list) error = %v, want = %v", err, ErrNoResources)
	}
	if _, _, err := fx.process(frag(1, 8, 8, true)); err != nil {
		t.Fatalf("Process: %s", err)
	}
	if _, _, err := fx.process(frag(2, 8, 8, true)); !errors.Is(err, ErrNoResources) {
		t.Errorf("got Process(fourth fragment) error = %v, want = %v", err, ErrNoResources)
	}
	// Only the arriving fragment was dropped.
	if lists, frags := fx.counts(); lists != 2 || frags != 3 {
		t.Errorf("got (lists, fragments) = (%d, %d), want = (2, 3)", lists, frags)
	}
	if got := fx.stats.Reassembly.FragmentsDroppedNoSpace.Value(); got != 2 {
		t.Errorf("got FragmentsDroppedNoSpace = %d, want = 2", got)
	}

	// Discarding datagram 2 frees space.
	if _, _, err := fx.process(frag(2, 4, 8, true)); !errors.Is(err, ErrFragmentOverlap) {
		t.Fatalf("got Process(overlap) error = %v, want = %v", err, ErrFragmentOverlap)
	}
	if _, _, err := fx.process(frag(3, 0, 8, true)); err != nil {
		t.Errorf("Process after completion: %s", err)
	}
}

func TestSetTimeout(t *testing.T) {
	fx := newFixture(t, Config{})
	for _, d := range []time.Duration{0, 999 * time.Millisecond, 121 * time.Second} {
		if err := fx.f.SetTimeout(d); !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("got SetTimeout(%s) = %v, want = %v", d, err, ErrInvalidArgs)
		}
	}
	if err := fx.f.SetTimeout(5 * time.Second); err != nil {
		t.Fatalf("SetTimeout(5s): %s", err)
	}
	if got := fx.f.Timeout(); got != 5*time.Second {
		t.Errorf("got Timeout() = %s, want = 5s", got)
	}
	fx.process(frag(1, 0, 8, true))
	fx.clock.Advance(5 * time.Second)
	if lists, _ := fx.counts(); lists != 0 {
		t.Errorf("got %d lists, want = 0", lists)
	}
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate(): %s", err)
	}
	want := Config{Timeout: DefaultReassembleTimeout, MaxLists: DefaultMaxLists, MaxFragments: DefaultMaxFragments}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	c = Config{Timeout: 10 * time.Minute}
	if err := c.Validate(); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("got Validate() = %v, want = %v", err, ErrInvalidArgs)
	}
}
